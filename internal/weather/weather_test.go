package weather_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/testutil"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

const currentBody = `{"current":{"time":"2026-03-14T15:00","temperature_2m":72.4,"relative_humidity_2m":41,
"apparent_temperature":71.9,"weather_code":2,"wind_speed_10m":8.3,"wind_direction_10m":200}}`

const hourlyBody = `{"hourly":{
"time":["2026-03-14T15:00","2026-03-14T16:00","2026-03-14T17:00","2026-03-14T18:00","2026-03-14T19:00",
"2026-03-14T20:00","2026-03-14T21:00","2026-03-14T22:00","2026-03-14T23:00","2026-03-15T00:00",
"2026-03-15T01:00","2026-03-15T02:00"],
"temperature_2m":[75,74,73,71,70,68,66,65,64,63,62,61],
"precipitation_probability":[0,5,10,60,70,20,10,0,0,0,0,45],
"weather_code":[0,1,2,63,63,3,3,3,3,3,45,61]}}`

func server(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		assert.Equal(t, "fahrenheit", r.URL.Query().Get("temperature_unit"))
		assert.Equal(t, "30.2672", r.URL.Query().Get("latitude"))
		if r.URL.Query().Get("hourly") != "" {
			_, _ = w.Write([]byte(hourlyBody))
			return
		}
		_, _ = w.Write([]byte(currentBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCurrentIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := server(t, &hits)
	clock := testutil.NewClock(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC))
	c := weather.New(weather.Config{
		Enabled:   true,
		BaseURL:   srv.URL + "/v1",
		Latitude:  30.2672,
		Longitude: -97.7431,
		Location:  "Austin, TX",
		Timezone:  "America/Chicago",
	}, weather.WithClock(clock.Now))

	cond, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Partly cloudy, 72.4°F (feels 71.9°F), humidity 41%, wind 8.3mph SSW", cond.Summary())
	assert.Equal(t, "72.4F Partly cloudy", cond.Short())
	assert.Equal(t, "Austin, TX", cond.Location)

	clock.Advance(9 * time.Minute)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "served from cache")

	clock.Advance(2 * time.Minute)
	_, err = c.Current(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "refetched after the cache expired")
}

func TestForecast(t *testing.T) {
	var hits atomic.Int32
	srv := server(t, &hits)
	c := weather.New(weather.Config{Enabled: true, BaseURL: srv.URL + "/v1", Latitude: 30.2672})

	out, err := c.Forecast(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "15:00: 75°F clear | 18:00: 71°F rain 60% rain | 21:00: 66°F cloudy | 02:00: 61°F rain 45% rain", out)
}

func TestDisabledAndErrors(t *testing.T) {
	c := weather.New(weather.Config{})
	_, err := c.Current(context.Background())
	assert.ErrorIs(t, err, weather.ErrDisabled)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c = weather.New(weather.Config{Enabled: true, BaseURL: srv.URL})
	_, err = c.Current(context.Background())
	assert.ErrorContains(t, err, "status 502")
}

func TestCardinalAndDescribe(t *testing.T) {
	assert.Equal(t, "N", weather.Cardinal(0))
	assert.Equal(t, "N", weather.Cardinal(355))
	assert.Equal(t, "E", weather.Cardinal(90))
	assert.Equal(t, "SW", weather.Cardinal(225))
	assert.Equal(t, "N", weather.Cardinal(-5))
	assert.Equal(t, "Thunderstorm w/ hail", weather.Describe(96))
	assert.Equal(t, "Unknown", weather.Describe(7))
}
