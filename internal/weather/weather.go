// Package weather fetches local conditions from the Open-Meteo API for
// weather questions and the dashboard header.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

const (
	defaultBaseURL  = "https://api.open-meteo.com/v1"
	defaultCacheTTL = 10 * time.Minute
	defaultTimeout  = 10 * time.Second
	forecastHours   = 12
	rainThreshold   = 30
)

// ErrDisabled is returned when weather lookups are switched off.
var ErrDisabled = errors.New("weather: disabled")

// Config locates the forecast point.
type Config struct {
	Enabled   bool
	BaseURL   string
	Latitude  float64
	Longitude float64
	Location  string
	Timezone  string
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// Conditions is the current weather at the configured point. Temperatures
// are Fahrenheit and wind speed is mph.
type Conditions struct {
	Location    string          `json:"location"`
	Temp        float64         `json:"temp"`
	FeelsLike   float64         `json:"feels_like"`
	Humidity    float64         `json:"humidity"`
	WindSpeed   float64         `json:"wind_speed"`
	WindDir     string          `json:"wind_dir"`
	Code        int             `json:"weather_code"`
	Description string          `json:"description"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// Summary is the one-line form handed to the model.
func (c Conditions) Summary() string {
	return fmt.Sprintf("%s, %s°F (feels %s°F), humidity %s%%, wind %smph %s",
		c.Description, num(c.Temp), num(c.FeelsLike), num(c.Humidity), num(c.WindSpeed), c.WindDir)
}

// Short is the "72F Clear" form used by the dashboard.
func (c Conditions) Short() string {
	return fmt.Sprintf("%sF %s", num(c.Temp), c.Description)
}

// Option customises the client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client queries Open-Meteo and caches current conditions.
type Client struct {
	cfg    Config
	http   *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	current *Conditions
}

// New returns a client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.Component(c.logger, "weather")
	return c
}

// Enabled reports whether lookups are switched on.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

// Location is the configured place name.
func (c *Client) Location() string { return c.cfg.Location }

type currentResponse struct {
	Current json.RawMessage `json:"current"`
}

type currentFields struct {
	Temperature   float64 `json:"temperature_2m"`
	Humidity      float64 `json:"relative_humidity_2m"`
	Apparent      float64 `json:"apparent_temperature"`
	Code          int     `json:"weather_code"`
	WindSpeed     float64 `json:"wind_speed_10m"`
	WindDirection float64 `json:"wind_direction_10m"`
}

// Current returns the current conditions, served from cache while fresh.
func (c *Client) Current(ctx context.Context) (Conditions, error) {
	if !c.Enabled() {
		return Conditions{}, ErrDisabled
	}
	c.mu.Lock()
	if c.current != nil && c.now().Sub(c.current.FetchedAt) < c.cfg.CacheTTL {
		cached := *c.current
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	q := c.baseQuery()
	q.Set("current", "temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m,wind_direction_10m")
	q.Set("wind_speed_unit", "mph")

	var resp currentResponse
	if err := c.get(ctx, q, &resp); err != nil {
		return Conditions{}, err
	}
	if len(resp.Current) == 0 || string(resp.Current) == "null" {
		return Conditions{}, errors.New("weather: response has no current block")
	}
	var f currentFields
	if err := json.Unmarshal(resp.Current, &f); err != nil {
		return Conditions{}, fmt.Errorf("weather: decode current: %w", err)
	}

	cond := Conditions{
		Location:    c.cfg.Location,
		Temp:        f.Temperature,
		FeelsLike:   f.Apparent,
		Humidity:    f.Humidity,
		WindSpeed:   f.WindSpeed,
		WindDir:     Cardinal(f.WindDirection),
		Code:        f.Code,
		Description: Describe(f.Code),
		Raw:         resp.Current,
		FetchedAt:   c.now(),
	}
	c.mu.Lock()
	c.current = &cond
	c.mu.Unlock()
	c.logger.Info("weather updated", slog.String("summary", cond.Summary()))
	return cond, nil
}

type hourlyResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		Precipitation []float64 `json:"precipitation_probability"`
		Code          []int     `json:"weather_code"`
	} `json:"hourly"`
}

// Forecast returns a short outlook for now, +3h, +6h and the end of the
// next 12 hours, e.g. "14:00: 75°F clear | 17:00: 71°F rain 60% rain".
func (c *Client) Forecast(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	q := c.baseQuery()
	q.Set("hourly", "temperature_2m,precipitation_probability,weather_code")
	q.Set("forecast_hours", strconv.Itoa(forecastHours))

	var resp hourlyResponse
	if err := c.get(ctx, q, &resp); err != nil {
		return "", err
	}
	h := resp.Hourly
	if len(h.Time) < 3 {
		return "", errors.New("weather: forecast has too few hours")
	}

	var points []string
	for _, i := range []int{0, 3, 6, min(forecastHours-1, len(h.Time)-1)} {
		if i >= len(h.Time) {
			continue
		}
		clock := h.Time[i]
		if _, after, ok := strings.Cut(clock, "T"); ok && len(after) >= 5 {
			clock = after[:5]
		}
		line := fmt.Sprintf("%s: %s°F %s", clock, num(at(h.Temperature, i)), Brief(atInt(h.Code, i)))
		if rain := at(h.Precipitation, i); rain > rainThreshold {
			line += fmt.Sprintf(" %s%% rain", num(rain))
		}
		points = append(points, line)
	}
	return strings.Join(points, " | "), nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.cfg.Longitude, 'f', -1, 64))
	q.Set("temperature_unit", "fahrenheit")
	if c.cfg.Timezone != "" {
		q.Set("timezone", c.cfg.Timezone)
	}
	return q
}

func (c *Client) get(ctx context.Context, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/forecast?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("weather: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("weather: request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("weather: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather: api returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("weather: decode response: %w", err)
	}
	return nil
}

var descriptions = map[int]string{
	0:  "Clear",
	1:  "Mostly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Freezing fog",
	51: "Light drizzle",
	53: "Drizzle",
	55: "Heavy drizzle",
	61: "Light rain",
	63: "Rain",
	65: "Heavy rain",
	66: "Freezing rain",
	67: "Heavy freezing rain",
	71: "Light snow",
	73: "Snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Light showers",
	81: "Showers",
	82: "Heavy showers",
	85: "Light snow showers",
	86: "Snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm w/ hail",
	99: "Severe thunderstorm",
}

// Describe maps a WMO weather code to words.
func Describe(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "Unknown"
}

// Brief is a one-word label for a WMO code, used in forecasts.
func Brief(code int) string {
	switch code {
	case 0:
		return "clear"
	case 1, 2:
		return "partly cloudy"
	case 3:
		return "cloudy"
	case 45, 48:
		return "fog"
	case 51, 53, 55, 61, 63, 65, 80, 81, 82:
		return "rain"
	case 66, 67:
		return "sleet"
	case 71, 73, 75, 77, 85, 86:
		return "snow"
	case 95, 96, 99:
		return "storms"
	}
	return "?"
}

var compass = [...]string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE", "S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}

// Cardinal converts a bearing in degrees to a 16-point compass direction.
func Cardinal(degrees float64) string {
	idx := int(math.Floor((math.Mod(degrees, 360)+360+11.25)/22.5)) % len(compass)
	return compass[idx]
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}

func at(vals []float64, i int) float64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

func atInt(vals []int, i int) int {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}
