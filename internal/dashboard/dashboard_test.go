package dashboard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/dashboard"
	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

const alice = "!aabbccdd"

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *storage.Store
	server *dashboard.Server
	clock  *testutil.Clock
}

func newFixture(t *testing.T, opts ...dashboard.Option) *fixture {
	t.Helper()
	clock := testutil.NewClock(base)
	store := testutil.OpenStore(t, storage.WithClock(clock.Now))
	opts = append([]dashboard.Option{dashboard.WithClock(clock.Now)}, opts...)
	srv, err := dashboard.New(store, dashboard.Config{PushInterval: 10 * time.Millisecond}, opts...)
	require.NoError(t, err)
	return &fixture{store: store, server: srv, clock: clock}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveNode(ctx, testutil.NodeInfo(alice, "Alice Base", "ALB", testutil.Int64(1))))
	for i, text := range []string{"hello mesh", "anyone on?"} {
		pkt := testutil.TextPacket(alice, decode.BroadcastAlias, text, 3, 2, base.Add(time.Duration(i)*time.Minute))
		_, err := f.store.SaveMessage(ctx, storage.MessageFromPacket(pkt, "Alice Base"))
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SaveFact(ctx, alice, storage.Fact{Type: "callsign", Value: "KD5ABC", Confidence: 0.9, Source: "extracted"}))
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestReadEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[storage.Stats](t, rec)
	assert.EqualValues(t, 2, stats.TotalMessages)
	assert.EqualValues(t, 1, stats.TotalNodes)

	rec = f.do(t, http.MethodGet, "/api/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody[[]storage.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "anyone on?", msgs[0].Text)

	rec = f.do(t, http.MethodGet, "/api/nodes?range=24h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decodeBody[[]storage.Node](t, rec)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Alice Base", nodes[0].LongName)

	rec = f.do(t, http.MethodGet, "/api/waypoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestNodeDetail(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/node-detail", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"node_id required"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/node-detail?node_id=!deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/node-detail?node_id=!AABBCCDD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Node           storage.Node      `json:"node"`
		RecentMessages []storage.Message `json:"recent_messages"`
		MessagesTotal  int64             `json:"messages_total"`
		Facts          []storage.Fact    `json:"facts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, alice, detail.Node.NodeID)
	assert.EqualValues(t, 2, detail.MessagesTotal)
	require.Len(t, detail.Facts, 1)
	assert.Equal(t, "KD5ABC", detail.Facts[0].Value)
}

func TestHistoricalValidatesInstant(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/historical", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/historical?at=yesterday", nil).Code)

	rec := f.do(t, http.MethodGet, "/api/historical?at=2026-03-14T12:00:30Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Messages []storage.ThreadMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello mesh", snap.Messages[0].Text)
}

func TestSendQueuesOutboxEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/send", map[string]any{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Empty message")

	rec = f.do(t, http.MethodPost, "/api/send", map[string]any{"message": strings.Repeat("x", 201)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "max 200 bytes")

	rec = f.do(t, http.MethodPost, "/api/send", map[string]any{"message": "net check", "channel": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "text", out["type"])

	rec = f.do(t, http.MethodPost, "/api/send", map[string]any{"message": "hi alice", "destination": alice})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dm", decodeBody[map[string]any](t, rec)["type"])

	pending, err := f.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, decode.BroadcastAlias, pending[0].Destination)
	assert.Equal(t, 1, pending[0].Channel)
	assert.Equal(t, alice, pending[1].Destination)
	assert.Equal(t, storage.KindDM, pending[1].Kind)
}

func TestRequestTraceroute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/request-traceroute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/request-traceroute", map[string]any{"node_id": alice})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, out["success"])
	assert.NotZero(t, out["request_id"])

	pending, err := f.store.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, storage.KindTraceroute, pending[0].Kind)
}

func TestCheckUpdates(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/check-updates?since=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, out["has_updates"])
	last := out["last_update"].(float64)

	rec = f.do(t, http.MethodGet, "/api/check-updates?since="+jsonNumber(last), nil)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["has_updates"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/check-updates?since=soon", nil).Code)
}

func jsonNumber(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *mapCache) Close() error { return nil }

func TestResponsesAreCachedUntilTheStoreChanges(t *testing.T) {
	cache := &mapCache{entries: map[string][]byte{}}
	f := newFixture(t, dashboard.WithCache(cache))
	f.seed(t)

	first := f.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, "miss", first.Header().Get("X-Cache"))
	second := f.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	_, err := f.store.AddToOutbox(context.Background(), "ping", "", 0, storage.KindText)
	require.NoError(t, err)
	third := f.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, "miss", third.Header().Get("X-Cache"))
}

func TestNewCacheDisabledIsNoop(t *testing.T) {
	cache, err := dashboard.NewCache(context.Background(), dashboard.CacheConfig{})
	require.NoError(t, err)
	assert.IsType(t, dashboard.NoopCache{}, cache)

	_, err = dashboard.NewCache(context.Background(), dashboard.CacheConfig{Enabled: true})
	assert.ErrorContains(t, err, "redis address")
}

func TestWeatherEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/weather", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	meteo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":72.4,"relative_humidity_2m":41,
"apparent_temperature":71.9,"weather_code":2,"wind_speed_10m":8.3,"wind_direction_10m":200}}`))
	}))
	t.Cleanup(meteo.Close)

	client := weather.New(weather.Config{Enabled: true, BaseURL: meteo.URL + "/v1", Location: "Austin, TX"})
	f = newFixture(t, dashboard.WithWeather(client))
	rec = f.do(t, http.MethodGet, "/api/weather", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "72.4F Partly cloudy", out["weather"])
	assert.Equal(t, "Austin, TX", out["location"])
	assert.InDelta(t, 72.4, out["temp"], 1e-9)
}

func TestRequestIDAndCORS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodOptions, "/api/send", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebsocketPushesChanges(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var event struct {
		LastUpdate float64 `json:"last_update"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	initial := event.LastUpdate

	_, err = f.store.AddToOutbox(context.Background(), "ping", "", 0, storage.KindText)
	require.NoError(t, err)
	want, err := f.store.LastModified(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&event))
	assert.Greater(t, event.LastUpdate, initial)
	assert.Equal(t, want, event.LastUpdate)
}
