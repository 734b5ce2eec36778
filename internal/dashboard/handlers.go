package dashboard

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

// Relative windows accepted by the range parameters. Anything else means
// all time.
var (
	statsRanges = map[string]time.Duration{
		"1h": time.Hour, "6h": 6 * time.Hour, "24h": 24 * time.Hour, "7d": 7 * 24 * time.Hour,
	}
	nodeRanges = map[string]time.Duration{
		"1h": time.Hour, "24h": 24 * time.Hour, "7d": 7 * 24 * time.Hour,
	}
	messageRanges = map[string]time.Duration{
		"30m": 30 * time.Minute, "1h": time.Hour, "6h": 6 * time.Hour, "24h": 24 * time.Hour,
	}
)

const (
	historicalMessages = 50
	activityBuckets    = 24
)

func (s *Server) since(ranges map[string]time.Duration, name string) time.Time {
	if d, ok := ranges[name]; ok {
		return s.now().Add(-d)
	}
	return time.Time{}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(fmt.Sprintf("%s must be an integer", name))
	}
	return v, nil
}

func nodeParam(r *http.Request, required bool) (string, error) {
	id := decode.NormalizeNodeID(strings.TrimSpace(r.URL.Query().Get("node_id")))
	if id == "" && required {
		return "", badRequest("node_id required")
	}
	return id, nil
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Server) stats(r *http.Request) (any, error) {
	return s.store.Stats(r.Context())
}

func (s *Server) statsEnhanced(r *http.Request) (any, error) {
	name := r.URL.Query().Get("range")
	if name == "" {
		name = "24h"
	}
	if _, ok := statsRanges[name]; !ok {
		name = "all"
	}
	return s.store.RangeStats(r.Context(), name, s.since(statsRanges, name))
}

func (s *Server) nodes(r *http.Request) (any, error) {
	nodes, err := s.store.ListNodes(r.Context(), s.since(nodeRanges, r.URL.Query().Get("range")))
	return orEmpty(nodes), err
}

type nodeDetailResponse struct {
	storage.NodeDetail
	Facts []storage.Fact `json:"facts"`
}

func (s *Server) nodeDetail(r *http.Request) (any, error) {
	id, err := nodeParam(r, true)
	if err != nil {
		return nil, err
	}
	detail, err := s.store.NodeDetail(r.Context(), id)
	if err != nil {
		return nil, err
	}
	facts, err := s.store.UserFacts(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return nodeDetailResponse{NodeDetail: detail, Facts: orEmpty(facts)}, nil
}

func (s *Server) messages(r *http.Request) (any, error) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	q := storage.MessageQuery{Limit: limit, Since: s.since(messageRanges, r.URL.Query().Get("range"))}
	if r.URL.Query().Get("channel") != "" {
		ch, err := intParam(r, "channel", 0)
		if err != nil {
			return nil, err
		}
		q.Channel = &ch
	}
	msgs, err := s.store.ListMessages(r.Context(), q)
	return orEmpty(msgs), err
}

func (s *Server) dmConversations(r *http.Request) (any, error) {
	convs, err := s.store.DMConversations(r.Context())
	return orEmpty(convs), err
}

func (s *Server) dmThread(r *http.Request) (any, error) {
	id, err := nodeParam(r, true)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.DMThread(r.Context(), id, limit)
	return orEmpty(thread), err
}

func (s *Server) activity(r *http.Request) (any, error) {
	return s.store.ActivityBuckets(r.Context(), s.now(), activityBuckets, time.Hour)
}

type timeRangeResponse struct {
	Earliest *time.Time `json:"earliest"`
	Latest   *time.Time `json:"latest"`
}

func (s *Server) timeRange(r *http.Request) (any, error) {
	first, last, err := s.store.TimeRange(r.Context())
	if err != nil {
		return nil, err
	}
	var out timeRangeResponse
	if !first.IsZero() {
		out.Earliest, out.Latest = &first, &last
	}
	return out, nil
}

func (s *Server) historical(r *http.Request) (any, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return nil, badRequest(`missing "at" parameter`)
	}
	at, err := ParseInstant(raw, s.now().Location())
	if err != nil {
		return nil, badRequest(err.Error())
	}
	return s.history.Snapshot(r.Context(), at, historicalMessages)
}

// ParseInstant accepts RFC 3339, a local "YYYY-MM-DD HH:MM[:SS]" or unix
// seconds.
func ParseInstant(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
}

func (s *Server) telemetryHistory(r *http.Request) (any, error) {
	id, err := nodeParam(r, true)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	kind := r.URL.Query().Get("type")
	switch kind {
	case "":
		kind = "device"
	case "all":
		kind = ""
	}
	samples, err := s.store.TelemetryHistory(r.Context(), id, kind, limit)
	return orEmpty(samples), err
}

func (s *Server) positionTrail(r *http.Request) (any, error) {
	id, err := nodeParam(r, true)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	trail, err := s.store.PositionTrail(r.Context(), id, limit)
	return orEmpty(trail), err
}

func (s *Server) topology(r *http.Request) (any, error) {
	return s.store.Topology(r.Context())
}

func (s *Server) waypoints(r *http.Request) (any, error) {
	activeOnly := !strings.EqualFold(r.URL.Query().Get("active_only"), "false")
	wps, err := s.store.Waypoints(r.Context(), activeOnly)
	return orEmpty(wps), err
}

func (s *Server) traceroutes(r *http.Request) (any, error) {
	id, err := nodeParam(r, false)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		return nil, err
	}
	routes, err := s.store.Traceroutes(r.Context(), id, limit)
	return orEmpty(routes), err
}

func (s *Server) signalTrends(r *http.Request) (any, error) {
	id, err := nodeParam(r, true)
	if err != nil {
		return nil, err
	}
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		return nil, err
	}
	points, err := s.store.SignalTrends(r.Context(), id, hours)
	return orEmpty(points), err
}

func (s *Server) paxcounter(r *http.Request) (any, error) {
	id, err := nodeParam(r, false)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	samples, err := s.store.Paxcounts(r.Context(), id, limit)
	return orEmpty(samples), err
}

func (s *Server) rangeTests(r *http.Request) (any, error) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	tests, err := s.store.RangeTests(r.Context(), limit)
	return orEmpty(tests), err
}

func (s *Server) detectionAlerts(r *http.Request) (any, error) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	alerts, err := s.store.DetectionAlerts(r.Context(), limit)
	return orEmpty(alerts), err
}

func (s *Server) storeForwardStats(r *http.Request) (any, error) {
	records, err := s.store.StoreForwardStats(r.Context())
	return orEmpty(records), err
}

func (s *Server) checkUpdates(w http.ResponseWriter, r *http.Request) {
	since := 0.0
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a number")
			return
		}
		since = v
	}
	last, err := s.store.LastModified(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_updates": last > since,
		"last_update": last,
	})
}

type weatherResponse struct {
	weather.Conditions
	Weather string `json:"weather"`
}

func (s *Server) currentWeather(w http.ResponseWriter, r *http.Request) {
	if !s.weather.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "weather disabled")
		return
	}
	cond, err := s.weather.Current(r.Context())
	if err != nil {
		s.logger.Warn("weather fetch failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, weatherResponse{Conditions: cond, Weather: cond.Short()})
}
