// Package dashboard serves the read-only JSON API over the store, the two
// queue-only write endpoints and the change-notification websocket.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aminovpavel/meshbridge-go/internal/history"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

// Config controls the dashboard HTTP server.
type Config struct {
	Address        string
	CacheKeyPrefix string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownPeriod time.Duration
	// CacheTTL bounds how long a cached response may live.
	CacheTTL time.Duration
	// PushInterval is how often websocket clients are checked for changes.
	PushInterval time.Duration
	// MaxSendBytes caps /api/send message payloads.
	MaxSendBytes int
}

func (c *Config) normalise() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownPeriod <= 0 {
		c.ShutdownPeriod = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.PushInterval <= 0 {
		c.PushInterval = time.Second
	}
	if c.MaxSendBytes <= 0 {
		c.MaxSendBytes = 200
	}
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCache sets the response cache. The default never hits.
func WithCache(cache Cache) Option {
	return func(s *Server) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithWeather enables /api/weather.
func WithWeather(client *weather.Client) Option {
	return func(s *Server) {
		s.weather = client
	}
}

// WithClock overrides the time source for relative ranges.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is the dashboard API.
type Server struct {
	cfg     Config
	store   *storage.Store
	history *history.Reconstructor
	weather *weather.Client
	cache   Cache
	now     func() time.Time
	logger  *slog.Logger
	router  chi.Router
}

// New builds the server and its routes.
func New(store *storage.Store, cfg Config, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("dashboard: store is nil")
	}
	cfg.normalise()
	s := &Server{
		cfg:    cfg,
		store:  store,
		cache:  NoopCache{},
		now:    time.Now,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.Component(s.logger, "dashboard")
	s.history = history.New(store, history.WithLogger(s.logger))
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(s.logger))
	r.Use(Recovery(s.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.cached(s.stats))
		r.Get("/stats-enhanced", s.cached(s.statsEnhanced))
		r.Get("/nodes", s.cached(s.nodes))
		r.Get("/node-detail", s.cached(s.nodeDetail))
		r.Get("/messages", s.cached(s.messages))
		r.Get("/dm-conversations", s.cached(s.dmConversations))
		r.Get("/dm-thread", s.cached(s.dmThread))
		r.Get("/activity", s.cached(s.activity))
		r.Get("/time-range", s.cached(s.timeRange))
		r.Get("/historical", s.cached(s.historical))
		r.Get("/telemetry-history", s.cached(s.telemetryHistory))
		r.Get("/position-trail", s.cached(s.positionTrail))
		r.Get("/topology", s.cached(s.topology))
		r.Get("/waypoints", s.cached(s.waypoints))
		r.Get("/traceroutes", s.cached(s.traceroutes))
		r.Get("/signal-trends", s.cached(s.signalTrends))
		r.Get("/paxcounter", s.cached(s.paxcounter))
		r.Get("/range-tests", s.cached(s.rangeTests))
		r.Get("/detection-alerts", s.cached(s.detectionAlerts))
		r.Get("/store-forward-stats", s.cached(s.storeForwardStats))

		r.Get("/check-updates", s.checkUpdates)
		r.Get("/weather", s.currentWeather)
		r.Get("/ws", s.websocket)

		r.Post("/send", s.send)
		r.Post("/request-traceroute", s.requestTraceroute)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownPeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("dashboard shutdown error", slog.Any("error", err))
		}
	}()

	s.logger.Info("dashboard listening", slog.String("address", s.cfg.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// readFunc produces the JSON body of a cached GET endpoint.
type readFunc func(r *http.Request) (any, error)

// badRequest marks a client error.
type badRequest string

func (e badRequest) Error() string { return string(e) }

// cached serves fn through the response cache keyed by the change counter.
// Cache failures fall through to the store.
func (s *Server) cached(fn readFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var key string
		if version, err := s.store.LastModified(ctx); err == nil {
			key = cacheKey(s.cfg.CacheKeyPrefix, version, r.URL.RequestURI())
			if body, ok, err := s.cache.Get(ctx, key); err == nil && ok {
				w.Header().Set("X-Cache", "hit")
				writeRaw(w, http.StatusOK, body)
				return
			} else if err != nil {
				s.logger.Warn("cache get failed", slog.Any("error", err))
			}
		}

		out, err := fn(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		body, err := json.Marshal(out)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if key != "" {
			if err := s.cache.Set(ctx, key, body, s.cfg.CacheTTL); err != nil {
				s.logger.Warn("cache set failed", slog.Any("error", err))
			}
		}
		w.Header().Set("X-Cache", "miss")
		writeRaw(w, http.StatusOK, body)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, bad.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed",
			slog.String("request_id", GetRequestID(r)),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	return dec.Decode(v)
}
