package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aminovpavel/meshbridge-go/internal/bridge"
	"github.com/aminovpavel/meshbridge-go/internal/config"
	"github.com/aminovpavel/meshbridge-go/internal/dashboard"
	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/filter"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/llmcontext"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/outbox"
	"github.com/aminovpavel/meshbridge-go/internal/pipeline"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/ratelimit"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

const healthCheckInterval = 30 * time.Second

// OpenStore opens the configured database.
func OpenStore(ctx context.Context, cfg *config.App, logger *slog.Logger, metrics *observability.Metrics) (*storage.Store, error) {
	store, err := storage.Open(ctx, BuildStoreConfig(cfg),
		storage.WithLogger(logger),
		storage.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	return store, nil
}

// NewBridge builds the packet handler with its limiter, filter, context
// assembler and model provider.
func NewBridge(cfg *config.App, store *storage.Store, provider llm.Provider, wx *weather.Client,
	logger *slog.Logger, metrics *observability.Metrics) (*bridge.Bridge, error) {
	bcfg, err := BuildBridgeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return bridge.New(bcfg, bridge.Deps{
		Store:     store,
		Limiter:   ratelimit.New(cfg.RateLimitMax, seconds(cfg.RateLimitWindowSeconds)),
		Filter:    filter.New(cfg.FilterStrictMode),
		Assembler: llmcontext.New(store, llmcontext.WithLogger(logger)),
		LLM:       provider,
		Weather:   wx,
	}, bridge.WithLogger(logger), bridge.WithMetrics(metrics))
}

// Service is the assembled bridge process.
type Service struct {
	cfg     *config.App
	logger  *slog.Logger
	metrics *observability.Metrics

	store     *storage.Store
	client    *mqtt.Client
	pipeline  *pipeline.Pipeline
	bridge    *bridge.Bridge
	worker    *bridge.Worker
	dashboard *dashboard.Server
	cache     dashboard.Cache
	obs       *observability.Server
}

// New opens the store and wires every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.App, logger *slog.Logger, metrics *observability.Metrics) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	s := &Service{cfg: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.store, err = OpenStore(ctx, cfg, logger, metrics); err != nil {
		return nil, err
	}

	if s.client, err = mqtt.NewClient(BuildMQTTConfig(cfg), mqtt.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: mqtt client: %w", err)
	}
	transport, err := radio.NewMQTTTransport(s.client, BuildRadioConfig(cfg), radio.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: radio transport: %w", err)
	}
	dispatcher, err := outbox.New(s.store, transport, BuildOutboxConfig(cfg),
		outbox.WithLogger(logger), outbox.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("app: outbox: %w", err)
	}

	provider, err := llm.New(BuildLLMConfig(cfg), llm.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: llm provider: %w", err)
	}
	wx := weather.New(BuildWeatherConfig(cfg), weather.WithLogger(logger))

	if s.bridge, err = NewBridge(cfg, s.store, provider, wx, logger, metrics); err != nil {
		return nil, fmt.Errorf("app: bridge: %w", err)
	}
	if s.worker, err = bridge.NewWorker(s.bridge, dispatcher, BuildWorkerConfig(cfg), bridge.WithWorkerLogger(logger)); err != nil {
		return nil, fmt.Errorf("app: worker: %w", err)
	}

	s.pipeline = pipeline.New(s.client, decode.NewMeshtasticDecoder(), s.bridge,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)

	if cfg.DashboardEnabled {
		if s.cache, err = dashboard.NewCache(ctx, BuildCacheConfig(cfg)); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		s.dashboard, err = dashboard.New(s.store, BuildDashboardConfig(cfg),
			dashboard.WithLogger(logger),
			dashboard.WithCache(s.cache),
			dashboard.WithWeather(wx),
		)
		if err != nil {
			return nil, fmt.Errorf("app: dashboard: %w", err)
		}
	}

	s.obs = observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  observability.Component(logger, "observability"),
		Metrics: metrics,
		Ready:   s.store.Ping,
	})

	return s, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		errs := s.pipeline.Errors()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-errs:
				if !ok {
					return nil
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("pipeline error", slog.Any("error", err))
				}
			}
		}
	})
	g.Go(func() error { return s.worker.Run(ctx) })
	g.Go(func() error {
		s.obs.Run(ctx)
		return nil
	})
	g.Go(func() error { return s.watchHealth(ctx) })
	if s.dashboard != nil {
		g.Go(func() error { return s.dashboard.Run(ctx) })
	}

	s.logger.Info("meshbridge starting",
		slog.String("broker", fmt.Sprintf("%s:%d", s.cfg.MQTTBrokerAddress, s.cfg.MQTTPort)),
		slog.String("gateway", s.cfg.GatewayNodeID),
		slog.Bool("dashboard", s.dashboard != nil),
		slog.String("observability_address", s.cfg.ObservabilityAddress),
	)
	err := g.Wait()
	s.logger.Info("meshbridge stopped", slog.Int("unsent_replies", s.bridge.Pending()))
	return err
}

// watchHealth clears the unhealthy flag once the store answers again.
func (s *Service) watchHealth(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.store.Ping(ctx); err == nil {
				s.metrics.MarkHealthy()
			}
		}
	}
}

// Close releases the cache and the store.
func (s *Service) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
