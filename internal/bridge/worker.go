package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/outbox"
)

// WorkerConfig sets the worker's polling cadence.
type WorkerConfig struct {
	// OutboxPoll is how often pending outbox entries are dispatched.
	OutboxPoll time.Duration
	// PurgeInterval is how often old outbox entries are removed.
	PurgeInterval time.Duration
	// Idle is how often the reply queue is checked when it was empty.
	Idle time.Duration
}

func (c *WorkerConfig) normalise() {
	if c.OutboxPoll <= 0 {
		c.OutboxPoll = 2 * time.Second
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	if c.Idle <= 0 {
		c.Idle = 500 * time.Millisecond
	}
}

// Worker is the single goroutine that generates replies and drains the
// outbox. A slow model call delays outbox dispatch until it returns.
type Worker struct {
	bridge     *Bridge
	dispatcher *outbox.Dispatcher
	cfg        WorkerConfig
	logger     *slog.Logger
}

// WorkerOption customises the worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker pairs a bridge with the outbox dispatcher.
func NewWorker(b *Bridge, d *outbox.Dispatcher, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if b == nil {
		return nil, errors.New("bridge: worker needs a bridge")
	}
	if d == nil {
		return nil, errors.New("bridge: worker needs a dispatcher")
	}
	cfg.normalise()
	w := &Worker{
		bridge:     b,
		dispatcher: d,
		cfg:        cfg,
		logger:     observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = observability.Component(w.logger, "worker")
	return w, nil
}

// Run loops until ctx is cancelled. Errors are logged and never stop the
// loop.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.cfg.OutboxPoll)
	defer poll.Stop()
	purge := time.NewTicker(w.cfg.PurgeInterval)
	defer purge.Stop()
	idle := time.NewTicker(w.cfg.Idle)
	defer idle.Stop()

	w.logger.Info("response worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("response worker stopped")
			return nil
		case <-poll.C:
			if _, err := w.dispatcher.PollOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("outbox poll failed", slog.Any("error", err))
			}
		case <-purge.C:
			if _, err := w.dispatcher.Purge(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("outbox purge failed", slog.Any("error", err))
			}
		case <-idle.C:
			if _, err := w.bridge.ProcessNext(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("reply failed", slog.Any("error", err))
			}
		}
	}
}
