package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultBatchSize     = 5
	defaultSendGap       = 500 * time.Millisecond
	defaultRetention     = 24 * time.Hour
	defaultPurgeInterval = time.Hour
	defaultHopLimit      = 3
)

// Store is the outbox persistence the dispatcher needs.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]storage.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, errText string) error
	SaveSentMessage(ctx context.Context, msg storage.SentMessage) (int64, error)
	PurgeOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config controls polling and pacing.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// SendGap separates entries within a batch; negative disables it.
	SendGap       time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	// TracerouteHopLimit bounds traceroute requests.
	TracerouteHopLimit int
}

func (c *Config) normalise() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	switch {
	case c.SendGap == 0:
		c.SendGap = defaultSendGap
	case c.SendGap < 0:
		c.SendGap = 0
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = defaultPurgeInterval
	}
	if c.TracerouteHopLimit <= 0 {
		c.TracerouteHopLimit = defaultHopLimit
	}
}

// DefaultConfig returns the stock pacing: 5 entries every 2s, 500ms apart.
func DefaultConfig() Config {
	var c Config
	c.normalise()
	return c
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// Dispatcher drains pending outbox entries into the radio transport. Every
// entry ends sent or failed; failures are not retried.
type Dispatcher struct {
	store     Store
	transport radio.Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New constructs a dispatcher.
func New(store Store, transport radio.Transport, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("outbox: store is nil")
	}
	if transport == nil {
		return nil, errors.New("outbox: transport is nil")
	}
	cfg.normalise()
	d := &Dispatcher{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = observability.Component(d.logger, "outbox")
	return d, nil
}

// PollOnce dispatches one batch and returns how many entries it handled.
// A cancelled context stops the batch between entries.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	entries, err := d.store.PendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: read pending: %w", err)
	}

	handled := 0
	for i, entry := range entries {
		if i > 0 && d.cfg.SendGap > 0 {
			if err := sleep(ctx, d.cfg.SendGap); err != nil {
				return handled, err
			}
		}
		d.dispatch(ctx, entry)
		handled++
	}
	return handled, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, entry storage.OutboxEntry) {
	logger := d.logger.With(
		slog.Int64("outbox_id", entry.ID),
		slog.String("kind", entry.Kind),
		slog.String("destination", entry.Destination),
	)

	var err error
	switch entry.Kind {
	case storage.KindTraceroute:
		err = d.transport.SendTraceroute(ctx, entry.Destination, d.cfg.TracerouteHopLimit)
	case storage.KindDM:
		err = d.transport.SendDM(ctx, entry.Message, entry.Destination)
	case storage.KindText, "":
		err = d.transport.SendText(ctx, entry.Message, entry.Destination, entry.Channel)
	default:
		err = fmt.Errorf("unknown message kind %q", entry.Kind)
	}

	// An entry the radio accepted must leave pending even if ctx was
	// cancelled mid-send.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		logger.Warn("outbox send failed", slog.Any("error", err))
		if markErr := d.store.MarkOutboxFailed(ctx, entry.ID, err.Error()); markErr != nil {
			logger.Error("mark outbox failed", slog.Any("error", markErr))
		}
		d.metrics.ObserveOutbox(storage.StatusFailed)
		return
	}

	if markErr := d.store.MarkOutboxSent(ctx, entry.ID); markErr != nil {
		logger.Error("mark outbox sent", slog.Any("error", markErr))
	}
	if entry.Kind != storage.KindTraceroute {
		if _, saveErr := d.store.SaveSentMessage(ctx, storage.SentMessage{
			ToID:    entry.Destination,
			Channel: entry.Channel,
			Text:    entry.Message,
		}); saveErr != nil {
			logger.Error("record sent message", slog.Any("error", saveErr))
		}
	}
	d.metrics.ObserveOutbox(storage.StatusSent)
	logger.Info("outbox entry sent")
}

// Purge deletes sent and failed entries older than the retention window.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	n, err := d.store.PurgeOutbox(ctx, d.cfg.Retention)
	if err != nil {
		return 0, fmt.Errorf("outbox: purge: %w", err)
	}
	if n > 0 {
		d.logger.Info("outbox purged", slog.Int64("removed", n))
	}
	return n, nil
}

// Run polls until ctx is cancelled. Poll and purge errors are logged.
func (d *Dispatcher) Run(ctx context.Context) error {
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	purge := time.NewTicker(d.cfg.PurgeInterval)
	defer purge.Stop()

	d.logger.Info("outbox dispatcher started", slog.Duration("poll_interval", d.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-poll.C:
			if _, err := d.PollOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("outbox poll failed", slog.Any("error", err))
			}
		case <-purge.C:
			if _, err := d.Purge(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("outbox purge failed", slog.Any("error", err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
