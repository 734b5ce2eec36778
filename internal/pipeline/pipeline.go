// Package pipeline feeds MQTT messages through the decoder into a packet
// handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

// Client abstracts the MQTT client behaviour required by the pipeline.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	Messages() <-chan mqtt.Message
	Errors() <-chan error
}

// Handler consumes decoded envelopes.
type Handler interface {
	HandleEnvelope(ctx context.Context, env decode.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env decode.Envelope) error

// HandleEnvelope calls f.
func (f HandlerFunc) HandleEnvelope(ctx context.Context, env decode.Envelope) error {
	return f(ctx, env)
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// Pipeline wires the MQTT client with the decoder and handler.
type Pipeline struct {
	client  Client
	decoder decode.Decoder
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
	errCh   chan error
	wg      sync.WaitGroup
}

// New creates a pipeline instance.
func New(client Client, decoder decode.Decoder, handler Handler, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		decoder: decoder,
		handler: handler,
		logger:  observability.NoOpLogger(),
		errCh:   make(chan error, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = observability.Component(p.logger, "pipeline")
	return p
}

// Errors exposes asynchronous processing errors. The channel is closed when
// Run returns.
func (p *Pipeline) Errors() <-chan error {
	return p.errCh
}

// Run starts the pipeline and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("pipeline: client is nil")
	}
	if p.decoder == nil {
		return fmt.Errorf("pipeline: decoder is nil")
	}
	if p.handler == nil {
		return fmt.Errorf("pipeline: handler is nil")
	}

	if err := p.client.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start client: %w", err)
	}
	p.logger.Info("pipeline started")

	p.wg.Add(2)
	go p.consume(ctx)
	go p.forwardClientErrors(ctx)

	<-ctx.Done()
	p.client.Stop()
	p.wg.Wait()
	close(p.errCh)
	p.logger.Info("pipeline stopped")

	return nil
}

func (p *Pipeline) consume(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.client.Messages():
			if !ok {
				return
			}
			p.process(ctx, msg)
		}
	}
}

// process handles one message. Handler panics are recovered so one bad
// packet cannot stop ingestion.
func (p *Pipeline) process(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncPipelineErrors()
			p.publishErr(fmt.Errorf("pipeline: handler panic on %s: %v", msg.Topic, r))
		}
	}()

	env, err := p.decoder.Decode(ctx, msg)
	if errors.Is(err, decode.ErrSkip) {
		p.logger.Debug("message skipped", slog.String("topic", msg.Topic))
		return
	}
	if err != nil {
		p.metrics.IncPipelineErrors()
		p.publishErr(fmt.Errorf("pipeline: decode %s: %w", msg.Topic, err))
		return
	}
	p.metrics.ObservePacket(env.PortName)
	if err := p.handler.HandleEnvelope(ctx, env); err != nil {
		p.metrics.IncPipelineErrors()
		p.publishErr(fmt.Errorf("pipeline: handle: %w", err))
	}
}

func (p *Pipeline) forwardClientErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.client.Errors():
			if !ok {
				return
			}
			p.publishErr(fmt.Errorf("pipeline: mqtt: %w", err))
		}
	}
}

func (p *Pipeline) publishErr(err error) {
	if err == nil {
		return
	}
	p.logger.Warn("pipeline error", slog.Any("error", err))
	select {
	case p.errCh <- err:
	default:
	}
}
