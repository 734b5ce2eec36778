// Package bridge persists every packet seen on the mesh and answers text
// messages through the language model.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/filter"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/llmcontext"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/ratelimit"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

const (
	handledCap  = 100
	handledKeep = 50
	// reactions are emoji-only texts up to this many code points.
	reactionMaxRunes = 8
)

// Config controls when and how the bridge answers.
type Config struct {
	AutoRespond         bool
	RespondToBroadcasts bool
	// SelfID is the node id of the gateway; its own packets are never
	// answered and messages addressed to it are answered privately.
	SelfID        string
	SystemPrompt  string
	ResponseDelay time.Duration
	SoftLimit     int
	HardLimit     int
	Location      string
	TimeZone      *time.Location
}

func (c *Config) normalise() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = llmcontext.DefaultSystemPrompt
	}
	if c.ResponseDelay < 0 {
		c.ResponseDelay = 0
	}
	if c.SoftLimit <= 0 {
		c.SoftLimit = radio.SoftLimitBytes
	}
	if c.HardLimit <= 0 {
		c.HardLimit = radio.HardLimitBytes
	}
	if c.TimeZone == nil {
		c.TimeZone = time.Local
	}
	c.SelfID = decode.NormalizeNodeID(c.SelfID)
}

// Deps are the collaborators the bridge drives. Weather may be nil.
type Deps struct {
	Store     *storage.Store
	Limiter   *ratelimit.Limiter
	Filter    *filter.Filter
	Assembler *llmcontext.Assembler
	LLM       llm.Provider
	Weather   *weather.Client
}

// Option customises the bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithClock overrides the time source used in prompts.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// Bridge is the packet handler and reply generator.
type Bridge struct {
	cfg     Config
	deps    Deps
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []storage.Message
	handled []int64
	seen    map[int64]struct{}
}

// New validates deps and returns a bridge.
func New(cfg Config, deps Deps, opts ...Option) (*Bridge, error) {
	if deps.Store == nil {
		return nil, errors.New("bridge: store is nil")
	}
	if deps.LLM == nil {
		return nil, errors.New("bridge: llm provider is nil")
	}
	if deps.Filter == nil {
		deps.Filter = filter.New(false)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(0, 0)
	}
	if deps.Assembler == nil {
		deps.Assembler = llmcontext.New(deps.Store)
	}
	cfg.normalise()
	b := &Bridge{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		logger: observability.NoOpLogger(),
		seen:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = observability.Component(b.logger, "bridge")
	return b, nil
}

// HandleEnvelope normalizes env and handles the packet.
func (b *Bridge) HandleEnvelope(ctx context.Context, env decode.Envelope) error {
	return b.HandlePacket(ctx, env.Packet())
}

// HandlePacket persists pkt and, for text messages that pass the skip rules,
// queues a reply. The raw row is always written first; a failure in a
// type-specific write is logged and does not affect it.
func (b *Bridge) HandlePacket(ctx context.Context, pkt decode.Packet) error {
	logger := b.logger.With(slog.String("type", string(pkt.Kind)), slog.String("from", pkt.Header.FromID))
	if pkt.ParseError != "" {
		logger.Debug("packet parsed with errors", slog.String("parse_error", pkt.ParseError))
	}

	var rawErr error
	if _, err := b.deps.Store.SaveRawPacket(ctx, pkt); err != nil {
		rawErr = fmt.Errorf("bridge: save raw packet: %w", err)
		logger.Error("save raw packet failed", slog.Any("error", err))
	}

	if pkt.Header.FromID == "" {
		logger.Debug("packet without sender; raw row only")
		return rawErr
	}

	if err := b.persist(ctx, pkt); err != nil {
		b.metrics.IncStoreErrors()
		logger.Warn("type-specific write failed", slog.Any("error", err))
	}

	if pkt.Kind == decode.KindText && pkt.Text != nil {
		b.onText(ctx, pkt)
	}
	return rawErr
}

func (b *Bridge) persist(ctx context.Context, pkt decode.Packet) error {
	from := pkt.Header.FromID
	if pkt.Kind == decode.KindNodeInfo {
		if pkt.Node == nil {
			return nil
		}
		return b.deps.Store.SaveNodeIdentity(ctx, *pkt.Node, pkt.ReceivedAt)
	}
	if err := b.deps.Store.TouchNodeLastHeard(ctx, from, pkt.ReceivedAt); err != nil {
		return fmt.Errorf("touch node: %w", err)
	}

	switch pkt.Kind {
	case decode.KindText:
		return nil // stored in onText with the sender's name
	case decode.KindPosition:
		if pkt.Position != nil {
			return b.deps.Store.SavePosition(ctx, pkt)
		}
	case decode.KindTelemetry:
		if pkt.Telemetry != nil {
			return b.deps.Store.SaveTelemetry(ctx, pkt)
		}
	case decode.KindRouting:
		if pkt.Routing != nil {
			return b.deps.Store.SaveRouting(ctx, pkt)
		}
	case decode.KindNeighborInfo:
		if pkt.Neighbors != nil {
			var errs []error
			for _, n := range pkt.Neighbors.Neighbors {
				errs = append(errs, b.deps.Store.SaveNeighbor(ctx, from, n, pkt.ReceivedAt))
			}
			return errors.Join(errs...)
		}
	case decode.KindWaypoint:
		if pkt.Waypoint != nil {
			return b.deps.Store.SaveWaypoint(ctx, pkt)
		}
	case decode.KindTraceroute:
		if pkt.Traceroute != nil {
			return b.deps.Store.SaveTraceroute(ctx, pkt)
		}
	case decode.KindStoreForward:
		if pkt.StoreForward != nil {
			return b.deps.Store.SaveStoreForward(ctx, pkt)
		}
	case decode.KindRangeTest:
		if pkt.RangeTest != nil {
			return b.deps.Store.SaveRangeTest(ctx, pkt)
		}
	case decode.KindDetection:
		if pkt.Detection != nil {
			return b.deps.Store.SaveDetectionAlert(ctx, pkt)
		}
	case decode.KindPaxcounter:
		if pkt.Paxcount != nil {
			return b.deps.Store.SavePaxcount(ctx, pkt)
		}
	}
	return nil
}

func (b *Bridge) onText(ctx context.Context, pkt decode.Packet) {
	h := pkt.Header
	name := b.deps.Store.NodeName(h.FromID)
	msg := storage.MessageFromPacket(pkt, name)
	if _, err := b.deps.Store.SaveMessage(ctx, msg); err != nil {
		b.metrics.IncStoreErrors()
		b.logger.Error("save message failed", slog.String("from", h.FromID), slog.Any("error", err))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	if reason := b.skipReason(msg); reason != "" {
		b.logger.Debug("not answering", slog.String("from", h.FromID), slog.String("reason", reason))
		return
	}
	if msg.PacketID != nil && !b.markHandled(*msg.PacketID) {
		b.logger.Debug("duplicate packet ignored", slog.Int64("packet_id", *msg.PacketID))
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, msg)
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.IncRepliesQueued()
	b.metrics.SetPendingResponses(n)
	b.logger.Info("reply queued", slog.String("from", h.FromID), slog.Int("queue", n))
}

// skipReason returns why msg gets no reply, or "" when it should be
// answered.
func (b *Bridge) skipReason(msg storage.Message) string {
	text := strings.TrimSpace(msg.Text)
	switch {
	case !b.cfg.AutoRespond:
		return "auto respond disabled"
	case msg.FromID == "" || msg.FromID == storage.AssistantID:
		return "no usable sender"
	case b.cfg.SelfID != "" && msg.FromID == b.cfg.SelfID:
		return "own message"
	case text == "":
		return "empty text"
	case isReaction(text):
		return "reaction emoji"
	case strings.HasPrefix(text, "!"):
		return "bot command"
	}
	if decode.IsBroadcast(msg.ToID) {
		if !b.cfg.RespondToBroadcasts {
			return "broadcast replies disabled"
		}
		return ""
	}
	if b.cfg.SelfID != "" && msg.ToID != b.cfg.SelfID {
		return "addressed to another node"
	}
	return ""
}

// markHandled records id and reports whether it was new. The set keeps at
// most handledCap ids and drops down to the newest handledKeep when full.
func (b *Bridge) markHandled(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[id]; ok {
		return false
	}
	b.seen[id] = struct{}{}
	b.handled = append(b.handled, id)
	if len(b.handled) > handledCap {
		drop := b.handled[:len(b.handled)-handledKeep]
		for _, old := range drop {
			delete(b.seen, old)
		}
		b.handled = append([]int64(nil), b.handled[len(b.handled)-handledKeep:]...)
	}
	return true
}

// Pending returns the number of queued replies.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ClearPending drops every queued reply and returns how many there were.
func (b *Bridge) ClearPending() int {
	b.mu.Lock()
	n := len(b.pending)
	b.pending = nil
	b.mu.Unlock()
	b.metrics.SetPendingResponses(0)
	return n
}

func (b *Bridge) popPending() (storage.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return storage.Message{}, false
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	b.metrics.SetPendingResponses(len(b.pending))
	return msg, true
}

// isReaction reports whether text is only emoji: no ASCII at all and a
// handful of code points.
func isReaction(text string) bool {
	if text == "" || utf8.RuneCountInString(text) > reactionMaxRunes {
		return false
	}
	for _, r := range text {
		if r < utf8.RuneSelf && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
