// Package llmcontext assembles the background text handed to the language
// model alongside a user's message.
package llmcontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

const (
	// DefaultBudget is the maximum context length in characters.
	DefaultBudget = 2000

	historyTurns    = 4
	minHistoryTurns = 2
	maxFacts        = 5
	maxGlobalFacts  = 5
	maxAlerts       = 3
	sectionSep      = "\n\n"
)

// Source is the read surface of the store the assembler draws on.
type Source interface {
	GlobalContext(ctx context.Context, limit int) ([]storage.GlobalFact, error)
	UserFacts(ctx context.Context, userID string) ([]storage.Fact, error)
	GetNode(ctx context.Context, nodeID string) (storage.Node, error)
	LatestTelemetry(ctx context.Context, nodeID, telemetryType string) (storage.TelemetrySample, error)
	NodeCounts(ctx context.Context, now time.Time) (storage.NodeCounts, error)
	UserMessageCounts(ctx context.Context, userID string, now time.Time) (storage.UserCounts, error)
	DetectionAlerts(ctx context.Context, limit int) ([]storage.DetectionAlert, error)
	ConversationHistory(ctx context.Context, userID string, limit int) ([]storage.Message, error)
	HopDistribution(ctx context.Context) (storage.HopHistogram, error)
	Stats(ctx context.Context) (storage.Stats, error)
	Traceroutes(ctx context.Context, nodeID string, limit int) ([]storage.Traceroute, error)
	StoreForwardStats(ctx context.Context) ([]storage.StoreForwardRecord, error)
}

// Request identifies who the context is for.
type Request struct {
	UserID   string
	UserName string
	Intent   Intent
}

// section is one optional block of context. Sections with a lower priority
// are dropped first when the budget is exceeded.
type section struct {
	name     string
	intents  []Intent
	priority int
	render   func(a *Assembler, ctx context.Context, req Request) (string, error)
}

func (s section) includes(intent Intent) bool {
	for _, i := range s.intents {
		if i == intent {
			return true
		}
	}
	return false
}

// sections are rendered in this order ahead of the conversation history.
var sections = []section{
	{name: "global facts", intents: []Intent{IntentQuestion, IntentNetwork}, priority: 3, render: (*Assembler).globalFacts},
	{name: "user facts", intents: []Intent{IntentCasual, IntentQuestion, IntentNetwork}, priority: 5, render: (*Assembler).userFacts},
	{name: "device", intents: []Intent{IntentSignal, IntentNetwork}, priority: 4, render: (*Assembler).device},
	{name: "telemetry", intents: []Intent{IntentSignal, IntentNetwork}, priority: 2, render: (*Assembler).telemetry},
	{name: "network health", intents: []Intent{IntentNetwork}, priority: 1, render: (*Assembler).networkHealth},
	{name: "user traffic", intents: []Intent{IntentNetwork}, priority: 0, render: (*Assembler).userTraffic},
	{name: "alerts", intents: []Intent{IntentQuestion}, priority: 1, render: (*Assembler).alerts},
}

// Option customises the assembler.
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the time source used for 24h windows.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBudget overrides the character budget.
func WithBudget(chars int) Option {
	return func(a *Assembler) {
		if chars > 0 {
			a.budget = chars
		}
	}
}

// Assembler builds prompt context from the store.
type Assembler struct {
	src    Source
	now    func() time.Time
	budget int
	logger *slog.Logger
}

// New returns an assembler reading from src.
func New(src Source, opts ...Option) *Assembler {
	a := &Assembler{
		src:    src,
		now:    time.Now,
		budget: DefaultBudget,
		logger: observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = observability.Component(a.logger, "llmcontext")
	return a
}

type renderedSection struct {
	name     string
	priority int
	text     string
}

// Build returns the context for req, at most the configured budget in
// characters. Conversation history is always included. When the result is
// too long the oldest turns go first, down to two; then optional sections
// are dropped lowest priority first; finally the text is cut.
func (a *Assembler) Build(ctx context.Context, req Request) string {
	if req.Intent == "" {
		req.Intent = IntentQuestion
	}

	var parts []renderedSection
	for _, s := range sections {
		if !s.includes(req.Intent) {
			continue
		}
		text, err := s.render(a, ctx, req)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				a.logger.Debug("context section skipped", slog.String("section", s.name), slog.Any("error", err))
			}
			continue
		}
		if text != "" {
			parts = append(parts, renderedSection{name: s.name, priority: s.priority, text: text})
		}
	}

	turns, err := a.src.ConversationHistory(ctx, req.UserID, historyTurns)
	if err != nil {
		a.logger.Debug("conversation history unavailable", slog.Any("error", err))
	}

	out := compose(parts, turns)
	for runeLen(out) > a.budget && len(turns) > minHistoryTurns {
		turns = turns[1:]
		out = compose(parts, turns)
	}
	for runeLen(out) > a.budget && len(parts) > 0 {
		parts = dropLowest(parts)
		out = compose(parts, turns)
	}
	if runeLen(out) > a.budget {
		out = cutRunes(out, a.budget)
	}
	return out
}

func compose(parts []renderedSection, turns []storage.Message) string {
	blocks := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		blocks = append(blocks, p.text)
	}
	if h := renderHistory(turns); h != "" {
		blocks = append(blocks, h)
	}
	return strings.Join(blocks, sectionSep)
}

// dropLowest removes the lowest priority section; among equals the later
// one goes first.
func dropLowest(parts []renderedSection) []renderedSection {
	idx := 0
	for i, p := range parts {
		if p.priority <= parts[idx].priority {
			idx = i
		}
	}
	return append(parts[:idx:idx], parts[idx+1:]...)
}

func renderHistory(turns []storage.Message) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, m := range turns {
		speaker := m.FromName
		switch {
		case m.FromID == storage.AssistantID || m.IsOutgoing:
			speaker = "You"
		case speaker == "":
			speaker = "User"
		}
		lines = append(lines, speaker+": "+m.Text)
	}
	return "Recent conversation:\n" + strings.Join(lines, "\n")
}

func (a *Assembler) globalFacts(ctx context.Context, _ Request) (string, error) {
	facts, err := a.src.GlobalContext(ctx, maxGlobalFacts)
	if err != nil || len(facts) == 0 {
		return "", err
	}
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		texts = append(texts, f.Context)
	}
	return "System context: " + strings.Join(texts, "; "), nil
}

func (a *Assembler) userFacts(ctx context.Context, req Request) (string, error) {
	facts, err := a.src.UserFacts(ctx, req.UserID)
	if err != nil || len(facts) == 0 {
		return "", err
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	texts := make([]string, 0, len(facts))
	for _, f := range facts {
		texts = append(texts, f.Type+": "+f.Value)
	}
	return fmt.Sprintf("Known about %s: %s", displayName(req), strings.Join(texts, "; ")), nil
}

// device describes the sender's radio in plain clauses; models tend to
// repeat "label: value" pairs back to the user verbatim.
func (a *Assembler) device(ctx context.Context, req Request) (string, error) {
	node, err := a.src.GetNode(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	var clauses []string
	if node.HWModel != "" {
		clauses = append(clauses, "a "+node.HWModel)
	}
	if node.BatteryLevel != nil && *node.BatteryLevel > 0 {
		clauses = append(clauses, fmt.Sprintf("battery at %d%%", *node.BatteryLevel))
	}
	if node.Latitude != nil && node.Longitude != nil {
		clauses = append(clauses, "has GPS position")
	}
	if node.TimesHeard > 0 {
		clauses = append(clauses, fmt.Sprintf("heard %d times", node.TimesHeard))
	}
	if node.Role != "" {
		clauses = append(clauses, "role is "+node.Role)
	}
	if node.UptimeSeconds != nil && *node.UptimeSeconds > 0 {
		clauses = append(clauses, fmt.Sprintf("uptime %dh", *node.UptimeSeconds/3600))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "Their device is " + strings.Join(clauses, ", "), nil
}

func (a *Assembler) telemetry(ctx context.Context, req Request) (string, error) {
	t, err := a.src.LatestTelemetry(ctx, req.UserID, "")
	if err != nil {
		return "", err
	}
	var readings []string
	if t.Temperature != nil {
		readings = append(readings, formatFloat(*t.Temperature)+"C")
	}
	if t.RelativeHumidity != nil {
		readings = append(readings, formatFloat(*t.RelativeHumidity)+"% humidity")
	}
	if t.ChannelUtilization != nil {
		readings = append(readings, "channel util "+formatFloat(*t.ChannelUtilization)+"%")
	}
	if len(readings) == 0 {
		return "", nil
	}
	return "Latest sensor readings: " + strings.Join(readings, ", "), nil
}

func (a *Assembler) networkHealth(ctx context.Context, _ Request) (string, error) {
	counts, err := a.src.NodeCounts(ctx, a.now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("The mesh has %d of %d nodes active in the last 24h", counts.Active24h, counts.Total), nil
}

func (a *Assembler) userTraffic(ctx context.Context, req Request) (string, error) {
	counts, err := a.src.UserMessageCounts(ctx, req.UserID, a.now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("This user has sent %d total messages, %d in the last 2 hours", counts.Total, counts.Recent), nil
}

func (a *Assembler) alerts(ctx context.Context, _ Request) (string, error) {
	alerts, err := a.src.DetectionAlerts(ctx, maxAlerts)
	if err != nil || len(alerts) == 0 {
		return "", err
	}
	texts := make([]string, 0, len(alerts))
	for _, al := range alerts {
		name := al.SensorName
		if name == "" {
			name = al.FromID
		}
		texts = append(texts, name+": "+al.AlertText)
	}
	return "Recent alerts: " + strings.Join(texts, "; "), nil
}

func displayName(req Request) string {
	if req.UserName != "" {
		return req.UserName
	}
	return req.UserID
}

// formatFloat renders v with at most one decimal.
func formatFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
