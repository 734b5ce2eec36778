package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/filter"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/llmcontext"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

// recentOutbox is how many outbox entries feed the send failure rate.
const recentOutbox = 100

// Reply is the outcome of answering one message.
type Reply struct {
	Text        string
	Destination string
	Channel     int
	Kind        string
	OutboxID    int64
	// Filtered is set when the incoming message was rejected and Text is
	// the canned reply, or empty for spam.
	Filtered filter.Category
	// Limited holds the rate limiter's reason when the sender was throttled.
	Limited string
}

// ProcessNext answers the oldest queued message after the configured
// response delay. It reports whether a message was taken off the queue.
func (b *Bridge) ProcessNext(ctx context.Context) (bool, error) {
	msg, ok := b.popPending()
	if !ok {
		return false, nil
	}
	if b.cfg.ResponseDelay > 0 {
		timer := time.NewTimer(b.cfg.ResponseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true, ctx.Err()
		case <-timer.C:
		}
	}
	_, err := b.Respond(ctx, msg)
	return true, err
}

// Respond runs msg through the sanitizer, rate limiter and content filter,
// generates a reply and queues it in the outbox. The returned Reply has
// empty Text when nothing is sent.
func (b *Bridge) Respond(ctx context.Context, msg storage.Message) (Reply, error) {
	name := msg.FromName
	if name == "" {
		name = msg.FromID
	}
	logger := b.logger.With(slog.String("from", msg.FromID), slog.String("name", name))

	text, changed := filter.Sanitize(msg.Text)
	if changed {
		logger.Warn("message sanitized", slog.String("original", msg.Text))
	}

	if ok, reason := b.deps.Limiter.Allow(msg.FromID); !ok {
		b.metrics.IncRateLimited()
		logger.Warn("rate limited", slog.String("reason", reason))
		return Reply{Limited: reason}, nil
	}

	var reply Reply
	if res := b.deps.Filter.Check(text); !res.Allowed {
		b.metrics.IncFiltered(string(res.Category))
		logger.Warn("message filtered", slog.String("category", string(res.Category)), slog.String("reason", res.Reason))
		original := text
		if res.Redacted != "" {
			original = res.Redacted
		}
		if err := b.deps.Store.LogFilteredContent(ctx, storage.FilteredContent{
			FromID:       msg.FromID,
			FromName:     name,
			OriginalText: original,
			Reason:       res.Reason,
			Category:     string(res.Category),
		}); err != nil {
			logger.Error("log filtered content", slog.Any("error", err))
		}
		safe, ok := filter.SafeReply(res)
		reply.Filtered = res.Category
		if !ok {
			return reply, nil
		}
		reply.Text = safe
	} else {
		reply.Text = b.generate(ctx, msg, name, text)
	}

	reply.Text = radio.FitPayload(reply.Text, b.cfg.SoftLimit, b.cfg.HardLimit)
	reply.Destination, reply.Channel, reply.Kind = b.route(msg)

	id, err := b.deps.Store.AddToOutbox(ctx, reply.Text, reply.Destination, reply.Channel, reply.Kind)
	if err != nil {
		return reply, fmt.Errorf("bridge: queue reply: %w", err)
	}
	reply.OutboxID = id
	b.metrics.IncRepliesSent()
	logger.Info("reply queued for transmit",
		slog.Int64("outbox_id", id),
		slog.String("destination", reply.Destination),
		slog.String("kind", reply.Kind),
		slog.Int("bytes", len(reply.Text)),
	)
	return reply, nil
}

// generate asks the model and records the exchange. Model failures yield a
// short fallback text.
func (b *Bridge) generate(ctx context.Context, msg storage.Message, name, text string) string {
	prompt := b.prompt(ctx, msg, name, text)
	if _, ok := b.deps.LLM.(llm.Echo); ok {
		prompt = text
	}

	start := time.Now()
	reply, err := b.deps.LLM.Generate(ctx, b.cfg.SystemPrompt, prompt)
	b.metrics.ObserveLLM(time.Since(start), err)
	if err != nil {
		b.logger.Error("generation failed", slog.String("provider", b.deps.LLM.Name()), slog.Any("error", err))
		reply = llm.Fallback(err)
	}

	reply, res := b.deps.Filter.CheckReply(reply)
	if !res.Allowed {
		b.metrics.IncFiltered("reply_" + string(res.Category))
		b.logger.Warn("generated reply filtered", slog.String("reason", res.Reason))
	}

	if _, err := b.deps.Store.SaveAssistantReply(ctx, msg.FromID, reply, msg.Channel); err != nil {
		b.logger.Error("save assistant reply", slog.Any("error", err))
	}
	b.rememberFacts(ctx, msg.FromID, text)
	return reply
}

// prompt assembles the model's user turn for text.
func (b *Bridge) prompt(ctx context.Context, msg storage.Message, name, text string) string {
	intent := llmcontext.ClassifyIntent(text)
	signalQuery := llmcontext.IsSignalQuery(text)
	networkQuery := llmcontext.IsNetworkQuery(text)

	p := llmcontext.Prompt{
		Now:      b.now().In(b.cfg.TimeZone),
		Location: b.cfg.Location,
		FromName: name,
		Message:  text,
		Context: b.deps.Assembler.Build(ctx, llmcontext.Request{
			UserID:   msg.FromID,
			UserName: name,
			Intent:   intent,
		}),
	}

	if signalQuery {
		p.Signal = llmcontext.SignalContext(llmcontext.Signal{
			SNR:      msg.SNR,
			RSSI:     msg.RSSI,
			HopStart: msg.HopStart,
			HopLimit: msg.HopLimit,
		})
	}
	if signalQuery || networkQuery {
		health := b.deps.Assembler.MeshHealth(ctx, b.sendCounters(ctx))
		if networkQuery {
			if summary := b.deps.Assembler.NetworkSummary(ctx); summary != "" {
				health = strings.TrimPrefix(health+"\n"+summary, "\n")
			}
		}
		p.Health = health
	}
	if llmcontext.IsWeatherQuery(text) {
		p.Weather = b.weatherBlock(ctx, text)
	}
	return p.Render()
}

func (b *Bridge) weatherBlock(ctx context.Context, text string) string {
	if !b.deps.Weather.Enabled() {
		return ""
	}
	cond, err := b.deps.Weather.Current(ctx)
	if err != nil {
		b.logger.Warn("weather unavailable", slog.Any("error", err))
		return ""
	}
	block := fmt.Sprintf("CURRENT_WEATHER (%s): %s", b.cfg.Location, cond.Summary())
	if llmcontext.WantsForecast(text) {
		if forecast, err := b.deps.Weather.Forecast(ctx); err == nil {
			block += "\nFORECAST: " + forecast
		} else {
			b.logger.Warn("forecast unavailable", slog.Any("error", err))
		}
	}
	return block
}

// sendCounters summarises recent outbox outcomes for the health text.
func (b *Bridge) sendCounters(ctx context.Context) llmcontext.SendCounters {
	var out llmcontext.SendCounters
	entries, err := b.deps.Store.OutboxEntries(ctx, recentOutbox)
	if err != nil {
		b.logger.Debug("outbox entries unavailable", slog.Any("error", err))
		return out
	}
	for _, e := range entries {
		switch e.Status {
		case storage.StatusSent:
			out.Sent++
		case storage.StatusFailed:
			out.Failures++
		}
	}
	return out
}

// route answers direct messages privately and everything else on the
// channel it arrived on.
func (b *Bridge) route(msg storage.Message) (destination string, channel int, kind string) {
	if !decode.IsBroadcast(msg.ToID) && b.cfg.SelfID != "" && msg.ToID == b.cfg.SelfID {
		return msg.FromID, 0, storage.KindDM
	}
	return decode.BroadcastAlias, msg.Channel, storage.KindText
}

type factPattern struct {
	re    *regexp.Regexp
	build func(match string) string
}

var factPatterns = []factPattern{
	{regexp.MustCompile(`(?i)(?:i am|i'm|my name is)\s+(\w+)`), func(m string) string { return "Name might be " + m }},
	{regexp.MustCompile(`(?i)(?:i live in|i'm from|i'm in)\s+(.+?)(?:\.|$)`), func(m string) string { return "Located in " + m }},
	{regexp.MustCompile(`(?i)(?:my call ?sign is|i'm)\s+([A-Z]{1,2}\d[A-Z]{1,3})`), func(m string) string { return "Call sign: " + strings.ToUpper(m) }},
	{regexp.MustCompile(`(?i)(?:i have|i own|i use)\s+(?:a|an)\s+(.+?)(?:\.|$)`), func(m string) string { return "Has " + m }},
}

// ExtractFacts returns the self-descriptions found in text as typed facts.
// A fact of the form "type: value" is split; anything else is "general".
func ExtractFacts(text string) []storage.Fact {
	lower := strings.ToLower(text)
	var facts []storage.Fact
	for _, p := range factPatterns {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		fact := p.build(strings.TrimSpace(m[1]))
		f := storage.Fact{Type: "general", Value: fact, Confidence: 1, Source: "auto_extract"}
		if typ, value, ok := strings.Cut(fact, ":"); ok {
			f.Type, f.Value = typ, strings.TrimSpace(value)
		}
		facts = append(facts, f)
	}
	return facts
}

func (b *Bridge) rememberFacts(ctx context.Context, userID, text string) {
	for _, f := range ExtractFacts(text) {
		if err := b.deps.Store.SaveFact(ctx, userID, f); err != nil {
			b.logger.Warn("save fact", slog.Any("error", err))
			continue
		}
		b.logger.Info("fact remembered", slog.String("user", userID), slog.String("type", f.Type), slog.String("value", f.Value))
	}
}
