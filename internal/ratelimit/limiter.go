package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultMax    = 10
	defaultWindow = 60 * time.Second
)

// Option customises the limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter admits at most Max messages per sender within a sliding Window.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// New constructs a limiter. Non-positive values fall back to 10 per 60s.
func New(maxMessages int, window time.Duration, opts ...Option) *Limiter {
	if maxMessages <= 0 {
		maxMessages = defaultMax
	}
	if window <= 0 {
		window = defaultWindow
	}
	l := &Limiter{
		max:    maxMessages,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow prunes the sender's history to the window and admits the message if
// fewer than Max remain. Admitted messages are recorded; rejected ones are not.
func (l *Limiter) Allow(sender string) (bool, string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.hits[sender][:0]
	for _, t := range l.hits[sender] {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.hits[sender] = kept
		return false, fmt.Sprintf("Rate limited: max %d messages per %ds", l.max, int(l.window.Seconds()))
	}
	l.hits[sender] = append(kept, now)
	return true, ""
}

// Reset forgets one sender.
func (l *Limiter) Reset(sender string) {
	l.mu.Lock()
	delete(l.hits, sender)
	l.mu.Unlock()
}

// ResetAll forgets every sender.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.hits = make(map[string][]time.Time)
	l.mu.Unlock()
}

// Tracked returns how many senders currently have history.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
