package gateway

import (
	"context"
	"sync"
	"time"
)

// Quota bounds one event type to Limit admissions per Window.
type Quota struct {
	Limit  int
	Window time.Duration
}

// defaultQuotas are fixed configuration; they are not adjustable at runtime.
var defaultQuotas = map[string]Quota{
	EventContentChange: {Limit: 10, Window: time.Second},
	EventCursorUpdate:  {Limit: 30, Window: time.Second},
	EventAddComment:    {Limit: 10, Window: time.Minute},
	EventActivity:      {Limit: 30, Window: time.Minute},
	EventJoinContent:   {Limit: 5, Window: time.Minute},
}

// fallbackQuota admits any event type without an explicit quota.
var fallbackQuota = Quota{Limit: 100, Window: time.Minute}

type rateWindow struct {
	count int
	start time.Time
}

// RateLimiterConfig configures the fixed-window admission limiter.
type RateLimiterConfig struct {
	Quotas   map[string]Quota
	Fallback Quota
	Clock    func() time.Time
}

// RateLimiter applies fixed-window counting per (event type, client key). It is
// a local, in-process mechanism; it offers no cross-process guarantee.
type RateLimiter struct {
	mu       sync.Mutex
	quotas   map[string]Quota
	fallback Quota
	clock    func() time.Time
	windows  map[string]map[string]*rateWindow
}

// NewRateLimiter constructs a limiter with the built-in per-event quotas.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	quotas := cfg.Quotas
	if quotas == nil {
		quotas = defaultQuotas
	}
	fallback := cfg.Fallback
	if fallback.Limit <= 0 || fallback.Window <= 0 {
		fallback = fallbackQuota
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		quotas:   quotas,
		fallback: fallback,
		clock:    clock,
		windows:  make(map[string]map[string]*rateWindow),
	}
}

func (l *RateLimiter) quotaFor(eventType string) Quota {
	if quota, ok := l.quotas[eventType]; ok {
		return quota
	}
	return l.fallback
}

// Admit reports whether one more event of the given type may proceed for the
// client. A rejected event never increments the window counter.
func (l *RateLimiter) Admit(eventType, clientKey string) bool {
	quota := l.quotaFor(eventType)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	byEvent := l.windows[clientKey]
	if byEvent == nil {
		byEvent = make(map[string]*rateWindow)
		l.windows[clientKey] = byEvent
	}

	window, ok := byEvent[eventType]
	if !ok {
		byEvent[eventType] = &rateWindow{count: 1, start: now}
		return true
	}

	if now.Sub(window.start) > quota.Window {
		window.count = 1
		window.start = now
		return true
	}

	if window.count >= quota.Limit {
		return false
	}

	window.count++
	return true
}

// Reset clears every event-type window for a client. Called on disconnect.
func (l *RateLimiter) Reset(clientKey string) {
	l.mu.Lock()
	delete(l.windows, clientKey)
	l.mu.Unlock()
}

// Sweep drops windows that are more than two window-lengths stale, bounding
// memory for clients that vanished without a clean close. Returns the number of
// entries removed.
func (l *RateLimiter) Sweep() int {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for clientKey, byEvent := range l.windows {
		for eventType, window := range byEvent {
			if now.Sub(window.start) > 2*l.quotaFor(eventType).Window {
				delete(byEvent, eventType)
				removed++
			}
		}
		if len(byEvent) == 0 {
			delete(l.windows, clientKey)
		}
	}
	return removed
}

// Run sweeps on the default window cadence until the context is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.fallback.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
