// Package tools is the agent-facing surface: a fixed allow-list of named
// operations, each with a strict argument schema. All writes funnel
// through the single gated request_approval tool; everything else is
// read-only. Calls are rate limited per tool, per session, and globally,
// with a circuit breaker that opens after sustained rejection.
package tools

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// RateLimitConfig holds the per-window call budgets and the breaker
// thresholds.
type RateLimitConfig struct {
	ToolCallsPerMinute    int `yaml:"tool_calls_per_minute"`
	ToolCallsPerHour      int `yaml:"tool_calls_per_hour"`
	SessionCallsPerMinute int `yaml:"session_calls_per_minute"`
	SessionCallsPerHour   int `yaml:"session_calls_per_hour"`
	GlobalCallsPerMinute  int `yaml:"global_calls_per_minute"`
	GlobalCallsPerHour    int `yaml:"global_calls_per_hour"`

	// BreakerThreshold is the consecutive-rejection count that opens the
	// circuit for a key; BreakerCooldown is how long it stays open.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// DefaultRateLimitConfig returns the production budgets.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ToolCallsPerMinute:    60,
		ToolCallsPerHour:      500,
		SessionCallsPerMinute: 100,
		SessionCallsPerHour:   1000,
		GlobalCallsPerMinute:  1000,
		GlobalCallsPerHour:    10000,
		BreakerThreshold:      100,
		BreakerCooldown:       300 * time.Second,
	}
}

// RateLimitError reports which key and window ran out of budget.
type RateLimitError struct {
	Key    string
	Window string
	Count  int
	Limit  int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d per %s", e.Key, e.Count, e.Limit, e.Window)
}

// CircuitOpenError is returned while a key's breaker is in cooldown.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Key)
}

type callWindow struct {
	minute []time.Time
	hour   []time.Time
}

// Limiter enforces sliding-window rate limits keyed by
// "tool:<name>", "session:<id>", and "global". A call is recorded only
// when every key has budget, so a rejected call never consumes quota.
type Limiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	windows  map[string]*callWindow
	breakers map[string]*gobreaker.CircuitBreaker

	now    func() time.Time
	logger *log.Logger
}

// NewLimiter builds a limiter; zero-valued config fields fall back to
// the defaults.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	def := DefaultRateLimitConfig()
	if cfg.ToolCallsPerMinute <= 0 {
		cfg.ToolCallsPerMinute = def.ToolCallsPerMinute
	}
	if cfg.ToolCallsPerHour <= 0 {
		cfg.ToolCallsPerHour = def.ToolCallsPerHour
	}
	if cfg.SessionCallsPerMinute <= 0 {
		cfg.SessionCallsPerMinute = def.SessionCallsPerMinute
	}
	if cfg.SessionCallsPerHour <= 0 {
		cfg.SessionCallsPerHour = def.SessionCallsPerHour
	}
	if cfg.GlobalCallsPerMinute <= 0 {
		cfg.GlobalCallsPerMinute = def.GlobalCallsPerMinute
	}
	if cfg.GlobalCallsPerHour <= 0 {
		cfg.GlobalCallsPerHour = def.GlobalCallsPerHour
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	return &Limiter{
		cfg:      cfg,
		windows:  make(map[string]*callWindow),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

type limitCheck struct {
	key       string
	perMinute int
	perHour   int
}

func (l *Limiter) checks(toolName, sessionID string) [3]limitCheck {
	return [3]limitCheck{
		{"tool:" + toolName, l.cfg.ToolCallsPerMinute, l.cfg.ToolCallsPerHour},
		{"session:" + sessionID, l.cfg.SessionCallsPerMinute, l.cfg.SessionCallsPerHour},
		{"global", l.cfg.GlobalCallsPerMinute, l.cfg.GlobalCallsPerHour},
	}
}

// Allow reports whether a call to toolName within sessionID is within
// budget, recording it if so. Returns *RateLimitError on an exhausted
// window and *CircuitOpenError while a key's breaker is cooling down.
func (l *Limiter) Allow(toolName, sessionID string) error {
	checks := l.checks(toolName, sessionID)

	for _, c := range checks {
		c := c
		br := l.breakerFor(c.key)
		_, err := br.Execute(func() (interface{}, error) {
			return nil, l.checkKey(c)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			l.logger.Printf("circuit breaker rejecting calls for %s", c.key)
			return &CircuitOpenError{Key: c.key}
		}
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, c := range checks {
		w := l.windowFor(c.key)
		w.minute = append(w.minute, now)
		w.hour = append(w.hour, now)
	}
	return nil
}

func (l *Limiter) checkKey(c limitCheck) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowFor(c.key)
	w.minute = prune(w.minute, now, time.Minute)
	w.hour = prune(w.hour, now, time.Hour)

	if len(w.minute) >= c.perMinute {
		l.logger.Printf("rate limit exceeded for %s: %d/%d per minute", c.key, len(w.minute), c.perMinute)
		return &RateLimitError{Key: c.key, Window: "minute", Count: len(w.minute), Limit: c.perMinute}
	}
	if len(w.hour) >= c.perHour {
		l.logger.Printf("rate limit exceeded for %s: %d/%d per hour", c.key, len(w.hour), c.perHour)
		return &RateLimitError{Key: c.key, Window: "hour", Count: len(w.hour), Limit: c.perHour}
	}
	return nil
}

func (l *Limiter) windowFor(key string) *callWindow {
	w, ok := l.windows[key]
	if !ok {
		w = &callWindow{}
		l.windows[key] = w
	}
	return w
}

func (l *Limiter) breakerFor(key string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()

	if br, ok := l.breakers[key]; ok {
		return br
	}
	threshold := l.cfg.BreakerThreshold
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: l.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	l.breakers[key] = br
	return br
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}

// Reset clears the window for a key, or all state when key is empty.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.windows = make(map[string]*callWindow)
		l.breakers = make(map[string]*gobreaker.CircuitBreaker)
		return
	}
	delete(l.windows, key)
	delete(l.breakers, key)
}

// Stats returns per-key call counts for the current windows.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := make(map[string]interface{}, len(l.windows))
	for key, w := range l.windows {
		entry := map[string]interface{}{
			"calls_last_minute": len(prune(append([]time.Time(nil), w.minute...), now, time.Minute)),
			"calls_last_hour":   len(prune(append([]time.Time(nil), w.hour...), now, time.Hour)),
		}
		if br, ok := l.breakers[key]; ok {
			entry["breaker_state"] = br.State().String()
		}
		stats[key] = entry
	}
	return stats
}
