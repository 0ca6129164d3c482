// Package ratelimit throttles callers with sliding-window counters so a
// burst exhausting the minute window cannot also drain the hour window.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// PerMinute is the number of requests allowed per 60 s window.
	PerMinute int `yaml:"per_minute"`
	// PerHour is the number of requests allowed per 3600 s window.
	PerHour int `yaml:"per_hour"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		PerMinute: 60,
		PerHour:   1000,
	}
}

// window counts events over a sliding span.
type window struct {
	span     time.Duration
	capacity int
	stamps   []time.Time
}

func newWindow(span time.Duration, capacity int) *window {
	return &window{span: span, capacity: capacity}
}

// evict drops timestamps that have slid out of the window.
func (w *window) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) full(now time.Time) bool {
	w.evict(now)
	return len(w.stamps) >= w.capacity
}

func (w *window) record(now time.Time) {
	w.stamps = append(w.stamps, now)
}

// retryAfter is how long until the earliest in-window timestamp slides out.
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.span).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (w *window) remaining(now time.Time) int {
	w.evict(now)
	return w.capacity - len(w.stamps)
}

// entry holds both windows for one key.
type entry struct {
	mu     sync.Mutex
	minute *window
	hour   *window
}

// Limiter manages per-key sliding windows. Counters are in-process; each
// replica enforces its own share.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  Config
	maxKeys int
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.PerMinute <= 0 {
		config.PerMinute = 60
	}
	if config.PerHour <= 0 {
		config.PerHour = 1000
	}

	return &Limiter{
		entries: make(map[string]*entry),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow checks whether a request for key may proceed. Both windows must have
// room; a rejected request consumes no slot in either. RetryAfter reports
// how long until the most constrained window would admit the request.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if !l.config.Enabled {
		return true, 0
	}

	e := l.getEntry(key)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	minuteFull := e.minute.full(now)
	hourFull := e.hour.full(now)
	if minuteFull || hourFull {
		var retry time.Duration
		if minuteFull {
			retry = e.minute.retryAfter(now)
		}
		if hourFull {
			if r := e.hour.retryAfter(now); r > retry {
				retry = r
			}
		}
		return false, retry
	}

	e.minute.record(now)
	e.hour.record(now)
	return true, 0
}

// getEntry returns or creates the windows for key.
func (l *Limiter) getEntry(key string) *entry {
	l.mu.RLock()
	e, exists := l.entries[key]
	l.mu.RUnlock()

	if exists {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, exists = l.entries[key]; exists {
		return e
	}

	if len(l.entries) >= l.maxKeys {
		l.prune()
	}

	e = &entry{
		minute: newWindow(time.Minute, l.config.PerMinute),
		hour:   newWindow(time.Hour, l.config.PerHour),
	}
	l.entries[key] = e
	return e
}

// prune removes keys whose windows hold no live timestamps.
func (l *Limiter) prune() {
	now := time.Now()
	for key, e := range l.entries {
		e.mu.Lock()
		e.minute.evict(now)
		e.hour.evict(now)
		idle := len(e.minute.stamps) == 0 && len(e.hour.stamps) == 0
		e.mu.Unlock()
		if idle {
			delete(l.entries, key)
		}
	}
}

// Reset clears the windows for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Status reports the rate limit standing for a key.
type Status struct {
	Key             string        `json:"key"`
	AllowedNow      bool          `json:"allowed_now"`
	MinuteRemaining int           `json:"minute_remaining"`
	HourRemaining   int           `json:"hour_remaining"`
	RetryAfter      time.Duration `json:"retry_after"`
}

// GetStatus returns the rate limit status for a key without consuming a
// slot.
func (l *Limiter) GetStatus(key string) Status {
	if !l.config.Enabled {
		return Status{
			Key:             key,
			AllowedNow:      true,
			MinuteRemaining: l.config.PerMinute,
			HourRemaining:   l.config.PerHour,
		}
	}

	e := l.getEntry(key)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	minuteLeft := e.minute.remaining(now)
	hourLeft := e.hour.remaining(now)

	s := Status{
		Key:             key,
		AllowedNow:      minuteLeft > 0 && hourLeft > 0,
		MinuteRemaining: minuteLeft,
		HourRemaining:   hourLeft,
	}
	if !s.AllowedNow {
		if minuteLeft <= 0 {
			s.RetryAfter = e.minute.retryAfter(now)
		}
		if hourLeft <= 0 {
			if r := e.hour.retryAfter(now); r > s.RetryAfter {
				s.RetryAfter = r
			}
		}
	}
	return s
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
