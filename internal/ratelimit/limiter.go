// Package ratelimit implements a sliding-window per-user limiter with two
// independent counters: total requests and security-blocked requests.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls the limiter windows.
type Config struct {
	// GlobalLimit is the total requests allowed per user per window.
	GlobalLimit int
	// BlockedLimit is the security-blocked requests allowed per user per window.
	BlockedLimit int
	// Window is the sliding window size.
	Window time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:  100,
		BlockedLimit: 5,
		Window:       60 * time.Second,
	}
}

// Decision is the limiter's answer for one check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// LimitKind names which counter denied the request ("global" or "blocked").
	LimitKind string `json:"limit_kind,omitempty"`
}

type entry struct {
	at      time.Time
	blocked bool
}

type userWindow struct {
	mu      sync.Mutex
	entries []entry
}

// Limiter tracks request timestamps per user. Users are fully isolated: each
// user's window has its own lock and counters.
type Limiter struct {
	cfg Config

	mu    sync.Mutex
	users map[string]*userWindow

	now func() time.Time
}

// NewLimiter creates a limiter, clamping nonsensical configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 100
	}
	if cfg.BlockedLimit <= 0 {
		cfg.BlockedLimit = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Limiter{
		cfg:   cfg,
		users: make(map[string]*userWindow),
		now:   time.Now,
	}
}

// Window returns the configured window size.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

func (l *Limiter) window(userID string) *userWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.users[userID]
	if !ok {
		w = &userWindow{}
		l.users[userID] = w
	}
	return w
}

// CheckOnly evaluates both limits without recording anything. The
// orchestrator uses it before expensive work.
func (l *Limiter) CheckOnly(userID string) Decision {
	w := l.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	l.pruneLocked(w)
	return l.evaluateLocked(w, false)
}

// CheckAndRecord atomically prunes stale entries, evaluates both limits, and
// records the new event if allowed. wasBlocked marks security-blocked
// requests, which count against the stricter blocked limit.
func (l *Limiter) CheckAndRecord(userID string, wasBlocked bool) Decision {
	w := l.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	l.pruneLocked(w)
	d := l.evaluateLocked(w, wasBlocked)
	if !d.Allowed {
		log.Debug().
			Str("user_id", userID).
			Str("limit", d.LimitKind).
			Dur("retry_after", d.RetryAfter).
			Msg("Rate limit denied request")
		return d
	}

	w.entries = append(w.entries, entry{at: l.now(), blocked: wasBlocked})
	return d
}

func (l *Limiter) pruneLocked(w *userWindow) {
	cutoff := l.now().Add(-l.cfg.Window)
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.entries = kept
}

func (l *Limiter) evaluateLocked(w *userWindow, wasBlocked bool) Decision {
	total := len(w.entries)
	blocked := 0
	for _, e := range w.entries {
		if e.blocked {
			blocked++
		}
	}

	if total >= l.cfg.GlobalLimit {
		return Decision{
			Allowed:    false,
			RetryAfter: l.retryAfterLocked(w, false),
			LimitKind:  "global",
		}
	}
	if wasBlocked && blocked >= l.cfg.BlockedLimit {
		return Decision{
			Allowed:    false,
			RetryAfter: l.retryAfterLocked(w, true),
			LimitKind:  "blocked",
		}
	}
	return Decision{Allowed: true}
}

// retryAfterLocked computes window minus the age of the oldest relevant
// entry: when that entry slides out, one slot frees up.
func (l *Limiter) retryAfterLocked(w *userWindow, blockedOnly bool) time.Duration {
	now := l.now()
	for _, e := range w.entries {
		if blockedOnly && !e.blocked {
			continue
		}
		retry := l.cfg.Window - now.Sub(e.at)
		if retry < 0 {
			retry = 0
		}
		return retry
	}
	return l.cfg.Window
}
