// Package ratelimit provides the gateway's dual sliding-window rate
// limiter: one window per client address, one per authenticated user.
// Windows are deques of monotonic timestamps pruned before every
// append, so counts never include expired entries.
package ratelimit

import (
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Scope selects which window family a key belongs to.
type Scope string

const (
	ScopeClient Scope = "client"
	ScopeUser   Scope = "user"
)

// Limit describes one window family. Effective capacity is Max+Burst.
type Limit struct {
	Max    int
	Window time.Duration
	Burst  int
}

// Decision reports the verdict for a single Allow call. RetryAfter is
// populated only on denial and is always at least one second.
type Decision struct {
	Allowed       bool
	Limit         int
	WindowSeconds int
	RetryAfter    int
}

// Limiter tracks request timestamps per key under one mutex.
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	limits  map[Scope]Limit
	windows map[string][]time.Time
}

// New builds a limiter from config. Disabled limiters allow everything.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{windows: make(map[string][]time.Time)}
	l.Reconfigure(cfg)
	return l
}

// Reconfigure swaps the limits at runtime. Existing windows are kept;
// the new limits apply from the next Allow call.
func (l *Limiter) Reconfigure(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = cfg.IsEnabled()
	l.limits = map[Scope]Limit{
		ScopeClient: {
			Max:    cfg.MaxRequests,
			Window: time.Duration(cfg.WindowSeconds) * time.Second,
			Burst:  cfg.Burst,
		},
		ScopeUser: {
			Max:    cfg.UserMaxRequests,
			Window: time.Duration(cfg.UserWindowSeconds) * time.Second,
		},
	}
}

// Config reports the active limits.
func (l *Limiter) Config() config.RateLimitConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	enabled := l.enabled
	return config.RateLimitConfig{
		Enabled:           &enabled,
		MaxRequests:       l.limits[ScopeClient].Max,
		WindowSeconds:     int(l.limits[ScopeClient].Window / time.Second),
		Burst:             l.limits[ScopeClient].Burst,
		UserMaxRequests:   l.limits[ScopeUser].Max,
		UserWindowSeconds: int(l.limits[ScopeUser].Window / time.Second),
	}
}

// Allow records one request against scope/key and reports whether it
// fits the window. Empty keys are never limited.
func (l *Limiter) Allow(scope Scope, key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[scope]
	if !l.enabled || key == "" || limit.Max <= 0 {
		return Decision{Allowed: true, Limit: limit.Max, WindowSeconds: int(limit.Window / time.Second)}
	}

	now := time.Now()
	k := string(scope) + ":" + key
	window := prune(l.windows[k], now, limit.Window)

	decision := Decision{
		Limit:         limit.Max,
		WindowSeconds: int(limit.Window / time.Second),
	}

	if len(window) >= limit.Max+limit.Burst {
		// Deny without recording; retry once the oldest entry ages out.
		retry := limit.Window - now.Sub(window[0])
		decision.RetryAfter = int(retry / time.Second)
		if decision.RetryAfter < 1 {
			decision.RetryAfter = 1
		}
		l.windows[k] = window
		return decision
	}

	l.windows[k] = append(window, now)
	decision.Allowed = true
	return decision
}

func prune(window []time.Time, now time.Time, span time.Duration) []time.Time {
	cut := 0
	for cut < len(window) && now.Sub(window[cut]) >= span {
		cut++
	}
	return window[cut:]
}

// Reset drops the window for one key, e.g. "client:10.0.0.1" or
// "user:alice". Returns false when no such window exists.
func (l *Limiter) Reset(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows[key]; !ok {
		return false
	}
	delete(l.windows, key)
	return true
}

// Snapshot returns current in-window counts for every non-empty key.
func (l *Limiter) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	out := make(map[string]int)
	for key, window := range l.windows {
		scope := ScopeClient
		if len(key) >= 5 && key[:5] == "user:" {
			scope = ScopeUser
		}
		live := prune(window, now, l.limits[scope].Window)
		if len(live) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = live
		out[key] = len(live)
	}
	return out
}
