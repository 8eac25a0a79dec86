package llms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/httpclient"
	"github.com/intelliclaw/gateway/pkg/observability"
)

// retriableMarkers classify errors worth failing over: throttling,
// server-side failures, and transport problems. Everything else (bad
// request, bad key) stays with the provider that produced it.
var retriableMarkers = []string{
	"429", "500", "502", "503", "504", "529",
	"rate limit", "timeout", "timed out", "connection",
	"unavailable", "overloaded",
}

func retriable(err error) bool {
	if _, ok := httpclient.AsRetryable(err); ok {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retriableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type cooldown struct {
	backoff time.Duration
	until   time.Time
}

// Failover walks an ordered provider chain. A provider that fails
// retriably cools down with doubling backoff and is skipped until the
// cooldown expires; any success clears its cooldown.
type Failover struct {
	registry *Registry
	cfg      config.FailoverConfig
	metrics  observability.Metrics

	mu        sync.Mutex
	cooldowns map[string]*cooldown
	now       func() time.Time
}

func NewFailover(registry *Registry, cfg config.FailoverConfig, metrics observability.Metrics) *Failover {
	return &Failover{
		registry:  registry,
		cfg:       cfg,
		metrics:   metrics,
		cooldowns: make(map[string]*cooldown),
		now:       time.Now,
	}
}

type attemptPlan struct {
	provider Provider
	model    string
	primary  bool
}

// ChatComplete tries the selected provider first (with the caller's
// model override), then the chain. A non-retriable error from the
// primary surfaces immediately; retriable errors move down the chain.
// The served result is annotated with failover metadata.
func (f *Failover) ChatComplete(ctx context.Context, primary string, messages []Message, opts Options) (*Result, error) {
	if primary == "" {
		primary = f.cfg.Primary
	}
	if primary == "" {
		return nil, fmt.Errorf("no provider selected and no failover primary configured")
	}

	attempts := f.plan(primary, opts.Model)
	if len(attempts) == 0 {
		return nil, fmt.Errorf("provider %q is not registered and no fallback is configured", primary)
	}

	var firstErr, lastErr error
	failoverUsed := false
	if !attempts[0].primary {
		// The selected provider is unknown; everything we try is a
		// fallback.
		failoverUsed = true
		firstErr = fmt.Errorf("provider %q is not registered", primary)
		lastErr = firstErr
	}

	for _, att := range attempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := att.provider.Name()

		if f.coolingDown(name) {
			slog.Debug("Skipping provider in cooldown", "provider", name)
			if att.primary {
				// A cooling primary diverts to the chain; it gets traffic
				// again only once the window expires.
				failoverUsed = true
				lastErr = fmt.Errorf("provider %s is cooling down", name)
				if firstErr == nil {
					firstErr = lastErr
				}
			}
			continue
		}
		if !att.provider.IsAvailable() {
			lastErr = fmt.Errorf("provider %s is not available", name)
			if firstErr == nil {
				firstErr = lastErr
			}
			failoverUsed = true
			continue
		}

		attOpts := opts
		attOpts.Model = att.model

		res, err := att.provider.ChatComplete(ctx, messages, attOpts)
		if err == nil {
			f.clearCooldown(name)
			res.Provider = name
			res.FailoverUsed = failoverUsed
			res.ActualProvider = name
			res.ActualModel = res.Model
			if failoverUsed {
				if firstErr != nil {
					res.FailoverReason = firstErr.Error()
				}
				if f.metrics != nil {
					f.metrics.RecordFailover(ctx, primary, name)
				}
				slog.Info("Request served by fallback provider",
					"requested", primary, "actual", name, "model", res.Model)
			}
			return res, nil
		}

		if !retriable(err) && att.primary {
			return nil, err
		}
		if retriable(err) {
			f.recordFailure(name)
		}
		failoverUsed = true
		lastErr = err
		if firstErr == nil {
			firstErr = err
		}
		slog.Warn("Provider attempt failed", "provider", name, "error", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no provider available: all candidates are cooling down")
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// plan orders the attempts: primary first with the caller's model
// override, then chain entries that are not the primary with their
// per-entry model overrides.
func (f *Failover) plan(primary, modelOverride string) []attemptPlan {
	var attempts []attemptPlan
	if p, ok := f.registry.Get(primary); ok {
		attempts = append(attempts, attemptPlan{provider: p, model: modelOverride, primary: true})
	}
	for _, entry := range f.cfg.Chain {
		if entry.Provider == primary {
			continue
		}
		p, ok := f.registry.Get(entry.Provider)
		if !ok {
			continue
		}
		attempts = append(attempts, attemptPlan{provider: p, model: entry.Model})
	}
	return attempts
}

func (f *Failover) coolingDown(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cooldowns[name]
	return c != nil && f.now().Before(c.until)
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := time.Duration(f.cfg.CooldownBaseSeconds) * time.Second
	ceiling := time.Duration(f.cfg.CooldownMaxSeconds) * time.Second

	c := f.cooldowns[name]
	if c == nil {
		c = &cooldown{backoff: base}
		f.cooldowns[name] = c
	} else {
		c.backoff *= 2
		if c.backoff > ceiling {
			c.backoff = ceiling
		}
	}
	c.until = f.now().Add(c.backoff)
}

func (f *Failover) clearCooldown(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cooldowns, name)
}

// Cooldowns reports seconds remaining per cooling provider, for the
// admin status view.
func (f *Failover) Cooldowns() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int)
	now := f.now()
	for name, c := range f.cooldowns {
		if remaining := c.until.Sub(now); remaining > 0 {
			out[name] = int(remaining.Seconds() + 0.5)
		}
	}
	return out
}
