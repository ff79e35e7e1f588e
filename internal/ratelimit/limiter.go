// Package ratelimit throttles authorization and token-exchange attempts per
// identifier (usually an application ID) with a token bucket per identifier.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"forgeauth/internal/clock"
	"forgeauth/pkg/logging"
)

// Config holds configuration for the limiter.
type Config struct {
	// RequestsPerMinute is the sustained rate per identifier.
	// Zero or negative disables limiting.
	RequestsPerMinute int

	// Burst is the bucket size. Default: RequestsPerMinute / 10, at least 1.
	Burst int

	// IdleTTL is how long an unused identifier is remembered. Default: 5 minutes.
	IdleTTL time.Duration
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
}

// Limiter enforces per-identifier throttling. A nil *Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[string]*entry

	clock  clock.Clock
	logger *logging.Logger
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter, or returns nil when cfg disables limiting.
func New(cfg Config, clk clock.Clock, logger *logging.Logger) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		idleTTL: idle,
		entries: make(map[string]*entry),
		clock:   clk,
		logger:  logger,
	}
}

// Check consumes one token for identifier and reports whether the attempt
// is allowed and how many immediate attempts remain.
func (l *Limiter) Check(_ context.Context, identifier string) Result {
	if l == nil {
		return Result{Allowed: true, Remaining: -1}
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok {
		l.cleanupLocked(now)
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.entries[identifier] = e
	}
	e.lastSeen = now

	allowed := e.limiter.AllowN(now, 1)
	remaining := int(e.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	if !allowed {
		l.logger.Warn("RateLimit", "Rate limit exceeded for %s", logging.TruncateSessionID(identifier))
	}
	return Result{Allowed: allowed, Remaining: remaining}
}

// Reset forgets the bucket for identifier.
func (l *Limiter) Reset(identifier string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identifier)
}

// Cleanup removes identifiers idle for longer than the configured TTL.
func (l *Limiter) Cleanup() {
	if l == nil {
		return
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(now)
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) cleanupLocked(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.entries, key)
		}
	}
}
