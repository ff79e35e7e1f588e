package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/internal/events"
	"forgeauth/internal/metrics"
	"forgeauth/pkg/logging"
)

// Options wires an Engine.
type Options struct {
	Config   Config
	Sessions SessionRefresher
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Logger   *logging.Logger

	// Sleep waits out RETRY delays. Default: clock.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine is the Error Recovery Engine.
type Engine struct {
	cfg      Config
	sessions SessionRefresher
	events   events.Publisher
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	fallbacks map[string]FallbackMethod
}

// NewEngine creates an engine. Non-positive delays and retry counts take
// their defaults.
func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = clock.Sleep
	}

	return &Engine{
		cfg:       cfg,
		sessions:  opts.Sessions,
		events:    opts.Events,
		metrics:   opts.Metrics,
		clock:     clk,
		logger:    opts.Logger,
		sleep:     sleep,
		fallbacks: make(map[string]FallbackMethod),
	}
}

// SetSessions attaches the session manager after construction. The manager
// itself needs the engine as its retry decider, so one of the two has to be
// wired late.
func (e *Engine) SetSessions(s SessionRefresher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = s
}

// Classify maps an error code onto a strategy.
func (e *Engine) Classify(code autherr.Code) Strategy {
	switch code {
	case autherr.CodeInvalidRequest, autherr.CodeInvalidRedirectURI:
		return StrategyFail
	case autherr.CodeApplicationNotFound, autherr.CodeApplicationInactive:
		if e.cfg.EnableFallback {
			return StrategyFallback
		}
		return StrategyFail
	case autherr.CodeStateMismatch, autherr.CodeCSRFTokenMismatch:
		return StrategyFail
	case autherr.CodeTokenExpired, autherr.CodeTokenInvalid, autherr.CodeTokenMissing:
		if e.cfg.EnableRefresh {
			return StrategyRefreshToken
		}
		return StrategyReauthenticate
	case autherr.CodeTokenRevoked:
		return StrategyReauthenticate
	case autherr.CodeSessionNotFound, autherr.CodeSessionExpired, autherr.CodeSessionInvalid:
		return StrategyReauthenticate
	case autherr.CodeInvalidGrant, autherr.CodeUnauthorizedClient:
		return StrategyReauthenticate
	case autherr.CodeNetworkError, autherr.CodeTimeoutError, autherr.CodeConnectionError:
		return StrategyRetry
	case autherr.CodeInternal:
		return StrategyFail
	default:
		return StrategyRetry
	}
}

// RetryDelay returns min(baseDelay * 2^attempt, maxDelay).
func (e *Engine) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := e.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay >= e.cfg.MaxDelay/2 {
			return e.cfg.MaxDelay
		}
		delay *= 2
	}
	if delay > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether an operation that failed with err on the given
// zero-based attempt may be retried, and after which delay.
func (e *Engine) ShouldRetry(err *autherr.Error, attempt int) (time.Duration, bool) {
	if err == nil || !err.Recoverable {
		return 0, false
	}
	if e.Classify(err.Code) != StrategyRetry {
		return 0, false
	}
	if attempt >= e.cfg.MaxRetries {
		return 0, false
	}
	return e.RetryDelay(attempt), true
}

// RegisterFallback adds or replaces a fallback method by name.
func (e *Engine) RegisterFallback(m FallbackMethod) error {
	if m.Name == "" {
		return fmt.Errorf("fallback method name is required")
	}
	if m.Handler == nil {
		return fmt.Errorf("fallback method %s has no handler", m.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[m.Name] = m
	return nil
}

// SetFallbackAvailable toggles a registered fallback method.
func (e *Engine) SetFallbackAvailable(name string, available bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.fallbacks[name]
	if !ok {
		return fmt.Errorf("fallback method %s not registered", name)
	}
	m.Available = available
	e.fallbacks[name] = m
	return nil
}

// Fallbacks returns the registered methods ordered by priority.
func (e *Engine) Fallbacks() []FallbackMethod {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]FallbackMethod, 0, len(e.fallbacks))
	for _, m := range e.fallbacks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].Name < out[j].Name
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// HandleError classifies err and executes the resulting strategy. Token
// errors flagged as non-recoverable go straight to REAUTHENTICATE.
func (e *Engine) HandleError(ctx context.Context, err error, rc RecoveryContext) RecoveryResult {
	authErr := autherr.From(err)
	if authErr == nil {
		return RecoveryResult{Success: true, Strategy: StrategyFail}
	}
	strategy := e.Classify(authErr.Code)
	if strategy == StrategyRefreshToken && !authErr.Recoverable {
		strategy = StrategyReauthenticate
	}
	return e.Execute(ctx, strategy, authErr, rc)
}

// Execute carries out strategy for authErr.
func (e *Engine) Execute(ctx context.Context, strategy Strategy, authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	start := e.clock.Now()

	var res RecoveryResult
	switch strategy {
	case StrategyRetry:
		res = e.executeRetry(ctx, authErr, rc)
	case StrategyRefreshToken:
		res = e.executeRefresh(ctx, authErr, rc)
	case StrategyReauthenticate:
		res = e.executeReauth(ctx, authErr, rc)
	case StrategyFallback:
		res = e.executeFallback(ctx, authErr, rc)
	default:
		res = e.executeFail(authErr, rc)
	}
	res.Strategy = strategy
	res.RecoveryTime = e.clock.Now().Sub(start)

	e.report(res, authErr, rc)
	return res
}

func (e *Engine) executeRetry(ctx context.Context, authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	attempts := rc.Attempt + 1
	if rc.Attempt >= e.cfg.MaxRetries {
		e.logger.Warn("Recovery", "Giving up on %s after %d attempts (%s)", operationName(rc), attempts, authErr.Code)
		return RecoveryResult{Attempts: attempts, Err: authErr}
	}

	delay := e.RetryDelay(rc.Attempt)
	if !rc.SkipDelay {
		if err := e.sleep(ctx, delay); err != nil {
			return RecoveryResult{
				Attempts: attempts,
				Err:      autherr.Wrap(autherr.CodeTimeoutError, err, "retry backoff interrupted"),
			}
		}
	}
	e.logger.Debug("Recovery", "Retrying %s as attempt %d after %v", operationName(rc), attempts+1, delay)
	return RecoveryResult{
		Success:     true,
		Attempts:    attempts,
		ShouldRetry: true,
		NextAttempt: rc.Attempt + 1,
		RetryAfter:  delay,
	}
}

func (e *Engine) executeRefresh(ctx context.Context, authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	e.mu.RLock()
	sessions := e.sessions
	e.mu.RUnlock()

	if sessions == nil || rc.SessionID == "" {
		e.signalReauth(rc, "no session to refresh")
		return RecoveryResult{Attempts: 1, Err: authErr, ReauthRequired: true}
	}

	// The host rejected the current token, so local freshness does not count.
	token, err := sessions.ForceRefreshSessionToken(ctx, rc.SessionID)
	if err != nil {
		refreshErr := autherr.From(err)
		// The session manager has already expired the session.
		e.signalReauth(rc, "token refresh failed")
		return RecoveryResult{Attempts: 1, Err: refreshErr, ReauthRequired: true}
	}
	return RecoveryResult{Success: true, Attempts: 1, NewToken: token}
}

func (e *Engine) executeReauth(ctx context.Context, authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	e.mu.RLock()
	sessions := e.sessions
	e.mu.RUnlock()

	if sessions != nil && rc.SessionID != "" {
		if err := sessions.ExpireForReauthentication(ctx, rc.SessionID); err != nil {
			e.logger.Error("Recovery", err, "Failed to clear session %s", logging.TruncateSessionID(rc.SessionID))
		}
	}
	e.signalReauth(rc, authErr.Message)
	return RecoveryResult{Attempts: 1, Err: authErr, ReauthRequired: true}
}

func (e *Engine) executeFallback(ctx context.Context, authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	var chosen *FallbackMethod
	for _, m := range e.Fallbacks() {
		if m.Available {
			m := m
			chosen = &m
			break
		}
	}
	if chosen == nil {
		e.logger.Warn("Recovery", "No fallback method available for %s", authErr.Code)
		return RecoveryResult{Err: authErr}
	}

	if err := chosen.Handler(ctx, authErr, rc); err != nil {
		e.logger.Warn("Recovery", "Fallback method %s failed: %v", chosen.Name, err)
		return RecoveryResult{Attempts: 1, Err: authErr, FallbackMethod: chosen.Name}
	}
	e.logger.Info("Recovery", "Fallback method %s handled %s", chosen.Name, authErr.Code)
	return RecoveryResult{Success: true, Attempts: 1, FallbackMethod: chosen.Name}
}

func (e *Engine) executeFail(authErr *autherr.Error, rc RecoveryContext) RecoveryResult {
	if authErr.Code.Kind() == autherr.KindInternal {
		e.logger.Error("Recovery", authErr, "Unrecoverable internal error in %s", operationName(rc))
	}
	return RecoveryResult{Err: authErr}
}

func (e *Engine) signalReauth(rc RecoveryContext, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{
		Type:          events.TypeReauthenticationRequired,
		Severity:      events.SeverityWarning,
		SessionID:     rc.SessionID,
		ApplicationID: rc.ApplicationID,
		UserID:        rc.UserID,
		Reason:        events.ReasonReauth,
		Message:       message,
		Timestamp:     e.clock.Now(),
	})
}

func (e *Engine) report(res RecoveryResult, authErr *autherr.Error, rc RecoveryContext) {
	e.metrics.Recovery(string(res.Strategy), res.Success, res.RecoveryTime)

	if e.events == nil {
		return
	}
	severity := events.SeverityInfo
	if !res.Success {
		severity = events.SeverityWarning
	}
	if authErr.Code.Kind() == autherr.KindInternal {
		severity = events.SeverityError
	}
	e.events.Publish(events.Event{
		Type:          events.TypeRecoveryAttempted,
		Severity:      severity,
		SessionID:     rc.SessionID,
		ApplicationID: rc.ApplicationID,
		UserID:        rc.UserID,
		Message:       fmt.Sprintf("%s for %s", res.Strategy, authErr.Code),
		Data: map[string]any{
			"strategy":         string(res.Strategy),
			"code":             string(authErr.Code),
			"success":          res.Success,
			"attempts":         res.Attempts,
			"recovery_time_ms": res.RecoveryTime.Milliseconds(),
		},
		Timestamp: e.clock.Now(),
	})
}

func operationName(rc RecoveryContext) string {
	if rc.Operation == "" {
		return "operation"
	}
	return rc.Operation
}
