package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/internal/events"
	"forgeauth/internal/metrics"
	"forgeauth/internal/oauth"
	"forgeauth/pkg/redact"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) ForceRefreshSessionToken(ctx context.Context, sessionID string) (*oauth.AccessToken, error) {
	args := m.Called(ctx, sessionID)
	tok, _ := args.Get(0).(*oauth.AccessToken)
	return tok, args.Error(1)
}

func (m *mockSessions) ExpireForReauthentication(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *mockSessions, <-chan events.Event, *recordedSleep) {
	t.Helper()
	sessions := &mockSessions{}
	bus := events.NewBus(nil)
	ch, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)
	slept := &recordedSleep{}

	e := NewEngine(Options{
		Config:   cfg,
		Sessions: sessions,
		Events:   bus,
		Clock:    clock.NewMock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Sleep:    slept.sleep,
	})
	t.Cleanup(func() { sessions.AssertExpectations(t) })
	return e, sessions, ch, slept
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code     autherr.Code
		enabled  Strategy
		disabled Strategy
	}{
		{autherr.CodeInvalidRequest, StrategyFail, StrategyFail},
		{autherr.CodeInvalidRedirectURI, StrategyFail, StrategyFail},
		{autherr.CodeApplicationNotFound, StrategyFallback, StrategyFail},
		{autherr.CodeApplicationInactive, StrategyFallback, StrategyFail},
		{autherr.CodeStateMismatch, StrategyFail, StrategyFail},
		{autherr.CodeCSRFTokenMismatch, StrategyFail, StrategyFail},
		{autherr.CodeTokenExpired, StrategyRefreshToken, StrategyReauthenticate},
		{autherr.CodeTokenInvalid, StrategyRefreshToken, StrategyReauthenticate},
		{autherr.CodeTokenMissing, StrategyRefreshToken, StrategyReauthenticate},
		{autherr.CodeTokenRevoked, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeSessionNotFound, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeSessionExpired, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeSessionInvalid, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeInvalidGrant, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeUnauthorizedClient, StrategyReauthenticate, StrategyReauthenticate},
		{autherr.CodeNetworkError, StrategyRetry, StrategyRetry},
		{autherr.CodeTimeoutError, StrategyRetry, StrategyRetry},
		{autherr.CodeConnectionError, StrategyRetry, StrategyRetry},
		{autherr.CodeRateLimited, StrategyRetry, StrategyRetry},
		{autherr.CodeInternal, StrategyFail, StrategyFail},
		{autherr.Code("SOMETHING_NEW"), StrategyRetry, StrategyRetry},
	}

	enabled := NewEngine(Options{Config: Config{EnableRefresh: true, EnableFallback: true}})
	disabled := NewEngine(Options{Config: Config{}})

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.enabled, enabled.Classify(tt.code))
			assert.Equal(t, tt.disabled, disabled.Classify(tt.code))
		})
	}
}

func TestClassify_Scenarios(t *testing.T) {
	e := NewEngine(Options{Config: Config{EnableRefresh: false}})

	assert.Equal(t, StrategyRetry, e.Classify(autherr.CodeNetworkError))
	assert.Equal(t, StrategyFail, e.Classify(autherr.CodeCSRFTokenMismatch))
	assert.Equal(t, StrategyReauthenticate, e.Classify(autherr.CodeTokenExpired))
}

func TestRetryDelay(t *testing.T) {
	e := NewEngine(Options{Config: Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{63, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.RetryDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestShouldRetry(t *testing.T) {
	e := NewEngine(Options{Config: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 2, EnableRefresh: true}})

	delay, ok := e.ShouldRetry(autherr.New(autherr.CodeNetworkError, "x"), 0)
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, delay)

	delay, ok = e.ShouldRetry(autherr.New(autherr.CodeTimeoutError, "x"), 1)
	assert.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, delay)

	_, ok = e.ShouldRetry(autherr.New(autherr.CodeTimeoutError, "x"), 2)
	assert.False(t, ok, "retry budget exhausted")

	_, ok = e.ShouldRetry(autherr.New(autherr.CodeTokenExpired, "x"), 0)
	assert.False(t, ok, "token errors are refreshed, not retried")

	_, ok = e.ShouldRetry(autherr.New(autherr.CodeStateMismatch, "x"), 0)
	assert.False(t, ok)

	_, ok = e.ShouldRetry(nil, 0)
	assert.False(t, ok)
}

func TestExecute_Retry(t *testing.T) {
	ctx := context.Background()
	e, _, ch, slept := newTestEngine(t, Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 3})
	networkErr := autherr.New(autherr.CodeNetworkError, "bad gateway")

	res := e.Execute(ctx, StrategyRetry, networkErr, RecoveryContext{Attempt: 1})
	assert.True(t, res.Success)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, 2, res.NextAttempt)
	assert.Equal(t, 2*time.Second, res.RetryAfter)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept.delays)

	res = e.Execute(ctx, StrategyRetry, networkErr, RecoveryContext{Attempt: 3})
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.Same(t, networkErr, res.Err)

	evs := drain(ch)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeRecoveryAttempted, evs[0].Type)
	assert.Equal(t, "RETRY", evs[0].Data["strategy"])
}

func TestExecute_RetrySkipDelay(t *testing.T) {
	e, _, _, slept := newTestEngine(t, Config{MaxRetries: 1})

	res := e.Execute(context.Background(), StrategyRetry, autherr.New(autherr.CodeRateLimited, "slow down"),
		RecoveryContext{SkipDelay: true})
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, DefaultBaseDelay, res.RetryAfter)
	assert.Empty(t, slept.delays)
}

func TestExecute_RetryInterrupted(t *testing.T) {
	e := NewEngine(Options{Config: Config{BaseDelay: time.Hour, MaxRetries: 3}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Execute(ctx, StrategyRetry, autherr.New(autherr.CodeNetworkError, "x"), RecoveryContext{})
	assert.False(t, res.Success)
	assert.Equal(t, autherr.CodeTimeoutError, res.Err.Code)
}

func TestExecute_RefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		e, sessions, _, _ := newTestEngine(t, DefaultConfig())
		token := &oauth.AccessToken{Token: redact.New("fresh")}
		sessions.On("ForceRefreshSessionToken", mock.Anything, "sess-1").Return(token, nil).Once()

		res := e.Execute(ctx, StrategyRefreshToken, autherr.New(autherr.CodeTokenExpired, "x"), RecoveryContext{SessionID: "sess-1"})
		assert.True(t, res.Success)
		assert.Same(t, token, res.NewToken)
		assert.False(t, res.ReauthRequired)
	})

	t.Run("failure signals reauthentication", func(t *testing.T) {
		e, sessions, ch, _ := newTestEngine(t, DefaultConfig())
		sessions.On("ForceRefreshSessionToken", mock.Anything, "sess-1").
			Return(nil, autherr.New(autherr.CodeInvalidGrant, "grant revoked")).Once()

		res := e.Execute(ctx, StrategyRefreshToken, autherr.New(autherr.CodeTokenExpired, "x"), RecoveryContext{SessionID: "sess-1"})
		assert.False(t, res.Success)
		assert.True(t, res.ReauthRequired)
		assert.Equal(t, autherr.CodeInvalidGrant, res.Err.Code)

		evs := drain(ch)
		require.Len(t, evs, 2)
		assert.Equal(t, events.TypeReauthenticationRequired, evs[0].Type)
		assert.Equal(t, events.TypeRecoveryAttempted, evs[1].Type)
	})

	t.Run("no session", func(t *testing.T) {
		e, _, _, _ := newTestEngine(t, DefaultConfig())
		res := e.Execute(ctx, StrategyRefreshToken, autherr.New(autherr.CodeTokenMissing, "x"), RecoveryContext{})
		assert.False(t, res.Success)
		assert.True(t, res.ReauthRequired)
	})
}

func TestExecute_Reauthenticate(t *testing.T) {
	e, sessions, ch, _ := newTestEngine(t, DefaultConfig())
	sessions.On("ExpireForReauthentication", mock.Anything, "sess-1").Return(nil).Once()

	sessionErr := autherr.New(autherr.CodeSessionExpired, "session has expired")
	res := e.Execute(context.Background(), StrategyReauthenticate, sessionErr, RecoveryContext{SessionID: "sess-1", UserID: "42"})

	assert.False(t, res.Success)
	assert.True(t, res.ReauthRequired)
	assert.Same(t, sessionErr, res.Err)

	evs := drain(ch)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeReauthenticationRequired, evs[0].Type)
	assert.Equal(t, "42", evs[0].UserID)
}

func TestExecute_Fallback(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t, Config{EnableFallback: true})
	appErr := autherr.New(autherr.CodeApplicationInactive, "inactive")

	res := e.Execute(ctx, StrategyFallback, appErr, RecoveryContext{})
	assert.False(t, res.Success, "no methods registered")

	var called []string
	handler := func(name string, err error) FallbackHandler {
		return func(context.Context, *autherr.Error, RecoveryContext) error {
			called = append(called, name)
			return err
		}
	}
	require.NoError(t, e.RegisterFallback(FallbackMethod{Name: "secondary", Priority: 2, Available: true, Handler: handler("secondary", nil)}))
	require.NoError(t, e.RegisterFallback(FallbackMethod{Name: "primary", Priority: 1, Available: true, Handler: handler("primary", errors.New("down"))}))
	require.NoError(t, e.RegisterFallback(FallbackMethod{Name: "best", Priority: 0, Available: false, Handler: handler("best", nil)}))

	res = e.Execute(ctx, StrategyFallback, appErr, RecoveryContext{})
	assert.False(t, res.Success)
	assert.Equal(t, "primary", res.FallbackMethod)

	require.NoError(t, e.SetFallbackAvailable("primary", false))
	res = e.Execute(ctx, StrategyFallback, appErr, RecoveryContext{})
	assert.True(t, res.Success)
	assert.Equal(t, "secondary", res.FallbackMethod)

	require.NoError(t, e.SetFallbackAvailable("best", true))
	res = e.Execute(ctx, StrategyFallback, appErr, RecoveryContext{})
	assert.Equal(t, "best", res.FallbackMethod)

	assert.Equal(t, []string{"primary", "secondary", "best"}, called)
	assert.Error(t, e.SetFallbackAvailable("missing", true))
	assert.Error(t, e.RegisterFallback(FallbackMethod{Name: "no-handler"}))
}

func TestExecute_Fail(t *testing.T) {
	e, _, _, _ := newTestEngine(t, DefaultConfig())
	stateErr := autherr.New(autherr.CodeStateMismatch, "state mismatch")

	res := e.Execute(context.Background(), StrategyFail, stateErr, RecoveryContext{})
	assert.False(t, res.Success)
	assert.Same(t, stateErr, res.Err)
	assert.False(t, res.ReauthRequired)
}

func TestHandleError(t *testing.T) {
	ctx := context.Background()

	t.Run("non-recoverable token error reauthenticates", func(t *testing.T) {
		e, sessions, _, _ := newTestEngine(t, DefaultConfig())
		sessions.On("ExpireForReauthentication", mock.Anything, "sess-1").Return(nil).Once()

		revoked := autherr.New(autherr.CodeTokenExpired, "refresh token revoked")
		revoked.Recoverable = false
		res := e.HandleError(ctx, revoked, RecoveryContext{SessionID: "sess-1"})
		assert.Equal(t, StrategyReauthenticate, res.Strategy)
		assert.True(t, res.ReauthRequired)
	})

	t.Run("plain errors fail as internal", func(t *testing.T) {
		e, _, _, _ := newTestEngine(t, DefaultConfig())
		res := e.HandleError(ctx, errors.New("boom"), RecoveryContext{})
		assert.Equal(t, StrategyFail, res.Strategy)
		assert.Equal(t, autherr.CodeInternal, res.Err.Code)
	})

	t.Run("transport errors retry", func(t *testing.T) {
		e, _, _, _ := newTestEngine(t, DefaultConfig())
		res := e.HandleError(ctx, autherr.New(autherr.CodeConnectionError, "refused"), RecoveryContext{SkipDelay: true})
		assert.Equal(t, StrategyRetry, res.Strategy)
		assert.True(t, res.ShouldRetry)
	})
}

func TestEngine_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	e := NewEngine(Options{Config: DefaultConfig(), Metrics: m})

	e.Execute(context.Background(), StrategyFail, autherr.New(autherr.CodeStateMismatch, "x"), RecoveryContext{})
	e.Execute(context.Background(), StrategyFail, autherr.New(autherr.CodeStateMismatch, "x"), RecoveryContext{})

	count, err := testutil.GatherAndCount(m.Registry(), "forgeauth_recovery_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
