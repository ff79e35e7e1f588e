package recovery

import (
	"context"
	"time"

	"forgeauth/internal/autherr"
	"forgeauth/internal/oauth"
)

// Strategy is a recovery action.
type Strategy string

const (
	StrategyRetry          Strategy = "RETRY"
	StrategyRefreshToken   Strategy = "REFRESH_TOKEN"
	StrategyReauthenticate Strategy = "REAUTHENTICATE"
	StrategyFallback       Strategy = "FALLBACK"
	StrategyFail           Strategy = "FAIL"
)

// Defaults for Config.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 3
)

// Config controls classification and backoff.
type Config struct {
	// EnableRefresh routes token errors to REFRESH_TOKEN instead of
	// REAUTHENTICATE.
	EnableRefresh bool

	// EnableFallback routes application errors to FALLBACK instead of FAIL.
	EnableFallback bool

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultConfig enables refresh and leaves fallback off.
func DefaultConfig() Config {
	return Config{
		EnableRefresh: true,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxRetries:    DefaultMaxRetries,
	}
}

// RecoveryContext describes where the error happened.
type RecoveryContext struct {
	SessionID     string
	ApplicationID string
	UserID        string
	Operation     string

	// Attempt is the number of retries already made for the operation.
	Attempt int

	// SkipDelay makes RETRY report the backoff delay without waiting for it.
	// HTTP handlers use it to answer with Retry-After instead of blocking.
	SkipDelay bool
}

// RecoveryResult reports what Execute did.
type RecoveryResult struct {
	Success      bool
	Strategy     Strategy
	Attempts     int
	RecoveryTime time.Duration

	// Err is set when recovery did not succeed.
	Err *autherr.Error

	// ShouldRetry tells the caller to replay the failed operation as attempt
	// NextAttempt after RetryAfter.
	ShouldRetry bool
	NextAttempt int
	RetryAfter  time.Duration

	ReauthRequired bool

	// NewToken is the renewed access token after REFRESH_TOKEN.
	NewToken *oauth.AccessToken

	// FallbackMethod names the method FALLBACK invoked.
	FallbackMethod string
}

// FallbackHandler runs an alternative authentication path.
type FallbackHandler func(ctx context.Context, err *autherr.Error, rc RecoveryContext) error

// FallbackMethod is a registered alternative. Lower Priority wins.
type FallbackMethod struct {
	Name      string
	Priority  int
	Available bool
	Handler   FallbackHandler
}

// SessionRefresher is the part of the session manager the engine drives.
type SessionRefresher interface {
	ForceRefreshSessionToken(ctx context.Context, sessionID string) (*oauth.AccessToken, error)
	ExpireForReauthentication(ctx context.Context, sessionID string) error
}
