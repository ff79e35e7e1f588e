package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/internal/metrics"
	"forgeauth/internal/ratelimit"
	"forgeauth/internal/registry"
	"forgeauth/pkg/logging"
	"forgeauth/pkg/redact"
)

// DefaultAccessTokenTTL applies when the host omits expires_in.
const DefaultAccessTokenTTL = 2 * time.Hour

// DefaultSweepInterval is how often expired states and refresh tokens are removed.
const DefaultSweepInterval = time.Minute

// stateBytes is the entropy of generated state values.
const stateBytes = 32

// reservedAuthParams cannot be overridden through ExtraParams.
var reservedAuthParams = map[string]bool{
	"client_id":     true,
	"response_type": true,
	"redirect_uri":  true,
	"scope":         true,
	"state":         true,
}

// ApplicationSource resolves active applications.
type ApplicationSource interface {
	Get(ctx context.Context, id string) (*registry.Application, error)
}

// RateLimiter is consulted before authorization and code exchange.
type RateLimiter interface {
	Check(ctx context.Context, identifier string) ratelimit.Result
}

// ExchangerOptions wires an Exchanger.
type ExchangerOptions struct {
	Applications  ApplicationSource
	States        StateStore
	RefreshTokens RefreshTokenStore
	Remote        RemoteClient

	// Limiter is optional.
	Limiter RateLimiter
	Metrics *metrics.Metrics

	Clock  clock.Clock
	Logger *logging.Logger

	// RefreshTokenTTL bounds refresh tokens. Default: DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// UsePKCE adds an S256 code challenge to every authorization.
	UsePKCE bool

	// SweepInterval is used by Start. Default: DefaultSweepInterval.
	SweepInterval time.Duration
}

// Exchanger is the Token Exchanger: it issues authorization URLs, trades
// codes for tokens and refreshes access tokens.
type Exchanger struct {
	apps    ApplicationSource
	states  StateStore
	refresh RefreshTokenStore
	remote  RemoteClient
	limiter RateLimiter
	metrics *metrics.Metrics

	clock  clock.Clock
	logger *logging.Logger

	refreshTokenTTL time.Duration
	usePKCE         bool
	sweepInterval   time.Duration

	// refreshGroup keeps one remote refresh in flight per refresh token ID.
	refreshGroup singleflight.Group

	stopOnce    sync.Once
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewExchanger creates an exchanger. Applications, States, RefreshTokens and
// Remote are required.
func NewExchanger(opts ExchangerOptions) *Exchanger {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := opts.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Exchanger{
		apps:            opts.Applications,
		states:          opts.States,
		refresh:         opts.RefreshTokens,
		remote:          opts.Remote,
		limiter:         opts.Limiter,
		metrics:         opts.Metrics,
		clock:           clk,
		logger:          opts.Logger,
		refreshTokenTTL: ttl,
		usePKCE:         opts.UsePKCE,
		sweepInterval:   interval,
	}
}

// StartAuthorization stores a new state and returns the host authorization URL.
func (e *Exchanger) StartAuthorization(ctx context.Context, req AuthorizationRequest) (*AuthorizationResult, error) {
	if err := e.checkRateLimit(ctx, "authorize", req.ApplicationID); err != nil {
		return nil, err
	}

	app, err := e.apps.Get(ctx, req.ApplicationID)
	if err != nil {
		return nil, autherr.From(err)
	}

	state := req.State
	if state == "" {
		state, err = generateState()
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to generate state")
		}
	}

	now := e.clock.Now()
	st := &AuthorizationState{
		State:           state,
		ApplicationID:   app.ID,
		RedirectURI:     app.RedirectURI,
		ClientSessionID: req.ClientSessionID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(StateTTL),
	}
	if e.usePKCE {
		st.CodeVerifier = oauth2.GenerateVerifier()
	}

	if err := e.states.Save(ctx, st); err != nil {
		if errors.Is(err, ErrStateExists) {
			return nil, autherr.New(autherr.CodeInvalidRequest, "state value is already in use")
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to store authorization state")
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(req.ExtraParams)+1)
	for k, v := range req.ExtraParams {
		if reservedAuthParams[k] {
			e.logger.Warn("OAuth", "Ignoring reserved authorization parameter %q", k)
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if st.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(st.CodeVerifier))
	}

	authURL := oauth2Config(app, app.RedirectURI).AuthCodeURL(state, opts...)

	e.logger.Info("OAuth", "Started authorization for application %s (state=%s)",
		app.ID, logging.TruncateSessionID(state))

	return &AuthorizationResult{URL: authURL, State: state, ExpiresAt: st.ExpiresAt}, nil
}

// ExchangeCode consumes the state and trades code for a token pair.
func (e *Exchanger) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenPair, error) {
	if req.Code == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "authorization code is required")
	}
	if req.State == "" {
		return nil, autherr.New(autherr.CodeStateMismatch, "state parameter is required")
	}

	st, err := e.states.Consume(ctx, req.State)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			e.logger.Warn("OAuth", "Rejected unknown or reused state %s", logging.TruncateSessionID(req.State))
			return nil, autherr.New(autherr.CodeStateMismatch, "authorization state is invalid, expired or already used")
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to load authorization state")
	}

	appID := req.ApplicationID
	if appID == "" {
		appID = st.ApplicationID
	} else if appID != st.ApplicationID {
		return nil, autherr.New(autherr.CodeStateMismatch, "authorization state belongs to a different application")
	}

	if err := e.checkRateLimit(ctx, "exchange", appID); err != nil {
		return nil, err
	}

	app, err := e.apps.Get(ctx, appID)
	if err != nil {
		return nil, autherr.From(err)
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = st.RedirectURI
	}
	if redirectURI != app.RedirectURI {
		return nil, autherr.New(autherr.CodeInvalidRedirectURI, "redirect URI does not match the registered URI")
	}

	remote, err := e.remote.ExchangeCode(ctx, app, req.Code, redirectURI, st.CodeVerifier)
	if err != nil {
		return nil, toAuthError(ctx, err, "token exchange")
	}
	if remote.AccessToken == "" {
		return nil, autherr.New(autherr.CodeTokenMissing, "token response has no access token")
	}

	now := e.clock.Now()
	pair := &TokenPair{
		AccessToken:     e.accessTokenFrom(app, remote, now),
		ApplicationID:   app.ID,
		ClientSessionID: st.ClientSessionID,
		UserID:          remote.UserID,
	}

	if remote.RefreshToken != "" {
		rt := &RefreshToken{
			ID:            uuid.NewString(),
			Token:         redact.New(remote.RefreshToken),
			ApplicationID: app.ID,
			UserID:        remote.UserID,
			ExpiresAt:     now.Add(e.refreshTokenTTL),
			IsValid:       true,
		}
		if err := e.refresh.Put(ctx, rt); err != nil {
			return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to store refresh token")
		}
		pair.RefreshToken = rt
		pair.AccessToken.RefreshTokenID = rt.ID
	}

	e.logger.Info("OAuth", "Exchanged authorization code for application %s (refresh token: %t)",
		app.ID, pair.RefreshToken != nil)
	return pair, nil
}

// RefreshToken trades a stored refresh token for a new access token bound to
// the same refresh token ID. Concurrent calls for the same ID share one
// remote request.
func (e *Exchanger) RefreshToken(ctx context.Context, applicationID, refreshTokenID string) (*AccessToken, error) {
	if refreshTokenID == "" {
		return nil, autherr.New(autherr.CodeTokenInvalid, "no refresh token available")
	}

	v, err, shared := e.refreshGroup.Do(refreshTokenID, func() (interface{}, error) {
		return e.doRefresh(ctx, applicationID, refreshTokenID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("OAuth", "Joined in-flight refresh for token %s", logging.TruncateSessionID(refreshTokenID))
	}
	return v.(*AccessToken).Clone(), nil
}

func (e *Exchanger) doRefresh(ctx context.Context, applicationID, refreshTokenID string) (*AccessToken, error) {
	app, err := e.apps.Get(ctx, applicationID)
	if err != nil {
		return nil, autherr.From(err)
	}

	// Check and claim the record in one store operation so a concurrent
	// revocation cannot slip in before the remote call.
	now := e.clock.Now()
	rec, err := e.refresh.Update(ctx, refreshTokenID, func(rt *RefreshToken) error {
		if rt.ApplicationID != app.ID {
			return errRefreshTokenForeign
		}
		if !rt.Usable(now) {
			return errRefreshTokenUnusable
		}
		rt.LastUsed = now
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshTokenNotFound):
			return nil, autherr.New(autherr.CodeTokenInvalid, "refresh token not found")
		case errors.Is(err, errRefreshTokenForeign):
			return nil, autherr.New(autherr.CodeTokenInvalid, "refresh token belongs to a different application")
		case errors.Is(err, errRefreshTokenUnusable):
			current, getErr := e.refresh.Get(ctx, refreshTokenID)
			if getErr != nil {
				return nil, autherr.Wrap(autherr.CodeInternal, getErr, "failed to load refresh token")
			}
			return nil, unusableRefreshToken(current)
		default:
			return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to load refresh token")
		}
	}

	remote, err := e.remote.RefreshAccessToken(ctx, app, rec.Token.Value())
	if err != nil {
		authErr := toAuthError(ctx, err, "token refresh")
		if authErr.Code == autherr.CodeInvalidGrant {
			e.invalidate(ctx, refreshTokenID)
		}
		return nil, authErr
	}
	if remote.AccessToken == "" {
		return nil, autherr.New(autherr.CodeTokenMissing, "refresh response has no access token")
	}

	now = e.clock.Now()
	_, err = e.refresh.Update(ctx, refreshTokenID, func(rt *RefreshToken) error {
		if rt.IsRevoked {
			// Revoked while the remote call was in flight: the new access
			// token is dropped.
			return errRefreshTokenUnusable
		}
		rt.LastUsed = now
		if remote.RefreshToken != "" {
			rt.Token = redact.New(remote.RefreshToken)
		}
		return nil
	})
	switch {
	case errors.Is(err, errRefreshTokenUnusable):
		current, getErr := e.refresh.Get(ctx, refreshTokenID)
		if getErr != nil {
			return nil, autherr.Wrap(autherr.CodeInternal, getErr, "failed to load refresh token")
		}
		return nil, unusableRefreshToken(current)
	case errors.Is(err, ErrRefreshTokenNotFound):
		return nil, autherr.New(autherr.CodeTokenInvalid, "refresh token not found")
	case err != nil:
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to update refresh token")
	}

	at := e.accessTokenFrom(app, remote, now)
	at.RefreshTokenID = refreshTokenID

	e.logger.Info("OAuth", "Refreshed access token for application %s (rotated=%t)", app.ID, remote.RefreshToken != "")
	return at, nil
}

var (
	errRefreshTokenForeign  = errors.New("refresh token belongs to another application")
	errRefreshTokenUnusable = errors.New("refresh token is not usable")
)

// unusableRefreshToken is the terminal error for a refresh token that must
// never be exchanged again.
func unusableRefreshToken(rt *RefreshToken) *autherr.Error {
	reason := "expired"
	switch {
	case rt.IsRevoked:
		reason = "revoked"
	case !rt.IsValid:
		reason = "invalid"
	}
	terminal := autherr.Newf(autherr.CodeTokenExpired, "refresh token is %s", reason)
	terminal.Recoverable = false
	return terminal.WithDetail("reason", reason)
}

func (e *Exchanger) invalidate(ctx context.Context, refreshTokenID string) {
	_, err := e.refresh.Update(ctx, refreshTokenID, func(rt *RefreshToken) error {
		rt.IsValid = false
		return nil
	})
	if err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		e.logger.Error("OAuth", err, "Failed to invalidate refresh token %s", logging.TruncateSessionID(refreshTokenID))
		return
	}
	e.logger.Warn("OAuth", "Refresh token %s rejected by host, marked invalid", logging.TruncateSessionID(refreshTokenID))
}

// RevokeRefreshToken marks a refresh token revoked. Unknown IDs are ignored.
func (e *Exchanger) RevokeRefreshToken(ctx context.Context, refreshTokenID string) error {
	if refreshTokenID == "" {
		return nil
	}
	_, err := e.refresh.Update(ctx, refreshTokenID, func(rt *RefreshToken) error {
		rt.IsRevoked = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		return autherr.Wrap(autherr.CodeInternal, err, "failed to revoke refresh token")
	}
	return nil
}

// GetRefreshToken returns the stored record for id.
func (e *Exchanger) GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	rt, err := e.refresh.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, autherr.New(autherr.CodeTokenInvalid, "refresh token not found")
		}
		return nil, autherr.Wrap(autherr.CodeInternal, err, "failed to load refresh token")
	}
	return rt, nil
}

// FetchUserInfo returns the user owning token.
func (e *Exchanger) FetchUserInfo(ctx context.Context, applicationID string, token *AccessToken) (*UserInfo, error) {
	if token == nil || token.Token.IsEmpty() {
		return nil, autherr.New(autherr.CodeTokenMissing, "access token is required")
	}
	app, err := e.apps.Get(ctx, applicationID)
	if err != nil {
		return nil, autherr.From(err)
	}
	info, err := e.remote.FetchUserInfo(ctx, app, token.Token.Value())
	if err != nil {
		return nil, toAuthError(ctx, err, "user info request")
	}
	return info, nil
}

// SweepExpired removes expired states and refresh tokens.
func (e *Exchanger) SweepExpired(ctx context.Context) (int, error) {
	states, err := e.states.SweepExpired(ctx)
	if err != nil {
		return states, err
	}
	tokens, err := e.refresh.SweepExpired(ctx)
	return states + tokens, err
}

// Start runs SweepExpired every sweep interval until Stop is called.
func (e *Exchanger) Start() {
	e.stopCleanup = make(chan struct{})
	e.cleanupDone = make(chan struct{})
	go e.cleanupLoop()
}

// Stop stops the background sweep and waits for it to exit.
func (e *Exchanger) Stop() {
	if e.stopCleanup == nil {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopCleanup)
		<-e.cleanupDone
	})
}

func (e *Exchanger) cleanupLoop() {
	defer close(e.cleanupDone)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.SweepExpired(context.Background()); err != nil {
				e.logger.Error("OAuth", err, "Sweep of expired authorization data failed")
			}
		case <-e.stopCleanup:
			return
		}
	}
}

func (e *Exchanger) checkRateLimit(ctx context.Context, operation, identifier string) error {
	if e.limiter == nil {
		return nil
	}
	res := e.limiter.Check(ctx, identifier)
	if res.Allowed {
		return nil
	}
	e.metrics.RateLimited(operation)
	return autherr.Newf(autherr.CodeRateLimited, "too many %s requests, slow down", operation).
		WithDetail("remaining", res.Remaining)
}

func (e *Exchanger) accessTokenFrom(app *registry.Application, remote *RemoteToken, now time.Time) *AccessToken {
	ttl := remote.ExpiresIn
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	scopes := remote.Scopes
	if len(scopes) == 0 {
		scopes = app.Scopes
	}
	tokenType := remote.TokenType
	if tokenType == "" {
		tokenType = TokenTypeBearer
	}
	return &AccessToken{
		Token:     redact.New(remote.AccessToken),
		TokenType: tokenType,
		ExpiresAt: now.Add(ttl),
		Scopes:    append([]string(nil), scopes...),
		IsValid:   true,
		LastUsed:  now,
	}
}

func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// toAuthError makes sure a remote failure crosses the package boundary as an
// *autherr.Error.
func toAuthError(ctx context.Context, err error, op string) *autherr.Error {
	if e, ok := autherr.As(err); ok {
		return e
	}
	return classifyRemoteError(ctx, err, op)
}
