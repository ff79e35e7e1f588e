// Package session owns the user session lifecycle: creation, activity
// tracking, proactive token refresh, expiry and revocation.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"forgeauth/internal/autherr"
	"forgeauth/internal/clock"
	"forgeauth/internal/events"
	"forgeauth/internal/metrics"
	"forgeauth/internal/oauth"
	"forgeauth/pkg/logging"
	"forgeauth/pkg/redact"
)

// Defaults for Config.
const (
	DefaultSessionTimeout        = 24 * time.Hour
	DefaultRefreshThreshold      = 5 * time.Minute
	DefaultMaxConcurrentSessions = 5
	DefaultSweepInterval         = time.Minute
)

// Config holds the session timing policy.
type Config struct {
	// SessionTimeout is the inactivity lifetime of a session.
	SessionTimeout time.Duration

	// RefreshThreshold is the lead time before access token expiry at which
	// RefreshSessionToken renews the token.
	RefreshThreshold time.Duration

	// MaxConcurrentSessions caps sessions per user. When exceeded, the
	// user's oldest session is evicted. Zero disables the cap.
	MaxConcurrentSessions int

	// SweepInterval is how often Start removes expired sessions.
	SweepInterval time.Duration

	// RefreshTimeout bounds one remote refresh attempt. Zero leaves the
	// caller's context in charge.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:        DefaultSessionTimeout,
		RefreshThreshold:      DefaultRefreshThreshold,
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
		SweepInterval:         DefaultSweepInterval,
	}
}

// TokenRefresher performs remote refreshes. *oauth.Exchanger implements it.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, applicationID, refreshTokenID string) (*oauth.AccessToken, error)
	RevokeRefreshToken(ctx context.Context, refreshTokenID string) error
}

// RetryDecider decides whether a failed refresh attempt is retried and after
// which delay. The recovery engine implements it.
type RetryDecider interface {
	ShouldRetry(err *autherr.Error, attempt int) (time.Duration, bool)
}

// Options wires a Manager.
type Options struct {
	Config    Config
	Refresher TokenRefresher

	// Retry is optional; without it refresh failures are never retried.
	Retry   RetryDecider
	Events  events.Publisher
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *logging.Logger

	// Sleep waits between refresh retries. Default: clock.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type pairKey struct {
	applicationID  string
	refreshTokenID string
}

// Manager is the Session Manager. All mutations of the session table happen
// under one mutex, so lookups and the check-then-act steps of creation,
// refresh and removal are atomic.
type Manager struct {
	mu        sync.Mutex
	byID      map[string]*UserSession
	byClient  map[string]string
	byPair    map[pairKey]string
	cfg       Config
	refresher TokenRefresher
	retry     RetryDecider
	events    events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	// refreshGroup keeps one refresh in flight per session.
	refreshGroup singleflight.Group

	stopOnce    sync.Once
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxConcurrentSessions < 0 {
		cfg.MaxConcurrentSessions = 0
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = clock.Sleep
	}

	return &Manager{
		byID:      make(map[string]*UserSession),
		byClient:  make(map[string]string),
		byPair:    make(map[pairKey]string),
		cfg:       cfg,
		refresher: opts.Refresher,
		retry:     opts.Retry,
		events:    opts.Events,
		metrics:   opts.Metrics,
		clock:     clk,
		logger:    opts.Logger,
		sleep:     sleep,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateSession creates a session, or returns the existing active session
// bound to the same client session ID or the same refresh token.
func (m *Manager) CreateSession(_ context.Context, req CreateRequest) (*UserSession, error) {
	if req.ApplicationID == "" {
		return nil, autherr.New(autherr.CodeInvalidRequest, "application ID is required")
	}
	if req.AccessToken == nil || req.AccessToken.Token.IsEmpty() {
		return nil, autherr.New(autherr.CodeTokenMissing, "access token is required")
	}

	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()

	if req.ClientSessionID != "" {
		if existing, ok := m.lookupLocked(m.byClient[req.ClientSessionID], now, &pending); ok {
			m.mu.Unlock()
			m.publish(pending)
			m.logger.Debug("Session", "Reusing session %s for client session %s",
				logging.TruncateSessionID(existing.ID), logging.TruncateSessionID(req.ClientSessionID))
			return existing.Clone(), nil
		}
	}

	if req.RefreshToken != nil {
		key := pairKey{req.ApplicationID, req.RefreshToken.ID}
		if existing, ok := m.lookupLocked(m.byPair[key], now, &pending); ok {
			m.mu.Unlock()
			m.publish(pending)
			return existing.Clone(), nil
		}
	}

	if m.cfg.MaxConcurrentSessions > 0 && req.User.ID != "" {
		pending = append(pending, m.evictLocked(req.User.ID, now)...)
	}

	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = req.AccessToken.Scopes
	}

	s := &UserSession{
		ID:              uuid.NewString(),
		ClientSessionID: req.ClientSessionID,
		State:           StateAuthenticated,
		ApplicationID:   req.ApplicationID,
		User:            req.User,
		AccessToken:     req.AccessToken.Clone(),
		Permissions:     append([]string(nil), permissions...),
		CreatedAt:       now,
		LastActivity:    now,
		ExpiresAt:       now.Add(m.cfg.SessionTimeout),
	}
	if req.RefreshToken != nil {
		rt := req.RefreshToken.Clone()
		rt.Token = redact.Secret{}
		s.RefreshToken = rt
		s.AccessToken.RefreshTokenID = rt.ID
		m.byPair[pairKey{req.ApplicationID, rt.ID}] = s.ID
	}
	m.byID[s.ID] = s
	if s.ClientSessionID != "" {
		m.byClient[s.ClientSessionID] = s.ID
	}
	out := s.Clone()
	m.mu.Unlock()

	m.publish(pending)
	m.metrics.SessionCreated()
	m.emit(events.Event{
		Type:          events.TypeSessionCreated,
		SessionID:     out.ID,
		ApplicationID: out.ApplicationID,
		UserID:        out.User.ID,
		Message:       "session created",
		Timestamp:     now,
	})
	m.logger.Info("Session", "Created session %s for user %s (application %s)",
		logging.TruncateSessionID(out.ID), out.User.Username, out.ApplicationID)
	return out, nil
}

// GetSession returns an active session. An expired session is removed on
// access and reported as SESSION_EXPIRED; later lookups get SESSION_NOT_FOUND.
func (m *Manager) GetSession(_ context.Context, id string) (*UserSession, error) {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	s, err := m.activeLocked(id, now, &pending)
	var out *UserSession
	if err == nil {
		out = s.Clone()
	}
	m.mu.Unlock()

	m.publish(pending)
	return out, err
}

// GetSessionByClientID returns the active session bound to a client session ID.
func (m *Manager) GetSessionByClientID(ctx context.Context, clientSessionID string) (*UserSession, error) {
	m.mu.Lock()
	id, ok := m.byClient[clientSessionID]
	m.mu.Unlock()
	if !ok {
		return nil, autherr.New(autherr.CodeSessionNotFound, "no session for client session")
	}
	return m.GetSession(ctx, id)
}

// UpdateActivity records activity and pushes the session expiry forward.
// The expiry never moves backwards.
func (m *Manager) UpdateActivity(_ context.Context, id string) error {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	s, err := m.activeLocked(id, now, &pending)
	if err == nil {
		s.LastActivity = now
		if next := now.Add(m.cfg.SessionTimeout); next.After(s.ExpiresAt) {
			s.ExpiresAt = next
		}
		pending = append(pending, events.Event{
			Type:          events.TypeSessionActivity,
			SessionID:     s.ID,
			ApplicationID: s.ApplicationID,
			UserID:        s.User.ID,
			Timestamp:     now,
		})
	}
	m.mu.Unlock()

	m.publish(pending)
	return err
}

// RefreshSessionToken returns the session's access token, renewing it first
// when it is within the refresh threshold of expiry. A failed refresh expires
// the session before the error is returned.
func (m *Manager) RefreshSessionToken(ctx context.Context, id string) (*oauth.AccessToken, error) {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	s, err := m.activeLocked(id, now, &pending)
	if err != nil {
		m.mu.Unlock()
		m.publish(pending)
		return nil, err
	}
	if !s.refreshDue(now, m.cfg.RefreshThreshold) {
		token := s.AccessToken.Clone()
		m.mu.Unlock()
		m.metrics.TokenRefresh(metrics.RefreshSkipped)
		return token, nil
	}
	m.mu.Unlock()

	return m.refreshShared(ctx, id)
}

// ForceRefreshSessionToken renews the access token regardless of its local
// expiry. Callers use it after the host rejected the current token. The
// rejected token is marked invalid, and a failed refresh expires the session.
func (m *Manager) ForceRefreshSessionToken(ctx context.Context, id string) (*oauth.AccessToken, error) {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	s, err := m.activeLocked(id, now, &pending)
	if err != nil {
		m.mu.Unlock()
		m.publish(pending)
		return nil, err
	}
	if s.AccessToken != nil {
		s.AccessToken.IsValid = false
	}
	s.tokenRejected = true
	m.mu.Unlock()

	m.logger.Debug("Session", "Access token of session %s rejected by host, forcing refresh",
		logging.TruncateSessionID(id))
	return m.refreshShared(ctx, id)
}

// refreshShared runs at most one refresh per session at a time.
func (m *Manager) refreshShared(ctx context.Context, id string) (*oauth.AccessToken, error) {
	v, err, _ := m.refreshGroup.Do(id, func() (interface{}, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth.AccessToken).Clone(), nil
}

func (m *Manager) refresh(ctx context.Context, id string) (*oauth.AccessToken, error) {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	s, err := m.activeLocked(id, now, &pending)
	if err != nil {
		m.mu.Unlock()
		m.publish(pending)
		return nil, err
	}
	if !s.refreshDue(now, m.cfg.RefreshThreshold) {
		// A refresh finished between the caller's check and this flight.
		token := s.AccessToken.Clone()
		m.mu.Unlock()
		return token, nil
	}
	if s.RefreshToken == nil {
		m.mu.Unlock()
		return nil, m.failRefresh(id, autherr.New(autherr.CodeTokenInvalid, "session has no refresh token"))
	}
	s.State = StateTokenRefreshing
	appID, rtID, userID := s.ApplicationID, s.RefreshToken.ID, s.User.ID
	m.mu.Unlock()

	m.emit(events.Event{
		Type:          events.TypeTokenRefreshStarted,
		SessionID:     id,
		ApplicationID: appID,
		UserID:        userID,
		Timestamp:     now,
	})

	token, authErr := m.refreshWithRetry(ctx, appID, rtID)
	if authErr != nil {
		return nil, m.failRefresh(id, authErr)
	}

	now = m.clock.Now()
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		// Revoked or expired while the remote call was in flight.
		return nil, autherr.New(autherr.CodeSessionNotFound, "session ended during token refresh")
	}
	s.AccessToken = token.Clone()
	s.State = StateAuthenticated
	s.tokenRejected = false
	if s.RefreshToken != nil {
		s.RefreshToken.LastUsed = now
	}
	out := s.AccessToken.Clone()
	m.mu.Unlock()

	m.metrics.TokenRefresh(metrics.RefreshSuccess)
	m.emit(events.Event{
		Type:          events.TypeTokenRefreshed,
		SessionID:     id,
		ApplicationID: appID,
		UserID:        userID,
		Message:       "access token refreshed",
		Timestamp:     now,
	})
	m.logger.Info("Session", "Refreshed token for session %s (expires %s)",
		logging.TruncateSessionID(id), out.ExpiresAt.Format(time.RFC3339))
	return out, nil
}

func (m *Manager) refreshWithRetry(ctx context.Context, appID, rtID string) (*oauth.AccessToken, *autherr.Error) {
	for attempt := 0; ; attempt++ {
		token, err := m.refreshOnce(ctx, appID, rtID)
		if err == nil {
			return token, nil
		}

		authErr := autherr.From(err)
		if ctxErr := ctx.Err(); ctxErr != nil && authErr.Code != autherr.CodeTimeoutError {
			authErr = autherr.Wrap(autherr.CodeTimeoutError, ctxErr, "token refresh did not complete in time")
		}
		if m.retry == nil || !authErr.Recoverable {
			return nil, authErr
		}

		delay, retry := m.retry.ShouldRetry(authErr, attempt)
		if !retry {
			return nil, authErr
		}
		m.logger.Warn("Session", "Token refresh attempt %d failed (%s), retrying in %v", attempt+1, authErr.Code, delay)
		if err := m.sleep(ctx, delay); err != nil {
			return nil, autherr.Wrap(autherr.CodeTimeoutError, err, "token refresh did not complete in time")
		}
	}
}

func (m *Manager) refreshOnce(ctx context.Context, appID, rtID string) (*oauth.AccessToken, error) {
	if m.refresher == nil {
		return nil, autherr.New(autherr.CodeInternal, "no token refresher configured")
	}
	if m.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		defer cancel()
	}
	return m.refresher.RefreshToken(ctx, appID, rtID)
}

// failRefresh expires the session and returns authErr.
func (m *Manager) failRefresh(id string, authErr *autherr.Error) *autherr.Error {
	now := m.clock.Now()

	m.mu.Lock()
	var pending []events.Event
	if s, ok := m.byID[id]; ok {
		pending = append(pending, m.removeLocked(s, StateExpired, events.ReasonRefreshFailed, now))
	}
	m.mu.Unlock()

	m.metrics.TokenRefresh(metrics.RefreshFailure)
	m.emit(events.Event{
		Type:      events.TypeTokenRefreshFailed,
		Severity:  events.SeverityWarning,
		SessionID: id,
		Message:   authErr.Message,
		Data:      map[string]any{"code": string(authErr.Code), "recoverable": authErr.Recoverable},
		Timestamp: now,
	})
	m.publish(pending)
	m.logger.Warn("Session", "Token refresh failed for session %s (%s), session expired",
		logging.TruncateSessionID(id), authErr.Code)
	return authErr
}

// RevokeSession terminates the session and revokes its refresh token.
// Unknown sessions are ignored.
func (m *Manager) RevokeSession(ctx context.Context, id string) error {
	now := m.clock.Now()

	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	ev := m.removeLocked(s, StateRevoked, events.ReasonExplicit, now)
	var rtID string
	if s.RefreshToken != nil {
		rtID = s.RefreshToken.ID
	}
	m.mu.Unlock()

	m.publish([]events.Event{ev})
	m.logger.Info("Session", "Revoked session %s", logging.TruncateSessionID(id))

	if rtID != "" && m.refresher != nil {
		if err := m.refresher.RevokeRefreshToken(ctx, rtID); err != nil {
			m.logger.Error("Session", err, "Failed to revoke refresh token of session %s", logging.TruncateSessionID(id))
			return err
		}
	}
	return nil
}

// ExpireSession terminates the session. Unknown sessions are ignored.
func (m *Manager) ExpireSession(_ context.Context, id string) error {
	return m.expire(id, events.ReasonExplicit)
}

// ExpireForReauthentication terminates the session because the user must
// authenticate again.
func (m *Manager) ExpireForReauthentication(_ context.Context, id string) error {
	return m.expire(id, events.ReasonReauth)
}

func (m *Manager) expire(id, reason string) error {
	now := m.clock.Now()

	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	ev := m.removeLocked(s, StateExpired, reason, now)
	m.mu.Unlock()

	m.publish([]events.Event{ev})
	m.logger.Info("Session", "Expired session %s (%s)", logging.TruncateSessionID(id), reason)
	return nil
}

// GetUserSessions returns the user's active sessions, oldest first.
func (m *Manager) GetUserSessions(_ context.Context, userID string) []*UserSession {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	var out []*UserSession
	for _, s := range m.byID {
		if s.User.ID != userID {
			continue
		}
		if s.IsExpired(now) {
			pending = append(pending, m.removeLocked(s, StateExpired, expiryReason(s, now), now))
			continue
		}
		out = append(out, s.Clone())
	}
	m.mu.Unlock()

	m.publish(pending)
	sortByCreation(out)
	return out
}

// Count returns the number of sessions held, including ones not yet swept.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// SweepExpired removes all expired sessions and returns how many were removed.
func (m *Manager) SweepExpired(_ context.Context) int {
	now := m.clock.Now()
	var pending []events.Event

	m.mu.Lock()
	for _, s := range m.byID {
		if s.IsExpired(now) {
			pending = append(pending, m.removeLocked(s, StateExpired, expiryReason(s, now), now))
		}
	}
	m.mu.Unlock()

	m.publish(pending)
	if len(pending) > 0 {
		m.logger.Debug("Session", "Cleaned up %d expired sessions", len(pending))
	}
	return len(pending)
}

// Start runs SweepExpired every sweep interval until Stop is called.
func (m *Manager) Start() {
	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.cleanupLoop()
}

// Stop stops the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	if m.stopCleanup == nil {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone
	})
}

func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepExpired(context.Background())
		case <-m.stopCleanup:
			return
		}
	}
}

// lookupLocked returns the active session with id, lazily removing it if it
// has expired.
func (m *Manager) lookupLocked(id string, now time.Time, pending *[]events.Event) (*UserSession, bool) {
	if id == "" {
		return nil, false
	}
	s, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	if s.IsExpired(now) {
		*pending = append(*pending, m.removeLocked(s, StateExpired, expiryReason(s, now), now))
		return nil, false
	}
	return s, true
}

func (m *Manager) activeLocked(id string, now time.Time, pending *[]events.Event) (*UserSession, error) {
	s, ok := m.byID[id]
	if !ok {
		return nil, autherr.New(autherr.CodeSessionNotFound, "session not found")
	}
	if s.IsExpired(now) {
		*pending = append(*pending, m.removeLocked(s, StateExpired, expiryReason(s, now), now))
		return nil, autherr.New(autherr.CodeSessionExpired, "session has expired")
	}
	return s, nil
}

// evictLocked removes the user's oldest sessions until a new one fits.
func (m *Manager) evictLocked(userID string, now time.Time) []events.Event {
	var owned []*UserSession
	for _, s := range m.byID {
		if s.User.ID == userID {
			owned = append(owned, s)
		}
	}
	sortByCreation(owned)

	var evicted []events.Event
	for len(owned) >= m.cfg.MaxConcurrentSessions {
		oldest := owned[0]
		owned = owned[1:]
		evicted = append(evicted, m.removeLocked(oldest, StateExpired, events.ReasonEvicted, now))
		m.logger.Info("Session", "Evicted session %s of user %s (limit %d)",
			logging.TruncateSessionID(oldest.ID), userID, m.cfg.MaxConcurrentSessions)
	}
	return evicted
}

// removeLocked drops s from every index and returns the event to publish.
func (m *Manager) removeLocked(s *UserSession, state State, reason string, now time.Time) events.Event {
	delete(m.byID, s.ID)
	if s.ClientSessionID != "" && m.byClient[s.ClientSessionID] == s.ID {
		delete(m.byClient, s.ClientSessionID)
	}
	if s.RefreshToken != nil {
		key := pairKey{s.ApplicationID, s.RefreshToken.ID}
		if m.byPair[key] == s.ID {
			delete(m.byPair, key)
		}
	}
	s.State = state

	m.metrics.SessionTerminated(reason)

	ev := events.Event{
		Type:          events.TypeSessionExpired,
		Severity:      events.SeverityInfo,
		SessionID:     s.ID,
		ApplicationID: s.ApplicationID,
		UserID:        s.User.ID,
		Reason:        reason,
		Message:       "session expired",
		Timestamp:     now,
	}
	if state == StateRevoked {
		ev.Type = events.TypeSessionRevoked
		ev.Message = "session revoked"
	}
	if reason == events.ReasonRefreshFailed || reason == events.ReasonEvicted {
		ev.Severity = events.SeverityWarning
	}
	return ev
}

func (m *Manager) publish(pending []events.Event) {
	for _, ev := range pending {
		m.emit(ev)
	}
}

func (m *Manager) emit(ev events.Event) {
	if m.events == nil {
		return
	}
	m.events.Publish(ev)
}

func expiryReason(s *UserSession, now time.Time) string {
	if !now.Before(s.ExpiresAt) {
		return events.ReasonTimeout
	}
	return events.ReasonTokenExpired
}

func sortByCreation(sessions []*UserSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
