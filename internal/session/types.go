package session

import (
	"time"

	"forgeauth/internal/oauth"
)

// State is the lifecycle state of a session.
type State string

const (
	StateAuthenticated   State = "authenticated"
	StateTokenRefreshing State = "token_refreshing"
	StateExpired         State = "expired"
	StateRevoked         State = "revoked"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateRevoked
}

// UserSession binds an authenticated user of one application to a token pair.
// The manager hands out copies; mutating them has no effect.
type UserSession struct {
	ID              string             `json:"id"`
	ClientSessionID string             `json:"client_session_id,omitempty"`
	State           State              `json:"state"`
	ApplicationID   string             `json:"application_id"`
	User            oauth.UserInfo     `json:"user"`
	AccessToken     *oauth.AccessToken `json:"access_token"`

	// RefreshToken is the record handle only. Its secret stays with the
	// token exchanger and is blanked here.
	RefreshToken *oauth.RefreshToken `json:"refresh_token,omitempty"`

	Permissions  []string  `json:"permissions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	// tokenRejected is set when the host refused the access token before
	// its local expiry.
	tokenRejected bool
}

// Clone returns a deep copy.
func (s *UserSession) Clone() *UserSession {
	if s == nil {
		return nil
	}
	c := *s
	c.AccessToken = s.AccessToken.Clone()
	c.RefreshToken = s.RefreshToken.Clone()
	c.Permissions = append([]string(nil), s.Permissions...)
	return &c
}

// NeedsRefresh reports whether the access token is within threshold of expiry.
func (s *UserSession) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if s.AccessToken == nil {
		return true
	}
	return !now.Before(s.AccessToken.ExpiresAt.Add(-threshold))
}

// refreshDue reports whether the next refresh must contact the host.
func (s *UserSession) refreshDue(now time.Time, threshold time.Duration) bool {
	return s.tokenRejected || s.NeedsRefresh(now, threshold)
}

// IsExpired reports whether the session or its access token has expired.
func (s *UserSession) IsExpired(now time.Time) bool {
	if !now.Before(s.ExpiresAt) {
		return true
	}
	return s.AccessToken != nil && s.AccessToken.IsExpired(now)
}

// CreateRequest describes a session to create.
type CreateRequest struct {
	ClientSessionID string
	ApplicationID   string
	AccessToken     *oauth.AccessToken
	RefreshToken    *oauth.RefreshToken
	User            oauth.UserInfo

	// Permissions default to the access token scopes.
	Permissions []string
}
