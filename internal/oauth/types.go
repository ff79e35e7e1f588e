package oauth

import (
	"time"

	"forgeauth/pkg/redact"
)

// StateTTL is the lifetime of an authorization state.
const StateTTL = 10 * time.Minute

// DefaultRefreshTokenTTL is used when the host does not bound refresh tokens.
const DefaultRefreshTokenTTL = 90 * 24 * time.Hour

// TokenTypeBearer is the only token type the Git host issues.
const TokenTypeBearer = "Bearer"

// AuthorizationState links an authorization callback to the request that
// started it. It is stored server-side and keyed by State.
type AuthorizationState struct {
	State           string    `json:"state"`
	ApplicationID   string    `json:"application_id"`
	RedirectURI     string    `json:"redirect_uri"`
	ClientSessionID string    `json:"client_session_id,omitempty"`
	CodeVerifier    string    `json:"code_verifier,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// IsExpired reports whether the state is no longer acceptable at now.
func (s *AuthorizationState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AccessToken is a short-lived credential. Refreshing produces a new value;
// existing values are never mutated in place.
type AccessToken struct {
	Token          redact.Secret `json:"token"`
	TokenType      string        `json:"token_type"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Scopes         []string      `json:"scopes,omitempty"`
	RefreshTokenID string        `json:"refresh_token_id,omitempty"`
	IsValid        bool          `json:"is_valid"`
	LastUsed       time.Time     `json:"last_used,omitempty"`
}

// Clone returns a copy that shares no slices with t.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = append([]string(nil), t.Scopes...)
	return &c
}

// IsExpired reports whether the token is expired at now.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshToken is a long-lived credential record. ID is the handle stored in
// sessions and access tokens; Token is the secret presented to the host.
type RefreshToken struct {
	ID            string        `json:"id"`
	Token         redact.Secret `json:"token"`
	ApplicationID string        `json:"application_id"`
	UserID        string        `json:"user_id,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"`
	IsValid       bool          `json:"is_valid"`
	IsRevoked     bool          `json:"is_revoked"`
	LastUsed      time.Time     `json:"last_used,omitempty"`
}

// Clone returns a copy of t.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Usable reports whether the record may be exchanged at now.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.IsValid && !t.IsRevoked && now.Before(t.ExpiresAt)
}

// TokenPair is the result of a successful code exchange.
type TokenPair struct {
	AccessToken  *AccessToken
	RefreshToken *RefreshToken

	// ApplicationID and ClientSessionID come from the consumed state.
	ApplicationID   string
	ClientSessionID string

	// UserID is set when the host reports it in the token response.
	UserID string
}

// UserInfo identifies the user on the Git host.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// AuthorizationRequest starts an authorization.
type AuthorizationRequest struct {
	ApplicationID string

	// State is optional. When empty a random value is generated.
	State string

	// ClientSessionID is carried through the flow to bind the resulting
	// session to the caller's transport connection.
	ClientSessionID string

	// ExtraParams are appended to the authorization URL verbatim.
	ExtraParams map[string]string
}

// AuthorizationResult is returned by StartAuthorization.
type AuthorizationResult struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// ExchangeRequest trades an authorization code for tokens. Empty
// ApplicationID and RedirectURI are taken from the stored state.
type ExchangeRequest struct {
	Code          string
	ApplicationID string
	State         string
	RedirectURI   string
}

// RemoteToken is the host's token endpoint response.
type RemoteToken struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	Scopes       []string
	UserID       string
}
