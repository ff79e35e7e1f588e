package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"forgeauth/internal/autherr"
	"forgeauth/internal/oauth"
	"forgeauth/internal/recovery"
	"forgeauth/internal/session"
)

// sessionView is the public representation of a session.
type sessionView struct {
	ID                   string         `json:"id"`
	ClientSessionID      string         `json:"client_session_id,omitempty"`
	State                session.State  `json:"state"`
	ApplicationID        string         `json:"application_id"`
	User                 oauth.UserInfo `json:"user"`
	Permissions          []string       `json:"permissions,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	LastActivity         time.Time      `json:"last_activity"`
	ExpiresAt            time.Time      `json:"expires_at"`
	AccessTokenExpiresAt time.Time      `json:"access_token_expires_at"`
}

func newSessionView(s *session.UserSession) sessionView {
	v := sessionView{
		ID:              s.ID,
		ClientSessionID: s.ClientSessionID,
		State:           s.State,
		ApplicationID:   s.ApplicationID,
		User:            s.User,
		Permissions:     s.Permissions,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		ExpiresAt:       s.ExpiresAt,
	}
	if s.AccessToken != nil {
		v.AccessTokenExpiresAt = s.AccessToken.ExpiresAt
	}
	return v
}

type authorizeResponse struct {
	URL       string    `json:"authorization_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenStatus struct {
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Now().Sub(s.started).Round(time.Second).String(),
	})
}

// handleAuthorize starts an authorization. Browsers are redirected to the
// Git host; clients asking for JSON get the URL back instead.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID := q.Get("application_id")
	rc := recovery.RecoveryContext{ApplicationID: appID, Operation: "authorize"}

	if appID == "" {
		s.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, "application_id is required"), rc)
		return
	}

	extra := make(map[string]string)
	for _, key := range []string{"prompt", "login_hint"} {
		if v := q.Get(key); v != "" {
			extra[key] = v
		}
	}

	res, err := s.opts.Auth.StartAuthorization(r.Context(), oauth.AuthorizationRequest{
		ApplicationID:   appID,
		ClientSessionID: q.Get("client_session_id"),
		ExtraParams:     extra,
	})
	if err != nil {
		s.writeError(w, r, err, rc)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, authorizeResponse{URL: res.URL, State: res.State, ExpiresAt: res.ExpiresAt})
		return
	}
	http.Redirect(w, r, res.URL, http.StatusFound)
}

// handleCallback completes the flow: it exchanges the code, looks up the
// user and creates the session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rc := recovery.RecoveryContext{Operation: "callback"}

	if remoteErr := q.Get("error"); remoteErr != "" {
		// The state is left to expire; the host never issued a code for it.
		msg := "authorization was not granted: " + remoteErr
		if desc := q.Get("error_description"); desc != "" {
			msg += " (" + desc + ")"
		}
		s.writeError(w, r, autherr.New(autherr.CodeInvalidRequest, msg), rc)
		return
	}

	pair, err := s.opts.Auth.ExchangeCode(r.Context(), oauth.ExchangeRequest{
		Code:  q.Get("code"),
		State: q.Get("state"),
	})
	if err != nil {
		s.writeError(w, r, err, rc)
		return
	}
	rc.ApplicationID = pair.ApplicationID

	user, err := s.opts.Auth.FetchUserInfo(r.Context(), pair.ApplicationID, pair.AccessToken)
	if err != nil {
		s.discardTokens(r, pair)
		s.writeError(w, r, err, rc)
		return
	}
	rc.UserID = user.ID

	sess, err := s.opts.Sessions.CreateSession(r.Context(), session.CreateRequest{
		ClientSessionID: pair.ClientSessionID,
		ApplicationID:   pair.ApplicationID,
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		User:            *user,
	})
	if err != nil {
		s.discardTokens(r, pair)
		s.writeError(w, r, err, rc)
		return
	}

	if sess.User.ID != user.ID {
		// The client session is already bound to a different account.
		s.discardTokens(r, pair)
		s.writeError(w, r, autherr.New(autherr.CodeSessionInvalid, "client session belongs to another user"), rc)
		return
	}

	status := http.StatusCreated
	if pair.RefreshToken != nil && (sess.RefreshToken == nil || sess.RefreshToken.ID != pair.RefreshToken.ID) {
		// An existing session was reused and keeps its own tokens.
		s.discardTokens(r, pair)
		status = http.StatusOK
	}
	writeJSON(w, status, newSessionView(sess))
}

// discardTokens revokes the refresh token of a pair that never became a session.
func (s *Server) discardTokens(r *http.Request, pair *oauth.TokenPair) {
	if pair.RefreshToken == nil {
		return
	}
	if err := s.opts.Auth.RevokeRefreshToken(r.Context(), pair.RefreshToken.ID); err != nil {
		s.logger.Warn("HTTP", "Failed to discard refresh token after failed callback: %v", err)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.opts.Sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, recovery.RecoveryContext{SessionID: id, Operation: "get_session"})
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Sessions.RevokeSession(r.Context(), id); err != nil {
		s.writeError(w, r, err, recovery.RecoveryContext{Operation: "revoke_session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Sessions.UpdateActivity(r.Context(), id); err != nil {
		s.writeError(w, r, err, recovery.RecoveryContext{SessionID: id, Operation: "update_activity"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh returns the status of the session's access token, renewing
// it first when it is close to expiry.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token, err := s.opts.Sessions.RefreshSessionToken(r.Context(), id)
	if err != nil {
		// A failed refresh has already ended the session; recovery must not
		// try to refresh it again.
		s.writeError(w, r, err, recovery.RecoveryContext{Operation: "refresh_session"})
		return
	}
	writeJSON(w, http.StatusOK, tokenStatus{
		TokenType: token.TokenType,
		ExpiresAt: token.ExpiresAt,
		Scopes:    token.Scopes,
	})
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.opts.Sessions.GetUserSessions(r.Context(), chi.URLParam(r, "userID"))
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, newSessionView(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || r.URL.Query().Get("format") == "json"
}
