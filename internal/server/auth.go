package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"forgeauth/internal/autherr"
	"forgeauth/internal/recovery"
)

// ClientSessionHeader carries the client session ID that a session was
// created for. It is the owner's credential for the session endpoints.
const ClientSessionHeader = "X-Client-Session-ID"

// isOperator reports whether the request carries the configured API token.
func (s *Server) isOperator(r *http.Request) bool {
	if s.opts.APIToken.IsEmpty() {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIToken.Value())) == 1
}

// requireOperator admits only requests with the API token.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isOperator(r) {
			s.deny(w, r, "operator token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSessionOwner admits operators and the client the session was
// created for.
func (s *Server) requireSessionOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isOperator(r) {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(ClientSessionHeader)
		if presented == "" {
			s.deny(w, r, "missing "+ClientSessionHeader+" header")
			return
		}

		id := chi.URLParam(r, "id")
		sess, err := s.opts.Sessions.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err, recovery.RecoveryContext{Operation: "authorize_session"})
			return
		}
		if sess.ClientSessionID == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(sess.ClientSessionID)) != 1 {
			s.deny(w, r, "session belongs to another client")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deny answers 401. The recovery context never names the session, so an
// unauthenticated caller cannot make recovery end someone else's session.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, msg string) {
	s.writeError(w, r, autherr.New(autherr.CodeSessionInvalid, msg), recovery.RecoveryContext{Operation: "authorize_session"})
}
