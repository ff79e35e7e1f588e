package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"forgeauth/internal/autherr"
	"forgeauth/internal/recovery"
)

type errorResponse struct {
	Error          string    `json:"error"`
	Message        string    `json:"message"`
	Hint           string    `json:"hint"`
	Recoverable    bool      `json:"recoverable"`
	Timestamp      time.Time `json:"timestamp"`
	Strategy       string    `json:"strategy,omitempty"`
	ReauthRequired bool      `json:"reauth_required,omitempty"`
	RetryAfterMS   int64     `json:"retry_after_ms,omitempty"`
}

// writeError runs err through the recovery engine and renders the outcome.
// Only the code, message and recovery outcome reach the client; causes and
// details stay in the logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, rc recovery.RecoveryContext) {
	authErr := autherr.From(err)
	rc.SkipDelay = true

	resp := errorResponse{
		Error:       string(authErr.Code),
		Message:     authErr.Message,
		Hint:        authErr.UserMessage(),
		Recoverable: authErr.Recoverable,
		Timestamp:   authErr.Timestamp,
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = s.clock.Now()
	}

	if s.opts.Recovery != nil {
		res := s.opts.Recovery.HandleError(r.Context(), authErr, rc)
		resp.Strategy = string(res.Strategy)
		resp.ReauthRequired = res.ReauthRequired
		if res.ShouldRetry && res.RetryAfter > 0 {
			resp.RetryAfterMS = res.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		}
	}

	status := statusFor(authErr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("HTTP", authErr, "%s %s failed", r.Method, r.URL.Path)
	} else {
		s.logger.Debug("HTTP", "%s %s failed: %s", r.Method, r.URL.Path, authErr.Code)
	}
	writeJSON(w, status, resp)
}

func statusFor(code autherr.Code) int {
	switch code {
	case autherr.CodeInvalidRequest, autherr.CodeInvalidRedirectURI,
		autherr.CodeStateMismatch, autherr.CodeCSRFTokenMismatch:
		return http.StatusBadRequest
	case autherr.CodeApplicationNotFound, autherr.CodeSessionNotFound:
		return http.StatusNotFound
	case autherr.CodeApplicationInactive:
		return http.StatusForbidden
	case autherr.CodeTokenExpired, autherr.CodeTokenInvalid, autherr.CodeTokenRevoked, autherr.CodeTokenMissing,
		autherr.CodeSessionExpired, autherr.CodeSessionInvalid,
		autherr.CodeInvalidGrant, autherr.CodeUnauthorizedClient:
		return http.StatusUnauthorized
	case autherr.CodeRateLimited:
		return http.StatusTooManyRequests
	case autherr.CodeTimeoutError:
		return http.StatusGatewayTimeout
	case autherr.CodeNetworkError, autherr.CodeConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
