// Package autherr defines the authentication error taxonomy shared by the
// registry, token exchanger, session manager and recovery engine.
//
// Every public operation of those components returns an *Error carrying a
// Code, a human-readable message, a timestamp and a recoverability flag.
// Classification of codes into recovery actions lives in the recovery
// package; this package only describes what went wrong.
package autherr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code identifies a class of authentication failure.
type Code string

// Configuration errors.
const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidRedirectURI  Code = "INVALID_REDIRECT_URI"
	CodeApplicationNotFound Code = "APPLICATION_NOT_FOUND"
	CodeApplicationInactive Code = "APPLICATION_INACTIVE"
)

// Security errors.
const (
	CodeStateMismatch     Code = "STATE_MISMATCH"
	CodeCSRFTokenMismatch Code = "CSRF_TOKEN_MISMATCH"
)

// Token errors.
const (
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenRevoked Code = "TOKEN_REVOKED"
	CodeTokenMissing Code = "TOKEN_MISSING"
)

// Session errors.
const (
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionExpired  Code = "SESSION_EXPIRED"
	CodeSessionInvalid  Code = "SESSION_INVALID"
)

// Grant errors reported by the remote authorization server.
const (
	CodeInvalidGrant       Code = "INVALID_GRANT"
	CodeUnauthorizedClient Code = "UNAUTHORIZED_CLIENT"
)

// Transport errors.
const (
	CodeNetworkError    Code = "NETWORK_ERROR"
	CodeTimeoutError    Code = "TIMEOUT_ERROR"
	CodeConnectionError Code = "CONNECTION_ERROR"
	CodeRateLimited     Code = "RATE_LIMITED"
)

// CodeInternal marks failures that indicate a bug or broken dependency.
const CodeInternal Code = "INTERNAL_ERROR"

// Kind groups codes by how they must be handled.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindSecurity      Kind = "security"
	KindToken         Kind = "token"
	KindSession       Kind = "session"
	KindGrant         Kind = "grant"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Kind returns the error kind for the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidRequest, CodeInvalidRedirectURI, CodeApplicationNotFound, CodeApplicationInactive:
		return KindConfiguration
	case CodeStateMismatch, CodeCSRFTokenMismatch:
		return KindSecurity
	case CodeTokenExpired, CodeTokenInvalid, CodeTokenRevoked, CodeTokenMissing:
		return KindToken
	case CodeSessionNotFound, CodeSessionExpired, CodeSessionInvalid:
		return KindSession
	case CodeInvalidGrant, CodeUnauthorizedClient:
		return KindGrant
	case CodeNetworkError, CodeTimeoutError, CodeConnectionError, CodeRateLimited:
		return KindTransport
	default:
		return KindInternal
	}
}

// Recoverable reports whether errors with this code can be repaired without
// user interaction. Revoked tokens are terminal even though they are token errors.
func (c Code) Recoverable() bool {
	switch c.Kind() {
	case KindTransport:
		return true
	case KindToken:
		return c != CodeTokenRevoked
	default:
		return false
	}
}

// Error is the result type for failed authentication operations.
type Error struct {
	Code        Code
	Message     string
	Timestamp   time.Time
	Recoverable bool
	Details     map[string]any
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so the code sentinels below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// UserMessage returns text safe to show to the end user.
func (e *Error) UserMessage() string {
	if e.Recoverable {
		return "A temporary authentication problem occurred. Please wait a moment and retry."
	}
	return "Authentication is required. Please re-authenticate and try again."
}

// WithDetail returns the error with an additional detail entry.
// Keys that look like secrets are dropped.
func (e *Error) WithDetail(key string, value any) *Error {
	if isSecretKey(key) {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the code's default recoverability.
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: code.Recoverable(),
	}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given cause.
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal if err is not an *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// From converts any error into an *Error. Non-authentication errors become
// INTERNAL_ERROR with the original as cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(CodeInternal, err, "internal error")
}

// Sentinels for errors.Is comparisons.
var (
	ErrApplicationNotFound = &Error{Code: CodeApplicationNotFound}
	ErrApplicationInactive = &Error{Code: CodeApplicationInactive}
	ErrStateMismatch       = &Error{Code: CodeStateMismatch}
	ErrTokenExpired        = &Error{Code: CodeTokenExpired}
	ErrTokenInvalid        = &Error{Code: CodeTokenInvalid}
	ErrSessionNotFound     = &Error{Code: CodeSessionNotFound}
	ErrSessionExpired      = &Error{Code: CodeSessionExpired}
)

var secretKeyFragments = []string{"secret", "token", "password", "code_verifier", "authorization"}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// ScrubDetails returns a copy of details without secret-looking keys.
func ScrubDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSecretKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}
