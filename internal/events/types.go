package events

import "time"

// Type identifies what happened.
type Type string

const (
	TypeSessionCreated           Type = "session_created"
	TypeSessionActivity          Type = "session_activity"
	TypeSessionExpired           Type = "session_expired"
	TypeSessionRevoked           Type = "session_revoked"
	TypeTokenRefreshStarted      Type = "token_refresh_started"
	TypeTokenRefreshed           Type = "token_refreshed"
	TypeTokenRefreshFailed       Type = "token_refresh_failed"
	TypeReauthenticationRequired Type = "reauthentication_required"
	TypeRecoveryAttempted        Type = "recovery_attempted"
)

// Severity mirrors audit severities.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Reasons attached to session_expired events.
const (
	ReasonTimeout       = "timeout"
	ReasonTokenExpired  = "token_expired"
	ReasonRefreshFailed = "refresh_failed"
	ReasonEvicted       = "evicted"
	ReasonReauth        = "reauthentication_required"
	ReasonExplicit      = "explicit"
)

// Event is a single lifecycle notification. Data never carries secrets.
type Event struct {
	Type          Type
	Severity      Severity
	SessionID     string
	ApplicationID string
	UserID        string
	Reason        string
	Message       string
	Data          map[string]any
	Timestamp     time.Time
}
