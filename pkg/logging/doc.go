// Package logging provides the subsystem-tagged structured logger used across forgeauth.
//
// The logger is built on Go's slog package. Every entry carries a subsystem
// attribute so output can be filtered per component:
//
//   - Registry: OAuth application registration and lookup
//   - OAuth: authorization state, code exchange and token refresh
//   - Session: user session lifecycle
//   - Recovery: error classification and recovery outcomes
//   - Server: HTTP surface
//   - Bootstrap: configuration loading and wiring
//
// # Usage
//
//	logger := logging.New(logging.Options{Level: logging.LevelInfo, Format: "json"})
//	logger.Info("Session", "Created session %s", logging.TruncateSessionID(id))
//	logger.Error("OAuth", err, "Token refresh failed for application %s", appID)
//
// Loggers are constructed explicitly and passed to the components that need
// them. There is no package-level default; tests use Nop or a buffer-backed
// logger.
//
// # Secrets
//
// Client secrets, access tokens and refresh tokens must never be passed to the
// logger. Identifiers that grant access (session IDs, state values) are logged
// through TruncateSessionID.
package logging
