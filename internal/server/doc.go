// Package server exposes the authentication flow and session lifecycle over
// HTTP.
//
//	GET    /oauth/authorize?application_id=...&client_session_id=...
//	GET    <callback path>?code=...&state=...
//	GET    /sessions/{id}
//	DELETE /sessions/{id}
//	POST   /sessions/{id}/activity
//	POST   /sessions/{id}/refresh
//	GET    /users/{userID}/sessions
//	GET    /metrics
//	GET    /healthz
//
// Every failure is passed through the recovery engine before it is
// rendered, so the JSON error body carries the strategy the engine chose
// and, for RETRY, a Retry-After header. Tokens never appear in responses.
package server
