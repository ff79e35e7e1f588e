// Package recovery is the single place where an authentication error code is
// turned into an action.
//
// Classify maps a code onto one of five strategies. Execute carries the
// strategy out: RETRY waits out an exponential backoff and tells the caller
// to try again, REFRESH_TOKEN renews the session's access token,
// REAUTHENTICATE ends the session and signals that the user has to log in
// again, FALLBACK invokes the best available registered fallback method and
// FAIL hands the original error back. The engine never replays the failed
// operation itself.
package recovery
