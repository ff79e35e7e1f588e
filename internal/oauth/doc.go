// Package oauth implements the OAuth 2.0 authorization code flow against a
// Git host on behalf of registered applications.
//
// # Flow
//
//  1. StartAuthorization issues a single-use state value (10 minute TTL) and
//     composes the host's /oauth/authorize URL.
//  2. The user authenticates in the browser and the host redirects back with
//     a code and the state.
//  3. ExchangeCode consumes the state atomically, checks the redirect URI
//     against the registration and trades the code for a token pair at the
//     host's /oauth/token endpoint.
//  4. RefreshToken trades a stored refresh token for a new access token.
//
// # Components
//
//   - StateStore: single-use authorization states (memory or Redis)
//   - RefreshTokenStore: refresh token records keyed by a generated ID
//   - RemoteClient: the wire protocol, implemented by OAuth2Client on top of
//     golang.org/x/oauth2
//   - Exchanger: the Token Exchanger tying the above to the registry
//
// # Security
//
// A state value is accepted at most once. Lookup and deletion happen in one
// step (a single critical section in memory, GETDEL in Redis), so two
// concurrent callbacks carrying the same state cannot both succeed.
//
// Token strings and client secrets are held in redact.Secret values and never
// appear in logs, errors or JSON output. Refresh token records are marked
// invalid when the host answers invalid_grant and are never exchanged again.
package oauth
