// Package app bootstraps and runs the authentication server.
//
// NewApplication loads the configuration, builds the logger and wires every
// component:
//
//   - the application registry on a memory or bbolt store
//   - the authorization state store in memory or in Redis
//   - the token exchanger with its rate limiter and remote OAuth client
//   - the session manager and the recovery engine, which depend on each other
//   - the event bus with its audit forwarder and Prometheus metrics
//   - the HTTP server and, optionally, the configuration file watcher
//
// Run starts the background sweeps, the server and the watcher, then blocks
// until the context is cancelled or SIGINT/SIGTERM arrives and shuts
// everything down in reverse order.
package app
