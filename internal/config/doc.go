// Package config loads the server configuration.
//
// Configuration is layered. Built-in defaults are overlaid by a YAML file,
// then by variables from a .env file, then by FORGEAUTH_* environment
// variables:
//
//	FORGEAUTH_SERVER_LISTEN_ADDR=:9000
//	FORGEAUTH_SESSION_TIMEOUT=12h
//	FORGEAUTH_STORAGE_STATES=redis
//	FORGEAUTH_STORAGE_REDIS_ADDR=localhost:6379
//
// Variables already present in the environment win over the .env file.
// Application seeds can only be given in the YAML file. A seed may name the
// environment variable holding its client secret instead of embedding it:
//
//	applications:
//	  - name: docs-portal
//	    clientId: 5f0c...
//	    clientSecretEnv: DOCS_PORTAL_SECRET
//	    redirectUri: https://docs.example.com/oauth/callback
//	    baseUrl: https://gitlab.com
//
// Watcher reloads the file when it changes so seeds can be re-synced into
// the registry without a restart.
package config
