package config

import "time"

const (
	// DefaultConfigFile is looked up in the working directory when no path is given.
	DefaultConfigFile = "forgeauth.yaml"

	// DefaultEnvFile is loaded when present.
	DefaultEnvFile = ".env"

	// DefaultCallbackPath is where the Git host redirects after authorization.
	DefaultCallbackPath = "/oauth/callback"

	// DefaultBoltPath is the bbolt file used by the bolt registry store.
	DefaultBoltPath = "forgeauth.db"

	envPrefix = "FORGEAUTH_"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			PublicURL:       "http://localhost:8080",
			CallbackPath:    DefaultCallbackPath,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			Timeout:               24 * time.Hour,
			RefreshThreshold:      5 * time.Minute,
			MaxConcurrentSessions: 5,
			SweepInterval:         time.Minute,
		},
		OAuth: OAuthConfig{
			RemoteTimeout:   30 * time.Second,
			RefreshTokenTTL: 90 * 24 * time.Hour,
			SweepInterval:   time.Minute,
		},
		Recovery: RecoveryConfig{
			EnableRefresh: true,
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			MaxRetries:    3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Storage: StorageConfig{
			Applications: BackendMemory,
			BoltPath:     DefaultBoltPath,
			States:       BackendMemory,
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "forgeauth:oauth_state:",
		},
	}
}
