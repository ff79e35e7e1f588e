package config

import (
	"os"
	"time"

	"forgeauth/internal/registry"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Config is the top-level configuration.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Logging      LoggingConfig     `yaml:"logging"`
	Session      SessionConfig     `yaml:"session"`
	OAuth        OAuthConfig       `yaml:"oauth"`
	Recovery     RecoveryConfig    `yaml:"recovery"`
	RateLimit    RateLimitConfig   `yaml:"rateLimit"`
	Storage      StorageConfig     `yaml:"storage"`
	Applications []ApplicationSeed `yaml:"applications,omitempty"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"LISTEN_ADDR"`

	// PublicURL is the externally reachable base URL of this server.
	PublicURL       string        `yaml:"publicUrl" env:"PUBLIC_URL"`
	CallbackPath    string        `yaml:"callbackPath" env:"CALLBACK_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`

	// APIToken lets operators call the session endpoints for any session.
	// Without it only the owning client, identified by its client session
	// ID, can reach a session.
	APIToken string `yaml:"apiToken,omitempty" env:"API_TOKEN"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type SessionConfig struct {
	Timeout               time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RefreshThreshold      time.Duration `yaml:"refreshThreshold" env:"REFRESH_THRESHOLD"`
	MaxConcurrentSessions int           `yaml:"maxConcurrentSessions" env:"MAX_CONCURRENT"`
	SweepInterval         time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL"`
}

type OAuthConfig struct {
	RemoteTimeout   time.Duration `yaml:"remoteTimeout" env:"REMOTE_TIMEOUT"`
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTTL" env:"REFRESH_TOKEN_TTL"`
	SweepInterval   time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL"`

	// UsePKCE adds an S256 code challenge to every authorization request.
	UsePKCE bool `yaml:"usePKCE" env:"USE_PKCE"`
}

type RecoveryConfig struct {
	EnableRefresh  bool          `yaml:"enableRefresh" env:"ENABLE_REFRESH"`
	EnableFallback bool          `yaml:"enableFallback" env:"ENABLE_FALLBACK"`
	BaseDelay      time.Duration `yaml:"baseDelay" env:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"maxDelay" env:"MAX_DELAY"`
	MaxRetries     int           `yaml:"maxRetries" env:"MAX_RETRIES"`
}

type RateLimitConfig struct {
	// RequestsPerMinute of zero disables rate limiting.
	RequestsPerMinute int `yaml:"requestsPerMinute" env:"REQUESTS_PER_MINUTE"`
	Burst             int `yaml:"burst" env:"BURST"`
}

type StorageConfig struct {
	// Applications is "memory" or "bolt".
	Applications string `yaml:"applications" env:"APPLICATIONS"`
	BoltPath     string `yaml:"boltPath" env:"BOLT_PATH"`

	// States is "memory" or "redis".
	States        string `yaml:"states" env:"STATES"`
	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redisPrefix" env:"REDIS_PREFIX"`
}

// ApplicationSeed is an application registered at startup.
type ApplicationSeed struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description,omitempty"`
	ClientID        string   `yaml:"clientId"`
	ClientSecret    string   `yaml:"clientSecret,omitempty"`
	ClientSecretEnv string   `yaml:"clientSecretEnv,omitempty"`
	RedirectURI     string   `yaml:"redirectUri"`
	BaseURL         string   `yaml:"baseUrl"`
	InstanceType    string   `yaml:"instanceType,omitempty"`
	Scopes          []string `yaml:"scopes,omitempty"`
}

// Secret returns the inline client secret, or the value of ClientSecretEnv.
func (s ApplicationSeed) Secret() string {
	if s.ClientSecret != "" {
		return s.ClientSecret
	}
	if s.ClientSecretEnv != "" {
		return os.Getenv(s.ClientSecretEnv)
	}
	return ""
}

// RegisterRequest converts the seed for registry.SyncSeeds.
func (s ApplicationSeed) RegisterRequest() registry.RegisterRequest {
	return registry.RegisterRequest{
		Name:         s.Name,
		Description:  s.Description,
		ClientID:     s.ClientID,
		ClientSecret: s.Secret(),
		RedirectURI:  s.RedirectURI,
		BaseURL:      s.BaseURL,
		InstanceType: registry.InstanceType(s.InstanceType),
		Scopes:       append([]string(nil), s.Scopes...),
	}
}

// Seeds converts all application seeds.
func (c *Config) Seeds() []registry.RegisterRequest {
	out := make([]registry.RegisterRequest, 0, len(c.Applications))
	for _, seed := range c.Applications {
		out = append(out, seed.RegisterRequest())
	}
	return out
}
