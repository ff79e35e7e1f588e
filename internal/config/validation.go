package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

func (ve *ValidationErrors) add(field, format string, args ...any) {
	*ve = append(*ve, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Server.ListenAddr == "" {
		errs.add("server.listenAddr", "is required")
	}
	if !isAbsoluteURL(c.Server.PublicURL) {
		errs.add("server.publicUrl", "must be an absolute URL")
	}
	if !strings.HasPrefix(c.Server.CallbackPath, "/") {
		errs.add("server.callbackPath", "must start with '/'")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs.add("logging.format", "must be 'text' or 'json', got %q", c.Logging.Format)
	}

	if c.Session.Timeout <= 0 {
		errs.add("session.timeout", "must be positive")
	}
	if c.Session.RefreshThreshold < 0 {
		errs.add("session.refreshThreshold", "must not be negative")
	}
	if c.Session.MaxConcurrentSessions < 0 {
		errs.add("session.maxConcurrentSessions", "must not be negative")
	}
	if c.Session.SweepInterval <= 0 {
		errs.add("session.sweepInterval", "must be positive")
	}

	if c.OAuth.RemoteTimeout <= 0 {
		errs.add("oauth.remoteTimeout", "must be positive")
	}
	if c.OAuth.RefreshTokenTTL <= 0 {
		errs.add("oauth.refreshTokenTTL", "must be positive")
	}

	if c.Recovery.BaseDelay <= 0 {
		errs.add("recovery.baseDelay", "must be positive")
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs.add("recovery.maxDelay", "must not be less than recovery.baseDelay")
	}
	if c.Recovery.MaxRetries < 0 {
		errs.add("recovery.maxRetries", "must not be negative")
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		errs.add("rateLimit.requestsPerMinute", "must not be negative")
	}
	if c.RateLimit.Burst < 0 {
		errs.add("rateLimit.burst", "must not be negative")
	}

	switch c.Storage.Applications {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			errs.add("storage.boltPath", "is required for the bolt backend")
		}
	default:
		errs.add("storage.applications", "must be %q or %q, got %q", BackendMemory, BackendBolt, c.Storage.Applications)
	}
	switch c.Storage.States {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs.add("storage.redisAddr", "is required for the redis backend")
		}
	default:
		errs.add("storage.states", "must be %q or %q, got %q", BackendMemory, BackendRedis, c.Storage.States)
	}

	seen := make(map[string]bool)
	for i, seed := range c.Applications {
		field := fmt.Sprintf("applications[%d]", i)
		if seed.Name == "" {
			errs.add(field+".name", "is required")
		}
		if seed.ClientID == "" {
			errs.add(field+".clientId", "is required for seeded applications")
		} else if seen[seed.ClientID] {
			errs.add(field+".clientId", "duplicates another seed")
		}
		seen[seed.ClientID] = true
		if seed.ClientSecret != "" && seed.ClientSecretEnv != "" {
			errs.add(field, "set only one of clientSecret and clientSecretEnv")
		}
		if !isAbsoluteURL(seed.RedirectURI) {
			errs.add(field+".redirectUri", "must be an absolute URL")
		}
		if !isAbsoluteURL(seed.BaseURL) {
			errs.add(field+".baseUrl", "must be an absolute URL")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
