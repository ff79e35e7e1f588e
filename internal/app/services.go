package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"forgeauth/internal/audit"
	"forgeauth/internal/config"
	"forgeauth/internal/events"
	"forgeauth/internal/metrics"
	"forgeauth/internal/oauth"
	"forgeauth/internal/ratelimit"
	"forgeauth/internal/recovery"
	"forgeauth/internal/registry"
	"forgeauth/internal/server"
	"forgeauth/internal/session"
	"forgeauth/pkg/logging"
	"forgeauth/pkg/redact"
)

// Services holds every wired component.
type Services struct {
	Metrics   *metrics.Metrics
	Events    *events.Bus
	Audit     audit.Sink
	Registry  *registry.Registry
	Exchanger *oauth.Exchanger
	Sessions  *session.Manager
	Recovery  *recovery.Engine
	Server    *server.Server

	appStore    registry.Store
	redisClient *redis.Client
}

// InitializeServices builds all components from settings.
func InitializeServices(ctx context.Context, settings *config.Config, logger *logging.Logger) (*Services, error) {
	svc := &Services{
		Metrics: metrics.New(),
		Events:  events.NewBus(logger),
		Audit:   audit.NewLogSink(logger),
	}

	appStore, err := openApplicationStore(settings.Storage)
	if err != nil {
		return nil, err
	}
	svc.appStore = appStore
	svc.Registry = registry.New(appStore, registry.WithLogger(logger))

	if err := svc.Registry.SyncSeeds(ctx, settings.Seeds()); err != nil {
		logger.Error("Bootstrap", err, "Some application seeds could not be registered")
	}

	states, err := svc.openStateStore(ctx, settings.Storage, logger)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: settings.RateLimit.RequestsPerMinute,
		Burst:             settings.RateLimit.Burst,
	}, nil, logger)

	svc.Exchanger = oauth.NewExchanger(oauth.ExchangerOptions{
		Applications:    svc.Registry,
		States:          states,
		RefreshTokens:   oauth.NewMemoryRefreshTokenStore(nil, logger),
		Remote:          oauth.NewOAuth2Client(oauth.OAuth2ClientOptions{Timeout: settings.OAuth.RemoteTimeout, Logger: logger}),
		Limiter:         limiter,
		Metrics:         svc.Metrics,
		Logger:          logger,
		RefreshTokenTTL: settings.OAuth.RefreshTokenTTL,
		UsePKCE:         settings.OAuth.UsePKCE,
		SweepInterval:   settings.OAuth.SweepInterval,
	})

	svc.Recovery = recovery.NewEngine(recovery.Options{
		Config: recovery.Config{
			EnableRefresh:  settings.Recovery.EnableRefresh,
			EnableFallback: settings.Recovery.EnableFallback,
			BaseDelay:      settings.Recovery.BaseDelay,
			MaxDelay:       settings.Recovery.MaxDelay,
			MaxRetries:     settings.Recovery.MaxRetries,
		},
		Events:  svc.Events,
		Metrics: svc.Metrics,
		Logger:  logger,
	})

	svc.Sessions = session.NewManager(session.Options{
		Config: session.Config{
			SessionTimeout:        settings.Session.Timeout,
			RefreshThreshold:      settings.Session.RefreshThreshold,
			MaxConcurrentSessions: settings.Session.MaxConcurrentSessions,
			SweepInterval:         settings.Session.SweepInterval,
			RefreshTimeout:        settings.OAuth.RemoteTimeout,
		},
		Refresher: svc.Exchanger,
		Retry:     svc.Recovery,
		Events:    svc.Events,
		Metrics:   svc.Metrics,
		Logger:    logger,
	})
	svc.Recovery.SetSessions(svc.Sessions)

	svc.Server = server.New(server.Options{
		ListenAddr:   settings.Server.ListenAddr,
		APIToken:     redact.New(settings.Server.APIToken),
		CallbackPath: settings.Server.CallbackPath,
		Auth:         svc.Exchanger,
		Sessions:     svc.Sessions,
		Recovery:     svc.Recovery,
		Metrics:      svc.Metrics.Handler(),
		Logger:       logger,
	})

	return svc, nil
}

func openApplicationStore(cfg config.StorageConfig) (registry.Store, error) {
	switch cfg.Applications {
	case config.BackendBolt:
		store, err := registry.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open application store: %w", err)
		}
		return store, nil
	default:
		return registry.NewMemoryStore(), nil
	}
}

func (s *Services) openStateStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (oauth.StateStore, error) {
	if cfg.States != config.BackendRedis {
		return oauth.NewMemoryStateStore(nil, logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	s.redisClient = client
	return oauth.NewRedisStateStore(client, cfg.RedisPrefix, nil, logger), nil
}

// Close releases the storage backends.
func (s *Services) Close() error {
	var errs []error
	if s.appStore != nil {
		errs = append(errs, s.appStore.Close())
	}
	if s.redisClient != nil {
		errs = append(errs, s.redisClient.Close())
	}
	return errors.Join(errs...)
}
