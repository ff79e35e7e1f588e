package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"forgeauth/internal/audit"
	"forgeauth/internal/config"
	"forgeauth/pkg/logging"
)

// Application owns the wired services and their lifecycle.
type Application struct {
	config   *Config
	services *Services
	logger   *logging.Logger
}

// NewApplication loads the configuration and wires all services.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	settings := cfg.Settings
	if settings == nil {
		loaded, err := config.Load(cfg.ConfigPath, cfg.EnvFiles...)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		settings = loaded
		cfg.Settings = settings
	}

	logger := newLogger(cfg, settings.Logging)
	logger.Info("Bootstrap", "Loaded configuration (applications: %s, states: %s)",
		settings.Storage.Applications, settings.Storage.States)

	services, err := InitializeServices(ctx, settings, logger)
	if err != nil {
		logger.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
		logger:   logger,
	}, nil
}

func newLogger(cfg *Config, lc config.LoggingConfig) *logging.Logger {
	level := logging.ParseLevel(lc.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	return logging.New(logging.Options{
		Level:  level,
		Format: strings.ToLower(lc.Format),
		Output: cfg.LogOutput,
	})
}

// Services exposes the wired components.
func (a *Application) Services() *Services {
	return a.services
}

// Run serves until ctx is cancelled or the process is signalled.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := a.services
	defer func() {
		if err := svc.Close(); err != nil {
			a.logger.Error("Bootstrap", err, "Failed to close storage")
		}
	}()

	auditCh, unsubscribe := svc.Events.Subscribe(0)
	var auditWG sync.WaitGroup
	auditWG.Add(1)
	go func() {
		defer auditWG.Done()
		audit.Forward(context.Background(), auditCh, svc.Audit, a.logger)
	}()

	svc.Exchanger.Start()
	svc.Sessions.Start()

	if err := svc.Server.Start(); err != nil {
		svc.Sessions.Stop()
		svc.Exchanger.Stop()
		unsubscribe()
		auditWG.Wait()
		return err
	}

	watcher := a.startWatcher()

	a.logger.Info("Bootstrap", "Server running. Press Ctrl+C to stop.")
	<-ctx.Done()
	a.logger.Info("Bootstrap", "Shutting down")

	if watcher != nil {
		_ = watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Settings.Server.ShutdownTimeout)
	defer cancel()
	err := svc.Server.Shutdown(shutdownCtx)

	svc.Sessions.Stop()
	svc.Exchanger.Stop()

	// Closing the subscription lets the forwarder drain and exit.
	unsubscribe()
	auditWG.Wait()
	svc.Events.Close()

	return err
}

func (a *Application) startWatcher() *config.Watcher {
	if !a.config.Watch {
		return nil
	}
	path := a.config.ConfigPath
	if path == "" {
		path = config.DefaultConfigFile
	}
	if _, err := os.Stat(path); err != nil {
		a.logger.Warn("Bootstrap", "Not watching %s: %v", path, err)
		return nil
	}

	w := config.NewWatcher(config.WatcherConfig{
		Path:     path,
		EnvFiles: a.config.EnvFiles,
		Logger:   a.logger,
		OnChange: a.applyReload,
		OnError: func(err error) {
			a.logger.Warn("Bootstrap", "Keeping previous configuration: %v", err)
		},
	})
	if err := w.Start(); err != nil {
		a.logger.Error("Bootstrap", err, "Failed to start config watcher")
		return nil
	}
	return w
}

// applyReload re-syncs application seeds. Other settings need a restart.
func (a *Application) applyReload(settings *config.Config) {
	if err := a.services.Registry.SyncSeeds(context.Background(), settings.Seeds()); err != nil {
		a.logger.Error("Bootstrap", err, "Failed to sync application seeds after reload")
		return
	}
	a.logger.Info("Bootstrap", "Synced %d application seeds", len(settings.Applications))
}
