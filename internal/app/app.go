// Package app wires storage, the credential vault and the services into one
// process and exposes them through the querydesk command line.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"querydesk/internal/config"
	"querydesk/internal/secret"
	"querydesk/internal/service"
	"querydesk/internal/storage"
)

// saltKey is the settings key of the vault's Argon2 salt.
const saltKey = "vault.salt"

// App holds every long-lived component of a querydesk process.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Level  *slog.LevelVar

	db        *storage.DB
	Profiles  *service.ProfileService
	Conns     *service.ConnectionManager
	Engine    *service.Engine
	History   *service.HistoryService
	Sessions  *storage.SessionStore
	Metrics   *service.Metrics
	Scheduler *service.Scheduler
}

// Options overrides process-level collaborators, mainly for tests.
type Options struct {
	Secrets secret.SecretStore // master secret storage; nil uses the OS keyring
	Level   *slog.LevelVar     // shared with Logger so reloads can change it
}

// New opens the app database and builds the services. Call Start to begin
// background maintenance and Close to release everything.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Secrets == nil {
		opts.Secrets = secret.NewKeychainStore()
	}
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
	}

	db, err := storage.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open app database: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Level: opts.Level, db: db}

	vault, err := openVault(ctx, cfg.Vault.MasterSecret, storage.NewSettingsStore(db), opts.Secrets)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.Metrics = service.NewMetrics()
	profiles := storage.NewProfileStore(db)
	a.Conns = service.NewConnectionManager(profiles, vault, service.NewSchemaCache(), service.ManagerOptions{
		PoolLimit:      cfg.Connections.PoolLimit,
		ConnectTimeout: cfg.Connections.ConnectTimeout,
		RetryBackoff:   cfg.Connections.RetryBackoff,
		Metrics:        a.Metrics,
		Logger:         logger,
	})
	a.Profiles = service.NewProfileService(profiles, vault, a.Conns, logger)
	a.History = service.NewHistoryService(storage.NewHistoryStore(db), a.Metrics, logger)
	a.Sessions = storage.NewSessionStore(db)

	results := service.NewMaterializer(service.MaterializerOptions{
		DefaultPageSize: cfg.Results.PageSize,
		PagesPerResult:  cfg.Results.PagesPerResult,
		MaxOpenResults:  cfg.Results.MaxOpen,
		Metrics:         a.Metrics,
		Logger:          logger,
	})
	a.Engine = service.NewEngine(a.Conns, results, a.History, service.EngineOptions{
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		PrefetchRows:   cfg.Engine.PrefetchRows,
		RetainTerminal: cfg.Engine.RetainTerminal,
		CancelGrace:    cfg.Engine.CancelGrace,
		Metrics:        a.Metrics,
		Logger:         logger,
	})

	a.Scheduler, err = service.NewScheduler(a.Conns, a.History, service.SchedulerOptions{
		ReapCron:         cfg.Connections.ReapSchedule,
		IdleTimeout:      cfg.Connections.IdleTimeout,
		SchemaCron:       cfg.Schema.RefreshSchedule,
		PruneCron:        cfg.History.PruneSchedule,
		HistoryRetention: cfg.History.Retention,
	}, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// openVault derives the vault key from the master secret and the salt kept
// in the app database. Both are created on first use.
func openVault(ctx context.Context, configured string, settings *storage.SettingsStore, store secret.SecretStore) (*secret.Vault, error) {
	master, err := secret.LoadMasterSecret(configured, store)
	if err != nil {
		return nil, err
	}
	encoded, err := settings.GetOrInit(ctx, saltKey, func() (string, error) {
		salt, err := secret.NewSalt()
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(salt), nil
	})
	if err != nil {
		return nil, fmt.Errorf("load vault salt: %w", err)
	}
	salt, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode vault salt: %w", err)
	}
	return secret.NewVault(master, salt)
}

// Start begins the maintenance schedules.
func (a *App) Start() {
	a.Scheduler.Start()
}

// Apply takes the settings that may change while running from a reloaded
// config. Everything else needs a restart.
func (a *App) Apply(cfg *config.Config) {
	if lvl, err := config.ParseLevel(cfg.Log.Level); err == nil {
		a.Level.Set(lvl)
	}
	a.Engine.SetPrefetchRows(cfg.Engine.PrefetchRows)
	a.Conns.SetPoolLimit(cfg.Connections.PoolLimit)
	a.Logger.Info("configuration reloaded",
		slog.String("log_level", cfg.Log.Level),
		slog.Int("prefetch_rows", cfg.Engine.PrefetchRows),
		slog.Int("pool_limit", cfg.Connections.PoolLimit),
	)
}

// Close stops the engine, flushes history and closes every connection and
// the app database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Stop(ctx)
	}
	if a.Engine != nil {
		errs = append(errs, a.Engine.Shutdown(ctx))
	}
	if a.History != nil {
		errs = append(errs, a.History.Close(ctx))
	}
	if a.Conns != nil {
		errs = append(errs, a.Conns.CloseAll(ctx))
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
