package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/avatars"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/config"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/credentials"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/database"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/logging"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
	"github.com/MarcoPoloResearchLab/rosterwatch/internal/steamapi"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// engine bundles the wired components a command needs.
type engine struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	store       *players.Store
	vault       *credentials.Vault
	coordinator *enrichment.Coordinator
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openVault(appConfig config.AppConfig, logger *zap.Logger) (*credentials.Vault, error) {
	return credentials.NewVault(credentials.Config{
		Path:     appConfig.CredentialsPath,
		Fallback: appConfig.SteamAPIKey,
		Logger:   logger,
	})
}

// openEngine opens the store, applies pending migrations when configured, and
// wires the coordinator to notifier.
func openEngine(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger, notifier enrichment.Notifier) (*engine, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	built := &engine{config: appConfig, logger: logger, db: db}

	if appConfig.AutoMigrate {
		migrator, err := database.NewMigrator(database.MigratorConfig{
			Database:     db,
			DatabasePath: appConfig.DatabasePath,
			Logger:       logger,
		})
		if err != nil {
			built.close()
			return nil, err
		}
		report, err := migrator.Run(ctx, appConfig.BackupBeforeMigrate)
		if err != nil {
			built.close()
			return nil, err
		}
		if applied := report.Applied(); len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("rules", applied))
		}
		if err := report.Err(); err != nil {
			logger.Warn("some migrations failed", zap.Error(err))
		}
	}

	store, err := players.NewStore(players.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		built.close()
		return nil, err
	}
	built.store = store

	vault, err := openVault(appConfig, logger)
	if err != nil {
		built.close()
		return nil, err
	}
	built.vault = vault

	client, err := steamapi.NewClient(steamapi.Config{
		BaseURL: appConfig.SteamBaseURL,
		Keys:    vault,
		Timeout: appConfig.SteamTimeout,
		Logger:  logger,
	})
	if err != nil {
		built.close()
		return nil, err
	}

	cache, err := avatars.NewCache(avatars.Config{
		Dir:         appConfig.AvatarsDir,
		URLTemplate: appConfig.AvatarURLTemplate,
		Logger:      logger,
	})
	if err != nil {
		built.close()
		return nil, err
	}

	coordinator, err := enrichment.NewCoordinator(enrichment.Config{
		Store:                  store,
		Service:                client,
		Avatars:                cache,
		Notifier:               notifier,
		Settings:               enrichment.StaticSettings{PeriodicBans: appConfig.PeriodicBanCheck},
		Logger:                 logger,
		ProfileRefreshCooldown: appConfig.ProfileRefreshCooldown,
		BanRefreshCooldown:     appConfig.BanRefreshCooldown,
	})
	if err != nil {
		built.close()
		return nil, err
	}
	built.coordinator = coordinator
	return built, nil
}

func (e *engine) close() {
	if e.coordinator != nil {
		e.coordinator.Wait()
	}
	if sqlDB, err := e.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			e.logger.Warn("database close failed", zap.Error(err))
		}
	}
}

// stderrNotifier reports enrichment failures for one-shot commands.
type stderrNotifier struct {
	failures []string
}

func (n *stderrNotifier) RosterUpdated([]players.Record) {}

func (n *stderrNotifier) PlayerUpdated(players.Record) {}

func (n *stderrNotifier) EnrichmentFailed(message string) {
	n.failures = append(n.failures, message)
}

func (n *stderrNotifier) summary() error {
	if len(n.failures) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(n.failures, "; "))
}
