package syncer

import (
	"context"
	"fmt"

	"github.com/MIAOMC-Server/SSaver/pkg/config"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/session"
	"github.com/MIAOMC-Server/SSaver/pkg/store"

	"go.uber.org/zap"
)

// PoolReinitializer swaps the connection pool. *database.Manager implements it.
type PoolReinitializer interface {
	Reinitialize(ctx context.Context, cfg config.DatabaseConfig) error
}

// Configurable components take new settings without a restart
type Configurable struct {
	Gateway    *store.Gateway
	Aggregator *session.Aggregator
}

// NewReloader returns a ReloadFunc that loads the configuration at path,
// applies the settings, then rebuilds the connection pool. A failed pool
// rebuild leaves the previous pool in service.
func NewReloader(path string, db PoolReinitializer, c Configurable, l *logger.Logger) ReloadFunc {
	return func(ctx context.Context) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		Apply(cfg, c)
		l.Info("settings applied",
			zap.String("server_name", cfg.Settings.ServerName),
			zap.Int64("min_session_time", cfg.Settings.MinSessionTime),
			zap.Bool("save_async", cfg.Settings.SaveAsync))

		if err := db.Reinitialize(ctx, cfg.Database); err != nil {
			return err
		}
		return nil
	}
}

// Apply pushes the settings section of cfg to the running components
func Apply(cfg *config.AppConfig, c Configurable) {
	if c.Gateway != nil {
		c.Gateway.SetOptions(GatewayOptions(cfg))
	}
	if c.Aggregator != nil {
		c.Aggregator.Configure(AggregatorConfig(cfg))
	}
}

// GatewayOptions derives the write options from cfg
func GatewayOptions(cfg *config.AppConfig) store.Options {
	return store.Options{
		Async:            cfg.Settings.SaveAsync,
		ShowSaveMessages: cfg.Settings.ShowSaveMessages,
	}
}

// AggregatorConfig derives the aggregation policy from cfg
func AggregatorConfig(cfg *config.AppConfig) session.Config {
	return session.Config{
		ServerName:     cfg.Settings.ServerName,
		MinSessionTime: cfg.Settings.MinSessionTime,
	}
}
