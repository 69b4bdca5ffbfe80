package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/outbox-engine/internal/app"
	"github.com/jmehdipour/outbox-engine/internal/config"
	"github.com/jmehdipour/outbox-engine/internal/db"
	"github.com/jmehdipour/outbox-engine/internal/logger"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmehdipour/outbox-engine/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the outbox tables (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Format)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		sqlDB, err := app.OpenDB(cfg)
		if err != nil {
			return err
		}
		if sqlDB == nil {
			log.Info("memory store has no schema, nothing to migrate")
		} else {
			defer sqlDB.Close()

			stmts := []string{repository.SQLiteSchema}
			if cfg.Store.Driver == "mysql" {
				if stmts, err = migrations.Statements(); err != nil {
					return fmt.Errorf("read migrations: %w", err)
				}
			}
			for _, s := range stmts {
				if _, err := sqlDB.ExecContext(ctx, s); err != nil {
					return fmt.Errorf("exec migration: %w", err)
				}
			}
			log.Info("outbox schema migrated", zap.String("driver", cfg.Store.Driver), zap.Int("statements", len(stmts)))
		}

		if cfg.ClickHouse.Enabled {
			ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.Opts{PingTimeout: cfg.ClickHouse.PingTimeout})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer ch.Close()

			if _, err := ch.ExecContext(ctx, repository.ClickHouseAuditSchema); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
			log.Info("audit schema migrated")
		}

		return nil
	},
}
