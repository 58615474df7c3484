package main

import (
	"context"
	"errors"

	"go-tasksync/config"
	"go-tasksync/store"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			log := newLogger(cfg)

			ctx := context.Background()
			pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
