package main

import (
	"errors"
	"io/fs"
	"os"

	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations to the configured PostgreSQL database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Database.Postgres.DSN == "" {
				return errors.New("database.postgres.dsn is not set")
			}

			ps, err := pgstore.New(cmd.Context(), cfg.Database.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer ps.Close()

			var migrations fs.FS = pgstore.Migrations()
			if dir != "" {
				migrations = os.DirFS(dir)
			}
			if err := ps.Migrate(cmd.Context(), migrations); err != nil {
				return err
			}
			logger.Info("Migrations complete", zap.String("source", sourceName(dir)))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "read *.up.sql files from this directory instead of the built-in set")
	return cmd
}

func sourceName(dir string) string {
	if dir == "" {
		return "embedded"
	}
	return dir
}
