package cmd

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/qrave1/voicelink/internal/application/config"
	"github.com/qrave1/voicelink/internal/infra/adapters/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args]",
	Short: "Run database migrations (goose commands: up, down, status, ...)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}

		goose.SetBaseFS(migrations.MigrationsFS)

		if err = goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("goose: set dialect: %w", err)
		}

		db, err := goose.OpenDBWithDriver("pgx", cfg.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("goose: failed to open DB: %w", err)
		}
		defer db.Close()

		if err = goose.RunContext(cmd.Context(), args[0], db, ".", args[1:]...); err != nil {
			return fmt.Errorf("goose: %s failed: %w", args[0], err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
