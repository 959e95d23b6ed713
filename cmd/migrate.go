package cmd

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/bootstrap"
)

// defaultMigrationsPath is the relative path to the migrations directory.
const defaultMigrationsPath = "file://migrations"

func newMigrateCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(cfgFile, debug)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return errors.New("database is disabled; set database.enabled or DB_ENABLED")
			}

			m, err := migrate.New(source, cfg.Database.Connection().MigrateURL())
			if err != nil {
				return fmt.Errorf("create migrate instance: %w", err)
			}
			defer func() { _, _ = m.Close() }()

			if err = runMigration(m, args[0]); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations to apply")
					return nil
				}
				return fmt.Errorf("migration %s failed: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed successfully\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", defaultMigrationsPath, "migrations source URL")
	return cmd
}

func runMigration(m *migrate.Migrate, direction string) error {
	switch direction {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}
