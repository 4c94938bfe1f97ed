package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var (
		steps          int
		dbURL          string
		migrationsPath string
	)

	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema (api keys, rate limit windows)",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			dsn, err := databaseURL(opts, dbURL)
			if err != nil {
				return err
			}

			m, err := migrate.New("file://"+migrationsPath, dsn)
			if err != nil {
				return fmt.Errorf("create migrator: %w", err)
			}
			defer m.Close()

			switch direction {
			case "up":
				if steps > 0 {
					err = m.Steps(steps)
				} else {
					err = m.Up()
				}
			case "down":
				if steps > 0 {
					err = m.Steps(-steps)
				} else {
					err = m.Down()
				}
			}
			if err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("migration failed: %w", err)
			}

			v, dirty, _ := m.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "migration %s complete (version: %d, dirty: %v)\n", direction, v, dirty)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "database URL (overrides DATABASE_URL and config)")
	cmd.Flags().StringVar(&migrationsPath, "path", "migrations", "path to migrations directory")
	return cmd
}
