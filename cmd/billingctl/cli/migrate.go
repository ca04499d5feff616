package cli

import (
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/rental-billing/internal/app"
	"github.com/odyssey-erp/rental-billing/internal/platform/db"
	"github.com/odyssey-erp/rental-billing/migrations"
)

func newMigrateCommand() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Postgres DSN (default: PG_DSN)")

	resolve := func() (string, *app.Config, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return "", nil, err
		}
		if dsn != "" {
			return dsn, cfg, nil
		}
		return cfg.PGDSN, cfg, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, cfg, err := resolve()
			if err != nil {
				return err
			}
			return db.MigrateUp(target, migrations.FS, app.NewLogger(cfg))
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, cfg, err := resolve()
			if err != nil {
				return err
			}
			return db.MigrateDown(target, migrations.FS, steps, app.NewLogger(cfg))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}
