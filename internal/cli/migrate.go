package cli

import (
	"context"
	"time"

	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/migration"
	"github.com/smallbiznis/headliner/internal/observability"
	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date and exit",
	Long: `Apply pending schema migrations.

Postgres runs the embedded versioned SQL files. MySQL and SQLite are migrated
from the models.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var migrateTimeout time.Duration

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 2*time.Minute, "give up after this long")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	app := fx.New(
		config.Module,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.DBAutoMigrate = true
			return cfg
		}),
		observability.Module,
		db.Module,
		migration.Module,
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(context.Background())
}
