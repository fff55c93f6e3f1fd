package bootstrap

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/spotify-session/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// EnsureSchema applies pending migrations on start when MIGRATE_ON_START is set.
func EnsureSchema(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if !cfg.MigrateOnStart {
				return nil
			}
			if err := Migrate(cfg.DatabaseURL, "up"); err != nil {
				return fmt.Errorf("bootstrap migrate: %w", err)
			}
			if logger != nil {
				logger.Info("database schema up to date")
			}
			return nil
		},
	})
}

// Migrate runs the embedded migrations in direction "up" or "down".
// Being already at the target version is not an error.
func Migrate(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
