package database

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"story-pipeline/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator создает мигратор со встроенными миграциями схемы.
func NewMigrator(pool *pgxpool.Pool, logger *zap.Logger) *migration.Migrator {
	return migration.NewMigrator(migration.Config{
		MigrationsFS:   migrationsFS,
		MigrationsPath: "migrations",
	}, pool, logger)
}

// Migrate применяет все миграции.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	return NewMigrator(pool, logger).Up(ctx)
}
