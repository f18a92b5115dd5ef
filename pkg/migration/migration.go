// Package migration применяет SQL-миграции golang-migrate поверх пула pgx.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const defaultMigrationsTable = "schema_migrations"

// Config - источник миграций и параметры блокировки.
type Config struct {
	MigrationsFS   fs.FS
	MigrationsPath string
	// MigrationsTable по умолчанию schema_migrations.
	MigrationsTable string
	// LockTimeout - ожидание advisory-блокировки, по умолчанию 30s.
	LockTimeout time.Duration
}

// Migrator применяет миграции из встроенной файловой системы.
type Migrator struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewMigrator создает мигратор.
func NewMigrator(cfg Config, pool *pgxpool.Pool, logger *zap.Logger) *Migrator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.MigrationsTable == "" {
		cfg.MigrationsTable = defaultMigrationsTable
	}
	return &Migrator{cfg: cfg, pool: pool, logger: logger.Named("Migrator")}
}

// Up применяет все новые миграции. Отсутствие изменений - не ошибка.
func (m *Migrator) Up(ctx context.Context) error {
	return m.apply(ctx, "up", (*migrate.Migrate).Up)
}

// Down откатывает все миграции.
func (m *Migrator) Down(ctx context.Context) error {
	return m.apply(ctx, "down", (*migrate.Migrate).Down)
}

// Version возвращает текущую версию схемы; пустая схема - версия 0.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := m.with(ctx, func(mg *migrate.Migrate) error {
		var err error
		version, dirty, err = currentVersion(mg)
		return err
	})
	return version, dirty, err
}

// apply выполняет шаг миграции и пишет в лог переход версий.
func (m *Migrator) apply(ctx context.Context, direction string, step func(*migrate.Migrate) error) error {
	return m.with(ctx, func(mg *migrate.Migrate) error {
		from, _, err := currentVersion(mg)
		if err != nil {
			return err
		}
		if err := step(mg); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				m.logger.Info("Schema is up to date", zap.String("direction", direction), zap.Uint("version", from))
				return nil
			}
			return fmt.Errorf("migrate %s: %w", direction, err)
		}
		to, dirty, err := currentVersion(mg)
		if err != nil {
			return err
		}
		m.logger.Info("Migrations applied",
			zap.String("direction", direction),
			zap.Uint("from_version", from),
			zap.Uint("to_version", to),
			zap.Bool("dirty", dirty),
		)
		return nil
	})
}

// with открывает migrate.Migrate на время fn. Отмена ctx останавливает
// миграцию после текущего файла.
func (m *Migrator) with(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(stdlib.OpenDBFromPool(m.pool), &postgres.Config{
		MigrationsTable: m.cfg.MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	source, err := iofs.New(m.cfg.MigrationsFS, m.cfg.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to open migrations source: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := mg.Close(); srcErr != nil || dbErr != nil {
			m.logger.Warn("Failed to close migrator", zap.NamedError("source_error", srcErr), zap.NamedError("db_error", dbErr))
		}
	}()
	mg.LockTimeout = m.cfg.LockTimeout
	mg.Log = zapMigrateLogger{log: m.logger.Sugar()}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mg.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	return fn(mg)
}

func currentVersion(mg *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

// zapMigrateLogger реализует migrate.Logger.
type zapMigrateLogger struct {
	log *zap.SugaredLogger
}

func (l zapMigrateLogger) Printf(format string, v ...any) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l zapMigrateLogger) Verbose() bool { return false }
