package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBTX - общий интерфейс пула и транзакции, чтобы репозиторий
// мог выполнять запросы в обоих контекстах.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TxBeginner - источник транзакций (pgxpool.Pool).
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options - параметры подключения к PostgreSQL.
type Options struct {
	DSN           string
	MaxConns      int
	IdleTimeout   time.Duration
	ConnectTries  int
	ConnectPeriod time.Duration
}

// Connect создает пул соединений с повторными попытками подключения и ping.
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		// DSN некорректен, нет смысла пытаться дальше
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.IdleTimeout > 0 {
		poolConfig.MaxConnIdleTime = opts.IdleTimeout
	}
	tries := opts.ConnectTries
	if tries < 1 {
		tries = 1
	}

	log := logger.Named("Database")
	log.Info("Connecting to PostgreSQL", zap.Int("max_attempts", tries), zap.Duration("retry_delay", opts.ConnectPeriod))

	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		// Таймаут на одну попытку подключения и пинга
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err := pgxpool.NewWithConfig(attemptCtx, poolConfig)
		if err == nil {
			err = pool.Ping(attemptCtx)
			if err != nil {
				pool.Close()
			}
		}
		cancel()
		if err == nil {
			log.Info("Connected to PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}

		lastErr = err
		log.Warn("PostgreSQL connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < tries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.ConnectPeriod):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", tries, lastErr)
}

// WithTx выполняет fn в рамках транзакции, коммитит при успехе или откатывает при ошибке.
func WithTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	// Откат при панике
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.Background())
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}
