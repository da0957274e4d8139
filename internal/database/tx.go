package database

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/config"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// TxRunner runs units of work in a database transaction. On PostgreSQL the transaction uses
// the configured isolation level; serialization failures and deadlocks (and SQLITE_BUSY on
// SQLite) are retried with exponential backoff until the retry budget is spent.
type TxRunner struct {
	db         *gorm.DB
	txOptions  *sql.TxOptions
	maxElapsed time.Duration
}

// NewTxRunner creates a TxRunner for db.
func NewTxRunner(db *gorm.DB, cfg *config.DatabaseConfig) *TxRunner {
	r := &TxRunner{
		db:         db,
		maxElapsed: time.Duration(cfg.TxRetryMaxElapsedMs) * time.Millisecond,
	}
	if db.Dialector.Name() == "postgres" {
		r.txOptions = &sql.TxOptions{Isolation: isolationLevel(cfg.TxIsolation)}
	}
	return r
}

// InTx runs fn inside a transaction. fn may run more than once and must not keep state
// between attempts. Errors returned by fn roll the transaction back.
func (r *TxRunner) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if r.maxElapsed <= 0 {
		return r.runOnce(ctx, fn)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = r.maxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			slog.WarnContext(ctx, "transaction conflict, retrying", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if r.txOptions != nil {
		return r.db.WithContext(ctx).Transaction(fn, r.txOptions)
	}
	return r.db.WithContext(ctx).Transaction(fn)
}

// IsRetryable reports whether err is a transient concurrency failure worth retrying.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isolationLevel(name string) sql.IsolationLevel {
	switch name {
	case "read_committed":
		return sql.LevelReadCommitted
	case "repeatable_read":
		return sql.LevelRepeatableRead
	default:
		return sql.LevelSerializable
	}
}
