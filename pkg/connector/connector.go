// Package connector opens the Snowflake staging source and the Postgres
// target, writes batches into Postgres and classifies driver errors.
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// Connector is an open database the pipeline reads from or writes to
type Connector interface {
	// DB returns the underlying pool
	DB() *sql.DB

	// Validate checks that the database holds what the pipeline needs
	Validate(ctx context.Context) error

	// Close releases the pool
	Close() error
}

// Reachable returns a pre-flight check that pings c and then validates it
func Reachable(c Connector, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := PingWithTimeout(ctx, c.DB(), timeout); err != nil {
			return err
		}
		vctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.Validate(vctx)
	}
}

// PingWithTimeout pings db, giving up after timeout
func PingWithTimeout(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if pingCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("ping timed out after %v: %w", timeout, err)
		}
		return err
	}
	return nil
}

// applyPool bounds the pool of db
func applyPool(db *sql.DB, pool config.PoolConfig) {
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
}

func logPoolStats(logger *zap.Logger, name string, db *sql.DB) {
	stats := db.Stats()
	logger.Debug("Connection pool stats",
		zap.String("database", name),
		zap.Int("open", stats.OpenConnections),
		zap.Int("inUse", stats.InUse),
		zap.Int("idle", stats.Idle),
		zap.Int64("waitCount", stats.WaitCount),
		zap.Duration("waitDuration", stats.WaitDuration))
}
