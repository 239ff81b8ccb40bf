package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// PostgresConnector holds the pool on the target database. The data schemas
// and the bookkeeping schema live in the same database.
type PostgresConnector struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    *config.PostgresConfig
}

var _ Connector = (*PostgresConnector)(nil)

// NewPostgresConnector opens a pgx pool on the target and pings it
func NewPostgresConnector(ctx context.Context, cfg *config.PostgresConfig, logger *zap.Logger) (*PostgresConnector, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("postgres")

	dsn, err := withStatementTimeout(cfg.ConnectionString(), cfg.StatementTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build PostgreSQL DSN: %w", err)
	}

	logger.Info("Opening target database", zap.String("target", cfg.Redacted()))

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}
	applyPool(db.DB, cfg.Pool)

	if err := PingWithTimeout(ctx, db.DB, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach PostgreSQL at %s: %w", cfg.Redacted(), err)
	}

	return &PostgresConnector{db: db, logger: logger, cfg: cfg}, nil
}

// withStatementTimeout adds statement_timeout as a runtime parameter so that
// every pooled connection carries it, not only the first one
func withStatementTimeout(dsn string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return dsn, nil
	}
	ms := fmt.Sprintf("%d", timeout.Milliseconds())

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		q := u.Query()
		if q.Get("statement_timeout") == "" {
			q.Set("statement_timeout", ms)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if strings.Contains(dsn, "statement_timeout=") {
		return dsn, nil
	}
	return dsn + " statement_timeout=" + ms, nil
}

// DB returns the underlying pool
func (c *PostgresConnector) DB() *sql.DB {
	return c.db.DB
}

// DBx returns the sqlx handle used by the bookkeeping stores
func (c *PostgresConnector) DBx() *sqlx.DB {
	return c.db
}

// Validate checks that the login may create the schemas a migration writes to
func (c *PostgresConnector) Validate(ctx context.Context) error {
	var (
		version   string
		canCreate bool
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT current_setting('server_version'), has_database_privilege(current_database(), 'CREATE')`,
	).Scan(&version, &canCreate)
	if err != nil {
		return fmt.Errorf("failed to read PostgreSQL privileges: %w", err)
	}
	if !canCreate {
		return fmt.Errorf("role cannot create schemas in %s", c.cfg.Redacted())
	}

	c.logger.Info("Target database validated", zap.String("version", version))
	return nil
}

// Close releases the pool
func (c *PostgresConnector) Close() error {
	logPoolStats(c.logger, c.cfg.Redacted(), c.db.DB)
	return c.db.Close()
}
