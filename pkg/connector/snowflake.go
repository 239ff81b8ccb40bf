package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// stagingTables are the extract tables the staging schema must hold
var stagingTables = []string{"TICKETS", "COMMENTS", "TIME_ENTRIES"}

const defaultPageSize = 10000

// SnowflakeConnector reads the extract tables from the staging schema
type SnowflakeConnector struct {
	db     *sql.DB
	logger *zap.Logger
	cfg    *config.SnowflakeConfig
}

var _ Connector = (*SnowflakeConnector)(nil)

// NewSnowflakeConnector opens a pool on the staging database and pings it
func NewSnowflakeConnector(ctx context.Context, cfg *config.SnowflakeConfig, logger *zap.Logger) (*SnowflakeConnector, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("snowflake")

	dsn, err := sf.DSN(&sf.Config{
		Account:       cfg.Account,
		User:          cfg.User,
		Password:      cfg.Password,
		Database:      cfg.Database,
		Schema:        cfg.Schema,
		Warehouse:     cfg.Warehouse,
		Role:          cfg.Role,
		Authenticator: cfg.Authenticator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build Snowflake DSN: %w", err)
	}

	logger.Info("Opening staging source",
		zap.String("account", cfg.Account),
		zap.String("warehouse", cfg.Warehouse),
		zap.String("schema", cfg.Database+"."+cfg.Schema))

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open Snowflake pool: %w", err)
	}
	applyPool(db, cfg.Pool)

	if err := PingWithTimeout(ctx, db, 10*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach Snowflake account %s: %w", cfg.Account, err)
	}

	return &SnowflakeConnector{db: db, logger: logger, cfg: cfg}, nil
}

// DB returns the underlying pool
func (c *SnowflakeConnector) DB() *sql.DB {
	return c.db
}

// Schema returns the staging schema the extracts are read from
func (c *SnowflakeConnector) Schema() string {
	return c.cfg.Schema
}

// Validate checks that the session landed in the configured database and
// that every extract table exists in the staging schema
func (c *SnowflakeConnector) Validate(ctx context.Context) error {
	var role, database string
	if err := c.db.QueryRowContext(ctx, "SELECT CURRENT_ROLE(), CURRENT_DATABASE()").Scan(&role, &database); err != nil {
		return fmt.Errorf("failed to read Snowflake session: %w", err)
	}
	if !strings.EqualFold(database, c.cfg.Database) {
		return fmt.Errorf("session is on database %s, want %s", database, c.cfg.Database)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?`, c.cfg.Schema)
	if err != nil {
		return fmt.Errorf("failed to list staging tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan staging table: %w", err)
		}
		present[strings.ToUpper(name)] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list staging tables: %w", err)
	}

	var missing []string
	for _, table := range stagingTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("staging schema %s.%s is missing %s",
			c.cfg.Database, c.cfg.Schema, strings.Join(missing, ", "))
	}

	c.logger.Info("Staging source validated", zap.String("role", role))
	return nil
}

// Close releases the pool
func (c *SnowflakeConnector) Close() error {
	logPoolStats(c.logger, c.cfg.Database, c.db)
	return c.db.Close()
}

// QueryWithTimeout runs query under timeout. The deadline keeps running while
// the caller iterates the rows and is released when it fires.
func (c *SnowflakeConnector) QueryWithTimeout(ctx context.Context, query string, timeout time.Duration, args ...interface{}) (*sql.Rows, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	rows, err := c.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-queryCtx.Done()
		cancel()
	}()
	return rows, nil
}

// BatchQuery pages through query with LIMIT/OFFSET, calling fn once per row.
// The query needs a stable ORDER BY. Each page is bounded by the configured
// query timeout.
func (c *SnowflakeConnector) BatchQuery(ctx context.Context, query string, pageSize int, fn func(*sql.Rows) error) error {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := c.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	for offset := 0; ; offset += pageSize {
		n, err := c.page(ctx, fmt.Sprintf("%s LIMIT %d OFFSET %d", query, pageSize, offset), timeout, fn)
		if err != nil {
			return fmt.Errorf("page at offset %d: %w", offset, err)
		}
		if n < pageSize {
			return nil
		}
	}
}

func (c *SnowflakeConnector) page(ctx context.Context, query string, timeout time.Duration, fn func(*sql.Rows) error) (int, error) {
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := c.db.QueryContext(pageCtx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		if err := fn(rows); err != nil {
			return n, err
		}
	}
	return n, rows.Err()
}
