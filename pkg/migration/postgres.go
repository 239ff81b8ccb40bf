package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/connector"
	"github.com/David-Botos/quality-ingress/pkg/converter"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

// PostgresTarget migrates into PostgreSQL. The pointer and version tables
// live in the bookkeeping schema.
type PostgresTarget struct {
	db         *sqlx.DB
	metaSchema string
	batchSize  int
	types      *converter.TypeConverter
	logger     *zap.Logger
}

// NewPostgresTarget creates a target over db
func NewPostgresTarget(db *sqlx.DB, metaSchema string, batchSize int, logger *zap.Logger) (*PostgresTarget, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &PostgresTarget{
		db:         db,
		metaSchema: metaSchema,
		batchSize:  batchSize,
		types:      converter.NewTypeConverter(logger),
		logger:     logger,
	}, nil
}

func (p *PostgresTarget) pointerTable() string {
	return connector.QualifiedName(p.metaSchema, "active_schema")
}

func (p *PostgresTarget) versionTable() string {
	return connector.QualifiedName(p.metaSchema, "schema_versions")
}

func (p *PostgresTarget) Init(ctx context.Context) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(p.metaSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id INT PRIMARY KEY CHECK (id = 1),
	schema_name TEXT NOT NULL DEFAULT '',
	previous_schema TEXT NOT NULL DEFAULT '',
	swapped_at TIMESTAMPTZ
)`, p.pointerTable()),
		fmt.Sprintf(`INSERT INTO %s (id) VALUES (1) ON CONFLICT (id) DO NOTHING`, p.pointerTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	schema_name TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	retired_at TIMESTAMPTZ
)`, p.versionTable()),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize migration tables: %w", err)
		}
	}
	return nil
}

func (p *PostgresTarget) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx, target: p}, nil
}

func (p *PostgresTarget) Pointer(ctx context.Context) (Pointer, error) {
	var ptr Pointer
	err := p.db.GetContext(ctx, &ptr,
		fmt.Sprintf(`SELECT schema_name, previous_schema, swapped_at FROM %s WHERE id = 1`, p.pointerTable()))
	if errors.Is(err, sql.ErrNoRows) {
		return Pointer{}, nil
	}
	if err != nil {
		return Pointer{}, fmt.Errorf("failed to read active schema: %w", err)
	}
	return ptr, nil
}

// Activate swaps the pointer and updates version retirement in one statement
func (p *PostgresTarget) Activate(ctx context.Context, schema string, at time.Time) (string, error) {
	query := fmt.Sprintf(`WITH swap AS (
	UPDATE %[1]s SET previous_schema = schema_name, schema_name = $1::text, swapped_at = $2::timestamptz
	WHERE id = 1
	RETURNING previous_schema
), retire AS (
	UPDATE %[2]s SET retired_at = CASE WHEN schema_name = $1::text THEN NULL ELSE $2::timestamptz END
	WHERE schema_name = $1::text OR schema_name = (SELECT previous_schema FROM swap)
)
SELECT previous_schema FROM swap`, p.pointerTable(), p.versionTable())

	var previous string
	if err := p.db.GetContext(ctx, &previous, query, schema, at.UTC()); err != nil {
		return "", fmt.Errorf("failed to activate schema %s: %w", schema, err)
	}
	p.logger.Info("Active schema swapped",
		zap.String("active", schema),
		zap.String("previous", previous))
	return previous, nil
}

func (p *PostgresTarget) Versions(ctx context.Context) ([]Version, error) {
	var versions []Version
	err := p.db.SelectContext(ctx, &versions,
		fmt.Sprintf(`SELECT schema_name, batch_id, created_at, retired_at FROM %s ORDER BY schema_name`, p.versionTable()))
	if err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
	}
	return versions, nil
}

func (p *PostgresTarget) DropSchema(ctx context.Context, schema string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", schema, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE schema_name = $1`, p.versionTable()), schema); err != nil {
		return fmt.Errorf("failed to delete version %s: %w", schema, err)
	}
	return tx.Commit()
}

type pgTx struct {
	tx     *sqlx.Tx
	target *PostgresTarget
}

func (t *pgTx) EnsureTables(ctx context.Context, schema string, schemas []*model.EntitySchema) error {
	if _, err := t.tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	for _, es := range schemas {
		defs := t.target.types.GenerateColumnDefinitions(es)
		if err := connector.CreateTableIfNotExists(ctx, t.tx, schema, string(es.Entity), defs, es.PrimaryKey); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) Upsert(ctx context.Context, schema string, es *model.EntitySchema, rows []model.Row) (int, error) {
	values := make([][]interface{}, len(rows))
	for i, r := range rows {
		v, err := converter.RowValues(es, r)
		if err != nil {
			return 0, fmt.Errorf("row %d of %s: %w", i, es.Entity, err)
		}
		values[i] = v
	}
	n, err := connector.BatchUpsert(ctx, t.tx, schema, string(es.Entity), es.ColumnNames(), es.PrimaryKey, values, t.target.batchSize)
	return int(n), err
}

func (t *pgTx) CountKeys(ctx context.Context, schema string, es *model.EntitySchema, keys []int64) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ANY($1)`,
		connector.QualifiedName(schema, string(es.Entity)), pq.QuoteIdentifier(es.PrimaryKey))
	if err := t.tx.GetContext(ctx, &n, query, pq.Int64Array(keys)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", es.Entity, err)
	}
	return n, nil
}

func (t *pgTx) CountAll(ctx context.Context, schema string, es *model.EntitySchema) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, connector.QualifiedName(schema, string(es.Entity)))
	if err := t.tx.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", es.Entity, err)
	}
	return n, nil
}

func (t *pgTx) ReadBack(ctx context.Context, schema string, es *model.EntitySchema, keys []int64) ([]model.Row, error) {
	names := es.ColumnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ANY($1)`,
		strings.Join(quoted, ", "),
		connector.QualifiedName(schema, string(es.Entity)),
		pq.QuoteIdentifier(es.PrimaryKey))

	rows, err := t.tx.QueryxContext(ctx, query, pq.Int64Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", es.Entity, err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		m := make(map[string]interface{}, len(names))
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", es.Entity, err)
		}
		out = append(out, model.Row(m))
	}
	return out, rows.Err()
}

func (t *pgTx) Columns(ctx context.Context, schema string, es *model.EntitySchema) ([]ColumnInfo, error) {
	var cols []ColumnInfo
	err := t.tx.SelectContext(ctx, &cols, `SELECT column_name, data_type, is_nullable = 'YES' AS is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, schema, string(es.Entity))
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s.%s: %w", schema, es.Entity, err)
	}
	return cols, nil
}

func (t *pgTx) RegisterVersion(ctx context.Context, v Version) error {
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (schema_name, batch_id, created_at) VALUES ($1, $2, $3)
ON CONFLICT (schema_name) DO NOTHING`, t.target.versionTable()),
		v.Schema, v.BatchID, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to register version %s: %w", v.Schema, err)
	}
	return nil
}

func (t *pgTx) Commit() error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
