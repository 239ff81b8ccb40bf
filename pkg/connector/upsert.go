package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// maxBindParams is the Postgres limit on parameters in one statement
const maxBindParams = 65535

// Execer is satisfied by *sql.DB, *sql.Tx, *sqlx.DB and *sqlx.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// QualifiedName quotes schema.table for use in generated SQL
func QualifiedName(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// BatchUpsert inserts rows into schema.table in multi-row statements of at
// most batchSize rows. With a conflict key, a row that already exists is
// overwritten, so loading the same rows twice leaves one copy.
func BatchUpsert(
	ctx context.Context,
	exec Execer,
	schema, table string,
	columns []string,
	conflictKey string,
	rows [][]interface{},
	batchSize int,
) (int64, error) {
	return batchInsert(ctx, exec, schema, table, columns, onConflict(columns, conflictKey), rows, batchSize)
}

// BatchInsertIgnore inserts rows like BatchUpsert but leaves a row that
// already exists under conflictKey untouched
func BatchInsertIgnore(
	ctx context.Context,
	exec Execer,
	schema, table string,
	columns []string,
	conflictKey string,
	rows [][]interface{},
	batchSize int,
) (int64, error) {
	tail := fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", pq.QuoteIdentifier(conflictKey))
	return batchInsert(ctx, exec, schema, table, columns, tail, rows, batchSize)
}

func batchInsert(
	ctx context.Context,
	exec Execer,
	schema, table string,
	columns []string,
	tail string,
	rows [][]interface{},
	batchSize int,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	if limit := maxBindParams / len(columns); batchSize > limit {
		batchSize = limit
	}

	target := QualifiedName(schema, table)
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", target, quoteAll(columns))

	var written int64
	for start := 0; start < len(rows); start += batchSize {
		chunk := rows[start:min(start+batchSize, len(rows))]

		var sb strings.Builder
		sb.WriteString(head)
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return written, fmt.Errorf("row %d has %d values for %d columns", start+i, len(row), len(columns))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			for j, v := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				args = append(args, v)
				fmt.Fprintf(&sb, "$%d", len(args))
			}
			sb.WriteByte(')')
		}
		sb.WriteString(tail)

		res, err := exec.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return written, fmt.Errorf("failed to insert into %s at row %d: %w", target, start, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += n
		}
	}
	return written, nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

func onConflict(columns []string, key string) string {
	if key == "" {
		return ""
	}
	var sets []string
	for _, col := range columns {
		if col == key {
			continue
		}
		q := pq.QuoteIdentifier(col)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", pq.QuoteIdentifier(key))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", pq.QuoteIdentifier(key), strings.Join(sets, ", "))
}

// CreateTableIfNotExists creates schema.table from column definitions
func CreateTableIfNotExists(ctx context.Context, exec Execer, schema, table string, columnDefs []string, primaryKey string) error {
	defs := append([]string(nil), columnDefs...)
	if primaryKey != "" {
		defs = append(defs, "PRIMARY KEY ("+pq.QuoteIdentifier(primaryKey)+")")
	}
	target := QualifiedName(schema, table)
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", target, strings.Join(defs, ",\n\t"))
	if _, err := exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", target, err)
	}
	return nil
}
