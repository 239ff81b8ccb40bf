// Package migration moves quality-gated data into the target store using a
// direct, canary or blue-green strategy and rolls back on failure.
package migration

import (
	"context"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// ColumnInfo describes a column as the target store reports it
type ColumnInfo struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
	Nullable bool   `db:"is_nullable"`
}

// Version is one blue-green schema instance
type Version struct {
	Schema    string     `db:"schema_name"`
	BatchID   string     `db:"batch_id"`
	CreatedAt time.Time  `db:"created_at"`
	RetiredAt *time.Time `db:"retired_at"`
}

// Pointer is the metadata row naming the live data schema
type Pointer struct {
	Active    string     `db:"schema_name"`
	Previous  string     `db:"previous_schema"`
	SwappedAt *time.Time `db:"swapped_at"`
}

// Reader is the read side of a write transaction, used for verification
type Reader interface {
	// CountKeys counts the rows of table whose primary key is in keys
	CountKeys(ctx context.Context, schema string, es *model.EntitySchema, keys []int64) (int64, error)
	// CountAll counts every row of the table
	CountAll(ctx context.Context, schema string, es *model.EntitySchema) (int64, error)
	// ReadBack returns the stored rows whose primary key is in keys
	ReadBack(ctx context.Context, schema string, es *model.EntitySchema, keys []int64) ([]model.Row, error)
	// Columns lists the stored columns of the entity table
	Columns(ctx context.Context, schema string, es *model.EntitySchema) ([]ColumnInfo, error)
}

// Tx is a write transaction against the target store. Nothing it writes is
// visible until Commit.
type Tx interface {
	Reader
	EnsureTables(ctx context.Context, schema string, schemas []*model.EntitySchema) error
	Upsert(ctx context.Context, schema string, es *model.EntitySchema, rows []model.Row) (int, error)
	RegisterVersion(ctx context.Context, v Version) error
	Commit() error
	Rollback() error
}

// Target is the queryable store cleaned data is migrated into
type Target interface {
	// Init creates the bookkeeping tables
	Init(ctx context.Context) error
	Begin(ctx context.Context) (Tx, error)
	Pointer(ctx context.Context) (Pointer, error)
	// Activate repoints the live schema in a single statement and retires the
	// schema it replaces. It returns the schema that was live before.
	Activate(ctx context.Context, schema string, at time.Time) (string, error)
	Versions(ctx context.Context) ([]Version, error)
	// DropSchema removes a schema instance and its version entry
	DropSchema(ctx context.Context, schema string) error
}
