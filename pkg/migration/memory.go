package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/converter"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

// ErrInjected is returned by a MemoryTarget when a configured fault fires
var ErrInjected = errors.New("injected write failure")

type memTable struct {
	columns []ColumnInfo
	rows    map[int64]model.Row
}

type memSchema map[model.EntityType]*memTable

func (s memSchema) clone() memSchema {
	out := make(memSchema, len(s))
	for e, t := range s {
		rows := make(map[int64]model.Row, len(t.rows))
		for k, r := range t.rows {
			rows[k] = r.Clone()
		}
		out[e] = &memTable{columns: append([]ColumnInfo(nil), t.columns...), rows: rows}
	}
	return out
}

// MemoryTarget is an in-process Target for tests and dry runs. Transactions
// work on a private copy that replaces the committed state on Commit.
type MemoryTarget struct {
	mu       sync.Mutex
	schemas  map[string]memSchema
	pointer  Pointer
	versions map[string]Version

	// FailAtRow makes the Nth row written (1-based, counted across all
	// transactions) fail. Zero disables it.
	FailAtRow int
	// Corrupt, when set, rewrites rows as they are stored
	Corrupt func(entity model.EntityType, row model.Row) model.Row
	// FailActivate makes Activate fail
	FailActivate bool

	written int
}

// NewMemoryTarget creates an empty target
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		schemas:  make(map[string]memSchema),
		versions: make(map[string]Version),
	}
}

func (m *MemoryTarget) Init(context.Context) error {
	return nil
}

func (m *MemoryTarget) Begin(context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := make(map[string]memSchema, len(m.schemas))
	for name, s := range m.schemas {
		work[name] = s.clone()
	}
	versions := make(map[string]Version, len(m.versions))
	for k, v := range m.versions {
		versions[k] = v
	}
	return &memTx{target: m, schemas: work, versions: versions}, nil
}

func (m *MemoryTarget) Pointer(context.Context) (Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pointer, nil
}

func (m *MemoryTarget) Activate(_ context.Context, schema string, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailActivate {
		return "", ErrInjected
	}
	if _, ok := m.schemas[schema]; !ok {
		return "", fmt.Errorf("schema %s does not exist", schema)
	}
	previous := m.pointer.Active
	m.pointer = Pointer{Active: schema, Previous: previous, SwappedAt: &at}
	if v, ok := m.versions[previous]; ok {
		v.RetiredAt = &at
		m.versions[previous] = v
	}
	if v, ok := m.versions[schema]; ok {
		v.RetiredAt = nil
		m.versions[schema] = v
	}
	return previous, nil
}

func (m *MemoryTarget) Versions(context.Context) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Version, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schema < out[j].Schema })
	return out, nil
}

func (m *MemoryTarget) DropSchema(_ context.Context, schema string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schemas, schema)
	delete(m.versions, schema)
	return nil
}

// Rows returns the committed rows of an entity ordered by primary key
func (m *MemoryTarget) Rows(schema string, entity model.EntityType) []model.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.schemas[schema][entity]
	if t == nil {
		return nil
	}
	keys := make([]int64, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]model.Row, len(keys))
	for i, k := range keys {
		out[i] = t.rows[k].Clone()
	}
	return out
}

// Written is the number of rows write attempts reached, including failed ones
func (m *MemoryTarget) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// HasSchema reports whether a schema instance exists
func (m *MemoryTarget) HasSchema(schema string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.schemas[schema]
	return ok
}

// countWrite records one row write and reports whether it must fail
func (m *MemoryTarget) countWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written++
	return m.FailAtRow > 0 && m.written == m.FailAtRow
}

type memTx struct {
	target   *MemoryTarget
	schemas  map[string]memSchema
	versions map[string]Version
	done     bool
}

func (tx *memTx) table(schema string, es *model.EntitySchema) (*memTable, error) {
	t := tx.schemas[schema][es.Entity]
	if t == nil {
		return nil, fmt.Errorf("relation %s does not exist", schema+"."+string(es.Entity))
	}
	return t, nil
}

func (tx *memTx) EnsureTables(_ context.Context, schema string, schemas []*model.EntitySchema) error {
	s, ok := tx.schemas[schema]
	if !ok {
		s = make(memSchema)
		tx.schemas[schema] = s
	}
	for _, es := range schemas {
		if _, ok := s[es.Entity]; ok {
			continue
		}
		cols := make([]ColumnInfo, len(es.Columns))
		for i, c := range es.Columns {
			cols[i] = ColumnInfo{Name: c.Name, DataType: converter.PostgresType(c.Kind), Nullable: !c.IsPrimaryKey}
		}
		s[es.Entity] = &memTable{columns: cols, rows: make(map[int64]model.Row)}
	}
	return nil
}

func (tx *memTx) Upsert(_ context.Context, schema string, es *model.EntitySchema, rows []model.Row) (int, error) {
	t, err := tx.table(schema, es)
	if err != nil {
		return 0, err
	}
	for i, r := range rows {
		if tx.target.countWrite() {
			return i, fmt.Errorf("row %d of %s: %w", i, es.Entity, ErrInjected)
		}
		key, err := model.ParseInt(r[es.PrimaryKey])
		if err != nil {
			return i, fmt.Errorf("row %d of %s: bad primary key: %w", i, es.Entity, err)
		}
		if _, err := converter.RowValues(es, r); err != nil {
			return i, err
		}
		stored := r.Clone()
		if tx.target.Corrupt != nil {
			stored = tx.target.Corrupt(es.Entity, stored)
		}
		t.rows[key] = stored
	}
	return len(rows), nil
}

func (tx *memTx) CountKeys(_ context.Context, schema string, es *model.EntitySchema, keys []int64) (int64, error) {
	t, err := tx.table(schema, es)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if _, ok := t.rows[k]; ok {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) CountAll(_ context.Context, schema string, es *model.EntitySchema) (int64, error) {
	t, err := tx.table(schema, es)
	if err != nil {
		return 0, err
	}
	return int64(len(t.rows)), nil
}

func (tx *memTx) ReadBack(_ context.Context, schema string, es *model.EntitySchema, keys []int64) ([]model.Row, error) {
	t, err := tx.table(schema, es)
	if err != nil {
		return nil, err
	}
	out := make([]model.Row, 0, len(keys))
	for _, k := range keys {
		if r, ok := t.rows[k]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) Columns(_ context.Context, schema string, es *model.EntitySchema) ([]ColumnInfo, error) {
	t, err := tx.table(schema, es)
	if err != nil {
		return nil, err
	}
	return append([]ColumnInfo(nil), t.columns...), nil
}

func (tx *memTx) RegisterVersion(_ context.Context, v Version) error {
	if _, ok := tx.versions[v.Schema]; !ok {
		tx.versions[v.Schema] = v
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	m := tx.target
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas = tx.schemas
	m.versions = tx.versions
	return nil
}

func (tx *memTx) Rollback() error {
	tx.done = true
	return nil
}
