package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

func loadedTx(t *testing.T, rows []model.Row) (Tx, *model.EntitySchema) {
	t.Helper()
	es := model.SchemaFor(model.EntityComments)
	tx, err := NewMemoryTarget().Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.EnsureTables(context.Background(), "s", []*model.EntitySchema{es}))
	_, err = tx.Upsert(context.Background(), "s", es, rows)
	require.NoError(t, err)
	return tx, es
}

func commentRows(n int) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{
			"comment_id":          int64(i + 1),
			"ticket_id":           int64(1),
			"author_id":           nil,
			"created_at":          time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC),
			"body":                "hello",
			"comment_type":        "Note",
			"is_customer_visible": false,
		}
	}
	return rows
}

type staticColumns struct {
	Tx
	cols []ColumnInfo
}

func (s staticColumns) Columns(context.Context, string, *model.EntitySchema) ([]ColumnInfo, error) {
	return s.cols, nil
}

func TestVerifyTable_Passes(t *testing.T) {
	rows := commentRows(20)
	tx, es := loadedTx(t, rows)

	report, err := NewVerifier(zap.NewNop()).VerifyTable(context.Background(), tx, "s", es, rows, ScopeTable, 0)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Failures())
	assert.Equal(t, 20, report.SampleSize)
	assert.Equal(t, int64(20), report.TargetRowCount)
}

func TestVerifyTable_CountScope(t *testing.T) {
	rows := commentRows(20)
	tx, es := loadedTx(t, rows)
	v := NewVerifier(zap.NewNop())

	// the table holds 20 rows but only 5 were part of this load
	report, err := v.VerifyTable(context.Background(), tx, "s", es, rows[:5], ScopeKeys, 0)
	require.NoError(t, err)
	assert.True(t, report.RowCountMatches)

	report, err = v.VerifyTable(context.Background(), tx, "s", es, rows[:5], ScopeTable, 0)
	require.NoError(t, err)
	assert.False(t, report.RowCountMatches)
	assert.Contains(t, report.Failures()[0], "expected 5 rows, found 20")
}

func TestVerifyTable_SampleDiscrepancy(t *testing.T) {
	rows := commentRows(10)
	tx, es := loadedTx(t, rows)

	sent := make([]model.Row, len(rows))
	for i, r := range rows {
		sent[i] = r.Clone()
	}
	sent[3]["body"] = "changed"

	report, err := NewVerifier(zap.NewNop()).VerifyTable(context.Background(), tx, "s", es, sent, ScopeKeys, -1)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.False(t, report.ChecksumMatches)
	require.Len(t, report.SampleDiscrepancies, 1)
	d := report.SampleDiscrepancies[0]
	assert.Equal(t, "comment_id=4", d.RowID)
	assert.Equal(t, "body", d.ColumnName)
}

func TestVerifyTable_TimestampsCompareAtMicroseconds(t *testing.T) {
	rows := commentRows(1)
	tx, es := loadedTx(t, rows)

	stored := rows[0].Clone()
	stored["created_at"] = rows[0]["created_at"].(time.Time).Truncate(time.Microsecond).In(time.FixedZone("X", 3600))
	_, err := tx.Upsert(context.Background(), "s", es, []model.Row{stored})
	require.NoError(t, err)

	report, err := NewVerifier(zap.NewNop()).VerifyTable(context.Background(), tx, "s", es, rows, ScopeKeys, -1)
	require.NoError(t, err)
	assert.True(t, report.OK(), report.Failures())
}

func TestVerifyTableStructure(t *testing.T) {
	es := model.SchemaFor(model.EntityComments)
	cols := []ColumnInfo{
		{Name: "comment_id", DataType: "bigint"},
		{Name: "ticket_id", DataType: "bigint"},
		{Name: "author_id", DataType: "bigint"},
		{Name: "created_at", DataType: "text"},
		{Name: "body", DataType: "text"},
		{Name: "comment_type", DataType: "text"},
		{Name: "legacy_flag", DataType: "boolean"},
	}
	ok, discrepancies, err := NewVerifier(zap.NewNop()).VerifyTableStructure(context.Background(), staticColumns{cols: cols}, "s", es)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []StructureDiscrepancy{
		{ColumnName: "created_at", ExpectedType: "TIMESTAMPTZ", ActualType: "text"},
		{ColumnName: "is_customer_visible", ExpectedType: "BOOLEAN", IsMissing: true},
		{ColumnName: "legacy_flag", ActualType: "boolean"},
	}, discrepancies)
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, normalizeType("timestamp with time zone"), normalizeType("TIMESTAMPTZ"))
	assert.Equal(t, normalizeType("double precision"), normalizeType("DOUBLE PRECISION"))
	assert.Equal(t, normalizeType("bigint"), normalizeType("int8"))
	assert.NotEqual(t, normalizeType("timestamp without time zone"), normalizeType("TIMESTAMPTZ"))
}

func TestSampleRows(t *testing.T) {
	rows := commentRows(10)
	assert.Len(t, sampleRows(rows, 0), 10)
	assert.Len(t, sampleRows(rows, 50), 10)
	sample := sampleRows(rows, 5)
	require.Len(t, sample, 5)
	assert.Equal(t, int64(1), sample[0]["comment_id"])
	assert.Equal(t, int64(3), sample[1]["comment_id"])
}
