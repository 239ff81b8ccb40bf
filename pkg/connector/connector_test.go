package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	queries []string
	args    [][]interface{}
	failOn  int
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

func (e *recordingExec) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	e.queries = append(e.queries, query)
	e.args = append(e.args, args)
	if e.failOn > 0 && len(e.queries) == e.failOn {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	}
	return fakeResult(0), nil
}

func TestBatchUpsert_ChunksAndConflictClause(t *testing.T) {
	exec := &recordingExec{}
	rows := make([][]interface{}, 5)
	for i := range rows {
		rows[i] = []interface{}{int64(i), fmt.Sprintf("row %d", i)}
	}

	_, err := BatchUpsert(context.Background(), exec, "helpdesk", "tickets",
		[]string{"ticket_id", "title"}, "ticket_id", rows, 2)
	require.NoError(t, err)

	require.Len(t, exec.queries, 3)
	assert.Contains(t, exec.queries[0], `INSERT INTO "helpdesk"."tickets" ("ticket_id", "title")`)
	assert.Contains(t, exec.queries[0], `ON CONFLICT ("ticket_id") DO UPDATE SET "title" = EXCLUDED."title"`)
	assert.Contains(t, exec.queries[0], "($1, $2), ($3, $4)")
	assert.Len(t, exec.args[2], 2)
}

func TestBatchUpsert_StopsAtFirstError(t *testing.T) {
	exec := &recordingExec{failOn: 2}
	rows := [][]interface{}{{int64(1)}, {int64(2)}, {int64(3)}}

	_, err := BatchUpsert(context.Background(), exec, "s", "t", []string{"id"}, "id", rows, 1)
	require.Error(t, err)
	assert.Len(t, exec.queries, 2)
	assert.True(t, strings.Contains(exec.queries[0], "DO NOTHING"))
	assert.Equal(t, ClassConstraint, ClassifyError(err))
}

func TestBatchInsertIgnore_LeavesExistingRows(t *testing.T) {
	exec := &recordingExec{}
	rows := [][]interface{}{{"q-1", "pending"}, {"q-2", "pending"}, {"q-3", "pending"}}

	_, err := BatchInsertIgnore(context.Background(), exec, "quality", "quarantine",
		[]string{"id", "review_status"}, "id", rows, 2)
	require.NoError(t, err)

	require.Len(t, exec.queries, 2)
	for _, q := range exec.queries {
		assert.Contains(t, q, `INSERT INTO "quality"."quarantine" ("id", "review_status")`)
		assert.True(t, strings.HasSuffix(q, `ON CONFLICT ("id") DO NOTHING`))
		assert.NotContains(t, q, "DO UPDATE")
	}
	assert.Len(t, exec.args[1], 2)
}

func TestBatchUpsert_RejectsRaggedRows(t *testing.T) {
	exec := &recordingExec{}
	_, err := BatchUpsert(context.Background(), exec, "s", "t", []string{"a", "b"}, "", [][]interface{}{{1}}, 10)
	assert.Error(t, err)
	assert.Empty(t, exec.queries)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorClass
		retryable bool
	}{
		{name: "nil", err: nil, want: ClassUnknown},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: ClassConnection, retryable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: ClassConnection, retryable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ClassConstraint},
		{name: "invalid datetime", err: &pgconn.PgError{Code: "22007"}, want: ClassData},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: ClassTransaction, retryable: true},
		{name: "statement timeout", err: &pgconn.PgError{Code: "57014"}, want: ClassTimeout, retryable: true},
		{name: "wrapped deadline", err: fmt.Errorf("ping: %w", context.DeadlineExceeded), want: ClassTimeout, retryable: true},
		{name: "plain error", err: errors.New("boom"), want: ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, `"helpdesk_v2"."time_entries"`, QualifiedName("helpdesk_v2", "time_entries"))
}

func TestWithStatementTimeout(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		timeout time.Duration
		want    string
	}{
		{name: "disabled", dsn: "host=db user=etl", timeout: 0, want: "host=db user=etl"},
		{name: "keyword form", dsn: "host=db user=etl", timeout: 90 * time.Second, want: "host=db user=etl statement_timeout=90000"},
		{name: "keyword form already set", dsn: "host=db statement_timeout=5", timeout: time.Minute, want: "host=db statement_timeout=5"},
		{name: "url", dsn: "postgres://etl@db:5432/helpdesk?sslmode=disable", timeout: time.Second,
			want: "postgres://etl@db:5432/helpdesk?sslmode=disable&statement_timeout=1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withStatementTimeout(tt.dsn, tt.timeout)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
