//go:build integration

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/internal/testfixture"
	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

type pgHarness struct {
	target *PostgresTarget
	store  *quarantine.PostgresStore
	orch   *Orchestrator
	now    time.Time
}

func newPostgresHarness(t *testing.T) *pgHarness {
	t.Helper()
	ctx := context.Background()
	db := testfixture.NewPostgres(t)

	target, err := NewPostgresTarget(db, "ingress", 250, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, target.Init(ctx))

	store, err := quarantine.NewPostgresStore(db, "ingress", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))

	cfg := config.DefaultPipelineConfig()
	cfg.RetryDelay = 0
	orch, err := New(target, store, cfg, zap.NewNop())
	require.NoError(t, err)

	h := &pgHarness{target: target, store: store, now: t0}
	h.orch = orch.WithClock(func() time.Time { return h.now })
	return h
}

func TestPostgresTarget_Direct(t *testing.T) {
	h := newPostgresHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	out, err := h.orch.Migrate(ctx, plan("pg1", model.StrategyDirect, 95, set))
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, out.State)
	assert.Equal(t, 300, out.Written[model.EntityComments])
	for _, r := range out.Reports {
		assert.True(t, r.OK(), r.Failures())
	}

	saved, err := h.store.GetBatch(ctx, "pg1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, saved.Status)
	assert.Equal(t, "helpdesk", saved.TargetSchema)

	again := plan("pg2", model.StrategyDirect, 95, set)
	again.InputChecksum = out.Batch.InputChecksum
	second, err := h.orch.Migrate(ctx, again)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	tx, err := h.target.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	n, err := tx.CountAll(ctx, "helpdesk", model.SchemaFor(model.EntityTickets))
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestPostgresTarget_BlueGreenAndRollback(t *testing.T) {
	h := newPostgresHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	first, err := h.orch.Migrate(ctx, plan("aaaa1111", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	v1 := first.Batch.TargetSchema

	h.now = t0.Add(time.Hour)
	second, err := h.orch.Migrate(ctx, plan("bbbb2222", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	v2 := second.Batch.TargetSchema
	assert.Equal(t, v1, second.Previous)

	ptr, err := h.target.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2, ptr.Active)

	rolled, err := h.orch.Rollback(ctx, "bbbb2222")
	require.NoError(t, err)
	assert.Equal(t, model.BatchRolledBack, rolled.Status)

	ptr, err = h.target.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, ptr.Active)
	assert.Equal(t, v2, ptr.Previous)
}

func TestPostgresTarget_InjectedFailureRollsBack(t *testing.T) {
	h := newPostgresHarness(t)
	ctx := context.Background()

	broken := cleanedFixture(t)
	// a duplicate primary key inside one upsert statement fails the transaction
	comments := broken[model.EntityComments]
	comments.Rows = append(comments.Rows, comments.Rows[0], comments.Rows[0])

	_, err := h.orch.Migrate(ctx, plan("bad", model.StrategyDirect, 95, broken))
	require.Error(t, err)

	saved, err := h.store.GetBatch(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, saved.Status)

	tx, err := h.target.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	n, err := tx.CountAll(ctx, "helpdesk", model.SchemaFor(model.EntityTickets))
	if err == nil {
		assert.Zero(t, n, "tickets written before the failure must be rolled back")
	}
}
