package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/internal/testfixture"
	"github.com/David-Botos/quality-ingress/pkg/cleaner"
	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	target *MemoryTarget
	store  *quarantine.MemoryStore
	orch   *Orchestrator
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{target: NewMemoryTarget(), store: quarantine.NewMemoryStore(), now: t0}
	cfg := config.DefaultPipelineConfig()
	cfg.RetryDelay = 0
	orch, err := New(h.target, h.store, cfg, zap.NewNop())
	require.NoError(t, err)
	h.orch = orch.WithClock(func() time.Time { return h.now })
	return h
}

func cleanedFixture(t *testing.T) model.ExtractSet {
	t.Helper()
	c, err := cleaner.NewDataCleaner(cleaner.Options{PartitionSize: 1000}, zap.NewNop())
	require.NoError(t, err)
	res, err := c.WithClock(func() time.Time { return t0 }).
		Clean(context.Background(), "fixture", testfixture.Extracts(testfixture.DefaultOptions()))
	require.NoError(t, err)
	require.Empty(t, res.Rejections)
	return res.Cleaned
}

func plan(id string, strategy model.Strategy, composite float64, set model.ExtractSet) Plan {
	return Plan{
		BatchID:       id,
		Strategy:      strategy,
		MinQuality:    80,
		Score:         model.QualityScore{Composite: composite},
		Cleaned:       set,
		InputChecksum: "checksum-" + id,
		TotalRows:     set.TotalRows(),
		StartedAt:     t0,
	}
}

func snapshot(target *MemoryTarget, schema string) map[model.EntityType]string {
	out := make(map[model.EntityType]string)
	for _, e := range model.AllEntities() {
		rows := target.Rows(schema, e)
		out[e] = model.RowChecksum(model.SchemaFor(e), rows)
	}
	return out
}

func TestNew(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	_, err := New(nil, quarantine.NewMemoryStore(), cfg, zap.NewNop())
	assert.Error(t, err)
	_, err = New(NewMemoryTarget(), nil, cfg, zap.NewNop())
	assert.Error(t, err)
	_, err = New(NewMemoryTarget(), quarantine.NewMemoryStore(), cfg, nil)
	assert.Error(t, err)
	cfg.DataSchema = ""
	_, err = New(NewMemoryTarget(), quarantine.NewMemoryStore(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestMigrate_Direct(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)

	out, err := h.orch.Migrate(context.Background(), plan("b1", model.StrategyDirect, 95, set))
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, out.State)
	assert.Equal(t, []State{StatePending, StateQualityGate, StateMigrating, StateValidating, StateCommitted}, out.Transitions)
	assert.Equal(t, map[model.EntityType]int{
		model.EntityTickets: 100, model.EntityComments: 300, model.EntityTimeEntries: 200,
	}, out.Written)
	require.Len(t, out.Reports, 3)
	for _, r := range out.Reports {
		assert.True(t, r.OK(), r.Failures())
	}

	assert.Len(t, h.target.Rows("helpdesk", model.EntityComments), 300)
	assert.Equal(t, model.RowChecksum(set[model.EntityTickets].Schema, set[model.EntityTickets].Rows),
		snapshot(h.target, "helpdesk")[model.EntityTickets])

	saved, err := h.store.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSuccess, saved.Status)
	assert.Equal(t, "helpdesk", saved.TargetSchema)
	assert.Equal(t, 600, saved.AcceptedRows)
	require.NotNil(t, saved.FinishedAt)
}

func TestMigrate_QualityGateBoundary(t *testing.T) {
	tests := []struct {
		name      string
		composite float64
		passes    bool
	}{
		{name: "just below", composite: 59.9, passes: false},
		{name: "exactly at", composite: 60.0, passes: true},
		{name: "above", composite: 72.5, passes: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := plan("gate", model.StrategyDirect, tt.composite, cleanedFixture(t))
			p.MinQuality = 60

			out, err := h.orch.Migrate(context.Background(), p)
			saved, getErr := h.store.GetBatch(context.Background(), "gate")
			require.NoError(t, getErr)

			if tt.passes {
				require.NoError(t, err)
				assert.Equal(t, StateCommitted, out.State)
				assert.Equal(t, model.BatchSuccess, saved.Status)
				return
			}
			assert.ErrorIs(t, err, ErrQualityGate)
			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, 0, h.target.Written())
			assert.Equal(t, model.BatchFailed, saved.Status)
			assert.Contains(t, saved.FailureReason, "59.90 < 60.00")
		})
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	first, err := h.orch.Migrate(ctx, plan("b1", model.StrategyDirect, 95, set))
	require.NoError(t, err)
	writes := h.target.Written()
	before := snapshot(h.target, "helpdesk")

	again := plan("b2", model.StrategyDirect, 95, set)
	again.InputChecksum = first.Batch.InputChecksum
	second, err := h.orch.Migrate(ctx, again)
	require.NoError(t, err)

	assert.True(t, second.Skipped)
	assert.Equal(t, "b1", second.Batch.ID)
	assert.Equal(t, writes, h.target.Written())
	assert.Equal(t, before, snapshot(h.target, "helpdesk"))

	_, err = h.store.GetBatch(ctx, "b2")
	assert.ErrorIs(t, err, quarantine.ErrNotFound)
}

func TestMigrate_ReloadUpsertsByKey(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	_, err := h.orch.Migrate(ctx, plan("b1", model.StrategyDirect, 95, set))
	require.NoError(t, err)
	_, err = h.orch.Migrate(ctx, plan("b2", model.StrategyDirect, 95, set))
	require.NoError(t, err)

	assert.Len(t, h.target.Rows("helpdesk", model.EntityTickets), 100)
}

func TestMigrate_DirectRollsBackInjectedFailure(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	_, err := h.orch.Migrate(ctx, plan("b1", model.StrategyDirect, 95, set))
	require.NoError(t, err)
	before := snapshot(h.target, "helpdesk")

	changed := set.Copy()
	for _, r := range changed[model.EntityTickets].Rows {
		r["title"] = "Renamed"
	}
	// fail at row 250 of 600
	h.target.FailAtRow = h.target.Written() + 250

	out, err := h.orch.Migrate(ctx, plan("b2", model.StrategyDirect, 95, changed))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, StateRolledBack, out.State)

	assert.Equal(t, before, snapshot(h.target, "helpdesk"))
	assert.Len(t, h.target.Rows("helpdesk", model.EntityTickets), 100)

	saved, err := h.store.GetBatch(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, saved.Status)
	assert.NotEmpty(t, saved.FailureReason)
}

func TestMigrate_CanaryFailureWritesNothingElse(t *testing.T) {
	h := newHarness(t)
	h.target.Corrupt = func(entity model.EntityType, row model.Row) model.Row {
		if entity == model.EntityTickets {
			row["title"] = "tampered"
		}
		return row
	}

	out, err := h.orch.Migrate(context.Background(), plan("c1", model.StrategyCanary, 95, cleanedFixture(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanaryFailed)
	assert.Equal(t, StateRolledBack, out.State)

	// 10% of 100 tickets, 300 comments and 200 time entries
	assert.Equal(t, 60, h.target.Written())
	assert.Equal(t, map[model.EntityType]int{
		model.EntityTickets: 10, model.EntityComments: 30, model.EntityTimeEntries: 20,
	}, out.Written)
	assert.Empty(t, h.target.Rows("helpdesk", model.EntityTickets))
	assert.Empty(t, h.target.Rows("helpdesk", model.EntityComments))
}

func TestMigrate_Canary(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.Migrate(context.Background(), plan("c1", model.StrategyCanary, 95, cleanedFixture(t)))
	require.NoError(t, err)
	assert.Equal(t, []State{
		StatePending, StateQualityGate, StateMigrating, StateValidating, StateMigrating, StateValidating, StateCommitted,
	}, out.Transitions)
	assert.Equal(t, 600, h.target.Written())
	assert.Len(t, h.target.Rows("helpdesk", model.EntityTimeEntries), 200)
	// canary reports then full-load reports
	assert.Len(t, out.Reports, 6)
	assert.Equal(t, int64(10), out.Reports[0].ExpectedRowCount)
}

func TestMigrate_BlueGreenAndRollback(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	first, err := h.orch.Migrate(ctx, plan("aaaa1111", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	v1 := first.Batch.TargetSchema
	assert.Equal(t, "helpdesk_v20250101120000_aaaa1111", v1)
	assert.Equal(t, "", first.Previous)

	h.now = t0.Add(time.Hour)
	second, err := h.orch.Migrate(ctx, plan("bbbb2222", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	v2 := second.Batch.TargetSchema
	assert.Equal(t, v1, second.Previous)

	ptr, err := h.target.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2, ptr.Active)
	assert.Equal(t, v1, ptr.Previous)
	// the previous version stays queryable
	assert.Len(t, h.target.Rows(v1, model.EntityTickets), 100)

	_, err = h.orch.Rollback(ctx, "aaaa1111")
	assert.ErrorIs(t, err, ErrRollbackUnsupported)

	rolled, err := h.orch.Rollback(ctx, "bbbb2222")
	require.NoError(t, err)
	assert.Equal(t, model.BatchRolledBack, rolled.Status)

	ptr, err = h.target.Pointer(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, ptr.Active)
	assert.Equal(t, v2, ptr.Previous)

	saved, err := h.store.GetBatch(ctx, "bbbb2222")
	require.NoError(t, err)
	assert.Equal(t, model.BatchRolledBack, saved.Status)
}

func TestRollback_Refusals(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	_, err := h.orch.Migrate(ctx, plan("direct", model.StrategyDirect, 95, set))
	require.NoError(t, err)
	_, err = h.orch.Rollback(ctx, "direct")
	assert.ErrorIs(t, err, ErrRollbackUnsupported)

	_, err = h.orch.Migrate(ctx, plan("only", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	_, err = h.orch.Rollback(ctx, "only")
	assert.ErrorIs(t, err, ErrNoPreviousVersion)

	_, err = h.orch.Rollback(ctx, "missing")
	assert.ErrorIs(t, err, quarantine.ErrNotFound)
}

func TestMigrate_BlueGreenFailedCutoverDropsVersion(t *testing.T) {
	h := newHarness(t)
	h.target.FailActivate = true

	out, err := h.orch.Migrate(context.Background(), plan("bg", model.StrategyBlueGreen, 95, cleanedFixture(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransaction)
	assert.Equal(t, StateRolledBack, out.State)
	assert.False(t, h.target.HasSchema(out.Batch.TargetSchema))

	ptr, err := h.target.Pointer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", ptr.Active)
}

func TestMigrate_BlueGreenFailedLoadDropsVersion(t *testing.T) {
	h := newHarness(t)
	h.target.FailAtRow = 450

	out, err := h.orch.Migrate(context.Background(), plan("bg", model.StrategyBlueGreen, 95, cleanedFixture(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInjected)
	assert.False(t, h.target.HasSchema(out.Batch.TargetSchema))
	versions, err := h.target.Versions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestPruneRetired(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	first, err := h.orch.Migrate(ctx, plan("aaaa", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)
	h.now = t0.Add(time.Hour)
	second, err := h.orch.Migrate(ctx, plan("bbbb", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)

	// retention is seven days from retirement
	h.now = t0.Add(24 * time.Hour)
	dropped, err := h.orch.PruneRetired(ctx)
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.True(t, h.target.HasSchema(first.Batch.TargetSchema))

	h.now = t0.Add(time.Hour + 7*24*time.Hour)
	dropped, err = h.orch.PruneRetired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Batch.TargetSchema}, dropped)
	assert.False(t, h.target.HasSchema(first.Batch.TargetSchema))
	assert.True(t, h.target.HasSchema(second.Batch.TargetSchema))

	_, err = h.orch.Rollback(ctx, "bbbb")
	assert.ErrorIs(t, err, ErrNoPreviousVersion)
}

func TestMigrate_DirectWritesIntoLiveVersion(t *testing.T) {
	h := newHarness(t)
	set := cleanedFixture(t)
	ctx := context.Background()

	bg, err := h.orch.Migrate(ctx, plan("bg", model.StrategyBlueGreen, 95, set))
	require.NoError(t, err)

	changed := set.Copy()
	changed[model.EntityTickets].Rows[0]["title"] = "Renamed"
	out, err := h.orch.Migrate(ctx, plan("direct", model.StrategyDirect, 95, changed))
	require.NoError(t, err)
	assert.Equal(t, bg.Batch.TargetSchema, out.Batch.TargetSchema)
	assert.Equal(t, "Renamed", h.target.Rows(bg.Batch.TargetSchema, model.EntityTickets)[0]["title"])
}

func TestCanarySize(t *testing.T) {
	assert.Equal(t, 0, canarySize(0, 0.1))
	assert.Equal(t, 1, canarySize(3, 0.1))
	assert.Equal(t, 10, canarySize(100, 0.1))
	assert.Equal(t, 11, canarySize(101, 0.1))
	assert.Equal(t, 70, canarySize(700, 0.1))
	assert.Equal(t, 5, canarySize(5, 2))
}

func TestVersionName(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "helpdesk_v20250304100607_3f2a9c1e", VersionName("helpdesk", "3F2A9C1E-77aa-4bb1", at))
	assert.Equal(t, "helpdesk_v20250304100607", VersionName("helpdesk", "--", at))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "QualityGate", StateQualityGate.String())
	assert.Equal(t, "RolledBack", StateRolledBack.String())
	assert.Equal(t, "Unknown(42)", State(42).String())
}
