package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/internal/testfixture"
	"github.com/David-Botos/quality-ingress/pkg/checkpoint"
	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/migration"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/preflight"
	"github.com/David-Botos/quality-ingress/pkg/profiler"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type staticLoader struct {
	set   model.ExtractSet
	calls int
}

func (l *staticLoader) Load(context.Context) (model.ExtractSet, error) {
	l.calls++
	return l.set.Copy(), nil
}

func testConfig() *config.Config {
	p := config.DefaultPipelineConfig()
	p.RetryDelay = 0
	p.PartitionSize = 128
	p.Workers = 2
	return &config.Config{Pipeline: p, Alerts: config.DefaultAlertConfig()}
}

type env struct {
	loader *staticLoader
	store  *quarantine.MemoryStore
	target *migration.MemoryTarget
	deps   Deps
}

func newEnv(set model.ExtractSet) *env {
	e := &env{
		loader: &staticLoader{set: set},
		store:  quarantine.NewMemoryStore(),
		target: migration.NewMemoryTarget(),
	}
	e.deps = Deps{Loader: e.loader, Store: e.store, Target: e.target}
	return e
}

func (e *env) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(testConfig(), e.deps, zap.NewNop())
	require.NoError(t, err)
	return p.WithClock(func() time.Time { return fixedNow })
}

func migrateOpts(batchID string) Options {
	return Options{BatchID: batchID, Strategy: model.StrategyDirect, MinQuality: Threshold(80)}
}

// commentScenario is a delivery of 1000 comments where one row has a
// non-numeric key and 25 rows carry unreadable dates
func commentScenario() model.ExtractSet {
	opts := testfixture.DefaultOptions()
	opts.Comments = 1000
	set := testfixture.Extracts(opts)
	testfixture.Set(set, model.EntityComments, 0, "comment_id", "C-17")
	for i := 1; i <= 25; i++ {
		testfixture.Set(set, model.EntityComments, i*30, "created_at", "not a date")
	}
	return set
}

func pipelineError(t *testing.T, err error) *Error {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected a pipeline error, got %v", err)
	return pe
}

func TestNew(t *testing.T) {
	loader := &staticLoader{}
	_, err := New(nil, Deps{Loader: loader}, zap.NewNop())
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{}, zap.NewNop())
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{Loader: loader}, nil)
	assert.Error(t, err)

	p, err := New(testConfig(), Deps{Loader: loader}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.NopStore{}, p.deps.Checkpoints)
}

func TestRun_CommentScenario(t *testing.T) {
	e := newEnv(commentScenario())
	ctx := context.Background()

	res, err := e.pipeline(t).Run(ctx, migrateOpts("scenario"))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))

	assert.GreaterOrEqual(t, res.Validation.Composite, 90.0)
	assert.False(t, res.Profile.ShouldHalt)

	assert.Equal(t, 26, res.Quarantine.Quarantined)
	assert.Equal(t, 1, res.Quarantine.BySeverity["critical"])
	assert.Equal(t, 25, res.Quarantine.BySeverity["high"])
	assert.False(t, res.Quarantine.Halt)
	assert.Equal(t, 974, res.Cleaning.Summary.AcceptedRows[model.EntityComments])

	quarantined, err := e.store.ListQuarantined(ctx, quarantine.Filter{BatchID: "scenario"})
	require.NoError(t, err)
	assert.Len(t, quarantined, 26)

	require.NotNil(t, res.Migration)
	assert.Equal(t, migration.StateCommitted, res.Migration.State)
	assert.Equal(t, 974, res.Migration.Written[model.EntityComments])
	assert.Len(t, e.target.Rows("helpdesk", model.EntityComments), 974)

	batch, err := e.store.GetBatch(ctx, "scenario")
	require.NoError(t, err)
	assert.Equal(t, model.BatchPartial, batch.Status)
	assert.Equal(t, 1300, batch.TotalRows)
	assert.Equal(t, 1274, batch.AcceptedRows)
	assert.Equal(t, 26, batch.RejectedRows)

	var stages []string
	for _, s := range res.Stages {
		stages = append(stages, s.Stage)
		assert.Empty(t, s.Error)
	}
	assert.Equal(t, []string{"load", "profile", "validate", "clean", "quarantine", "score", "migrate"}, stages)

	audit, err := e.store.ListTransformations(ctx, "scenario")
	require.NoError(t, err)
	assert.Len(t, audit, len(res.Cleaning.Records))
}

func TestRun_HighRejectionRateStillMigrates(t *testing.T) {
	opts := testfixture.DefaultOptions()
	opts.Comments = 1000
	set := testfixture.Extracts(opts)
	for i := 0; i < 150; i++ {
		testfixture.Set(set, model.EntityComments, i*6+1, "created_at", "1990-03-01 10:00:00")
	}
	e := newEnv(set)

	res, err := e.pipeline(t).Run(context.Background(), migrateOpts("dated"))
	require.NoError(t, err)

	assert.Equal(t, 150, res.Quarantine.BySeverity["high"])
	assert.Greater(t, res.Quarantine.RejectionRate, 0.10)
	assert.False(t, res.Quarantine.Halt)
	require.NotEmpty(t, res.Quarantine.Alerts)
	assert.Equal(t, quarantine.MetricRejectionRate, res.Quarantine.Alerts[0].Metric)

	require.NotNil(t, res.Migration)
	assert.Equal(t, migration.StateCommitted, res.Migration.State)
	assert.Equal(t, 850, res.Migration.Written[model.EntityComments])
}

func TestRun_MigrationGateDefaultsToConfig(t *testing.T) {
	e := newEnv(testfixture.Extracts(testfixture.DefaultOptions()))
	cfg := testConfig()
	cfg.Pipeline.MigrationThreshold = 100.5
	p, err := New(cfg, e.deps, zap.NewNop())
	require.NoError(t, err)

	_, err = p.WithClock(func() time.Time { return fixedNow }).Run(context.Background(),
		Options{BatchID: "unset-gate", Strategy: model.StrategyDirect})
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrQualityGate)
	assert.Empty(t, e.target.Rows("helpdesk", model.EntityTickets))

	opts := Options{MinQuality: Threshold(0)}
	assert.Equal(t, 0.0, opts.minQuality(cfg.Pipeline))
	assert.Equal(t, 100.5, Options{}.minQuality(cfg.Pipeline))
}

func TestRun_CircuitBreaker(t *testing.T) {
	set := testfixture.Extracts(testfixture.DefaultOptions())
	for i := 0; i < 100; i++ {
		testfixture.Set(set, model.EntityComments, i, "created_at", "not a date")
	}
	e := newEnv(set)

	res, err := e.pipeline(t).Run(context.Background(), migrateOpts("broken"))
	require.Error(t, err)

	pe := pipelineError(t, err)
	assert.Equal(t, KindCircuitBreaker, pe.Kind)
	assert.Equal(t, "profile", pe.Stage)
	assert.Equal(t, ExitQuality, ExitCode(err))
	report, ok := pe.Report.(*profiler.Report)
	require.True(t, ok)
	assert.True(t, report.ShouldHalt)
	assert.NotEmpty(t, report.Reasons)

	assert.Nil(t, res.Validation)
	assert.Nil(t, res.Cleaning)
	batch, err := e.store.GetBatch(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, batch.Status)
	assert.Contains(t, batch.FailureReason, "CircuitBreakerTrip")
	require.NotNil(t, batch.FinishedAt)
	assert.NotEmpty(t, batch.InputChecksum)
}

func TestRun_ValidationGate(t *testing.T) {
	set := testfixture.Extracts(testfixture.DefaultOptions())
	for i := 0; i < 30; i++ {
		testfixture.Set(set, model.EntityComments, i, "body", nil)
	}
	e := newEnv(set)
	cfg := testConfig()
	cfg.Pipeline.ValidationThreshold = 100
	p, err := New(cfg, e.deps, zap.NewNop())
	require.NoError(t, err)

	res, err := p.WithClock(func() time.Time { return fixedNow }).Run(context.Background(), migrateOpts("gated"))
	require.Error(t, err)

	pe := pipelineError(t, err)
	assert.Equal(t, KindQualityGate, pe.Kind)
	assert.Equal(t, "validate", pe.Stage)
	assert.Equal(t, ExitQuality, pe.ExitCode())
	report, ok := pe.Report.(*model.ValidationReport)
	require.True(t, ok)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.FailedFindings())

	assert.Nil(t, res.Cleaning)
	audit, err := e.store.ListTransformations(context.Background(), "gated")
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestRun_MigrationGate(t *testing.T) {
	opts := testfixture.DefaultOptions()
	opts.TimeEntryOrphanRate = 0
	e := newEnv(testfixture.Extracts(opts))
	ctx := context.Background()

	run := migrateOpts("low-score")
	run.MinQuality = Threshold(98)
	res, err := e.pipeline(t).Run(ctx, run)
	require.Error(t, err)

	pe := pipelineError(t, err)
	assert.Equal(t, KindQualityGate, pe.Kind)
	assert.Equal(t, "migrate", pe.Stage)
	assert.ErrorIs(t, err, migration.ErrQualityGate)
	score, ok := pe.Report.(*model.QualityScore)
	require.True(t, ok)
	assert.Less(t, score.Composite, 98.0)

	assert.Equal(t, migration.StateFailed, res.Migration.State)
	assert.Empty(t, e.target.Rows("helpdesk", model.EntityComments))
	batch, err := e.store.GetBatch(ctx, "low-score")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, batch.Status)
}

func TestRun_TransactionFailureRollsBack(t *testing.T) {
	e := newEnv(testfixture.Extracts(testfixture.DefaultOptions()))
	e.target.FailAtRow = 50

	res, err := e.pipeline(t).Run(context.Background(), migrateOpts("tx"))
	require.Error(t, err)

	pe := pipelineError(t, err)
	assert.Equal(t, KindTransaction, pe.Kind)
	assert.Equal(t, ExitInternal, ExitCode(err))
	assert.ErrorIs(t, err, migration.ErrInjected)
	out, ok := pe.Report.(*migration.Outcome)
	require.True(t, ok)
	assert.Equal(t, migration.StateRolledBack, out.State)
	assert.Same(t, res.Migration, out)

	for _, entity := range model.AllEntities() {
		assert.Empty(t, e.target.Rows("helpdesk", entity), entity)
	}
}

func TestRun_SameInputIsNotMigratedTwice(t *testing.T) {
	e := newEnv(commentScenario())
	ctx := context.Background()

	_, err := e.pipeline(t).Run(ctx, migrateOpts("first"))
	require.NoError(t, err)
	written := e.target.Written()

	res, err := e.pipeline(t).Run(ctx, migrateOpts("second"))
	require.NoError(t, err)
	assert.True(t, res.Migration.Skipped)
	assert.Equal(t, "first", res.Migration.Batch.ID)
	assert.Equal(t, written, e.target.Written())
	assert.Len(t, e.target.Rows("helpdesk", model.EntityComments), 974)

	batches, err := e.store.ListBatches(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	second, err := e.store.GetBatch(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, model.BatchSkipped, second.Status)
	assert.Contains(t, second.FailureReason, "first")
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	files, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	e := newEnv(commentScenario())
	e.deps.Target = nil
	e.deps.Checkpoints = files

	first, err := e.pipeline(t).Run(ctx, migrateOpts("resume"))
	require.Error(t, err)
	pe := pipelineError(t, err)
	assert.Equal(t, KindEnvironment, pe.Kind)
	assert.Equal(t, "migrate", pe.Stage)
	assert.Equal(t, ExitEnvironment, ExitCode(err))

	batch, err := e.store.GetBatch(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, batch.Status)
	assert.Equal(t, 26, batch.RejectedRows)

	var state RunState
	require.NoError(t, checkpoint.LoadJSON(ctx, files, checkpoint.StateKey("resume"), &state))
	assert.Equal(t, StageScore, state.LastCompleted())
	assert.True(t, state.AuditSaved)
	assert.Len(t, state.Cleaned, 3)

	e.deps.Target = e.target
	second, err := e.pipeline(t).Run(ctx, migrateOpts("resume"))
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageClean, StageQuarantine}, second.Resumed)
	assert.Equal(t, first.Cleaning.Summary.AcceptedRows, second.Cleaning.Summary.AcceptedRows)
	assert.Len(t, e.target.Rows("helpdesk", model.EntityComments), 974)

	audit, err := e.store.ListTransformations(ctx, "resume")
	require.NoError(t, err)
	assert.Len(t, audit, len(first.Cleaning.Records), "audit is written once")
	quarantined, err := e.store.ListQuarantined(ctx, quarantine.Filter{BatchID: "resume"})
	require.NoError(t, err)
	assert.Len(t, quarantined, 26)

	err = checkpoint.LoadJSON(ctx, files, checkpoint.StateKey("resume"), &state)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	batch, err = e.store.GetBatch(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, model.BatchPartial, batch.Status)
	assert.Empty(t, batch.FailureReason)
}

func TestRun_StopsAfterValidateWithoutStore(t *testing.T) {
	loader := &staticLoader{set: testfixture.Extracts(testfixture.DefaultOptions())}
	p, err := New(testConfig(), Deps{Loader: loader}, zap.NewNop())
	require.NoError(t, err)

	res, err := p.Run(context.Background(), Options{Until: StageValidate})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	assert.True(t, res.Validation.Passed)
	assert.Nil(t, res.Cleaning)
	assert.Len(t, res.Stages, 3)
}

func TestRun_StopsAfterScore(t *testing.T) {
	e := newEnv(testfixture.Extracts(testfixture.DefaultOptions()))
	e.deps.Target = nil

	res, err := e.pipeline(t).Run(context.Background(), Options{BatchID: "score-only", Until: StageScore})
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.Equal(t, 100.0, res.Score.Composite)
	assert.Nil(t, res.Migration)

	batch, err := e.store.GetBatch(context.Background(), "score-only")
	require.NoError(t, err)
	assert.Equal(t, model.BatchRunning, batch.Status)
	assert.Nil(t, batch.FinishedAt)
	assert.Equal(t, 100.0, batch.QualityScore)
	assert.Equal(t, res.Cleaning.Summary.TotalInput(), batch.TotalRows)
}

func TestRun_QuarantineHaltRecordsFailedBatch(t *testing.T) {
	opts := testfixture.DefaultOptions()
	opts.Comments = 1000
	set := testfixture.Extracts(opts)
	for i := 0; i < 51; i++ {
		testfixture.Set(set, model.EntityComments, i*19, "comment_id", fmt.Sprintf("C-%d", i))
	}
	e := newEnv(set)
	ctx := context.Background()

	_, err := e.pipeline(t).Run(ctx, migrateOpts("halted"))
	require.Error(t, err)
	pe := pipelineError(t, err)
	assert.Equal(t, KindQualityGate, pe.Kind)
	assert.Equal(t, "quarantine", pe.Stage)

	quarantined, err := e.store.ListQuarantined(ctx, quarantine.Filter{BatchID: "halted"})
	require.NoError(t, err)
	assert.Len(t, quarantined, 51)

	batch, err := e.store.GetBatch(ctx, "halted")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, batch.Status)
	assert.Equal(t, 51, batch.RejectedRows)
	assert.Contains(t, batch.FailureReason, "QualityGateFailure")

	history, err := e.store.ListBatches(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRun_PreflightFailureStopsEverything(t *testing.T) {
	e := newEnv(testfixture.Extracts(testfixture.DefaultOptions()))
	e.deps.Preflight = preflight.New(preflight.Options{WorkDir: t.TempDir(), MinFreeBytes: 1 << 40}, zap.NewNop()).
		WithFreeSpace(func(string) (uint64, error) { return 1 << 20, nil })

	res, err := e.pipeline(t).Run(context.Background(), migrateOpts("no-disk"))
	require.Error(t, err)

	pe := pipelineError(t, err)
	assert.Equal(t, KindEnvironment, pe.Kind)
	assert.Equal(t, ExitEnvironment, ExitCode(err))
	assert.ErrorIs(t, err, preflight.ErrPreflight)
	assert.False(t, res.Preflight.Passed())
	assert.Zero(t, e.loader.calls)
}
