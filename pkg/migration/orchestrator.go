package migration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/connector"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
	"github.com/David-Botos/quality-ingress/pkg/validator"
)

// State is a step of the migration state machine
type State int

const (
	StatePending State = iota
	StateQualityGate
	StateMigrating
	StateValidating
	StateCommitted
	StateRolledBack
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateQualityGate:
		return "QualityGate"
	case StateMigrating:
		return "Migrating"
	case StateValidating:
		return "Validating"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrQualityGate means the quality score is below the migration threshold
	ErrQualityGate = errors.New("quality score below migration threshold")
	// ErrTransaction wraps target write failures; the write was rolled back
	ErrTransaction = errors.New("target write failed")
	// ErrCanaryFailed means the canary sample did not verify
	ErrCanaryFailed = errors.New("canary verification failed")
	// ErrVerificationFailed means the full load did not verify
	ErrVerificationFailed = errors.New("load verification failed")
	// ErrRollbackUnsupported is returned for batches that are not a live blue-green version
	ErrRollbackUnsupported = errors.New("batch cannot be rolled back")
	// ErrNoPreviousVersion means there is no retained schema version to repoint to
	ErrNoPreviousVersion = errors.New("no previous schema version")
)

// Plan describes one migration request
type Plan struct {
	BatchID       string
	Strategy      model.Strategy
	MinQuality    float64
	Score         model.QualityScore
	Cleaned       model.ExtractSet
	InputChecksum string
	TotalRows     int
	RejectedRows  int
	StartedAt     time.Time
}

// Outcome reports what a migration did
type Outcome struct {
	Batch       *model.ImportBatch
	State       State
	Transitions []State
	Written     map[model.EntityType]int
	Reports     []*VerificationReport
	// Previous is the schema that was live before a blue-green cut-over
	Previous string
	// Skipped is set when the same input already committed
	Skipped bool
}

// Orchestrator gates, loads, verifies and records a migration
type Orchestrator struct {
	target   Target
	store    quarantine.Store
	verifier *Verifier
	cfg      config.PipelineConfig
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an orchestrator writing to target and recording batches in store
func New(target Target, store quarantine.Store, cfg config.PipelineConfig, logger *zap.Logger) (*Orchestrator, error) {
	if target == nil {
		return nil, errors.New("migration target cannot be nil")
	}
	if store == nil {
		return nil, errors.New("batch store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DataSchema == "" {
		return nil, errors.New("data schema is required")
	}
	return &Orchestrator{
		target:   target,
		store:    store,
		verifier: NewVerifier(logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithClock replaces the clock used for timestamps and version names
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithVerifier replaces the default verifier
func (o *Orchestrator) WithVerifier(v *Verifier) *Orchestrator {
	o.verifier = v
	return o
}

func (o *Orchestrator) transition(out *Outcome, s State) {
	out.State = s
	out.Transitions = append(out.Transitions, s)
	o.logger.Info("Migration state",
		zap.String("batchID", out.Batch.ID),
		zap.String("state", s.String()))
}

// Migrate runs plan through the quality gate and the chosen strategy. Every
// run that gets past the idempotence check leaves an ImportBatch row behind.
func (o *Orchestrator) Migrate(ctx context.Context, plan Plan) (*Outcome, error) {
	batch := &model.ImportBatch{
		ID:            plan.BatchID,
		StartedAt:     plan.StartedAt,
		Status:        model.BatchRunning,
		Strategy:      plan.Strategy,
		InputChecksum: plan.InputChecksum,
		QualityScore:  plan.Score.Composite,
	}
	if batch.StartedAt.IsZero() {
		batch.StartedAt = o.now()
	}
	batch.SetCounts(plan.TotalRows, plan.TotalRows-plan.RejectedRows, plan.RejectedRows)
	out := &Outcome{Batch: batch, Written: make(map[model.EntityType]int)}
	o.transition(out, StatePending)

	if plan.InputChecksum != "" {
		prior, err := o.store.FindCommittedBatch(ctx, plan.InputChecksum)
		switch {
		case err == nil:
			o.logger.Info("Input already committed, skipping migration",
				zap.String("batchID", plan.BatchID),
				zap.String("committedBatch", prior.ID),
				zap.String("checksum", plan.InputChecksum))
			out.Batch = prior
			out.Skipped = true
			out.State = StateCommitted
			return out, nil
		case !errors.Is(err, quarantine.ErrNotFound):
			return nil, fmt.Errorf("failed to look up committed batches: %w", err)
		}
	}

	o.transition(out, StateQualityGate)
	if !validator.Passes(plan.Score.Composite, plan.MinQuality) {
		err := fmt.Errorf("%w: %.2f < %.2f", ErrQualityGate, plan.Score.Composite, plan.MinQuality)
		return out, o.fail(ctx, out, StateFailed, err)
	}

	o.transition(out, StateMigrating)
	var err error
	switch plan.Strategy {
	case model.StrategyDirect:
		err = o.retry(ctx, func() error { return o.loadInPlace(ctx, plan, out, 0) })
	case model.StrategyCanary:
		err = o.retry(ctx, func() error { return o.loadInPlace(ctx, plan, out, o.cfg.CanaryFraction) })
	case model.StrategyBlueGreen:
		err = o.blueGreen(ctx, plan, out)
	default:
		return out, o.fail(ctx, out, StateFailed, fmt.Errorf("unknown migration strategy %q", plan.Strategy))
	}
	if err != nil {
		return out, o.fail(ctx, out, StateRolledBack, err)
	}

	o.transition(out, StateCommitted)
	finished := o.now()
	batch.FinishedAt = &finished
	batch.Status = model.StatusFor(true, plan.RejectedRows)
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return out, fmt.Errorf("data committed but failed to record batch %s: %w", batch.ID, err)
	}

	o.logger.Info("Migration committed",
		zap.String("batchID", batch.ID),
		zap.String("strategy", string(plan.Strategy)),
		zap.String("schema", batch.TargetSchema),
		zap.Int("acceptedRows", batch.AcceptedRows),
		zap.String("status", string(batch.Status)))
	return out, nil
}

// fail finalizes the batch as failed and returns cause
func (o *Orchestrator) fail(ctx context.Context, out *Outcome, state State, cause error) error {
	o.transition(out, state)
	finished := o.now()
	out.Batch.FinishedAt = &finished
	out.Batch.Status = model.BatchFailed
	out.Batch.FailureReason = cause.Error()

	o.logger.Error("Migration failed",
		zap.String("batchID", out.Batch.ID),
		zap.String("state", state.String()),
		zap.Error(cause))

	if err := o.store.SaveBatch(ctx, out.Batch); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to record batch %s: %w", out.Batch.ID, err))
	}
	return cause
}

// retry reruns op while it fails with a retryable store error. Each attempt
// uses a fresh transaction.
func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	attempts := o.cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.RetryDelay), uint64(attempts)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !connector.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		o.logger.Warn("Retrying migration after transient failure",
			zap.Error(err),
			zap.Duration("wait", wait))
	})
}

// entitySchemas lists the schemas of the extracts in set, in entity order
func entitySchemas(set model.ExtractSet) []*model.EntitySchema {
	var out []*model.EntitySchema
	for _, e := range model.AllEntities() {
		ex, ok := set[e]
		if !ok || ex == nil {
			continue
		}
		es := ex.Schema
		if es == nil {
			es = model.SchemaFor(e)
		}
		out = append(out, es)
	}
	return out
}

// canarySize is the number of leading rows loaded as the canary
func canarySize(rows int, fraction float64) int {
	if rows == 0 {
		return 0
	}
	// tolerate float error so 700 * 0.1 stays 70
	n := int(math.Ceil(float64(rows)*fraction - 1e-9))
	if n < 1 {
		n = 1
	}
	if n > rows {
		n = rows
	}
	return n
}

// loadInPlace upserts into the live schema inside one transaction. With a
// canary fraction the leading share of every entity is loaded and verified
// first; the rest is never written if the canary does not verify.
func (o *Orchestrator) loadInPlace(ctx context.Context, plan Plan, out *Outcome, canary float64) error {
	out.Written = make(map[model.EntityType]int)
	out.Reports = nil

	ptr, err := o.target.Pointer(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	schema := ptr.Active
	if schema == "" {
		schema = o.cfg.DataSchema
	}
	out.Batch.TargetSchema = schema

	tx, err := o.target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			o.logger.Error("Rollback failed", zap.String("batchID", plan.BatchID), zap.Error(err))
		}
	}()

	schemas := entitySchemas(plan.Cleaned)
	if err := tx.EnsureTables(ctx, schema, schemas); err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}

	all := make(map[model.EntityType][]model.Row, len(schemas))
	for _, es := range schemas {
		all[es.Entity] = plan.Cleaned[es.Entity].Rows
	}

	if canary > 0 {
		head := make(map[model.EntityType][]model.Row, len(schemas))
		for _, es := range schemas {
			rows := all[es.Entity]
			head[es.Entity] = rows[:canarySize(len(rows), canary)]
			if err := o.write(ctx, tx, schema, es, head[es.Entity], out); err != nil {
				return err
			}
		}

		o.transition(out, StateValidating)
		failures, err := o.verify(ctx, tx, schema, schemas, head, ScopeKeys, -1, out)
		if err != nil {
			return err
		}
		if len(failures) > 0 {
			return fmt.Errorf("%w: %s", ErrCanaryFailed, strings.Join(failures, "; "))
		}
		o.logger.Info("Canary verified", zap.String("batchID", plan.BatchID), zap.Any("rows", out.Written))

		o.transition(out, StateMigrating)
		for _, es := range schemas {
			rows := all[es.Entity]
			if err := o.write(ctx, tx, schema, es, rows[len(head[es.Entity]):], out); err != nil {
				return err
			}
		}
	} else {
		for _, es := range schemas {
			if err := o.write(ctx, tx, schema, es, all[es.Entity], out); err != nil {
				return err
			}
		}
	}

	o.transition(out, StateValidating)
	failures, err := o.verify(ctx, tx, schema, schemas, all, ScopeKeys, 0, out)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(failures, "; "))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}
	committed = true
	return nil
}

// blueGreen loads a fresh schema version, verifies it, and swaps the live
// pointer to it. A failed load or swap drops the new version.
func (o *Orchestrator) blueGreen(ctx context.Context, plan Plan, out *Outcome) error {
	now := o.now()
	version := VersionName(o.cfg.DataSchema, plan.BatchID, now)
	out.Batch.TargetSchema = version

	err := o.retry(ctx, func() error { return o.loadVersion(ctx, plan, out, version, now) })
	if err != nil {
		o.dropVersion(ctx, version)
		return err
	}

	previous, err := o.target.Activate(ctx, version, now)
	if err != nil {
		o.dropVersion(ctx, version)
		return fmt.Errorf("%w: cut-over to %s: %w", ErrTransaction, version, err)
	}
	out.Previous = previous
	return nil
}

func (o *Orchestrator) loadVersion(ctx context.Context, plan Plan, out *Outcome, version string, at time.Time) error {
	out.Written = make(map[model.EntityType]int)
	out.Reports = nil

	tx, err := o.target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				o.logger.Error("Rollback failed", zap.String("schema", version), zap.Error(err))
			}
		}
	}()

	schemas := entitySchemas(plan.Cleaned)
	if err := tx.EnsureTables(ctx, version, schemas); err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	all := make(map[model.EntityType][]model.Row, len(schemas))
	for _, es := range schemas {
		all[es.Entity] = plan.Cleaned[es.Entity].Rows
		if err := o.write(ctx, tx, version, es, all[es.Entity], out); err != nil {
			return err
		}
	}

	o.transition(out, StateValidating)
	failures, err := o.verify(ctx, tx, version, schemas, all, ScopeTable, 0, out)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(failures, "; "))
	}

	if err := tx.RegisterVersion(ctx, Version{Schema: version, BatchID: plan.BatchID, CreatedAt: at}); err != nil {
		return fmt.Errorf("%w: %w", ErrTransaction, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransaction, err)
	}
	committed = true
	return nil
}

func (o *Orchestrator) dropVersion(ctx context.Context, version string) {
	if err := o.target.DropSchema(ctx, version); err != nil {
		o.logger.Error("Failed to drop schema version", zap.String("schema", version), zap.Error(err))
	}
}

func (o *Orchestrator) write(ctx context.Context, tx Tx, schema string, es *model.EntitySchema, rows []model.Row, out *Outcome) error {
	if len(rows) == 0 {
		return nil
	}
	n, err := tx.Upsert(ctx, schema, es, rows)
	out.Written[es.Entity] += n
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransaction, es.Entity, err)
	}
	return nil
}

func (o *Orchestrator) verify(
	ctx context.Context,
	tx Tx,
	schema string,
	schemas []*model.EntitySchema,
	rows map[model.EntityType][]model.Row,
	scope VerifyScope,
	sampleSize int,
	out *Outcome,
) ([]string, error) {
	var failures []string
	for _, es := range schemas {
		report, err := o.verifier.VerifyTable(ctx, tx, schema, es, rows[es.Entity], scope, sampleSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransaction, err)
		}
		out.Reports = append(out.Reports, report)
		if !report.OK() {
			failures = append(failures, report.Failures()...)
		}
	}
	return failures, nil
}

// VersionName names the schema instance a blue-green batch loads into
func VersionName(base, batchID string, at time.Time) string {
	var short []rune
	for _, r := range strings.ToLower(batchID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			short = append(short, r)
		}
		if len(short) == 8 {
			break
		}
	}
	name := fmt.Sprintf("%s_v%s", base, at.UTC().Format("20060102150405"))
	if len(short) > 0 {
		name += "_" + string(short)
	}
	return name
}

// Rollback repoints the live schema from a committed blue-green batch to the
// version it replaced
func (o *Orchestrator) Rollback(ctx context.Context, batchID string) (*model.ImportBatch, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if batch.Strategy != model.StrategyBlueGreen {
		return nil, fmt.Errorf("%w: %s used the %s strategy", ErrRollbackUnsupported, batchID, batch.Strategy)
	}
	if batch.Status != model.BatchSuccess && batch.Status != model.BatchPartial {
		return nil, fmt.Errorf("%w: %s has status %s", ErrRollbackUnsupported, batchID, batch.Status)
	}

	ptr, err := o.target.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	if ptr.Active != batch.TargetSchema {
		return nil, fmt.Errorf("%w: %s is not live (active schema is %q)", ErrRollbackUnsupported, batchID, ptr.Active)
	}
	if ptr.Previous == "" {
		return nil, ErrNoPreviousVersion
	}

	versions, err := o.target.Versions(ctx)
	if err != nil {
		return nil, err
	}
	retained := false
	for _, v := range versions {
		if v.Schema == ptr.Previous {
			retained = true
			break
		}
	}
	if !retained {
		return nil, fmt.Errorf("%w: %s was pruned", ErrNoPreviousVersion, ptr.Previous)
	}

	now := o.now()
	if _, err := o.target.Activate(ctx, ptr.Previous, now); err != nil {
		return nil, err
	}
	batch.Status = model.BatchRolledBack
	batch.FailureReason = "rolled back to " + ptr.Previous
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("schema repointed but failed to record batch %s: %w", batchID, err)
	}

	o.logger.Warn("Batch rolled back",
		zap.String("batchID", batchID),
		zap.String("from", batch.TargetSchema),
		zap.String("to", ptr.Previous))
	return batch, nil
}

// PruneRetired drops schema versions retired longer than the retention
// window. The live version is never dropped.
func (o *Orchestrator) PruneRetired(ctx context.Context) ([]string, error) {
	ptr, err := o.target.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	versions, err := o.target.Versions(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := o.now().Add(-o.cfg.BlueGreenRetention)
	var dropped []string
	for _, v := range versions {
		if v.Schema == ptr.Active || v.RetiredAt == nil || v.RetiredAt.After(cutoff) {
			continue
		}
		if err := o.target.DropSchema(ctx, v.Schema); err != nil {
			return dropped, fmt.Errorf("failed to prune %s: %w", v.Schema, err)
		}
		dropped = append(dropped, v.Schema)
		o.logger.Info("Pruned retired schema version",
			zap.String("schema", v.Schema),
			zap.Time("retiredAt", *v.RetiredAt))
	}
	return dropped, nil
}
