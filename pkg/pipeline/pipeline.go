// Package pipeline runs one batch through the stages in order: pre-flight,
// load, profile, validate, clean, quarantine, score and migrate.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/checkpoint"
	"github.com/David-Botos/quality-ingress/pkg/cleaner"
	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/metrics"
	"github.com/David-Botos/quality-ingress/pkg/migration"
	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/preflight"
	"github.com/David-Botos/quality-ingress/pkg/profiler"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
	"github.com/David-Botos/quality-ingress/pkg/scorer"
	"github.com/David-Botos/quality-ingress/pkg/source"
	"github.com/David-Botos/quality-ingress/pkg/validator"
)

// Deps are the collaborators of a pipeline. Store is needed from the clean
// stage on and Target only for migrate; Preflight and Checkpoints are optional.
type Deps struct {
	Loader      source.Loader
	Store       quarantine.Store
	Target      migration.Target
	Checkpoints checkpoint.Store
	Preflight   *preflight.Checker
}

// Options selects what one run does
type Options struct {
	// BatchID resumes an earlier run when it names one; empty starts a new batch
	BatchID string
	// Until is the last stage to run; empty runs through migrate
	Until    Stage
	Strategy model.Strategy
	// MinQuality is the migration gate; nil uses MIGRATION_MIN_QUALITY
	MinQuality *float64
}

// Threshold returns v as an explicit migration gate
func Threshold(v float64) *float64 {
	return &v
}

func (o Options) minQuality(cfg config.PipelineConfig) float64 {
	if o.MinQuality != nil {
		return *o.MinQuality
	}
	return cfg.MigrationThreshold
}

func (o Options) stopsAfter(s Stage) bool {
	return o.Until != "" && s.index() >= o.Until.index()
}

// Result collects every stage output of a run
type Result struct {
	BatchID    string
	Preflight  *preflight.Report
	Profile    *profiler.Report
	Validation *model.ValidationReport
	Cleaning   *cleaner.Result
	Quarantine *quarantine.Summary
	Score      *model.QualityScore
	Migration  *migration.Outcome
	// Resumed lists stages restored from checkpoints instead of rerun
	Resumed []Stage
	Stages  []metrics.StageSummary
}

// Pipeline runs batches
type Pipeline struct {
	cfg     *config.Config
	deps    Deps
	schemas map[model.EntityType]*model.EntitySchema
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a pipeline
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Loader == nil {
		return nil, errors.New("extract loader cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NopStore{}
	}

	schemas := model.Schemas()
	cfg.Pipeline.ApplyOrphanRanges(schemas)

	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		schemas: schemas,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithClock replaces the clock handed to every stage
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// run is the mutable state of one Run call
type run struct {
	batchID  string
	checksum string
	opts     Options
	state    *RunState
	metrics  *metrics.PipelineMetrics
	result   *Result
}

// Run executes the stages up to opts.Until. A failing stage returns an
// *Error carrying the stage's diagnostic report; the partial Result is
// returned alongside it.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.BatchID == "" {
		opts.BatchID = uuid.New().String()
	}
	if opts.Strategy == "" {
		opts.Strategy = model.StrategyDirect
	}

	r := &run{
		batchID: opts.BatchID,
		opts:    opts,
		metrics: metrics.New(p.cfg.Metrics, opts.BatchID, p.logger),
		result:  &Result{BatchID: opts.BatchID},
	}
	r.state = p.loadState(ctx, opts.BatchID)

	p.logger.Info("Starting batch",
		zap.String("batchID", r.batchID),
		zap.String("until", string(opts.Until)),
		zap.String("resumeAfter", string(r.state.LastCompleted())))

	p.openBatch(ctx, r)
	err := p.execute(ctx, r)
	p.closeBatch(ctx, r, err)

	r.metrics.Complete()
	r.result.Stages = r.metrics.Summary()
	if pushErr := r.metrics.Push(ctx); pushErr != nil {
		p.logger.Warn("Failed to push metrics", zap.Error(pushErr))
	}
	if ce := p.logger.Check(zap.DebugLevel, "Run report"); ce != nil {
		if report, repErr := r.metrics.GenerateReport(); repErr == nil {
			ce.Write(zap.String("report", report))
		}
	}
	if err != nil {
		p.logger.Error("Batch stopped",
			zap.String("batchID", r.batchID),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err))
	}
	return r.result, err
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if p.deps.Preflight != nil {
		err := p.stage(ctx, r, StagePreflight, func() error {
			report, err := p.deps.Preflight.Run(ctx)
			r.result.Preflight = report
			if err != nil {
				return NewError(KindEnvironment, string(StagePreflight), err, report)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var set model.ExtractSet
	err := p.stage(ctx, r, StageLoad, func() error {
		var err error
		set, err = p.deps.Loader.Load(ctx)
		if err != nil {
			return NewError(KindEnvironment, string(StageLoad), fmt.Errorf("failed to load extracts: %w", err), nil)
		}
		r.checksum = set.Checksum()
		for entity, ex := range set {
			r.metrics.RecordRows(string(StageLoad), string(entity), ex.RowCount(), ex.RowCount())
		}
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageLoad) {
		return err
	}

	err = p.stage(ctx, r, StageProfile, func() error {
		report, err := profiler.New(p.cfg.Pipeline.ProfileSampleSize, p.logger).Profile(ctx, set)
		if err != nil {
			return NewError(KindInternal, string(StageProfile), err, nil)
		}
		r.result.Profile = report
		if report.ShouldHalt {
			return NewError(KindCircuitBreaker, string(StageProfile),
				fmt.Errorf("input is systemically malformed: %s", strings.Join(report.Reasons, "; ")), report)
		}
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageProfile) {
		return err
	}

	err = p.stage(ctx, r, StageValidate, func() error {
		v := validator.New(p.schemas, p.cfg.Pipeline.ValidationThreshold, p.logger).WithClock(p.now)
		if p.cfg.Pipeline.Workers > 0 {
			v = v.WithWorkers(p.cfg.Pipeline.Workers)
		}
		report, err := v.Validate(ctx, set)
		if err != nil {
			return NewError(KindInternal, string(StageValidate), err, nil)
		}
		r.result.Validation = report
		r.metrics.RecordScore("validation", report.Composite)
		if err := validator.Gate(report); err != nil {
			return NewError(KindQualityGate, string(StageValidate), err, report)
		}
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageValidate) {
		return err
	}

	if p.deps.Store == nil {
		return NewError(KindEnvironment, string(StageClean), errors.New("a bookkeeping store is required to clean and quarantine"), nil)
	}

	err = p.stage(ctx, r, StageClean, func() error {
		result, err := p.clean(ctx, r, set)
		if err != nil {
			return err
		}
		r.result.Cleaning = result
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageClean) {
		return err
	}

	err = p.stage(ctx, r, StageQuarantine, func() error {
		summary, err := p.quarantine(ctx, r, set)
		if err != nil {
			return err
		}
		r.result.Quarantine = summary
		r.metrics.RecordRejections(summary.BySeverity)
		if summary.Halt {
			return NewError(KindQualityGate, string(StageQuarantine),
				errors.New("critical rejections exceed the halt threshold"), summary)
		}
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageQuarantine) {
		return err
	}

	err = p.stage(ctx, r, StageScore, func() error {
		score, err := scorer.New(p.schemas, p.logger).WithClock(p.now).Score(ctx, r.result.Cleaning.Cleaned)
		if err != nil {
			return NewError(KindInternal, string(StageScore), err, nil)
		}
		r.result.Score = &score
		r.metrics.RecordScore("quality", score.Composite)
		return nil
	})
	if err != nil || r.opts.stopsAfter(StageScore) {
		return err
	}

	err = p.stage(ctx, r, StageMigrate, func() error {
		return p.migrate(ctx, r, set)
	})
	if err != nil {
		return err
	}

	if err := p.deps.Checkpoints.Delete(ctx, checkpoint.BatchPrefix(r.batchID)); err != nil {
		p.logger.Warn("Failed to clear checkpoints", zap.String("batchID", r.batchID), zap.Error(err))
	}
	return nil
}

// stage runs fn under metrics and records completion in the run state
func (p *Pipeline) stage(ctx context.Context, r *run, stage Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindInternal, string(stage), err, nil)
	}
	r.metrics.StartStage(string(stage))
	err := fn()
	r.metrics.EndStage(string(stage), err)
	if err != nil {
		return err
	}
	r.state.MarkDone(stage, p.now())
	p.saveState(ctx, r)
	return nil
}

func (p *Pipeline) clean(ctx context.Context, r *run, set model.ExtractSet) (*cleaner.Result, error) {
	workers := p.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c, err := cleaner.NewDataCleaner(cleaner.Options{
		PartitionSize: p.cfg.Pipeline.PartitionSize,
		Workers:       workers,
		Location:      p.cfg.Pipeline.Location(),
	}, p.logger)
	if err != nil {
		return nil, NewError(KindInternal, string(StageClean), err, nil)
	}
	c = c.WithClock(p.now).WithProgress(func(entity model.EntityType, done, total int) {
		r.metrics.Progress(string(StageClean), string(entity), done, total)
	})

	var results []*cleaner.EntityResult
	resumed := 0
	for _, entity := range model.AllEntities() {
		ex, ok := set[entity]
		if !ok {
			continue
		}

		if r.state.EntityCleaned(entity) {
			res, err := p.loadCleaned(ctx, r.batchID, ex)
			if err == nil {
				p.logger.Info("Restored cleaned extract from checkpoint",
					zap.String("batchID", r.batchID),
					zap.String("entity", string(entity)),
					zap.Int("rows", res.Cleaned.RowCount()))
				results = append(results, res)
				resumed++
				continue
			}
			p.logger.Warn("Cleaning checkpoint unusable, cleaning again",
				zap.String("entity", string(entity)),
				zap.Error(err))
		}

		start := time.Now()
		res, err := c.CleanExtract(ctx, r.batchID, ex)
		if err != nil {
			return nil, NewError(KindInternal, string(StageClean), err, nil)
		}
		r.metrics.RecordRows(string(StageClean), string(entity), res.InputRows, res.Cleaned.RowCount())
		p.logger.Debug("Entity cleaned",
			zap.String("entity", string(entity)),
			zap.Duration("duration", time.Since(start)))

		if err := p.saveCleaned(ctx, r.batchID, res); err != nil {
			p.logger.Warn("Failed to checkpoint cleaned extract", zap.String("entity", string(entity)), zap.Error(err))
		} else {
			r.state.MarkEntityCleaned(entity, p.now())
			p.saveState(ctx, r)
		}
		results = append(results, res)
	}
	if resumed > 0 && resumed == len(results) {
		r.result.Resumed = append(r.result.Resumed, StageClean)
	}

	result := cleaner.Merge(results)
	if !r.state.AuditSaved {
		if err := p.deps.Store.SaveTransformations(ctx, result.Records); err != nil {
			return nil, NewError(KindEnvironment, string(StageClean), fmt.Errorf("failed to save transformation audit: %w", err), nil)
		}
		r.state.AuditSaved = true
		p.saveState(ctx, r)
	}
	return result, nil
}

func (p *Pipeline) quarantine(ctx context.Context, r *run, set model.ExtractSet) (*quarantine.Summary, error) {
	key := checkpoint.StageKey(r.batchID, string(StageQuarantine), "summary")
	if r.state.Done(StageQuarantine) {
		var summary quarantine.Summary
		if err := checkpoint.LoadJSON(ctx, p.deps.Checkpoints, key, &summary); err == nil {
			r.result.Resumed = append(r.result.Resumed, StageQuarantine)
			return &summary, nil
		}
	}

	mgr, err := quarantine.NewManager(p.deps.Store, p.cfg.Alerts, p.logger)
	if err != nil {
		return nil, NewError(KindInternal, string(StageQuarantine), err, nil)
	}
	cleaning := r.result.Cleaning
	summary, err := mgr.WithClock(p.now).Quarantine(ctx, r.batchID, cleaning.Rejections, cleaning.Warnings, set.TotalRows())
	if err != nil {
		return nil, NewError(KindEnvironment, string(StageQuarantine), err, nil)
	}
	if err := checkpoint.SaveJSON(ctx, p.deps.Checkpoints, key, summary); err != nil {
		p.logger.Warn("Failed to checkpoint quarantine summary", zap.Error(err))
	}
	return summary, nil
}

func (p *Pipeline) migrate(ctx context.Context, r *run, set model.ExtractSet) error {
	if p.deps.Target == nil {
		return NewError(KindEnvironment, string(StageMigrate), errors.New("no migration target configured"), nil)
	}
	if err := p.deps.Target.Init(ctx); err != nil {
		return NewError(KindEnvironment, string(StageMigrate), fmt.Errorf("failed to prepare target: %w", err), nil)
	}

	orch, err := migration.New(p.deps.Target, p.deps.Store, p.cfg.Pipeline, p.logger)
	if err != nil {
		return NewError(KindInternal, string(StageMigrate), err, nil)
	}
	orch = orch.WithClock(p.now)

	cleaning := r.result.Cleaning
	out, err := orch.Migrate(ctx, migration.Plan{
		BatchID:       r.batchID,
		Strategy:      r.opts.Strategy,
		MinQuality:    r.opts.minQuality(p.cfg.Pipeline),
		Score:         *r.result.Score,
		Cleaned:       cleaning.Cleaned,
		InputChecksum: set.Checksum(),
		TotalRows:     set.TotalRows(),
		RejectedRows:  cleaning.Summary.TotalRejected(),
		StartedAt:     r.state.StartedAt,
	})
	r.result.Migration = out
	if err != nil {
		return migrationError(err, out, r.result.Score)
	}
	for entity, n := range out.Written {
		r.metrics.RecordRows(string(StageMigrate), string(entity), cleaning.Cleaned[entity].RowCount(), n)
	}
	return nil
}

// migrationError classifies an orchestrator failure. A score below the
// migration threshold is a quality gate; everything else was rolled back.
func migrationError(err error, out *migration.Outcome, score *model.QualityScore) error {
	if errors.Is(err, migration.ErrQualityGate) {
		return NewError(KindQualityGate, string(StageMigrate), err, score)
	}
	return NewError(KindTransaction, string(StageMigrate), err, out)
}

// cleanedEntity is the checkpoint of one entity's cleaning result
type cleanedEntity struct {
	Checksum      string                       `json:"checksum"`
	Origin        string                       `json:"origin"`
	Rows          []json.RawMessage            `json:"rows"`
	Records       []model.TransformationRecord `json:"records"`
	Rejections    []model.Rejection            `json:"rejections"`
	Warnings      []model.Rejection            `json:"warnings"`
	InputRows     int                          `json:"input_rows"`
	CoercionFails int                          `json:"coercion_fails"`
}

func (p *Pipeline) saveCleaned(ctx context.Context, batchID string, res *cleaner.EntityResult) error {
	cp := cleanedEntity{
		Checksum:      res.Cleaned.Checksum,
		Origin:        res.Cleaned.Origin,
		Rows:          make([]json.RawMessage, len(res.Cleaned.Rows)),
		Records:       res.Records,
		Rejections:    res.Rejections,
		Warnings:      res.Warnings,
		InputRows:     res.InputRows,
		CoercionFails: res.CoercionFails,
	}
	for i, row := range res.Cleaned.Rows {
		b, err := model.EncodeRow(row)
		if err != nil {
			return err
		}
		cp.Rows[i] = b
	}
	return checkpoint.SaveJSON(ctx, p.deps.Checkpoints, checkpoint.StageKey(batchID, string(StageClean), string(res.Entity)), cp)
}

// loadCleaned restores an entity's cleaning result. It fails when the input
// changed since the checkpoint was written.
func (p *Pipeline) loadCleaned(ctx context.Context, batchID string, ex *model.SourceExtract) (*cleaner.EntityResult, error) {
	var cp cleanedEntity
	if err := checkpoint.LoadJSON(ctx, p.deps.Checkpoints, checkpoint.StageKey(batchID, string(StageClean), string(ex.Entity)), &cp); err != nil {
		return nil, err
	}
	if cp.Checksum != ex.Checksum {
		return nil, fmt.Errorf("input checksum changed from %s to %s", cp.Checksum, ex.Checksum)
	}

	cleaned := &model.SourceExtract{
		Entity:   ex.Entity,
		Schema:   ex.Schema,
		Columns:  ex.Schema.ColumnNames(),
		Checksum: cp.Checksum,
		Origin:   cp.Origin,
		Rows:     make([]model.Row, len(cp.Rows)),
	}
	for i, raw := range cp.Rows {
		row, err := model.DecodeRow(ex.Schema, raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		cleaned.Rows[i] = row
	}
	return &cleaner.EntityResult{
		Entity:        ex.Entity,
		Cleaned:       cleaned,
		Records:       cp.Records,
		Rejections:    cp.Rejections,
		Warnings:      cp.Warnings,
		InputRows:     cp.InputRows,
		CoercionFails: cp.CoercionFails,
	}, nil
}

func (p *Pipeline) loadState(ctx context.Context, batchID string) *RunState {
	var state RunState
	err := checkpoint.LoadJSON(ctx, p.deps.Checkpoints, checkpoint.StateKey(batchID), &state)
	switch {
	case err == nil && state.BatchID == batchID:
		p.logger.Info("Resuming batch",
			zap.String("batchID", batchID),
			zap.Int("completedStages", len(state.Completed)))
		return &state
	case err != nil && !errors.Is(err, checkpoint.ErrNotFound):
		p.logger.Warn("Ignoring unreadable batch state", zap.String("batchID", batchID), zap.Error(err))
	}
	return NewRunState(batchID, p.now())
}

func (p *Pipeline) saveState(ctx context.Context, r *run) {
	if err := checkpoint.SaveJSON(ctx, p.deps.Checkpoints, checkpoint.StateKey(r.batchID), r.state); err != nil {
		p.logger.Warn("Failed to checkpoint batch state", zap.String("batchID", r.batchID), zap.Error(err))
	}
}
