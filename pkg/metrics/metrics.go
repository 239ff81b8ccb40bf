package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// StageMetrics tracks one pipeline stage
type StageMetrics struct {
	Stage     string
	StartTime time.Time
	EndTime   time.Time
	RowsIn    int64
	RowsOut   int64
	Err       string
}

// Duration returns the stage duration so far
func (sm *StageMetrics) Duration() time.Duration {
	if sm.EndTime.IsZero() {
		return time.Since(sm.StartTime)
	}
	return sm.EndTime.Sub(sm.StartTime)
}

// PipelineMetrics tracks a single batch run. Counters are mirrored into a
// private Prometheus registry that can be pushed to a Pushgateway.
type PipelineMetrics struct {
	mu            sync.Mutex
	logger        *zap.Logger
	cfg           config.MetricsConfig
	batchID       string
	StartTime     time.Time
	EndTime       time.Time
	Stages        map[string]*StageMetrics
	order         []string
	progressMarks map[string]int

	registry       *prometheus.Registry
	rowsProcessed  *prometheus.CounterVec
	stageDuration  *prometheus.GaugeVec
	stageFailures  *prometheus.CounterVec
	scores         *prometheus.GaugeVec
	rejections     *prometheus.GaugeVec
	stageProgress  *prometheus.GaugeVec
	lastCompletion prometheus.Gauge
}

// New creates the metrics for one batch
func New(cfg config.MetricsConfig, batchID string, logger *zap.Logger) *PipelineMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10000
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PipelineMetrics{
		logger:        logger,
		cfg:           cfg,
		batchID:       batchID,
		StartTime:     time.Now(),
		Stages:        make(map[string]*StageMetrics),
		progressMarks: make(map[string]int),
		registry:      reg,
		rowsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_ingress_rows_processed_total",
			Help: "Rows processed per stage and entity",
		}, []string{"stage", "entity"}),
		stageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quality_ingress_stage_duration_seconds",
			Help: "Wall time of the last run of each stage",
		}, []string{"stage"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_ingress_stage_failures_total",
			Help: "Stage runs that ended with an error",
		}, []string{"stage"}),
		scores: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quality_ingress_score",
			Help: "Validation composite and post-clean quality score",
		}, []string{"kind"}),
		rejections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quality_ingress_rejections",
			Help: "Rejected rows in the batch by severity",
		}, []string{"severity"}),
		stageProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quality_ingress_stage_progress_ratio",
			Help: "Fraction of rows done in the running stage",
		}, []string{"stage", "entity"}),
		lastCompletion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quality_ingress_last_completion_timestamp_seconds",
			Help: "Unix time the batch finished",
		}),
	}
}

// Registry exposes the private registry
func (pm *PipelineMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// StartStage begins tracking a stage
func (pm *PipelineMetrics) StartStage(stage string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sm := &StageMetrics{Stage: stage, StartTime: time.Now()}
	if _, seen := pm.Stages[stage]; !seen {
		pm.order = append(pm.order, stage)
	}
	pm.Stages[stage] = sm

	pm.logger.Info("Started stage",
		zap.String("batch", pm.batchID),
		zap.String("stage", stage))
}

// EndStage completes tracking a stage. A non-nil err marks it failed.
func (pm *PipelineMetrics) EndStage(stage string, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	sm, ok := pm.Stages[stage]
	if !ok {
		return
	}
	sm.EndTime = time.Now()
	pm.stageDuration.WithLabelValues(stage).Set(sm.Duration().Seconds())

	if err != nil {
		sm.Err = err.Error()
		pm.stageFailures.WithLabelValues(stage).Inc()
		pm.logger.Warn("Stage failed",
			zap.String("batch", pm.batchID),
			zap.String("stage", stage),
			zap.Duration("duration", sm.Duration()),
			zap.Error(err))
		return
	}

	pm.logger.Info("Completed stage",
		zap.String("batch", pm.batchID),
		zap.String("stage", stage),
		zap.Duration("duration", sm.Duration()),
		zap.Int64("rowsIn", sm.RowsIn),
		zap.Int64("rowsOut", sm.RowsOut))
}

// RecordRows adds row counts for a stage and entity
func (pm *PipelineMetrics) RecordRows(stage, entity string, in, out int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if sm, ok := pm.Stages[stage]; ok {
		sm.RowsIn += int64(in)
		sm.RowsOut += int64(out)
	}
	pm.rowsProcessed.WithLabelValues(stage, entity).Add(float64(in))
}

// Progress records that done of total rows of an entity have been handled by
// a stage. A log line is written every ProgressEvery rows and at completion.
func (pm *PipelineMetrics) Progress(stage, entity string, done, total int) {
	if total <= 0 {
		return
	}
	pm.stageProgress.WithLabelValues(stage, entity).Set(float64(done) / float64(total))

	pm.mu.Lock()
	key := stage + "/" + entity
	last := pm.progressMarks[key]
	if done < total && done-last < pm.cfg.ProgressEvery {
		pm.mu.Unlock()
		return
	}
	pm.progressMarks[key] = done
	pm.mu.Unlock()

	pm.logger.Info("Stage progress",
		zap.String("batch", pm.batchID),
		zap.String("stage", stage),
		zap.String("entity", entity),
		zap.Int("done", done),
		zap.Int("total", total),
		zap.Float64("percent", float64(done)*100/float64(total)))
}

// RecordScore sets a score gauge, kind being "validation" or "quality"
func (pm *PipelineMetrics) RecordScore(kind string, value float64) {
	pm.scores.WithLabelValues(kind).Set(value)
}

// RecordRejections sets the per-severity rejection gauges
func (pm *PipelineMetrics) RecordRejections(bySeverity map[string]int) {
	for severity, count := range bySeverity {
		pm.rejections.WithLabelValues(severity).Set(float64(count))
	}
}

// Complete marks the run finished
func (pm *PipelineMetrics) Complete() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.EndTime = time.Now()
	pm.lastCompletion.Set(float64(pm.EndTime.Unix()))
	pm.logger.Info("Pipeline run complete",
		zap.String("batch", pm.batchID),
		zap.Duration("duration", pm.EndTime.Sub(pm.StartTime)),
		zap.Int("stages", len(pm.order)))
}

// Push sends the registry to the configured Pushgateway. It is a no-op when
// metrics are disabled or no gateway is configured.
func (pm *PipelineMetrics) Push(ctx context.Context) error {
	if !pm.cfg.Enabled || pm.cfg.PushgatewayURL == "" {
		return nil
	}
	pusher := push.New(pm.cfg.PushgatewayURL, pm.cfg.JobName).
		Gatherer(pm.registry).
		Grouping("batch", pm.batchID)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", pm.cfg.PushgatewayURL, err)
	}
	return nil
}

// StageSummary is the serializable view of one stage
type StageSummary struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	RowsIn   int64         `json:"rows_in"`
	RowsOut  int64         `json:"rows_out"`
	Error    string        `json:"error,omitempty"`
}

// Summary returns stage summaries in the order the stages first ran
func (pm *PipelineMetrics) Summary() []StageSummary {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]StageSummary, 0, len(pm.order))
	for _, name := range pm.order {
		sm := pm.Stages[name]
		out = append(out, StageSummary{
			Stage:    sm.Stage,
			Duration: sm.Duration(),
			RowsIn:   sm.RowsIn,
			RowsOut:  sm.RowsOut,
			Error:    sm.Err,
		})
	}
	return out
}

// GenerateReport renders the run as indented JSON
func (pm *PipelineMetrics) GenerateReport() (string, error) {
	stages := pm.Summary()

	report := struct {
		BatchID  string         `json:"batch_id"`
		Duration time.Duration  `json:"duration"`
		Stages   []StageSummary `json:"stages"`
	}{
		BatchID: pm.batchID,
		Stages:  stages,
	}
	pm.mu.Lock()
	if pm.EndTime.IsZero() {
		report.Duration = time.Since(pm.StartTime)
	} else {
		report.Duration = pm.EndTime.Sub(pm.StartTime)
	}
	pm.mu.Unlock()

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics report: %w", err)
	}
	return string(b), nil
}
