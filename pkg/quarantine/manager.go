package quarantine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

// recordNamespace derives stable quarantine ids from batch, entity and row
var recordNamespace = uuid.MustParse("6f1d5c3e-8f0a-4c8e-9a55-1b3f4d2e7a90")

// Summary reports what one batch sent to quarantine
type Summary struct {
	BatchID       string         `json:"batch_id"`
	TotalRows     int            `json:"total_rows"`
	Quarantined   int            `json:"quarantined"`
	Warnings      int            `json:"warnings"`
	BySeverity    map[string]int `json:"by_severity"`
	Critical      int            `json:"critical"`
	RejectionRate float64        `json:"rejection_rate"`
	Unreviewed    int            `json:"unreviewed"`
	Alerts        []Alert        `json:"alerts,omitempty"`
	// Halt is set when the batch breaches a critical rejection threshold
	Halt bool `json:"halt"`
}

// Manager routes rejections to the store and raises alerts
type Manager struct {
	store  Store
	alerts config.AlertConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager over store
func NewManager(store Store, alerts config.AlertConfig, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("quarantine store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Manager{store: store, alerts: alerts, logger: logger, now: time.Now}, nil
}

// WithClock replaces the clock used for timestamps
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Store returns the underlying store
func (m *Manager) Store() Store {
	return m.store
}

// RecordID is the stable quarantine id of a rejected row
func RecordID(batchID string, entity model.EntityType, rowIndex int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s/%s/%d", batchID, entity, rowIndex))).String()
}

// Quarantine persists every rejection severe enough to quarantine, counts
// the LOW warnings and evaluates the alert thresholds. totalRows is the
// input row count the rejection rate is computed against.
func (m *Manager) Quarantine(ctx context.Context, batchID string, rejections, warnings []model.Rejection, totalRows int) (*Summary, error) {
	now := m.now()
	summary := &Summary{
		BatchID:    batchID,
		TotalRows:  totalRows,
		BySeverity: make(map[string]int),
	}

	records := make([]model.QuarantinedRecord, 0, len(rejections))
	for _, rej := range append(append([]model.Rejection(nil), rejections...), warnings...) {
		summary.BySeverity[rej.Severity.String()]++
		if !rej.Severity.Quarantines() {
			summary.Warnings++
			m.logger.Debug("Row warning",
				zap.String("entity", string(rej.Entity)),
				zap.Int("row", rej.RowIndex),
				zap.String("rule", rej.RuleID),
				zap.String("reason", rej.Reason))
			continue
		}
		if rej.Severity == model.RejectionCritical {
			summary.Critical++
		}

		original, err := model.EncodeRow(rej.Original)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize rejected row %s/%d: %w", rej.Entity, rej.RowIndex, err)
		}
		records = append(records, model.QuarantinedRecord{
			ID:           RecordID(batchID, rej.Entity, rej.RowIndex),
			BatchID:      batchID,
			Entity:       rej.Entity,
			RowIndex:     rej.RowIndex,
			RuleID:       rej.RuleID,
			Reason:       rej.Reason,
			Severity:     rej.Severity,
			Original:     string(original),
			ReviewStatus: model.ReviewUnreviewed,
			CreatedAt:    now,
		})
	}
	summary.Quarantined = len(records)
	if totalRows > 0 {
		summary.RejectionRate = float64(summary.Quarantined) / float64(totalRows)
	}

	if err := m.store.InsertQuarantined(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to quarantine rows: %w", err)
	}

	unreviewed, err := m.store.CountUnreviewed(ctx)
	if err != nil {
		return nil, err
	}
	summary.Unreviewed = unreviewed

	summary.Alerts = EvaluateAlerts(m.alerts, summary.RejectionRate, summary.Critical, unreviewed)
	for _, a := range summary.Alerts {
		fields := []zap.Field{
			zap.String("batchID", batchID),
			zap.String("metric", a.Metric),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold),
		}
		if a.Level == AlertCritical {
			m.logger.Error(a.Message, fields...)
			// rate and backlog alerts only alert; too many CRITICAL rows halt
			if a.Metric == MetricCriticalRejections {
				summary.Halt = true
			}
		} else {
			m.logger.Warn(a.Message, fields...)
		}
	}

	m.logger.Info("Quarantine complete",
		zap.String("batchID", batchID),
		zap.Int("quarantined", summary.Quarantined),
		zap.Int("warnings", summary.Warnings),
		zap.Int("critical", summary.Critical),
		zap.Float64("rejectionRate", summary.RejectionRate),
		zap.Bool("halt", summary.Halt))

	return summary, nil
}

// Review records an operator decision on a quarantined row
func (m *Manager) Review(ctx context.Context, id string, resolution model.Resolution, reviewer string) error {
	if resolution == model.ResolutionNone {
		return errors.New("a resolution is required")
	}
	if reviewer == "" {
		return errors.New("a reviewer is required")
	}
	if err := m.store.MarkReviewed(ctx, id, resolution, reviewer, m.now()); err != nil {
		return fmt.Errorf("failed to review %s: %w", id, err)
	}
	m.logger.Info("Quarantined record reviewed",
		zap.String("id", id),
		zap.String("resolution", string(resolution)),
		zap.String("reviewer", reviewer))
	return nil
}

// List returns quarantined records matching filter
func (m *Manager) List(ctx context.Context, filter Filter) ([]model.QuarantinedRecord, error) {
	return m.store.ListQuarantined(ctx, filter)
}

// Purge deletes every quarantined record of a batch
func (m *Manager) Purge(ctx context.Context, batchID string) (int, error) {
	if batchID == "" {
		return 0, errors.New("batch id is required")
	}
	n, err := m.store.PurgeBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	m.logger.Warn("Purged quarantined records", zap.String("batchID", batchID), zap.Int("records", n))
	return n, nil
}
