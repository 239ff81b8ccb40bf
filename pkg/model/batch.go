package model

import (
	"fmt"
	"time"
)

// BatchStatus is the state of an import batch; running until it is finalized
type BatchStatus string

const (
	BatchRunning    BatchStatus = "running"
	BatchSuccess    BatchStatus = "success"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
	// BatchRolledBack marks a committed blue-green batch whose schema was repointed away
	BatchRolledBack BatchStatus = "rolled_back"
	// BatchSkipped marks a run whose input another batch had already committed
	BatchSkipped    BatchStatus = "skipped"
)

// Strategy selects how cleaned data reaches the target store
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue-green"
)

// ParseStrategy validates a --mode value
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyDirect, StrategyCanary, StrategyBlueGreen:
		return Strategy(s), nil
	case "bluegreen", "blue_green":
		return StrategyBlueGreen, nil
	default:
		return "", fmt.Errorf("unknown migration mode %q (want direct, canary or blue-green)", s)
	}
}

// ImportBatch summarizes one end-to-end run and is the unit of rollback
type ImportBatch struct {
	ID            string      `json:"id" db:"id"`
	StartedAt     time.Time   `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	TotalRows     int         `json:"total_rows" db:"total_rows"`
	AcceptedRows  int         `json:"accepted_rows" db:"accepted_rows"`
	RejectedRows  int         `json:"rejected_rows" db:"rejected_rows"`
	RejectionRate float64     `json:"rejection_rate" db:"rejection_rate"`
	QualityScore  float64     `json:"quality_score" db:"quality_score"`
	Status        BatchStatus `json:"status" db:"status"`
	Strategy      Strategy    `json:"strategy" db:"strategy"`
	TargetSchema  string      `json:"target_schema" db:"target_schema"`
	InputChecksum string      `json:"input_checksum" db:"input_checksum"`
	FailureReason string      `json:"failure_reason,omitempty" db:"failure_reason"`
}

// SetCounts records row totals and derives the rejection rate
func (b *ImportBatch) SetCounts(total, accepted, rejected int) {
	b.TotalRows = total
	b.AcceptedRows = accepted
	b.RejectedRows = rejected
	if total > 0 {
		b.RejectionRate = float64(rejected) / float64(total)
	} else {
		b.RejectionRate = 0
	}
}

// StatusFor derives the batch status of a committed run
func StatusFor(committed bool, rejected int) BatchStatus {
	switch {
	case !committed:
		return BatchFailed
	case rejected > 0:
		return BatchPartial
	default:
		return BatchSuccess
	}
}
