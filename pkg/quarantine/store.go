// Package quarantine persists rejected rows, import batch summaries and the
// cleaning audit, and raises threshold alerts over them.
package quarantine

import (
	"context"
	"errors"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

var (
	// ErrNotFound is returned when a record or batch does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReviewed is returned when reviewing a record twice
	ErrAlreadyReviewed = errors.New("record already reviewed")
)

// Filter narrows ListQuarantined. Zero fields match everything.
type Filter struct {
	BatchID  string
	Entity   model.EntityType
	Severity *model.RejectionSeverity
	Status   model.ReviewStatus
	Limit    int
}

// Matches reports whether r passes the filter
func (f Filter) Matches(r model.QuarantinedRecord) bool {
	if f.BatchID != "" && r.BatchID != f.BatchID {
		return false
	}
	if f.Entity != "" && r.Entity != f.Entity {
		return false
	}
	if f.Severity != nil && r.Severity != *f.Severity {
		return false
	}
	if f.Status != "" && r.ReviewStatus != f.Status {
		return false
	}
	return true
}

// Store is the bookkeeping store shared by the pipeline stages
type Store interface {
	InsertQuarantined(ctx context.Context, records []model.QuarantinedRecord) error
	ListQuarantined(ctx context.Context, filter Filter) ([]model.QuarantinedRecord, error)
	GetQuarantined(ctx context.Context, id string) (*model.QuarantinedRecord, error)
	// MarkReviewed records a review. Only unreviewed records can be reviewed.
	MarkReviewed(ctx context.Context, id string, resolution model.Resolution, reviewer string, at time.Time) error
	CountUnreviewed(ctx context.Context) (int, error)
	PurgeBatch(ctx context.Context, batchID string) (int, error)

	SaveBatch(ctx context.Context, batch *model.ImportBatch) error
	GetBatch(ctx context.Context, id string) (*model.ImportBatch, error)
	// ListBatches returns batches newest first; limit <= 0 returns all
	ListBatches(ctx context.Context, limit int) ([]model.ImportBatch, error)
	// FindCommittedBatch returns the latest success or partial batch with the
	// given input checksum
	FindCommittedBatch(ctx context.Context, checksum string) (*model.ImportBatch, error)

	SaveTransformations(ctx context.Context, records []model.TransformationRecord) error
	ListTransformations(ctx context.Context, batchID string) ([]model.TransformationRecord, error)
}

func committed(status model.BatchStatus) bool {
	return status == model.BatchSuccess || status == model.BatchPartial
}
