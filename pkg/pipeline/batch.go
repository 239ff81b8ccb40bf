package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/quarantine"
)

// openBatch records the batch as running so that quarantine rows and audit
// records written by later stages always have a batch to belong to. A batch
// that already finished keeps its row.
func (p *Pipeline) openBatch(ctx context.Context, r *run) {
	if p.deps.Store == nil {
		return
	}
	existing, err := p.deps.Store.GetBatch(ctx, r.batchID)
	switch {
	case err == nil && finished(existing.Status):
		return
	case err != nil && !errors.Is(err, quarantine.ErrNotFound):
		p.logger.Warn("Failed to look up import batch", zap.String("batchID", r.batchID), zap.Error(err))
		return
	}

	batch := &model.ImportBatch{
		ID:        r.batchID,
		StartedAt: r.state.StartedAt,
		Status:    model.BatchRunning,
		Strategy:  r.opts.Strategy,
	}
	if err := p.deps.Store.SaveBatch(ctx, batch); err != nil {
		p.logger.Warn("Failed to record import batch", zap.String("batchID", r.batchID), zap.Error(err))
	}
}

// closeBatch brings the batch row up to date once the stages stop. The
// orchestrator finalizes batches that reach a migration; everything else is
// settled here: failures become failed, skipped migrations become skipped,
// and runs that stop early stay running so they can be resumed.
func (p *Pipeline) closeBatch(ctx context.Context, r *run, runErr error) {
	if p.deps.Store == nil {
		return
	}
	batch, err := p.deps.Store.GetBatch(ctx, r.batchID)
	if err != nil {
		if !errors.Is(err, quarantine.ErrNotFound) {
			p.logger.Warn("Failed to look up import batch", zap.String("batchID", r.batchID), zap.Error(err))
		}
		return
	}
	if batch.Status != model.BatchRunning {
		return
	}

	batch.InputChecksum = r.checksum
	if c := r.result.Cleaning; c != nil {
		batch.SetCounts(c.Summary.TotalInput(), c.Summary.TotalAccepted(), c.Summary.TotalRejected())
	}
	if r.result.Score != nil {
		batch.QualityScore = r.result.Score.Composite
	}

	switch {
	case runErr != nil:
		now := p.now()
		batch.FinishedAt = &now
		batch.Status = model.BatchFailed
		batch.FailureReason = fmt.Sprintf("%s: %v", KindOf(runErr), runErr)
	case r.result.Migration != nil && r.result.Migration.Skipped:
		now := p.now()
		batch.FinishedAt = &now
		batch.Status = model.BatchSkipped
		if prior := r.result.Migration.Batch; prior != nil {
			batch.FailureReason = "input already committed by batch " + prior.ID
		}
	}

	if err := p.deps.Store.SaveBatch(ctx, batch); err != nil {
		p.logger.Warn("Failed to update import batch", zap.String("batchID", r.batchID), zap.Error(err))
	}
}

func finished(s model.BatchStatus) bool {
	switch s {
	case model.BatchSuccess, model.BatchPartial, model.BatchRolledBack, model.BatchSkipped:
		return true
	default:
		return false
	}
}
