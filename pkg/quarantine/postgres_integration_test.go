//go:build integration

package quarantine

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
)

func newPostgresManager(t *testing.T) (*Manager, *PostgresStore) {
	t.Helper()
	store, err := NewPostgresStore(testfixture.NewPostgres(t), "ingress", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	// Init is idempotent
	require.NoError(t, store.Init(context.Background()))

	m, err := NewManager(store, config.DefaultAlertConfig(), zap.NewNop())
	require.NoError(t, err)
	return m.WithClock(func() time.Time { return fixedNow }), store
}

func TestPostgresStore_QuarantineAndReview(t *testing.T) {
	m, store := newPostgresManager(t)
	ctx := context.Background()

	summary, err := m.Quarantine(ctx, "b1", rejections(3, model.RejectionHigh), nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Quarantined)

	// a second run of the same batch does not duplicate rows
	_, err = m.Quarantine(ctx, "b1", rejections(3, model.RejectionHigh), nil, 100)
	require.NoError(t, err)

	records, err := m.List(ctx, Filter{BatchID: "b1"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, model.EntityComments, records[0].Entity)
	assert.Equal(t, model.RejectionHigh, records[0].Severity)
	assert.Equal(t, model.ReviewUnreviewed, records[0].ReviewStatus)

	id := RecordID("b1", model.EntityComments, 1)
	require.NoError(t, m.Review(ctx, id, model.ResolutionEscalated, "ops"))
	assert.ErrorIs(t, m.Review(ctx, id, model.ResolutionFixed, "ops"), ErrAlreadyReviewed)

	rec, err := store.GetQuarantined(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionEscalated, rec.Resolution)
	require.NotNil(t, rec.ReviewedAt)
	assert.True(t, fixedNow.Equal(*rec.ReviewedAt))

	unreviewed, err := store.CountUnreviewed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unreviewed)

	n, err := m.Purge(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresStore_RequarantineKeepsReview(t *testing.T) {
	m, store := newPostgresManager(t)
	ctx := context.Background()

	_, err := m.Quarantine(ctx, "b1", rejections(2, model.RejectionHigh), nil, 100)
	require.NoError(t, err)
	id := RecordID("b1", model.EntityComments, 1)
	require.NoError(t, m.Review(ctx, id, model.ResolutionFixed, "ops"))

	// a resumed run quarantines the same rows again
	_, err = m.Quarantine(ctx, "b1", rejections(2, model.RejectionHigh), nil, 100)
	require.NoError(t, err)

	rec, err := store.GetQuarantined(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewReviewed, rec.ReviewStatus)
	assert.Equal(t, model.ResolutionFixed, rec.Resolution)
	assert.Equal(t, "ops", rec.Reviewer)

	unreviewed, err := store.CountUnreviewed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unreviewed)
}

func TestPostgresStore_Batches(t *testing.T) {
	_, store := newPostgresManager(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []model.BatchStatus{model.BatchSuccess, model.BatchFailed, model.BatchPartial} {
		require.NoError(t, store.SaveBatch(ctx, &model.ImportBatch{
			ID:            string(rune('a' + i)),
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			Status:        status,
			Strategy:      model.StrategyDirect,
			InputChecksum: "abc",
		}))
	}

	batches, err := store.ListBatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "c", batches[0].ID)

	found, err := store.FindCommittedBatch(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "c", found.ID)

	_, err = store.GetBatch(ctx, "zz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Transformations(t *testing.T) {
	_, store := newPostgresManager(t)
	ctx := context.Background()

	records := []model.TransformationRecord{
		{Sequence: 1, BatchID: "b", Timestamp: fixedNow, Entity: model.EntityTickets, Column: "title", Operation: model.OpTextClean, RecordsAffected: 4},
		{Sequence: 2, BatchID: "b", Timestamp: fixedNow, Entity: model.EntityComments, Column: "created_at", Operation: model.OpDateStandardize, RecordsAffected: 9,
			Samples: []model.ChangeSample{{RowKey: "7", Before: "01/02/2024", After: "2024-01-02T00:00:00Z"}}},
	}
	require.NoError(t, store.SaveTransformations(ctx, records))
	require.NoError(t, store.SaveTransformations(ctx, records))

	got, err := store.ListTransformations(ctx, "b")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.OpDateStandardize, got[1].Operation)
	require.Len(t, got[1].Samples, 1)
	assert.Equal(t, "01/02/2024", got[1].Samples[0].Before)
}
