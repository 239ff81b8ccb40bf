package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/internal/testfixture"
	"github.com/David-Botos/quality-ingress/pkg/cleaner"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func cleanedFixture(t *testing.T, opts testfixture.Options) model.ExtractSet {
	t.Helper()
	c, err := cleaner.NewDataCleaner(cleaner.Options{PartitionSize: 100, Workers: 2}, zap.NewNop())
	require.NoError(t, err)
	res, err := c.WithClock(func() time.Time { return fixedNow }).
		Clean(context.Background(), "b", testfixture.Extracts(opts))
	require.NoError(t, err)
	return res.Cleaned
}

func newScorer() *Scorer {
	return New(model.Schemas(), zap.NewNop()).WithClock(func() time.Time { return fixedNow })
}

func TestScore_CleanDelivery(t *testing.T) {
	set := cleanedFixture(t, testfixture.DefaultOptions())

	score, err := newScorer().Score(context.Background(), set)
	require.NoError(t, err)

	assert.Equal(t, 100.0, score.Composite)
	assert.Equal(t, model.GradeExcellent, score.Grade)
	assert.Equal(t, fixedNow, score.ScoredAt)
	require.Len(t, score.Dimensions, 5)

	total := 0.0
	for _, d := range model.AllDimensions() {
		ds := score.Dimensions[d]
		assert.Equal(t, d.MaxPoints(), ds.MaxPoints)
		assert.Equal(t, ds.MaxPoints, ds.Points, d.String())
		total += ds.MaxPoints
	}
	assert.Equal(t, 100.0, total)
}

func TestScore_DocumentedOrphanRateEarnsFullIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		rate   float64
		points float64
	}{
		{name: "90% time entries without ticket", rate: 0.90, points: 5},
		{name: "every time entry linked", rate: 0, points: 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testfixture.DefaultOptions()
			opts.TimeEntryOrphanRate = tt.rate
			set := cleanedFixture(t, opts)

			score, err := newScorer().Score(context.Background(), set)
			require.NoError(t, err)

			integrity := score.Dimensions[model.DimensionIntegrity]
			assert.InDelta(t, tt.points, integrity.Points, 1e-9)
			assert.InDelta(t, tt.rate, integrity.Details["time_entries.ticket_id.orphan_rate"], 1e-9)
		})
	}
}

func TestScore_Consistency(t *testing.T) {
	set := cleanedFixture(t, testfixture.DefaultOptions())
	tickets := set[model.EntityTickets]
	// ticket 2 was created 2024-01-02 11:00 and resolved a day later
	tickets.Rows[1]["resolved_at"] = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	score, err := newScorer().Score(context.Background(), set)
	require.NoError(t, err)

	// 349 of 350 ordered pairs hold, every cell is typed
	consistency := score.Dimensions[model.DimensionConsistency]
	assert.Equal(t, 19.97, consistency.Points)
	assert.InDelta(t, 349.0/350.0, consistency.Details["temporal_order"], 1e-9)
	assert.Equal(t, 1.0, consistency.Details["type_homogeneity"])
}

func TestScore_Uniqueness(t *testing.T) {
	set := cleanedFixture(t, testfixture.DefaultOptions())
	set[model.EntityComments].Rows[5]["comment_id"] = int64(1)

	score, err := newScorer().Score(context.Background(), set)
	require.NoError(t, err)

	// one duplicate across 600 rows
	assert.Equal(t, 4.99, score.Dimensions[model.DimensionUniqueness].Points)
}

func TestScore_RawValuesLoseHomogeneity(t *testing.T) {
	raw := testfixture.Extracts(testfixture.DefaultOptions())

	score, err := newScorer().Score(context.Background(), raw)
	require.NoError(t, err)
	assert.Less(t, score.Dimensions[model.DimensionConsistency].Details["type_homogeneity"], 1.0)
	assert.Less(t, score.Composite, 100.0)
}

func TestScore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newScorer().Score(ctx, cleanedFixture(t, testfixture.DefaultOptions()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateRatio(t *testing.T) {
	schema := model.SchemaFor(model.EntityTickets)
	set := model.ExtractSet{model.EntityTickets: {
		Entity: model.EntityTickets,
		Schema: schema,
		Rows: []model.Row{
			{"ticket_id": int64(1)},
			{"ticket_id": int64(1)},
			{"ticket_id": nil},
			{"ticket_id": int64(2)},
		},
	}}
	assert.Equal(t, 0.5, DuplicateRatio(set))
	assert.Equal(t, 0.0, DuplicateRatio(model.ExtractSet{}))
}

func TestTemporalConsistency_SkipsNulls(t *testing.T) {
	schema := model.SchemaFor(model.EntityTimeEntries)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	set := model.ExtractSet{model.EntityTimeEntries: {
		Entity: model.EntityTimeEntries,
		Schema: schema,
		Rows: []model.Row{
			{"start_time": start, "end_time": start.Add(time.Hour)},
			{"start_time": start, "end_time": nil},
			{"start_time": start, "end_time": start.Add(-time.Hour)},
		},
	}}
	assert.Equal(t, 0.5, TemporalConsistency(set))
}
