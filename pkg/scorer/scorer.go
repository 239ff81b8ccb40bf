// Package scorer re-assesses cleaned extracts across five weighted
// dimensions. The resulting composite gates migration.
package scorer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/quality-ingress/pkg/model"
	"github.com/David-Botos/quality-ingress/pkg/validator"
)

// Scorer computes QualityScores
type Scorer struct {
	schemas      map[model.EntityType]*model.EntitySchema
	completeness []validator.Rule
	validity     []validator.Rule
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a scorer reusing the validator's per-field rules for the
// completeness and validity dimensions
func New(schemas map[model.EntityType]*model.EntitySchema, logger *zap.Logger) *Scorer {
	if schemas == nil {
		schemas = model.Schemas()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := validator.Rules(schemas)
	return &Scorer{
		schemas:      schemas,
		completeness: validator.RulesIn(rules, model.CategoryCompleteness),
		validity:     validator.RulesIn(rules, model.CategoryType, model.CategoryBusiness, model.CategoryText),
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for date plausibility and ScoredAt
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score evaluates the five dimensions concurrently
func (s *Scorer) Score(ctx context.Context, cleaned model.ExtractSet) (model.QualityScore, error) {
	now := s.now()
	dims := model.AllDimensions()
	results := make([]model.DimensionScore, len(dims))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, d := range dims {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			credit, details, err := s.evaluate(gctx, d, cleaned, now)
			if err != nil {
				return fmt.Errorf("failed to score %s: %w", d, err)
			}
			results[i] = model.DimensionScore{
				Dimension: d,
				Points:    model.RoundScore(credit * d.MaxPoints()),
				MaxPoints: d.MaxPoints(),
				Details:   details,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.QualityScore{}, err
	}

	byDim := make(map[model.Dimension]model.DimensionScore, len(results))
	for _, r := range results {
		byDim[r.Dimension] = r
	}
	score := model.NewQualityScore(byDim, now)

	fields := []zap.Field{
		zap.Float64("composite", score.Composite),
		zap.String("grade", string(score.Grade)),
	}
	for _, r := range results {
		fields = append(fields, zap.Float64(r.Dimension.String(), r.Points))
	}
	s.logger.Info("Quality score computed", fields...)

	return score, nil
}

// evaluate returns the credit in [0,1] earned on one dimension
func (s *Scorer) evaluate(ctx context.Context, d model.Dimension, set model.ExtractSet, now time.Time) (float64, map[string]float64, error) {
	switch d {
	case model.DimensionCompleteness:
		return s.ruleCredit(ctx, s.completeness, set, now)
	case model.DimensionValidity:
		return s.ruleCredit(ctx, s.validity, set, now)
	case model.DimensionConsistency:
		temporal := TemporalConsistency(set)
		homogeneity := TypeHomogeneity(set)
		return (temporal + homogeneity) / 2, map[string]float64{
			"temporal_order":   temporal,
			"type_homogeneity": homogeneity,
		}, nil
	case model.DimensionUniqueness:
		ratio := DuplicateRatio(set)
		return 1 - ratio, map[string]float64{"duplicate_ratio": ratio}, nil
	case model.DimensionIntegrity:
		credit, details := s.integrity(set)
		return credit, details, nil
	default:
		return 0, nil, fmt.Errorf("unknown dimension %d", int(d))
	}
}

func (s *Scorer) ruleCredit(ctx context.Context, rules []validator.Rule, set model.ExtractSet, now time.Time) (float64, map[string]float64, error) {
	findings, err := validator.EvaluateAll(ctx, rules, set, now, 1)
	if err != nil {
		return 0, nil, err
	}
	details := make(map[string]float64, len(findings))
	for _, f := range findings {
		if validator.Applicable(f) {
			details[f.RuleID] = f.Observed
		}
	}
	return validator.WeightedCredit(findings), details, nil
}

// integrity grades every foreign key against its documented orphan range.
// An orphan rate inside the range earns full credit.
func (s *Scorer) integrity(set model.ExtractSet) (float64, map[string]float64) {
	details := make(map[string]float64)
	total, n := 0.0, 0
	for _, entity := range model.AllEntities() {
		schema := s.schemas[entity]
		if schema == nil {
			continue
		}
		for _, fk := range schema.ForeignKeys {
			ratio, _, _, ok := validator.OrphanRatio(set, schema, fk)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s.%s", entity, fk.Column)
			details[key+".orphan_rate"] = ratio
			credit := fk.ExpectedOrphans.Credit(ratio)
			details[key+".credit"] = credit
			total += credit
			n++
		}
	}
	if n == 0 {
		return 1, details
	}
	return total / float64(n), details
}

// TemporalConsistency is the share of ordered timestamp pairs, over every
// entity, that respect their declared order. Pairs with a null side are skipped.
func TemporalConsistency(set model.ExtractSet) float64 {
	good, total := 0, 0
	for _, ex := range set {
		if ex.Schema == nil {
			continue
		}
		for _, order := range ex.Schema.Temporal {
			for _, row := range ex.Rows {
				earlier, ok1 := asTime(row[order.Earlier])
				later, ok2 := asTime(row[order.Later])
				if !ok1 || !ok2 {
					continue
				}
				total++
				if !later.Before(earlier) {
					good++
				}
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(good) / float64(total)
}

func asTime(v interface{}) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	if model.IsNull(v) {
		return time.Time{}, false
	}
	t, _, err := model.ParseTimestamp(v)
	return t, err == nil
}

// TypeHomogeneity is the share of non-null cells already stored as their
// column kind's Go type
func TypeHomogeneity(set model.ExtractSet) float64 {
	good, total := 0, 0
	for _, ex := range set {
		if ex.Schema == nil {
			continue
		}
		for _, row := range ex.Rows {
			for _, col := range ex.Schema.Columns {
				v := row[col.Name]
				if v == nil {
					continue
				}
				total++
				if col.Kind.Holds(v) {
					good++
				}
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(good) / float64(total)
}

// DuplicateRatio is the share of rows, over every entity, whose primary key
// is missing, unreadable or repeats an earlier row's
func DuplicateRatio(set model.ExtractSet) float64 {
	bad, total := 0, 0
	for _, ex := range set {
		if ex.Schema == nil {
			continue
		}
		seen := make(map[int64]bool, len(ex.Rows))
		for _, row := range ex.Rows {
			total++
			k, err := model.ParseInt(row[ex.Schema.PrimaryKey])
			if err != nil || seen[k] {
				bad++
				continue
			}
			seen[k] = true
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}
