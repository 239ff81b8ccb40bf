// Package validator grades raw extracts against the fixed rule set and
// refuses deliveries whose composite score falls below the gate.
package validator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// DefaultThreshold is the composite score a delivery needs to proceed
const DefaultThreshold = 60.0

// CategoryWeights are the category shares of the composite; they sum to 100
var CategoryWeights = map[model.ValidationCategory]float64{
	model.CategorySchema:       15,
	model.CategoryCompleteness: 25,
	model.CategoryType:         20,
	model.CategoryBusiness:     15,
	model.CategoryReferential:  15,
	model.CategoryText:         10,
}

// ErrQualityGate is wrapped by Gate when the composite is below threshold
var ErrQualityGate = errors.New("validation composite below threshold")

// Validator evaluates the rule set over an extract set
type Validator struct {
	rules     []Rule
	threshold float64
	workers   int
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a validator with the rules derived from schemas
func New(schemas map[model.EntityType]*model.EntitySchema, threshold float64, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		rules:     Rules(schemas),
		threshold: threshold,
		workers:   runtime.NumCPU(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for date plausibility rules
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// WithWorkers bounds the number of rules evaluated concurrently
func (v *Validator) WithWorkers(n int) *Validator {
	if n > 0 {
		v.workers = n
	}
	return v
}

// Rules returns the rule set
func (v *Validator) Rules() []Rule {
	return v.rules
}

// Threshold returns the gate threshold
func (v *Validator) Threshold() float64 {
	return v.threshold
}

// Validate evaluates every rule and builds the report. A composite below the
// threshold is reported through report.Passed, not as an error.
func (v *Validator) Validate(ctx context.Context, set model.ExtractSet) (*model.ValidationReport, error) {
	start := v.now()

	findings, err := EvaluateAll(ctx, v.rules, set, start, v.workers)
	if err != nil {
		return nil, err
	}

	categories, composite := ScoreCategories(findings)
	report := &model.ValidationReport{
		Composite:     composite,
		Categories:    categories,
		Findings:      findings,
		Threshold:     v.threshold,
		Passed:        Passes(composite, v.threshold),
		RowCounts:     make(map[model.EntityType]int, len(set)),
		InputChecksum: set.Checksum(),
		ValidatedAt:   start,
	}
	for entity, ex := range set {
		report.RowCounts[entity] = ex.RowCount()
	}
	report.Duration = time.Since(start)

	failed := report.FailedFindings()
	for _, f := range failed {
		v.logger.Warn("Validation rule failed",
			zap.String("rule", f.RuleID),
			zap.String("severity", f.Severity.String()),
			zap.Float64("observed", f.Observed),
			zap.String("expected", f.Expected.String()),
			zap.Int("affectedRows", f.AffectedRows))
	}
	v.logger.Info("Validation complete",
		zap.Float64("composite", report.Composite),
		zap.Float64("threshold", v.threshold),
		zap.Bool("passed", report.Passed),
		zap.Int("failedRules", len(failed)))

	return report, nil
}

// Passes is the gate decision, taken on the composite rounded to two decimals
func Passes(composite, threshold float64) bool {
	return model.RoundScore(composite) >= threshold
}

// Gate returns an error wrapping ErrQualityGate when the report did not pass
func Gate(report *model.ValidationReport) error {
	if report.Passed {
		return nil
	}
	return fmt.Errorf("%w: %.2f < %.2f", ErrQualityGate, report.Composite, report.Threshold)
}

// EvaluateAll evaluates rules concurrently. Findings keep rule order.
func EvaluateAll(ctx context.Context, rules []Rule, set model.ExtractSet, now time.Time, workers int) ([]model.ValidationFinding, error) {
	findings := make([]model.ValidationFinding, len(rules))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range rules {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings[i] = rules[i].Evaluate(set, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return findings, nil
}

// ScoreCategories computes the 0-100 score of each category and the weighted
// composite. Rules that are not applicable are left out; a category without
// applicable rules scores 100.
func ScoreCategories(findings []model.ValidationFinding) (map[model.ValidationCategory]model.CategoryScore, float64) {
	points := make(map[model.ValidationCategory]float64)
	maxPts := make(map[model.ValidationCategory]float64)
	categories := make(map[model.ValidationCategory]model.CategoryScore, len(CategoryWeights))

	for _, cat := range model.AllValidationCategories() {
		categories[cat] = model.CategoryScore{Category: cat, Weight: CategoryWeights[cat]}
	}

	for _, f := range findings {
		cs := categories[f.Category]
		if f.Passed {
			cs.Passed++
		} else {
			cs.Failed++
		}
		categories[f.Category] = cs

		if !Applicable(f) {
			continue
		}
		points[f.Category] += f.Points
		maxPts[f.Category] += f.MaxPoints
	}

	composite := 0.0
	for _, cat := range model.AllValidationCategories() {
		cs := categories[cat]
		cs.Score = 100
		if maxPts[cat] > 0 {
			cs.Score = 100 * points[cat] / maxPts[cat]
		}
		composite += cs.Score * cs.Weight / 100
		cs.Score = model.RoundScore(cs.Score)
		categories[cat] = cs
	}

	return categories, model.RoundScore(composite)
}

// WeightedCredit is the share of available points earned by findings, or 1
// when none of them applied
func WeightedCredit(findings []model.ValidationFinding) float64 {
	var points, maxPts float64
	for _, f := range findings {
		if !Applicable(f) {
			continue
		}
		points += f.Points
		maxPts += f.MaxPoints
	}
	if maxPts == 0 {
		return 1
	}
	return points / maxPts
}

// RulesIn filters rules by category
func RulesIn(rules []Rule, categories ...model.ValidationCategory) []Rule {
	want := make(map[model.ValidationCategory]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	var out []Rule
	for _, r := range rules {
		if want[r.Category] {
			out = append(out, r)
		}
	}
	return out
}
