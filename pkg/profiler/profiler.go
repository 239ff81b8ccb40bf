// Package profiler samples raw extracts, infers column kinds and trips the
// circuit breaker when the input is too broken to validate.
package profiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// Circuit breaker limits
const (
	MinCriticalConformance = 0.90
	MaxMismatchedColumns   = 0.10
	MaxUnparseableDates    = 0.20
	inferenceConfidence    = 0.90
)

// ColumnProfile describes one sampled column
type ColumnProfile struct {
	Name     string           `json:"name"`
	Declared model.ColumnKind `json:"-"`
	Critical bool             `json:"critical"`
	Present  bool             `json:"present"`
	Sampled  int              `json:"sampled"`
	NonNull  int              `json:"non_null"`
	// Conformance is the share of non-null values readable as each kind
	Conformance         map[string]float64 `json:"conformance"`
	InferredKind        model.ColumnKind   `json:"-"`
	Confidence          float64            `json:"confidence"`
	DeclaredConformance float64            `json:"declared_conformance"`
	Mismatch            bool               `json:"mismatch"`
	Unparseable         int                `json:"unparseable,omitempty"`
	DateLayouts         map[string]int     `json:"date_layouts,omitempty"`
	Anomalies           []string           `json:"anomalies,omitempty"`
}

// UnparseableRatio is the share of non-null timestamp values no layout could read
func (c ColumnProfile) UnparseableRatio() float64 {
	if c.NonNull == 0 {
		return 0
	}
	return float64(c.Unparseable) / float64(c.NonNull)
}

// EntityProfile holds the column profiles of one extract
type EntityProfile struct {
	Entity  model.EntityType `json:"entity"`
	Rows    int              `json:"rows"`
	Sampled int              `json:"sampled"`
	Columns []ColumnProfile  `json:"columns"`
	// Extra lists delivered columns the schema does not know
	Extra []string `json:"extra,omitempty"`
}

// Column returns the profile of a column, or nil
func (e *EntityProfile) Column(name string) *ColumnProfile {
	for i := range e.Columns {
		if e.Columns[i].Name == name {
			return &e.Columns[i]
		}
	}
	return nil
}

// Report is the profiler output. ShouldHalt is the circuit breaker decision.
type Report struct {
	Entities          map[model.EntityType]*EntityProfile `json:"entities"`
	MismatchedColumns int                                 `json:"mismatched_columns"`
	DeclaredColumns   int                                 `json:"declared_columns"`
	ShouldHalt        bool                                `json:"should_halt"`
	Reasons           []string                            `json:"reasons,omitempty"`
	ProfiledAt        time.Time                           `json:"profiled_at"`
}

// Profiler samples extracts without modifying them
type Profiler struct {
	sampleSize int
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a profiler. sampleSize 0 profiles every row.
func New(sampleSize int, logger *zap.Logger) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Profiler{sampleSize: sampleSize, logger: logger, now: time.Now}
}

// Profile samples every extract in the set and decides whether to halt
func (p *Profiler) Profile(ctx context.Context, set model.ExtractSet) (*Report, error) {
	report := &Report{
		Entities:   make(map[model.EntityType]*EntityProfile, len(set)),
		ProfiledAt: p.now(),
	}

	for _, entity := range model.AllEntities() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extract, ok := set[entity]
		if !ok {
			continue
		}

		profile := p.profileExtract(extract)
		report.Entities[entity] = profile

		for _, col := range profile.Columns {
			report.DeclaredColumns++
			if col.Present && col.Mismatch {
				report.MismatchedColumns++
			}
			p.checkColumn(report, entity, col)
		}
	}

	if report.DeclaredColumns > 0 {
		ratio := float64(report.MismatchedColumns) / float64(report.DeclaredColumns)
		if ratio > MaxMismatchedColumns {
			report.halt(fmt.Sprintf("%d of %d columns (%.1f%%) do not match their declared kind",
				report.MismatchedColumns, report.DeclaredColumns, ratio*100))
		}
	}

	if report.ShouldHalt {
		p.logger.Warn("Circuit breaker tripped", zap.Strings("reasons", report.Reasons))
	} else {
		p.logger.Info("Profiling complete",
			zap.Int("columns", report.DeclaredColumns),
			zap.Int("mismatched", report.MismatchedColumns))
	}
	return report, nil
}

func (r *Report) halt(reason string) {
	r.ShouldHalt = true
	r.Reasons = append(r.Reasons, reason)
}

func (p *Profiler) checkColumn(report *Report, entity model.EntityType, col ColumnProfile) {
	if col.Critical {
		if !col.Present {
			report.halt(fmt.Sprintf("%s.%s: critical column missing", entity, col.Name))
			return
		}
		if col.DeclaredConformance < MinCriticalConformance {
			report.halt(fmt.Sprintf("%s.%s: critical column conforms %.1f%% to %s",
				entity, col.Name, col.DeclaredConformance*100, col.Declared))
		}
	}
	if col.Declared == model.KindTimestamp && col.UnparseableRatio() > MaxUnparseableDates {
		report.halt(fmt.Sprintf("%s.%s: %.1f%% of dates are unparseable",
			entity, col.Name, col.UnparseableRatio()*100))
	}
}

// sampleIndexes spreads the sample evenly over the extract
func (p *Profiler) sampleIndexes(rows int) []int {
	n := rows
	if p.sampleSize > 0 && rows > p.sampleSize {
		n = p.sampleSize
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i * rows / n
	}
	return idx
}

func (p *Profiler) profileExtract(extract *model.SourceExtract) *EntityProfile {
	schema := extract.Schema
	if schema == nil {
		schema = model.SchemaFor(extract.Entity)
	}
	sample := p.sampleIndexes(extract.RowCount())

	delivered := make(map[string]bool, len(extract.Columns))
	for _, c := range extract.Columns {
		delivered[c] = true
	}

	profile := &EntityProfile{
		Entity:  extract.Entity,
		Rows:    extract.RowCount(),
		Sampled: len(sample),
	}
	for _, c := range extract.Columns {
		if schema.GetColumnByName(c) == nil {
			profile.Extra = append(profile.Extra, c)
		}
	}

	for _, col := range schema.Columns {
		cp := ColumnProfile{
			Name:        col.Name,
			Declared:    col.Kind,
			Critical:    col.Critical,
			Present:     delivered[col.Name],
			Sampled:     len(sample),
			Conformance: make(map[string]float64),
		}
		if cp.Present {
			profileColumn(&cp, col, extract.Rows, sample)
		}
		profile.Columns = append(profile.Columns, cp)
	}
	return profile
}

func profileColumn(cp *ColumnProfile, col model.Column, rows []model.Row, sample []int) {
	counts := make(map[model.ColumnKind]int)
	declared := 0
	whitespaceOnly := 0
	layouts := make(map[string]int)

	for _, i := range sample {
		v := rows[i][col.Name]
		if model.IsNull(v) {
			if v != nil {
				whitespaceOnly++
			}
			continue
		}
		cp.NonNull++

		for _, kind := range model.AllColumnKinds() {
			allowed := col.EnumValues
			if kind == model.KindEnum && col.Kind != model.KindEnum {
				continue
			}
			if kind.Conforms(v, allowed) {
				counts[kind]++
			}
		}
		if col.Kind.Conforms(v, col.EnumValues) {
			declared++
		}
		if col.Kind == model.KindTimestamp {
			if _, layout, err := model.ParseTimestamp(v); err != nil {
				cp.Unparseable++
			} else {
				layouts[layout]++
			}
		}
	}

	for kind, n := range counts {
		cp.Conformance[kind.String()] = ratio(n, cp.NonNull)
	}

	cp.InferredKind, cp.Confidence = infer(counts, cp.NonNull)

	denominator := cp.NonNull
	if col.Critical {
		denominator = cp.Sampled
	}
	cp.DeclaredConformance = 1
	if denominator > 0 {
		cp.DeclaredConformance = float64(declared) / float64(denominator)
	}
	cp.Mismatch = cp.DeclaredConformance < inferenceConfidence

	if len(layouts) > 0 {
		cp.DateLayouts = layouts
		if families := layoutFamilies(layouts); len(families) > 1 {
			cp.Anomalies = append(cp.Anomalies,
				fmt.Sprintf("mixed date formats: %s", strings.Join(families, ", ")))
		}
	}
	if whitespaceOnly > 0 {
		cp.Anomalies = append(cp.Anomalies, fmt.Sprintf("%d whitespace-only values", whitespaceOnly))
	}
	if cp.NonNull > 0 && cp.InferredKind != col.Kind && !(col.Kind == model.KindEnum && cp.InferredKind == model.KindText) {
		cp.Anomalies = append(cp.Anomalies,
			fmt.Sprintf("declared %s, looks like %s (%.0f%%)", col.Kind, cp.InferredKind, cp.Confidence*100))
	}
}

// infer picks the first kind in priority order that most values conform to,
// falling back to the best-conforming kind
func infer(counts map[model.ColumnKind]int, total int) (model.ColumnKind, float64) {
	if total == 0 {
		return model.KindText, 0
	}
	best, bestRatio := model.KindText, -1.0
	for _, kind := range model.AllColumnKinds() {
		r := ratio(counts[kind], total)
		if r >= inferenceConfidence {
			return kind, r
		}
		if r > bestRatio {
			best, bestRatio = kind, r
		}
	}
	return best, bestRatio
}

// layoutFamilies groups layout names by regional family (iso, us, eu, ...)
func layoutFamilies(layouts map[string]int) []string {
	seen := make(map[string]bool)
	for name := range layouts {
		family := name
		if i := strings.Index(name, "_"); i > 0 {
			family = name[:i]
		}
		switch family {
		case "rfc3339", "iso", "sql", "slash":
			family = "iso"
		}
		seen[family] = true
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
