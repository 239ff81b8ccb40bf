package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

const maxSampleRows = 10

// Rule is one fixed validation check. A rule measures a ratio over an
// extract set and grades it against its expected range.
type Rule struct {
	ID          string
	Category    model.ValidationCategory
	Entity      model.EntityType // empty for rules spanning every extract
	Column      string
	Weight      float64
	Critical    bool
	Expected    model.Range
	Description string

	measure func(set model.ExtractSet, now time.Time) measurement
}

type measurement struct {
	applicable bool
	observed   float64
	affected   int
	samples    []int
	detail     string
}

func notApplicable(reason string) measurement {
	return measurement{detail: reason}
}

// counter accumulates a good/total ratio and the offending row indexes
type counter struct {
	good, total, bad int
	samples          []int
}

func (c *counter) add(ok bool, row int) {
	c.total++
	if ok {
		c.good++
		return
	}
	c.bad++
	if len(c.samples) < maxSampleRows {
		c.samples = append(c.samples, row)
	}
}

// measurement reports good/total; an empty population is vacuously 1
func (c *counter) measurement(detail string) measurement {
	m := measurement{applicable: true, observed: 1, affected: c.bad, samples: c.samples, detail: detail}
	if c.total > 0 {
		m.observed = float64(c.good) / float64(c.total)
	}
	return m
}

// Evaluate runs the rule against set and grades the result. Rules over a
// missing extract are not applicable and carry no points.
func (r Rule) Evaluate(set model.ExtractSet, now time.Time) model.ValidationFinding {
	m := r.measure(set, now)

	f := model.ValidationFinding{
		RuleID:   r.ID,
		Category: r.Category,
		Entity:   r.Entity,
		Column:   r.Column,
		Expected: r.Expected,
	}
	if !m.applicable {
		f.Passed = true
		f.Severity = model.SeverityInfo
		f.Message = fmt.Sprintf("%s: not applicable (%s)", r.Description, m.detail)
		return f
	}

	f.Observed = m.observed
	f.AffectedRows = m.affected
	f.SampleRows = m.samples
	f.SampleKeys = sampleKeys(set, r.Entity, m.samples)
	f.MaxPoints = r.Weight
	f.Points = r.Weight * r.Expected.Credit(m.observed)
	f.Passed = r.Expected.Contains(m.observed)

	switch {
	case f.Passed:
		f.Severity = model.SeverityInfo
	case r.Critical:
		f.Severity = model.SeverityCritical
	default:
		f.Severity = model.SeverityWarning
	}

	f.Message = fmt.Sprintf("%s: %.2f%% observed, expected %s", r.Description, m.observed*100, r.Expected)
	if m.detail != "" {
		f.Message += " (" + m.detail + ")"
	}
	return f
}

// Applicable reports whether the finding carried points
func Applicable(f model.ValidationFinding) bool {
	return f.MaxPoints > 0
}

// Rules builds the 40 fixed rules from the entity schemas. Expected fill and
// orphan ranges are taken from the schemas so configuration overrides apply.
func Rules(schemas map[model.EntityType]*model.EntitySchema) []Rule {
	if schemas == nil {
		schemas = model.Schemas()
	}
	tickets := schemas[model.EntityTickets]
	comments := schemas[model.EntityComments]
	entries := schemas[model.EntityTimeEntries]

	rules := []Rule{
		columnsPresent("SCH-01", tickets),
		columnsPresent("SCH-02", comments),
		columnsPresent("SCH-03", entries),
		nonEmpty("SCH-04", tickets),
		nonEmpty("SCH-05", comments),
		nonEmpty("SCH-06", entries),

		fill("C-01", tickets, "ticket_id", 3),
		fill("C-02", tickets, "title", 2),
		fill("C-03", tickets, "status", 2),
		fill("C-04", tickets, "created_at", 3),
		fill("C-05", tickets, "priority", 1),
		fill("C-06", comments, "comment_id", 3),
		fill("C-07", comments, "ticket_id", 3),
		fill("C-08", comments, "is_customer_visible", 1),
		fill("C-09", comments, "body", 2),
		fill("C-10", entries, "entry_id", 3),
		fill("C-11", entries, "hours_worked", 2),

		conformance("T-01", tickets, "ticket_id", 3, true),
		conformance("T-02", comments, "comment_id", 3, true),
		conformance("T-03", entries, "entry_id", 3, true),
		conformance("T-04", tickets, "created_at", 3, true),
		conformance("T-05", comments, "created_at", 3, true),
		conformance("T-06", entries, "date_worked", 3, true),
		conformance("T-07", entries, "hours_worked", 2, false),
		conformance("T-08", comments, "is_customer_visible", 1, false),

		plausibleDate("B-01", tickets, "created_at"),
		plausibleDate("B-02", comments, "created_at"),
		hoursInRange("B-03", entries, "hours_worked"),
		temporalOrder("B-04", tickets, "created_at", "resolved_at"),
		temporalOrder("B-05", tickets, "resolved_at", "closed_at"),
		enumMember("B-06", tickets, "status"),

		orphans("R-01", comments, "ticket_id", 3, true),
		orphans("R-02", entries, "ticket_id", 2, false),
		uniqueKeys("R-03", tickets),
		uniqueKeys("R-04", comments),
		uniqueKeys("R-05", entries),

		textCheck("X-01", "text values are valid UTF-8", 3, true, model.AtLeast(0.999), validUTF8),
		textCheck("X-02", "text values contain no NUL bytes", 2, false, model.AtLeast(0.999), noNUL),
		textCheck("X-03", "text values have no runaway line breaks", 1, false, model.AtLeast(0.99), noRunawayNewlines),
		textCheck("X-04", "text values have no runaway whitespace", 1, false, model.AtLeast(0.99), noRunawayWhitespace),
	}
	return rules
}

func extractOf(set model.ExtractSet, entity model.EntityType) (*model.SourceExtract, bool) {
	ex, ok := set[entity]
	return ex, ok && ex != nil
}

// sampleKeys looks up the primary key of each sampled row of entity
func sampleKeys(set model.ExtractSet, entity model.EntityType, rows []int) []string {
	ex, ok := extractOf(set, entity)
	if !ok || len(rows) == 0 {
		return nil
	}
	schema := ex.Schema
	if schema == nil {
		schema = model.SchemaFor(entity)
	}
	if schema == nil || schema.PrimaryKey == "" {
		return nil
	}
	keys := make([]string, len(rows))
	for i, idx := range rows {
		if idx < 0 || idx >= len(ex.Rows) {
			continue
		}
		if v := ex.Rows[idx][schema.PrimaryKey]; !model.IsNull(v) {
			keys[i] = strings.TrimSpace(model.ToString(v))
		}
	}
	return keys
}

func missing(entity model.EntityType) measurement {
	return notApplicable(fmt.Sprintf("%s extract missing", entity))
}

func columnsPresent(id string, schema *model.EntitySchema) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategorySchema,
		Entity:      schema.Entity,
		Weight:      3,
		Critical:    true,
		Expected:    model.AtLeast(1),
		Description: fmt.Sprintf("%s has every %s column", schema.Entity, schema.Version),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			delivered := make(map[string]bool, len(ex.Columns))
			for _, c := range ex.Columns {
				delivered[c] = true
			}
			var c counter
			var absent []string
			for _, col := range schema.Columns {
				c.add(delivered[col.Name], 0)
				if !delivered[col.Name] {
					absent = append(absent, col.Name)
				}
			}
			m := c.measurement("")
			m.samples = nil
			if len(absent) > 0 {
				m.detail = "missing " + strings.Join(absent, ", ")
			}
			return m
		},
	}
}

func nonEmpty(id string, schema *model.EntitySchema) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategorySchema,
		Entity:      schema.Entity,
		Weight:      2,
		Critical:    true,
		Expected:    model.AtLeast(1),
		Description: fmt.Sprintf("%s extract has rows", schema.Entity),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			m := measurement{applicable: true, detail: fmt.Sprintf("%d rows", ex.RowCount())}
			if ex.RowCount() > 0 {
				m.observed = 1
			}
			return m
		},
	}
}

func fill(id string, schema *model.EntitySchema, column string, weight float64) Rule {
	col := schema.GetColumnByName(column)
	return Rule{
		ID:          id,
		Category:    model.CategoryCompleteness,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      weight,
		Critical:    col.Critical,
		Expected:    col.ExpectedFill,
		Description: fmt.Sprintf("%s.%s fill rate", schema.Entity, column),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			var c counter
			for i, row := range ex.Rows {
				c.add(!model.IsNull(row[column]), i)
			}
			return c.measurement("")
		},
	}
}

func conformance(id string, schema *model.EntitySchema, column string, weight float64, critical bool) Rule {
	col := schema.GetColumnByName(column)
	expected := model.AtLeast(0.98)
	if col.IsPrimaryKey {
		expected = model.AtLeast(0.99)
	}
	return Rule{
		ID:          id,
		Category:    model.CategoryType,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      weight,
		Critical:    critical,
		Expected:    expected,
		Description: fmt.Sprintf("%s.%s values are %s", schema.Entity, column, col.Kind),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			var c counter
			for i, row := range ex.Rows {
				v := row[column]
				if model.IsNull(v) {
					continue
				}
				c.add(col.Kind.Conforms(v, col.EnumValues), i)
			}
			return c.measurement("")
		},
	}
}

func plausibleDate(id string, schema *model.EntitySchema, column string) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategoryBusiness,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      2,
		Expected:    model.AtLeast(0.98),
		Description: fmt.Sprintf("%s.%s within plausible dates", schema.Entity, column),
		measure: func(set model.ExtractSet, now time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			lo, hi := model.PlausibleDates(now)
			var c counter
			for i, row := range ex.Rows {
				t, _, err := model.ParseTimestamp(row[column])
				if err != nil {
					continue
				}
				c.add(!t.Before(lo) && !t.After(hi), i)
			}
			return c.measurement(fmt.Sprintf("%s to %s", lo.Format("2006-01-02"), hi.Format("2006-01-02")))
		},
	}
}

func hoursInRange(id string, schema *model.EntitySchema, column string) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategoryBusiness,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      2,
		Expected:    model.AtLeast(0.98),
		Description: fmt.Sprintf("%s.%s between 0 and %.0f", schema.Entity, column, model.MaxHoursPerEntry),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			var c counter
			for i, row := range ex.Rows {
				h, err := model.ParseFloat(row[column])
				if err != nil {
					continue
				}
				c.add(h >= 0 && h <= model.MaxHoursPerEntry, i)
			}
			return c.measurement("")
		},
	}
}

func temporalOrder(id string, schema *model.EntitySchema, earlier, later string) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategoryBusiness,
		Entity:      schema.Entity,
		Column:      later,
		Weight:      1,
		Expected:    model.AtLeast(0.98),
		Description: fmt.Sprintf("%s.%s not before %s", schema.Entity, later, earlier),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			var c counter
			for i, row := range ex.Rows {
				a, _, errA := model.ParseTimestamp(row[earlier])
				b, _, errB := model.ParseTimestamp(row[later])
				if errA != nil || errB != nil {
					continue
				}
				c.add(!b.Before(a), i)
			}
			return c.measurement("")
		},
	}
}

func enumMember(id string, schema *model.EntitySchema, column string) Rule {
	col := schema.GetColumnByName(column)
	return Rule{
		ID:          id,
		Category:    model.CategoryBusiness,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      1,
		Expected:    model.AtLeast(0.98),
		Description: fmt.Sprintf("%s.%s is a known value", schema.Entity, column),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			var c counter
			for i, row := range ex.Rows {
				v := row[column]
				if model.IsNull(v) {
					continue
				}
				c.add(model.KindEnum.Conforms(strings.TrimSpace(model.ToString(v)), col.EnumValues), i)
			}
			return c.measurement("")
		},
	}
}

// KeySet collects the parsed primary keys of an extract
func KeySet(ex *model.SourceExtract, column string) map[int64]struct{} {
	keys := make(map[int64]struct{}, ex.RowCount())
	for _, row := range ex.Rows {
		if k, err := model.ParseInt(row[column]); err == nil {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// OrphanRatio is the share of child rows whose foreign key is null, unreadable
// or references no parent row. It returns false when either extract is missing.
func OrphanRatio(set model.ExtractSet, child *model.EntitySchema, fk model.ForeignKey) (float64, int, []int, bool) {
	ex, ok := extractOf(set, child.Entity)
	if !ok {
		return 0, 0, nil, false
	}
	parent, ok := extractOf(set, fk.References)
	if !ok {
		return 0, 0, nil, false
	}
	parentKey := model.SchemaFor(fk.References).PrimaryKey
	if parent.Schema != nil {
		parentKey = parent.Schema.PrimaryKey
	}
	keys := KeySet(parent, parentKey)

	var c counter
	for i, row := range ex.Rows {
		k, err := model.ParseInt(row[fk.Column])
		if err != nil {
			c.add(false, i)
			continue
		}
		_, found := keys[k]
		c.add(found, i)
	}
	if c.total == 0 {
		return 0, 0, nil, true
	}
	return float64(c.bad) / float64(c.total), c.bad, c.samples, true
}

func orphans(id string, schema *model.EntitySchema, column string, weight float64, critical bool) Rule {
	fk := *schema.ForeignKey(column)
	return Rule{
		ID:          id,
		Category:    model.CategoryReferential,
		Entity:      schema.Entity,
		Column:      column,
		Weight:      weight,
		Critical:    critical,
		Expected:    fk.ExpectedOrphans,
		Description: fmt.Sprintf("%s.%s orphan rate against %s", schema.Entity, column, fk.References),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ratio, affected, samples, ok := OrphanRatio(set, schema, fk)
			if !ok {
				return notApplicable(fmt.Sprintf("%s or %s extract missing", schema.Entity, fk.References))
			}
			return measurement{applicable: true, observed: ratio, affected: affected, samples: samples}
		},
	}
}

func uniqueKeys(id string, schema *model.EntitySchema) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategoryReferential,
		Entity:      schema.Entity,
		Column:      schema.PrimaryKey,
		Weight:      2,
		Critical:    true,
		Expected:    model.AtLeast(1),
		Description: fmt.Sprintf("%s.%s is unique", schema.Entity, schema.PrimaryKey),
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			ex, ok := extractOf(set, schema.Entity)
			if !ok {
				return missing(schema.Entity)
			}
			seen := make(map[string]bool, ex.RowCount())
			var c counter
			for i, row := range ex.Rows {
				v := row[schema.PrimaryKey]
				if model.IsNull(v) {
					continue
				}
				key := strings.TrimSpace(model.ToString(v))
				if k, err := model.ParseInt(v); err == nil {
					key = fmt.Sprint(k)
				}
				c.add(!seen[key], i)
				seen[key] = true
			}
			return c.measurement("")
		},
	}
}

func textCheck(id, description string, weight float64, critical bool, expected model.Range, ok func(string) bool) Rule {
	return Rule{
		ID:          id,
		Category:    model.CategoryText,
		Weight:      weight,
		Critical:    critical,
		Expected:    expected,
		Description: description,
		measure: func(set model.ExtractSet, _ time.Time) measurement {
			var c counter
			perEntity := make(map[model.EntityType]int)
			present := false
			for _, entity := range model.AllEntities() {
				ex, found := extractOf(set, entity)
				if !found {
					continue
				}
				present = true
				for _, col := range textColumns(ex) {
					for _, row := range ex.Rows {
						s, isString := row[col].(string)
						if !isString || s == "" {
							continue
						}
						good := ok(s)
						c.add(good, -1)
						if !good {
							perEntity[entity]++
						}
					}
				}
			}
			if !present {
				return notApplicable("no extracts")
			}
			m := c.measurement(formatCounts(perEntity))
			m.samples = nil
			return m
		},
	}
}

// textColumns returns the delivered text and enum columns of an extract
func textColumns(ex *model.SourceExtract) []string {
	schema := ex.Schema
	if schema == nil {
		schema = model.SchemaFor(ex.Entity)
	}
	var out []string
	for _, col := range schema.Columns {
		if col.Kind == model.KindText || col.Kind == model.KindEnum {
			out = append(out, col.Name)
		}
	}
	return out
}

func formatCounts(perEntity map[model.EntityType]int) string {
	var parts []string
	for _, e := range model.AllEntities() {
		if n := perEntity[e]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", e, n))
		}
	}
	return strings.Join(parts, ", ")
}

func validUTF8(s string) bool {
	return utf8.ValidString(s)
}

func noNUL(s string) bool {
	return !strings.ContainsRune(s, 0)
}

// RunawayNewlines is the run of consecutive line breaks treated as corruption
const RunawayNewlines = 5

// RunawayWhitespace is the run of consecutive blanks treated as corruption
const RunawayWhitespace = 50

// noRunawayNewlines counts line feeds; carriage returns neither count nor break a run
func noRunawayNewlines(s string) bool {
	best, run := 0, 0
	for _, r := range s {
		switch r {
		case '\n':
			run++
			if run > best {
				best = run
			}
		case '\r':
		default:
			run = 0
		}
	}
	return best < RunawayNewlines
}

func noRunawayWhitespace(s string) bool {
	return maxRun(s, func(r rune) bool { return r == ' ' || r == '\t' }) < RunawayWhitespace
}

func maxRun(s string, match func(rune) bool) int {
	best, run := 0, 0
	for _, r := range s {
		if match(r) {
			run++
			if run > best {
				best = run
			}
			continue
		}
		run = 0
	}
	return best
}
