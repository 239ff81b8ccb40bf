// Package cleaner repairs validated extracts. Every mutation is audited and
// rows that cannot be repaired are rejected with a severity.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// Rule identifiers carried by rejections and warnings
const (
	RuleEncoding        = "CLN-ENCODING"
	RuleMissingKey      = "CLN-MISSING-KEY"
	RuleBadKey          = "CLN-BAD-KEY"
	RuleDuplicateKey    = "CLN-DUPLICATE-KEY"
	RuleMissingRequired = "CLN-MISSING-REQUIRED"
	RuleBadValue        = "CLN-BAD-VALUE"
	RuleDateRange       = "CLN-DATE-RANGE"
	RuleTemporalOrder   = "CLN-TEMPORAL-ORDER"
	RuleCoercion        = "CLN-COERCION"
	RuleMissingExpected = "CLN-MISSING-EXPECTED"
	RuleUnknownCategory = "CLN-UNKNOWN-CATEGORY"
)

// MaxSamples bounds the before/after pairs kept per transformation record
const MaxSamples = 5

// ProgressFunc receives row progress after each partition
type ProgressFunc func(entity model.EntityType, done, total int)

// Options configures a cleaner
type Options struct {
	PartitionSize int
	Workers       int
	// Location is used for timestamps delivered without a zone
	Location *time.Location
}

// DataCleaner cleans extract sets
type DataCleaner struct {
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	progress ProgressFunc
}

// EntityResult is the cleaning outcome of one extract
type EntityResult struct {
	Entity        model.EntityType
	Cleaned       *model.SourceExtract
	Records       []model.TransformationRecord
	Rejections    []model.Rejection
	Warnings      []model.Rejection
	InputRows     int
	CoercionFails int
}

// Result is the cleaning outcome of a whole delivery
type Result struct {
	Cleaned    model.ExtractSet
	Records    []model.TransformationRecord
	Rejections []model.Rejection
	Warnings   []model.Rejection
	Summary    model.CleaningSummary
}

// NewDataCleaner creates a cleaner
func NewDataCleaner(opts Options, logger *zap.Logger) (*DataCleaner, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.PartitionSize <= 0 {
		return nil, fmt.Errorf("partition size must be positive, got %d", opts.PartitionSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &DataCleaner{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock replaces the clock used for date plausibility and audit timestamps
func (c *DataCleaner) WithClock(now func() time.Time) *DataCleaner {
	c.now = now
	return c
}

// WithProgress registers a progress callback
func (c *DataCleaner) WithProgress(fn ProgressFunc) *DataCleaner {
	c.progress = fn
	return c
}

// Clean cleans every extract of the set. The input set is not modified.
func (c *DataCleaner) Clean(ctx context.Context, batchID string, set model.ExtractSet) (*Result, error) {
	start := time.Now()
	var results []*EntityResult
	for _, entity := range model.AllEntities() {
		ex, ok := set[entity]
		if !ok {
			continue
		}
		res, err := c.CleanExtract(ctx, batchID, ex)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	result := Merge(results)
	result.Summary.Duration = time.Since(start)

	c.logger.Info("Cleaning complete",
		zap.String("batchID", batchID),
		zap.Int("inputRows", result.Summary.TotalInput()),
		zap.Int("acceptedRows", result.Summary.TotalAccepted()),
		zap.Int("rejectedRows", result.Summary.TotalRejected()),
		zap.Int("warnings", result.Summary.Warnings),
		zap.Int("mutations", result.Summary.Mutations),
		zap.Duration("duration", result.Summary.Duration))

	return result, nil
}

// Merge combines per-entity results in entity order and numbers the
// transformation records.
func Merge(results []*EntityResult) *Result {
	out := &Result{
		Cleaned: make(model.ExtractSet, len(results)),
		Summary: model.CleaningSummary{
			InputRows:    make(map[model.EntityType]int),
			AcceptedRows: make(map[model.EntityType]int),
			RejectedRows: make(map[model.EntityType]int),
		},
	}

	sort.SliceStable(results, func(i, j int) bool {
		return entityOrder(results[i].Entity) < entityOrder(results[j].Entity)
	})

	for _, res := range results {
		out.Cleaned[res.Entity] = res.Cleaned
		out.Rejections = append(out.Rejections, res.Rejections...)
		out.Warnings = append(out.Warnings, res.Warnings...)
		out.Summary.InputRows[res.Entity] = res.InputRows
		out.Summary.AcceptedRows[res.Entity] = res.Cleaned.RowCount()
		out.Summary.RejectedRows[res.Entity] = len(res.Rejections)
		out.Summary.Warnings += len(res.Warnings)
		out.Summary.CoercionFails += res.CoercionFails
		for _, rec := range res.Records {
			rec.Sequence = len(out.Records) + 1
			out.Summary.Mutations += rec.RecordsAffected
			out.Records = append(out.Records, rec)
		}
	}
	return out
}

func entityOrder(e model.EntityType) int {
	for i, x := range model.AllEntities() {
		if x == e {
			return i
		}
	}
	return len(model.AllEntities())
}

// CleanExtract cleans one extract in partitions. Partitions are processed
// concurrently and merged in partition order so the output is deterministic.
func (c *DataCleaner) CleanExtract(ctx context.Context, batchID string, ex *model.SourceExtract) (*EntityResult, error) {
	if ex == nil || ex.Schema == nil {
		return nil, errors.New("extract and schema cannot be nil")
	}

	now := c.now()
	total := len(ex.Rows)
	duplicates := duplicateRows(ex)

	numParts := (total + c.opts.PartitionSize - 1) / c.opts.PartitionSize
	parts := make([]*partitionResult, numParts)
	var done int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for p := 0; p < numParts; p++ {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo := p * c.opts.PartitionSize
			hi := lo + c.opts.PartitionSize
			if hi > total {
				hi = total
			}
			rc := &rowCleaner{schema: ex.Schema, loc: c.opts.Location, now: now}
			parts[p] = rc.cleanPartition(ex, lo, hi, duplicates)

			n := atomic.AddInt64(&done, int64(hi-lo))
			if c.progress != nil {
				c.progress(ex.Entity, int(n), total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", ex.Entity, err)
	}

	cleaned := &model.SourceExtract{
		Entity:   ex.Entity,
		Schema:   ex.Schema,
		Columns:  ex.Schema.ColumnNames(),
		Checksum: ex.Checksum,
		Origin:   ex.Origin,
	}
	res := &EntityResult{Entity: ex.Entity, Cleaned: cleaned, InputRows: total}
	audit := newAuditLog()
	for _, part := range parts {
		cleaned.Rows = append(cleaned.Rows, part.rows...)
		res.Rejections = append(res.Rejections, part.rejections...)
		res.Warnings = append(res.Warnings, part.warnings...)
		res.CoercionFails += part.coercionFails
		audit.merge(part.audit)
	}
	res.Records = audit.records(batchID, ex.Schema, now)

	c.logger.Debug("Cleaned extract",
		zap.String("entity", string(ex.Entity)),
		zap.Int("inputRows", total),
		zap.Int("acceptedRows", len(cleaned.Rows)),
		zap.Int("rejectedRows", len(res.Rejections)),
		zap.Int("partitions", numParts))

	return res, nil
}

// duplicateRows marks every row whose primary key repeats an earlier row's.
// The first occurrence wins.
func duplicateRows(ex *model.SourceExtract) map[int]bool {
	pk := ex.Schema.PrimaryKey
	seen := make(map[int64]bool, len(ex.Rows))
	dups := make(map[int]bool)
	for i, row := range ex.Rows {
		id, err := model.ParseInt(row[pk])
		if err != nil {
			continue
		}
		if seen[id] {
			dups[i] = true
			continue
		}
		seen[id] = true
	}
	return dups
}

type partitionResult struct {
	rows          []model.Row
	rejections    []model.Rejection
	warnings      []model.Rejection
	coercionFails int
	audit         *auditLog
}

type rowCleaner struct {
	schema *model.EntitySchema
	loc    *time.Location
	now    time.Time
}

func (rc *rowCleaner) cleanPartition(ex *model.SourceExtract, lo, hi int, duplicates map[int]bool) *partitionResult {
	out := &partitionResult{audit: newAuditLog()}
	for i := lo; i < hi; i++ {
		row, changes, reject, warnings, fails := rc.cleanRow(ex.Rows[i], i)
		out.coercionFails += fails

		if reject == nil && duplicates[i] {
			reject = rc.rejection(i, ex.Rows[i], RuleDuplicateKey, model.RejectionMedium,
				fmt.Sprintf("%s %v repeats an earlier row", rc.schema.PrimaryKey, ex.Rows[i][rc.schema.PrimaryKey]))
		}
		if reject != nil {
			out.rejections = append(out.rejections, *reject)
			continue
		}

		out.rows = append(out.rows, row)
		out.warnings = append(out.warnings, warnings...)
		key := rowKey(rc.schema, row, i)
		for _, ch := range changes {
			out.audit.add(ch, key)
		}
	}
	return out
}

// cleanRow cleans one row. It returns the most severe rejection, if any;
// changes and warnings only count when the row is accepted.
func (rc *rowCleaner) cleanRow(raw model.Row, idx int) (model.Row, []change, *model.Rejection, []model.Rejection, int) {
	row := make(model.Row, len(rc.schema.Columns))
	var (
		changes  []change
		warnings []model.Rejection
		reject   *model.Rejection
		fails    int
	)

	consider := func(ruleID string, sev model.RejectionSeverity, reason string) {
		if reject == nil || sev > reject.Severity {
			reject = rc.rejection(idx, raw, ruleID, sev, reason)
		}
	}
	warn := func(ruleID, reason string) {
		w := rc.rejection(idx, raw, ruleID, model.RejectionLow, reason)
		warnings = append(warnings, *w)
	}

	for i := range rc.schema.Columns {
		col := &rc.schema.Columns[i]
		value := raw[col.Name]

		if s, ok := value.(string); ok {
			if !utf8.ValidString(s) {
				consider(RuleEncoding, model.RejectionCritical, fmt.Sprintf("%s is not valid UTF-8", col.Name))
				continue
			}
			if strings.TrimSpace(s) == "" {
				changes = append(changes, change{column: col.Name, op: blankOp(col.Kind), before: value, after: nil})
				value = nil
			}
		}

		if value != nil {
			cleaned, chgs, err := rc.standardize(value, col)
			changes = append(changes, chgs...)
			if err != nil {
				switch {
				case col.IsPrimaryKey:
					consider(RuleBadKey, model.RejectionCritical, fmt.Sprintf("%s: %v", col.Name, err))
				case col.Missing == model.PolicyReject:
					consider(RuleBadValue, model.RejectionHigh, fmt.Sprintf("%s: %v", col.Name, err))
				default:
					fails++
					warn(RuleCoercion, fmt.Sprintf("%s set to null: %v", col.Name, err))
				}
				row[col.Name] = nil
				continue
			}
			value = cleaned
		}

		if value == nil {
			switch col.Missing {
			case model.PolicyReject:
				if col.IsPrimaryKey {
					consider(RuleMissingKey, model.RejectionCritical, fmt.Sprintf("%s is missing", col.Name))
				} else {
					consider(RuleMissingRequired, model.RejectionHigh, fmt.Sprintf("%s is missing", col.Name))
				}
			case model.PolicyDefault:
				v, chg := applyDefault(raw[col.Name], col)
				changes = append(changes, *chg)
				value = v
			default:
				if col.ExpectedFill.Min >= 0.9 {
					warn(RuleMissingExpected, fmt.Sprintf("%s is missing", col.Name))
				}
			}
			row[col.Name] = value
			continue
		}

		if t, ok := value.(time.Time); ok {
			earliest, latest := model.PlausibleDates(rc.now)
			if t.Before(earliest) || (!col.AllowFuture && t.After(latest)) {
				consider(RuleDateRange, model.RejectionHigh,
					fmt.Sprintf("%s %s outside plausible range", col.Name, t.Format(time.RFC3339)))
			}
		}
		if col.Kind == model.KindEnum {
			if !model.KindEnum.Conforms(value, col.EnumValues) {
				warn(RuleUnknownCategory, fmt.Sprintf("%s %q is not a known value", col.Name, model.ToString(value)))
			}
		}
		row[col.Name] = value
	}

	for _, order := range rc.schema.Temporal {
		earlier, ok1 := row[order.Earlier].(time.Time)
		later, ok2 := row[order.Later].(time.Time)
		if ok1 && ok2 && later.Before(earlier) {
			consider(RuleTemporalOrder, model.RejectionMedium,
				fmt.Sprintf("%s precedes %s", order.Later, order.Earlier))
		}
	}

	return row, changes, reject, warnings, fails
}

// standardize converts a non-null value to the column's kind. An enum value
// can be changed twice: text cleaning, then case canonicalization.
func (rc *rowCleaner) standardize(value interface{}, col *model.Column) (interface{}, []change, error) {
	var (
		v   interface{}
		chg *change
		err error
	)
	switch col.Kind {
	case model.KindText:
		v, chg = cleanText(value, col)
	case model.KindEnum:
		return standardizeEnum(value, col)
	case model.KindTimestamp:
		v, chg, err = standardizeTimestamp(value, col, rc.loc)
	case model.KindIntegerID:
		v, chg, err = standardizeInteger(value, col)
	case model.KindFloatMeasure:
		v, chg, err = standardizeFloat(value, col)
	case model.KindBooleanFlag:
		v, chg, err = standardizeBoolean(value, col)
	default:
		return value, nil, nil
	}
	if chg == nil {
		return v, nil, err
	}
	return v, []change{*chg}, err
}

func standardizeEnum(value interface{}, col *model.Column) (interface{}, []change, error) {
	var changes []change
	v, chg := cleanText(value, col)
	if chg != nil {
		changes = append(changes, *chg)
	}
	s, ok := v.(string)
	if !ok {
		return v, changes, nil
	}
	if canonical, found := canonicalEnum(s, col.EnumValues); found && canonical != s {
		changes = append(changes, change{column: col.Name, op: model.OpTypeNormalize, before: s, after: canonical})
		return canonical, changes, nil
	}
	return v, changes, nil
}

func (rc *rowCleaner) rejection(idx int, raw model.Row, ruleID string, sev model.RejectionSeverity, reason string) *model.Rejection {
	return &model.Rejection{
		Entity:   rc.schema.Entity,
		RowIndex: idx,
		RuleID:   ruleID,
		Reason:   reason,
		Severity: sev,
		Original: raw.Clone(),
	}
}

func rowKey(schema *model.EntitySchema, row model.Row, idx int) string {
	if v, ok := row[schema.PrimaryKey]; ok && v != nil {
		return fmt.Sprintf("%s=%s", schema.PrimaryKey, model.ToString(v))
	}
	return fmt.Sprintf("row=%d", idx)
}

type auditKey struct {
	column string
	op     model.TransformationOp
}

type auditEntry struct {
	count   int
	samples []model.ChangeSample
}

// auditLog accumulates mutations per (column, operation)
type auditLog struct {
	entries map[auditKey]*auditEntry
}

func newAuditLog() *auditLog {
	return &auditLog{entries: make(map[auditKey]*auditEntry)}
}

func (a *auditLog) add(ch change, rowKey string) {
	k := auditKey{column: ch.column, op: ch.op}
	e, ok := a.entries[k]
	if !ok {
		e = &auditEntry{}
		a.entries[k] = e
	}
	e.count++
	if len(e.samples) < MaxSamples {
		e.samples = append(e.samples, model.ChangeSample{
			RowKey: rowKey,
			Before: displayValue(ch.before),
			After:  displayValue(ch.after),
		})
	}
}

// merge folds a later partition into a
func (a *auditLog) merge(other *auditLog) {
	for k, o := range other.entries {
		e, ok := a.entries[k]
		if !ok {
			e = &auditEntry{}
			a.entries[k] = e
		}
		e.count += o.count
		for _, s := range o.samples {
			if len(e.samples) >= MaxSamples {
				break
			}
			e.samples = append(e.samples, s)
		}
	}
}

// records emits one record per touched (column, operation) in schema column
// order, then operation order
func (a *auditLog) records(batchID string, schema *model.EntitySchema, at time.Time) []model.TransformationRecord {
	var out []model.TransformationRecord
	for _, col := range schema.Columns {
		for _, op := range model.AllTransformationOps() {
			e, ok := a.entries[auditKey{column: col.Name, op: op}]
			if !ok || e.count == 0 {
				continue
			}
			out = append(out, model.TransformationRecord{
				BatchID:         batchID,
				Timestamp:       at,
				Entity:          schema.Entity,
				Column:          col.Name,
				Operation:       op,
				RecordsAffected: e.count,
				Reason:          opReasons[op],
				Samples:         e.samples,
			})
		}
	}
	return out
}
