package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/converter"
	"github.com/David-Botos/quality-ingress/pkg/model"
)

// RowDiscrepancy represents a discrepancy between a sent row and its stored copy
type RowDiscrepancy struct {
	RowID       string
	ColumnName  string
	SourceValue interface{}
	TargetValue interface{}
	Discrepancy string
}

// StructureDiscrepancy represents a discrepancy in table structure
type StructureDiscrepancy struct {
	ColumnName   string
	ExpectedType string
	ActualType   string
	IsMissing    bool
}

// VerificationReport contains the results of a table verification
type VerificationReport struct {
	Schema                 string
	Table                  string
	VerificationTime       time.Time
	RowCountMatches        bool
	ExpectedRowCount       int64
	TargetRowCount         int64
	StructureMatches       bool
	StructureDiscrepancies []StructureDiscrepancy
	SampleVerified         bool
	SampleSize             int
	ChecksumMatches        bool
	SampleDiscrepancies    []RowDiscrepancy
	Duration               time.Duration
}

// OK reports whether every check passed
func (r *VerificationReport) OK() bool {
	return r.RowCountMatches && r.StructureMatches && r.SampleVerified && r.ChecksumMatches
}

// Failures summarizes what did not match
func (r *VerificationReport) Failures() []string {
	var out []string
	if !r.RowCountMatches {
		out = append(out, fmt.Sprintf("%s: expected %d rows, found %d", r.Table, r.ExpectedRowCount, r.TargetRowCount))
	}
	for _, d := range r.StructureDiscrepancies {
		switch {
		case d.IsMissing:
			out = append(out, fmt.Sprintf("%s.%s: column missing", r.Table, d.ColumnName))
		case d.ExpectedType == "":
			out = append(out, fmt.Sprintf("%s.%s: unexpected column", r.Table, d.ColumnName))
		default:
			out = append(out, fmt.Sprintf("%s.%s: stored as %s, expected %s", r.Table, d.ColumnName, d.ActualType, d.ExpectedType))
		}
	}
	if !r.ChecksumMatches && len(r.SampleDiscrepancies) == 0 {
		out = append(out, fmt.Sprintf("%s: read-back checksum differs", r.Table))
	}
	for i, d := range r.SampleDiscrepancies {
		if i == 5 {
			out = append(out, fmt.Sprintf("%s: %d more discrepancies", r.Table, len(r.SampleDiscrepancies)-i))
			break
		}
		out = append(out, fmt.Sprintf("%s %s.%s: %s", r.Table, d.RowID, d.ColumnName, d.Discrepancy))
	}
	return out
}

// VerifyScope selects how rows are counted
type VerifyScope int

const (
	// ScopeKeys counts only the keys that were sent; the table may hold more
	ScopeKeys VerifyScope = iota
	// ScopeTable expects the table to hold exactly the rows sent
	ScopeTable
)

// Verifier checks written rows inside the write transaction before commit
type Verifier struct {
	logger     *zap.Logger
	timeout    time.Duration
	sampleSize int
}

// NewVerifier creates a new verifier
func NewVerifier(logger *zap.Logger) *Verifier {
	return &Verifier{
		logger:     logger,
		timeout:    time.Minute * 5,
		sampleSize: 500,
	}
}

// WithTimeout sets a custom timeout for verification operations
func (v *Verifier) WithTimeout(timeout time.Duration) *Verifier {
	v.timeout = timeout
	return v
}

// WithSampleSize sets how many rows are read back. Zero or less reads back every row.
func (v *Verifier) WithSampleSize(n int) *Verifier {
	v.sampleSize = n
	return v
}

// VerifyTable runs the row count, structure and read-back checks for one
// entity. A sampleSize of zero uses the verifier default; a negative one
// reads back every row.
func (v *Verifier) VerifyTable(
	ctx context.Context,
	r Reader,
	schema string,
	es *model.EntitySchema,
	sent []model.Row,
	scope VerifyScope,
	sampleSize int,
) (*VerificationReport, error) {
	start := time.Now()
	if sampleSize == 0 {
		sampleSize = v.sampleSize
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	report := &VerificationReport{
		Schema:           schema,
		Table:            string(es.Entity),
		VerificationTime: start,
	}

	var err error
	report.RowCountMatches, report.ExpectedRowCount, report.TargetRowCount, err = v.VerifyRowCount(ctx, r, schema, es, sent, scope)
	if err != nil {
		return nil, err
	}

	report.StructureMatches, report.StructureDiscrepancies, err = v.VerifyTableStructure(ctx, r, schema, es)
	if err != nil {
		return nil, err
	}

	report.SampleSize, report.ChecksumMatches, report.SampleDiscrepancies, err = v.VerifySampleRows(ctx, r, schema, es, sent, sampleSize)
	if err != nil {
		return nil, err
	}
	report.SampleVerified = len(report.SampleDiscrepancies) == 0
	report.Duration = time.Since(start)
	return report, nil
}

// VerifyRowCount compares the number of stored rows with the number sent
func (v *Verifier) VerifyRowCount(
	ctx context.Context,
	r Reader,
	schema string,
	es *model.EntitySchema,
	sent []model.Row,
	scope VerifyScope,
) (bool, int64, int64, error) {
	expected := int64(len(sent))
	var actual int64
	var err error
	if scope == ScopeTable {
		actual, err = r.CountAll(ctx, schema, es)
	} else {
		var keys []int64
		keys, err = primaryKeys(es, sent)
		if err != nil {
			return false, 0, 0, err
		}
		actual, err = r.CountKeys(ctx, schema, es, keys)
	}
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to count target rows: %w", err)
	}

	matches := expected == actual
	if matches {
		v.logger.Debug("Row count verification successful",
			zap.String("schema", schema),
			zap.String("table", string(es.Entity)),
			zap.Int64("count", actual))
	} else {
		v.logger.Warn("Row count mismatch",
			zap.String("schema", schema),
			zap.String("table", string(es.Entity)),
			zap.Int64("expected", expected),
			zap.Int64("actual", actual),
			zap.Int64("difference", expected-actual))
	}
	return matches, expected, actual, nil
}

var pgTypeAliases = map[string]string{
	"timestamptz": "timestamp with time zone",
	"int8":        "bigint",
	"float8":      "double precision",
	"bool":        "boolean",
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if alias, ok := pgTypeAliases[t]; ok {
		return alias
	}
	return t
}

// VerifyTableStructure checks that every column is stored with the type its
// kind maps to. Timestamps stored as anything but TIMESTAMPTZ fail.
func (v *Verifier) VerifyTableStructure(
	ctx context.Context,
	r Reader,
	schema string,
	es *model.EntitySchema,
) (bool, []StructureDiscrepancy, error) {
	actual, err := r.Columns(ctx, schema, es)
	if err != nil {
		return false, nil, fmt.Errorf("failed to get table structure: %w", err)
	}

	actualMap := make(map[string]ColumnInfo, len(actual))
	for _, c := range actual {
		actualMap[strings.ToLower(c.Name)] = c
	}

	var discrepancies []StructureDiscrepancy
	for _, col := range es.Columns {
		expected := converter.PostgresType(col.Kind)
		got, ok := actualMap[col.Name]
		if !ok {
			discrepancies = append(discrepancies, StructureDiscrepancy{
				ColumnName:   col.Name,
				ExpectedType: expected,
				IsMissing:    true,
			})
			continue
		}
		delete(actualMap, col.Name)
		if normalizeType(expected) != normalizeType(got.DataType) {
			discrepancies = append(discrepancies, StructureDiscrepancy{
				ColumnName:   col.Name,
				ExpectedType: expected,
				ActualType:   got.DataType,
			})
		}
	}
	for _, extra := range actual {
		if _, ok := actualMap[strings.ToLower(extra.Name)]; ok {
			discrepancies = append(discrepancies, StructureDiscrepancy{
				ColumnName: extra.Name,
				ActualType: extra.DataType,
			})
		}
	}

	if len(discrepancies) > 0 {
		v.logger.Warn("Table structure discrepancies found",
			zap.String("schema", schema),
			zap.String("table", string(es.Entity)),
			zap.Int("discrepancies", len(discrepancies)))
	}
	return len(discrepancies) == 0, discrepancies, nil
}

// VerifySampleRows reads back an evenly spaced sample of the sent rows and
// compares them value by value and by checksum
func (v *Verifier) VerifySampleRows(
	ctx context.Context,
	r Reader,
	schema string,
	es *model.EntitySchema,
	sent []model.Row,
	sampleSize int,
) (int, bool, []RowDiscrepancy, error) {
	sample := sampleRows(sent, sampleSize)
	if len(sample) == 0 {
		return 0, true, nil, nil
	}

	keys, err := primaryKeys(es, sample)
	if err != nil {
		return 0, false, nil, err
	}
	stored, err := r.ReadBack(ctx, schema, es, keys)
	if err != nil {
		return 0, false, nil, fmt.Errorf("failed to read back sample rows: %w", err)
	}

	byKey := make(map[int64]model.Row, len(stored))
	for _, row := range stored {
		k, err := model.ParseInt(row[es.PrimaryKey])
		if err != nil {
			return 0, false, nil, fmt.Errorf("stored row has bad primary key: %w", err)
		}
		byKey[k] = row
	}

	discrepancies := compareRows(es, sample, keys, byKey)
	checksum := model.RowChecksum(es, sample) == model.RowChecksum(es, stored)

	if len(discrepancies) > 0 || !checksum {
		v.logger.Warn("Sample row discrepancies found",
			zap.String("schema", schema),
			zap.String("table", string(es.Entity)),
			zap.Int("sampleSize", len(sample)),
			zap.Int("discrepancies", len(discrepancies)))
	}
	return len(sample), checksum, discrepancies, nil
}

func compareRows(es *model.EntitySchema, sent []model.Row, keys []int64, stored map[int64]model.Row) []RowDiscrepancy {
	var out []RowDiscrepancy
	for i, src := range sent {
		rowID := fmt.Sprintf("%s=%d", es.PrimaryKey, keys[i])
		dst, ok := stored[keys[i]]
		if !ok {
			out = append(out, RowDiscrepancy{RowID: rowID, Discrepancy: "row missing from target"})
			continue
		}
		for _, col := range es.Columns {
			a, b := canonical(src[col.Name]), canonical(dst[col.Name])
			if a != b {
				out = append(out, RowDiscrepancy{
					RowID:       rowID,
					ColumnName:  col.Name,
					SourceValue: src[col.Name],
					TargetValue: dst[col.Name],
					Discrepancy: fmt.Sprintf("sent %q, stored %q", a, b),
				})
			}
		}
	}
	return out
}

// canonical renders a value the way Postgres round-trips it: timestamps at
// microsecond precision in UTC
func canonical(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<null>"
	case time.Time:
		return val.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
	default:
		return model.ToString(val)
	}
}

func primaryKeys(es *model.EntitySchema, rows []model.Row) ([]int64, error) {
	keys := make([]int64, len(rows))
	for i, r := range rows {
		k, err := model.ParseInt(r[es.PrimaryKey])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad primary key: %w", es.Entity, i, err)
		}
		keys[i] = k
	}
	return keys, nil
}

// sampleRows picks n evenly spaced rows; n <= 0 or n >= len(rows) returns all
func sampleRows(rows []model.Row, n int) []model.Row {
	if n <= 0 || n >= len(rows) {
		return rows
	}
	out := make([]model.Row, n)
	step := float64(len(rows)) / float64(n)
	for i := range out {
		out[i] = rows[int(float64(i)*step)]
	}
	return out
}
