package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is one record keyed by column name
type Row map[string]interface{}

// Clone returns a shallow copy of the row; values are immutable scalars
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SourceExtract is one tabular extract. The pipeline never mutates it.
type SourceExtract struct {
	Entity   EntityType
	Schema   *EntitySchema
	Columns  []string // header as delivered
	Rows     []Row
	Checksum string // sha256 of the delivered bytes
	Origin   string // file path or source table
}

// RowCount returns the number of data rows
func (e *SourceExtract) RowCount() int {
	if e == nil {
		return 0
	}
	return len(e.Rows)
}

// Copy returns a deep copy whose rows can be modified freely
func (e *SourceExtract) Copy() *SourceExtract {
	out := *e
	out.Columns = append([]string(nil), e.Columns...)
	out.Rows = make([]Row, len(e.Rows))
	for i, r := range e.Rows {
		out.Rows[i] = r.Clone()
	}
	return &out
}

// ExtractSet holds the three extracts of one delivery
type ExtractSet map[EntityType]*SourceExtract

// Checksum combines the per-extract checksums in entity order. Two deliveries
// with identical bytes produce the same value.
func (s ExtractSet) Checksum() string {
	h := sha256.New()
	for _, e := range AllEntities() {
		ex, ok := s[e]
		if !ok {
			continue
		}
		fmt.Fprintf(h, "%s=%s;", e, ex.Checksum)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TotalRows returns the total row count across extracts
func (s ExtractSet) TotalRows() int {
	total := 0
	for _, ex := range s {
		total += ex.RowCount()
	}
	return total
}

// Copy deep-copies every extract
func (s ExtractSet) Copy() ExtractSet {
	out := make(ExtractSet, len(s))
	for k, v := range s {
		out[k] = v.Copy()
	}
	return out
}

// EncodeRow serializes a row to JSON with sorted keys. Timestamps are RFC3339.
func EncodeRow(r Row) ([]byte, error) {
	plain := make(map[string]interface{}, len(r))
	for k, v := range r {
		if t, ok := v.(time.Time); ok {
			plain[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		plain[k] = v
	}
	// encoding/json sorts map keys
	return json.Marshal(plain)
}

// DecodeRow restores a cleaned row from JSON using the schema's column kinds
func DecodeRow(schema *EntitySchema, data []byte) (Row, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	row := make(Row, len(raw))
	for name, v := range raw {
		col := schema.GetColumnByName(name)
		if col == nil || v == nil {
			row[name] = v
			continue
		}
		typed, err := restoreKind(col.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		row[name] = typed
	}
	return row, nil
}

func restoreKind(kind ColumnKind, v interface{}) (interface{}, error) {
	switch kind {
	case KindIntegerID:
		return ParseInt(v)
	case KindFloatMeasure:
		return ParseFloat(v)
	case KindBooleanFlag:
		return ParseBool(v)
	case KindTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", v)
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		return ToString(v), nil
	}
}

// RowChecksum hashes rows in a canonical form: rows sorted by primary key,
// columns in schema order. Used to compare loaded data with what was sent.
func RowChecksum(schema *EntitySchema, rows []Row) string {
	lines := make([]string, 0, len(rows))
	names := schema.ColumnNames()
	for _, r := range rows {
		var sb strings.Builder
		for i, n := range names {
			if i > 0 {
				sb.WriteByte('|')
			}
			sb.WriteString(canonicalValue(r[n]))
		}
		lines = append(lines, sb.String())
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "\x00"
	case time.Time:
		return val.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
	default:
		return ToString(val)
	}
}
