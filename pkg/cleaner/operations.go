package cleaner

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// change is one value mutation, committed to the audit only if its row is accepted
type change struct {
	column string
	op     model.TransformationOp
	before interface{}
	after  interface{}
}

// normalizeText trims, unifies line breaks to LF, removes NUL bytes,
// collapses runs of three or more line breaks to two and applies NFC.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	s = collapseNewlines(s)
	s = strings.TrimSpace(s)
	return norm.NFC.String(s)
}

func collapseNewlines(s string) string {
	if !strings.Contains(s, "\n\n\n") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	run := 0
	for _, r := range s {
		if r == '\n' {
			run++
			if run > 2 {
				continue
			}
		} else {
			run = 0
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// cleanText applies text cleaning. An empty result becomes nil.
func cleanText(value interface{}, col *model.Column) (interface{}, *change) {
	s, ok := value.(string)
	if !ok {
		s = model.ToString(value)
	}
	cleaned := normalizeText(s)

	var out interface{} = cleaned
	if cleaned == "" {
		out = nil
	}
	if ok && cleaned == s {
		return value, nil
	}
	return out, &change{column: col.Name, op: model.OpTextClean, before: value, after: out}
}

// canonicalEnum matches s case-insensitively against the allowed values
func canonicalEnum(s string, allowed []string) (string, bool) {
	for _, a := range allowed {
		if s == a {
			return a, true
		}
	}
	for _, a := range allowed {
		if strings.EqualFold(s, a) {
			return a, true
		}
	}
	return s, false
}

// standardizeTimestamp converts a value to a UTC time.Time. Zone-less
// layouts are read in loc.
func standardizeTimestamp(value interface{}, col *model.Column, loc *time.Location) (interface{}, *change, error) {
	if t, ok := value.(time.Time); ok {
		if t.Location() == time.UTC {
			return t, nil, nil
		}
		return t.UTC(), &change{column: col.Name, op: model.OpDateStandardize, before: value, after: t.UTC()}, nil
	}

	t, _, err := model.ParseTimestampIn(value, loc)
	if err != nil {
		return nil, &change{column: col.Name, op: model.OpDateStandardize, before: value, after: nil},
			fmt.Errorf("unparseable timestamp: %w", err)
	}
	return t, &change{column: col.Name, op: model.OpDateStandardize, before: value, after: t}, nil
}

// standardizeInteger converts value to int64
func standardizeInteger(value interface{}, col *model.Column) (interface{}, *change, error) {
	if _, ok := value.(int64); ok {
		return value, nil, nil
	}
	intVal, err := model.ParseInt(value)
	if err != nil {
		return nil, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: nil},
			fmt.Errorf("cannot convert to integer: %w", err)
	}
	return intVal, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: intVal}, nil
}

// standardizeFloat converts value to float64
func standardizeFloat(value interface{}, col *model.Column) (interface{}, *change, error) {
	if _, ok := value.(float64); ok {
		return value, nil, nil
	}
	floatVal, err := model.ParseFloat(value)
	if err != nil {
		return nil, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: nil},
			fmt.Errorf("cannot convert to float: %w", err)
	}
	return floatVal, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: floatVal}, nil
}

// standardizeBoolean converts value to bool
func standardizeBoolean(value interface{}, col *model.Column) (interface{}, *change, error) {
	if _, ok := value.(bool); ok {
		return value, nil, nil
	}
	boolVal, err := model.ParseBool(value)
	if err != nil {
		return nil, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: nil},
			fmt.Errorf("cannot convert to boolean: %w", err)
	}
	return boolVal, &change{column: col.Name, op: model.OpTypeNormalize, before: value, after: boolVal}, nil
}

// applyDefault fills a missing value with the column's documented default.
// Measures and flags are imputed; categories and text get a business default.
func applyDefault(before interface{}, col *model.Column) (interface{}, *change) {
	op := model.OpMissingValueImpute
	if col.Kind == model.KindEnum || col.Kind == model.KindText {
		op = model.OpDefaultApply
	}
	return col.Default, &change{column: col.Name, op: op, before: before, after: col.Default}
}

// blankOp is the operation that records a whitespace-only value being nulled
func blankOp(kind model.ColumnKind) model.TransformationOp {
	switch kind {
	case model.KindText, model.KindEnum:
		return model.OpTextClean
	case model.KindTimestamp:
		return model.OpDateStandardize
	default:
		return model.OpTypeNormalize
	}
}

// displayValue renders a value for before/after samples
func displayValue(v interface{}) string {
	if v == nil {
		return "null"
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return model.ToString(v)
}

var opReasons = map[model.TransformationOp]string{
	model.OpDateStandardize:    "regional date layouts converted to UTC; unparseable dates set to null",
	model.OpTypeNormalize:      "values converted to the column's declared type; unconvertible values set to null",
	model.OpMissingValueImpute: "missing value replaced by the documented default",
	model.OpTextClean:          "trimmed, line breaks unified, NUL removed, NFC normalized",
	model.OpDefaultApply:       "missing category set to the conservative business default",
}
