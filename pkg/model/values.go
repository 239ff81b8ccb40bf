package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is one accepted source date format
type TimestampLayout struct {
	Name   string
	Layout string
}

// timestampLayouts are the regional formats seen in the helpdesk extracts.
// Slash dates are US month-first; dotted dates are day-first. A slash date
// with a day in the month position is unparseable rather than reinterpreted.
var timestampLayouts = []TimestampLayout{
	{Name: "rfc3339", Layout: time.RFC3339},
	{Name: "iso_local", Layout: "2006-01-02T15:04:05"},
	{Name: "sql", Layout: "2006-01-02 15:04:05"},
	{Name: "sql_minutes", Layout: "2006-01-02 15:04"},
	{Name: "iso_date", Layout: "2006-01-02"},
	{Name: "us_datetime", Layout: "1/2/2006 15:04:05"},
	{Name: "us_datetime_short", Layout: "1/2/2006 15:04"},
	{Name: "us_datetime_12h", Layout: "1/2/2006 3:04:05 PM"},
	{Name: "us_datetime_12h_short", Layout: "1/2/2006 3:04 PM"},
	{Name: "us_date", Layout: "1/2/2006"},
	{Name: "eu_datetime", Layout: "2.1.2006 15:04"},
	{Name: "eu_date", Layout: "2.1.2006"},
	{Name: "slash_iso", Layout: "2006/01/02"},
	{Name: "long_month", Layout: "Jan 2, 2006"},
	{Name: "oracle", Layout: "02-Jan-2006"},
}

// TimestampLayouts returns the accepted layouts in match order
func TimestampLayouts() []TimestampLayout {
	out := make([]TimestampLayout, len(timestampLayouts))
	copy(out, timestampLayouts)
	return out
}

// IsNull reports whether a value counts as missing: nil, or a string that is
// empty after trimming.
func IsNull(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []byte:
		return strings.TrimSpace(string(val)) == ""
	default:
		return false
	}
}

// ToString converts a value to its string form. Timestamps use RFC3339.
func ToString(v interface{}) string {
	if v == nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ParseInt reads an integer identifier. Fractional floats are rejected.
func ParseInt(v interface{}) (int64, error) {
	if v == nil {
		return 0, errors.New("nil value")
	}

	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return 0, errors.New("uint64 value overflow for int64")
		}
		return int64(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || math.IsNaN(val) {
			return 0, fmt.Errorf("non-integral value %v", val)
		}
		return int64(val), nil
	case string, []byte:
		cleaned := strings.TrimSpace(ToString(val))
		if cleaned == "" {
			return 0, errors.New("empty string")
		}
		return strconv.ParseInt(cleaned, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// ParseFloat reads a numeric measure. Thousands separators are not accepted.
func ParseFloat(v interface{}) (float64, error) {
	if v == nil {
		return 0, errors.New("nil value")
	}

	switch val := v.(type) {
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, fmt.Errorf("non-finite value %v", val)
		}
		return val, nil
	case string, []byte:
		cleaned := strings.TrimSpace(ToString(val))
		if cleaned == "" {
			return 0, errors.New("empty string")
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("non-finite value %q", cleaned)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

// ParseBool reads a flag value
func ParseBool(v interface{}) (bool, error) {
	if v == nil {
		return false, errors.New("nil value")
	}

	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	case int:
		return val != 0, nil
	case string, []byte:
		cleaned := strings.TrimSpace(strings.ToLower(ToString(val)))
		switch cleaned {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		default:
			return false, fmt.Errorf("cannot parse '%s' as boolean", ToString(val))
		}
	default:
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
}

// ParseTimestamp reads a timestamp in UTC and reports which layout matched
func ParseTimestamp(v interface{}) (time.Time, string, error) {
	return ParseTimestampIn(v, time.UTC)
}

// ParseTimestampIn reads a timestamp, interpreting zone-less layouts in loc.
// The result is always normalized to UTC.
func ParseTimestampIn(v interface{}, loc *time.Location) (time.Time, string, error) {
	if v == nil {
		return time.Time{}, "", errors.New("nil value")
	}
	if loc == nil {
		loc = time.UTC
	}

	switch val := v.(type) {
	case time.Time:
		return val.UTC(), "native", nil
	case string, []byte:
		cleaned := strings.TrimSpace(ToString(val))
		if cleaned == "" {
			return time.Time{}, "", errors.New("empty string")
		}
		for _, l := range timestampLayouts {
			if t, err := time.ParseInLocation(l.Layout, cleaned, loc); err == nil {
				return t.UTC(), l.Name, nil
			}
		}
		return time.Time{}, "", fmt.Errorf("cannot parse time from '%s'", cleaned)
	default:
		return time.Time{}, "", fmt.Errorf("cannot convert %T to time", v)
	}
}

// EarliestPlausibleDate is the lower bound for business timestamps
var EarliestPlausibleDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// PlausibleDates returns the accepted window for business timestamps:
// from EarliestPlausibleDate up to one day after now
func PlausibleDates(now time.Time) (time.Time, time.Time) {
	return EarliestPlausibleDate, now.UTC().Add(24 * time.Hour)
}

// MaxHoursPerEntry bounds a single time entry
const MaxHoursPerEntry = 24.0
