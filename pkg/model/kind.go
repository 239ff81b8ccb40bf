package model

import (
	"fmt"
	"time"
)

// ColumnKind is the closed set of column kinds the pipeline understands.
type ColumnKind int

const (
	KindIntegerID ColumnKind = iota
	KindTimestamp
	KindFloatMeasure
	KindBooleanFlag
	KindText
	KindEnum
)

// AllColumnKinds lists every ColumnKind in inference priority order.
// Stricter kinds come first so that "42" is inferred as an id and not as text.
func AllColumnKinds() []ColumnKind {
	return []ColumnKind{
		KindIntegerID,
		KindFloatMeasure,
		KindBooleanFlag,
		KindTimestamp,
		KindEnum,
		KindText,
	}
}

// String returns the wire name of the kind
func (k ColumnKind) String() string {
	switch k {
	case KindIntegerID:
		return "integer_id"
	case KindTimestamp:
		return "timestamp"
	case KindFloatMeasure:
		return "float_measure"
	case KindBooleanFlag:
		return "boolean_flag"
	case KindText:
		return "text"
	case KindEnum:
		return "enum"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Conforms reports whether a non-null value can be read as the given kind.
// Enum conformance is membership in allowed; an empty allowed list accepts any text.
func (k ColumnKind) Conforms(value interface{}, allowed []string) bool {
	if IsNull(value) {
		return false
	}
	switch k {
	case KindIntegerID:
		_, err := ParseInt(value)
		return err == nil
	case KindFloatMeasure:
		_, err := ParseFloat(value)
		return err == nil
	case KindBooleanFlag:
		_, err := ParseBool(value)
		return err == nil
	case KindTimestamp:
		_, _, err := ParseTimestamp(value)
		return err == nil
	case KindEnum:
		if len(allowed) == 0 {
			_, ok := value.(string)
			return ok
		}
		s := ToString(value)
		for _, a := range allowed {
			if s == a {
				return true
			}
		}
		return false
	case KindText:
		switch value.(type) {
		case string, []byte:
			return true
		}
		return false
	default:
		return false
	}
}

// Holds reports whether a cleaned value already has the Go type the kind
// is stored as. Used for post-clean type homogeneity checks.
func (k ColumnKind) Holds(value interface{}) bool {
	switch k {
	case KindIntegerID:
		_, ok := value.(int64)
		return ok
	case KindFloatMeasure:
		_, ok := value.(float64)
		return ok
	case KindBooleanFlag:
		_, ok := value.(bool)
		return ok
	case KindTimestamp:
		_, ok := value.(time.Time)
		return ok
	case KindText, KindEnum:
		_, ok := value.(string)
		return ok
	default:
		return false
	}
}
