package model

import (
	"fmt"
	"time"
)

// TransformationOp is the kind of mutation the cleaner performed
type TransformationOp int

const (
	OpDateStandardize TransformationOp = iota
	OpTypeNormalize
	OpMissingValueImpute
	OpTextClean
	OpDefaultApply
)

// AllTransformationOps lists every operation in the order the cleaner applies them
func AllTransformationOps() []TransformationOp {
	return []TransformationOp{
		OpTextClean,
		OpDateStandardize,
		OpTypeNormalize,
		OpMissingValueImpute,
		OpDefaultApply,
	}
}

// String returns the operation name
func (o TransformationOp) String() string {
	switch o {
	case OpDateStandardize:
		return "date_standardize"
	case OpTypeNormalize:
		return "type_normalize"
	case OpMissingValueImpute:
		return "missing_value_impute"
	case OpTextClean:
		return "text_clean"
	case OpDefaultApply:
		return "default_apply"
	default:
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
}

// MarshalText encodes the operation by name
func (o TransformationOp) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an operation name
func (o *TransformationOp) UnmarshalText(b []byte) error {
	v, err := ParseTransformationOp(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseTransformationOp parses an operation name
func ParseTransformationOp(name string) (TransformationOp, error) {
	for _, o := range AllTransformationOps() {
		if o.String() == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown transformation operation %q", name)
}

// ChangeSample is one before/after pair kept for lineage
type ChangeSample struct {
	RowKey string `json:"row_key"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// TransformationRecord audits every mutation of one (entity, column, operation)
// tuple in a batch. Records are append-only.
type TransformationRecord struct {
	Sequence        int              `json:"sequence"`
	BatchID         string           `json:"batch_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Entity          EntityType       `json:"entity"`
	Column          string           `json:"column"`
	Operation       TransformationOp `json:"operation"`
	RecordsAffected int              `json:"records_affected"`
	Reason          string           `json:"reason"`
	Samples         []ChangeSample   `json:"samples"`
}

// CleaningSummary reports counts from one cleaning run
type CleaningSummary struct {
	InputRows     map[EntityType]int `json:"input_rows"`
	AcceptedRows  map[EntityType]int `json:"accepted_rows"`
	RejectedRows  map[EntityType]int `json:"rejected_rows"`
	Warnings      int                `json:"warnings"`
	Mutations     int                `json:"mutations"`
	CoercionFails int                `json:"coercion_failures"`
	Duration      time.Duration      `json:"duration"`
}

// TotalInput returns the number of input rows across entities
func (s CleaningSummary) TotalInput() int {
	return sumCounts(s.InputRows)
}

// TotalAccepted returns the number of accepted rows across entities
func (s CleaningSummary) TotalAccepted() int {
	return sumCounts(s.AcceptedRows)
}

// TotalRejected returns the number of rejected rows across entities
func (s CleaningSummary) TotalRejected() int {
	return sumCounts(s.RejectedRows)
}

func sumCounts(m map[EntityType]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
