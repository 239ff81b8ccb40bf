package model

import (
	"fmt"
	"time"
)

// ValidationCategory groups validation rules
type ValidationCategory int

const (
	CategorySchema ValidationCategory = iota
	CategoryCompleteness
	CategoryType
	CategoryBusiness
	CategoryReferential
	CategoryText
)

// AllValidationCategories lists every category
func AllValidationCategories() []ValidationCategory {
	return []ValidationCategory{
		CategorySchema,
		CategoryCompleteness,
		CategoryType,
		CategoryBusiness,
		CategoryReferential,
		CategoryText,
	}
}

// String returns the category name
func (c ValidationCategory) String() string {
	switch c {
	case CategorySchema:
		return "schema"
	case CategoryCompleteness:
		return "completeness"
	case CategoryType:
		return "type"
	case CategoryBusiness:
		return "business"
	case CategoryReferential:
		return "referential"
	case CategoryText:
		return "text"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// MarshalText encodes the category by name
func (c ValidationCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Severity of a validation finding
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the severity name
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ValidationFinding is the immutable result of evaluating one rule
type ValidationFinding struct {
	RuleID       string             `json:"rule_id"`
	Category     ValidationCategory `json:"category"`
	Severity     Severity           `json:"severity"`
	Entity       EntityType         `json:"entity"`
	Column       string             `json:"column,omitempty"`
	Passed       bool               `json:"passed"`
	Observed     float64            `json:"observed"`
	Expected     Range              `json:"expected"`
	AffectedRows int                `json:"affected_rows"`
	Points       float64            `json:"points"`
	MaxPoints    float64            `json:"max_points"`
	Message      string             `json:"message"`
	// SampleRows are row indexes of offending rows, capped
	SampleRows []int `json:"sample_rows,omitempty"`
	// SampleKeys are the primary keys of the SampleRows, index for index;
	// a row without a usable key has an empty entry
	SampleKeys []string `json:"sample_keys,omitempty"`
}

// CategoryScore is the 0-100 sub-score of one category
type CategoryScore struct {
	Category ValidationCategory `json:"category"`
	Score    float64            `json:"score"`
	Weight   float64            `json:"weight"`
	Passed   int                `json:"passed"`
	Failed   int                `json:"failed"`
}

// ValidationReport aggregates findings for one validation run
type ValidationReport struct {
	Composite     float64                              `json:"composite"`
	Categories    map[ValidationCategory]CategoryScore `json:"categories"`
	Findings      []ValidationFinding                  `json:"findings"`
	Threshold     float64                              `json:"threshold"`
	Passed        bool                                 `json:"passed"`
	RowCounts     map[EntityType]int                   `json:"row_counts"`
	InputChecksum string                               `json:"input_checksum"`
	ValidatedAt   time.Time                            `json:"validated_at"`
	Duration      time.Duration                        `json:"duration"`
}

// FailedFindings returns the findings that did not pass
func (r *ValidationReport) FailedFindings() []ValidationFinding {
	var out []ValidationFinding
	for _, f := range r.Findings {
		if !f.Passed {
			out = append(out, f)
		}
	}
	return out
}
