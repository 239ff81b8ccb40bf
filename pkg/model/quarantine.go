package model

import (
	"fmt"
	"strings"
	"time"
)

// RejectionSeverity classifies a rejected row
type RejectionSeverity int

const (
	RejectionLow RejectionSeverity = iota
	RejectionMedium
	RejectionHigh
	RejectionCritical
)

// AllRejectionSeverities lists every severity from most to least severe
func AllRejectionSeverities() []RejectionSeverity {
	return []RejectionSeverity{RejectionCritical, RejectionHigh, RejectionMedium, RejectionLow}
}

// String returns the severity name
func (s RejectionSeverity) String() string {
	switch s {
	case RejectionLow:
		return "low"
	case RejectionMedium:
		return "medium"
	case RejectionHigh:
		return "high"
	case RejectionCritical:
		return "critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Quarantines reports whether rows of this severity are held for review.
// LOW findings only warn.
func (s RejectionSeverity) Quarantines() bool {
	return s >= RejectionMedium
}

// MarshalText encodes the severity by name
func (s RejectionSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *RejectionSeverity) UnmarshalText(b []byte) error {
	v, err := ParseRejectionSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRejectionSeverity parses a severity name
func ParseRejectionSeverity(name string) (RejectionSeverity, error) {
	for _, s := range AllRejectionSeverities() {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return RejectionLow, fmt.Errorf("unknown rejection severity %q", name)
}

// ReviewStatus tracks whether an operator has looked at a quarantined row
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "unreviewed"
	ReviewReviewed   ReviewStatus = "reviewed"
)

// Resolution is the operator decision on a reviewed row
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionFixed     Resolution = "fixed"
	ResolutionIgnored   Resolution = "ignored"
	ResolutionEscalated Resolution = "escalated"
)

// ParseResolution parses a resolution given on the command line
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(s))) {
	case ResolutionFixed:
		return ResolutionFixed, nil
	case ResolutionIgnored:
		return ResolutionIgnored, nil
	case ResolutionEscalated:
		return ResolutionEscalated, nil
	default:
		return ResolutionNone, fmt.Errorf("unknown resolution %q (want fixed, ignored or escalated)", s)
	}
}

// Rejection is a row the cleaner refused, before it is persisted
type Rejection struct {
	Entity   EntityType
	RowIndex int
	RuleID   string
	Reason   string
	Severity RejectionSeverity
	Original Row
}

// QuarantinedRecord is a persisted rejected row awaiting review
type QuarantinedRecord struct {
	ID           string            `json:"id" db:"id"`
	BatchID      string            `json:"batch_id" db:"batch_id"`
	Entity       EntityType        `json:"entity" db:"entity"`
	RowIndex     int               `json:"row_index" db:"row_index"`
	RuleID       string            `json:"rule_id" db:"rule_id"`
	Reason       string            `json:"reason" db:"reason"`
	Severity     RejectionSeverity `json:"severity" db:"-"`
	Original     string            `json:"original" db:"original"`
	ReviewStatus ReviewStatus      `json:"review_status" db:"review_status"`
	Resolution   Resolution        `json:"resolution,omitempty" db:"resolution"`
	Reviewer     string            `json:"reviewer,omitempty" db:"reviewer"`
	ReviewedAt   *time.Time        `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}
