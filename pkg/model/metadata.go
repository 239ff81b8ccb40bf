package model

import (
	"fmt"
	"strings"
)

// EntityType names one of the three source extracts
type EntityType string

const (
	EntityTickets     EntityType = "tickets"
	EntityComments    EntityType = "comments"
	EntityTimeEntries EntityType = "time_entries"
)

// AllEntities returns the entities in load order: parents before children.
func AllEntities() []EntityType {
	return []EntityType{EntityTickets, EntityComments, EntityTimeEntries}
}

// ParseEntityType validates an entity name
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityTickets:
		return EntityTickets, nil
	case EntityComments:
		return EntityComments, nil
	case EntityTimeEntries, "time-entries", "timeentries":
		return EntityTimeEntries, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

// MissingPolicy is the explicit per-field decision for null values
type MissingPolicy int

const (
	// PolicyKeepNull preserves null as "unknown"
	PolicyKeepNull MissingPolicy = iota
	// PolicyReject routes the row to quarantine
	PolicyReject
	// PolicyDefault substitutes the column's documented Default
	PolicyDefault
)

// String returns the policy name
func (p MissingPolicy) String() string {
	switch p {
	case PolicyKeepNull:
		return "keep_null"
	case PolicyReject:
		return "reject"
	case PolicyDefault:
		return "default"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Range is an inclusive expected ratio range in [0,1]
type Range struct {
	Min float64
	Max float64
}

// AtLeast returns the range [min, 1]
func AtLeast(min float64) Range {
	return Range{Min: min, Max: 1}
}

// Contains reports whether ratio lies inside the range
func (r Range) Contains(ratio float64) bool {
	return ratio >= r.Min && ratio <= r.Max
}

// Credit grades ratio against the range: 1 inside, decaying linearly to 0
// at the far end of [0,1] outside.
func (r Range) Credit(ratio float64) float64 {
	switch {
	case r.Contains(ratio):
		return 1
	case ratio < r.Min:
		if r.Min <= 0 {
			return 0
		}
		return clamp01(ratio / r.Min)
	default:
		if r.Max >= 1 {
			return 0
		}
		return clamp01((1 - ratio) / (1 - r.Max))
	}
}

// String formats the range as percentages
func (r Range) String() string {
	return fmt.Sprintf("%.1f%%-%.1f%%", r.Min*100, r.Max*100)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Column describes one column of a fixed extract schema
type Column struct {
	Name         string
	Kind         ColumnKind
	IsPrimaryKey bool
	// Critical columns halt profiling when they conform below threshold
	Critical bool
	// EnumValues lists allowed values for KindEnum columns
	EnumValues []string
	Missing    MissingPolicy
	// Default is used by PolicyDefault and must already have the kind's Go type
	Default interface{}
	// ExpectedFill is the documented population ratio for the field
	ExpectedFill Range
	// AllowFuture exempts a timestamp from the upper bound of the plausible date range
	AllowFuture bool
}

// ForeignKey is a child column referencing a parent entity's primary key
type ForeignKey struct {
	Column     string
	References EntityType
	// ExpectedOrphans is the documented orphan-rate range that counts as healthy
	ExpectedOrphans Range
}

// TemporalOrder requires Earlier <= Later whenever both are present
type TemporalOrder struct {
	Earlier string
	Later   string
}

// EntitySchema is the fixed, versioned column schema of one extract
type EntitySchema struct {
	Entity      EntityType
	Version     string
	Columns     []Column
	PrimaryKey  string
	ForeignKeys []ForeignKey
	Temporal    []TemporalOrder
}

// GetColumnByName returns a column by name (case-insensitive)
// Returns nil if column not found
func (s *EntitySchema) GetColumnByName(name string) *Column {
	normalizedName := normalizeColumnName(name)
	for i, col := range s.Columns {
		if normalizeColumnName(col.Name) == normalizedName {
			return &s.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the column names in declared order
func (s *EntitySchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// ColumnsOfKind returns the columns with the given kind
func (s *EntitySchema) ColumnsOfKind(kind ColumnKind) []Column {
	var out []Column
	for _, col := range s.Columns {
		if col.Kind == kind {
			out = append(out, col)
		}
	}
	return out
}

// ForeignKey returns the foreign key declared on column, or nil
func (s *EntitySchema) ForeignKey(column string) *ForeignKey {
	for i, fk := range s.ForeignKeys {
		if fk.Column == column {
			return &s.ForeignKeys[i]
		}
	}
	return nil
}

func normalizeColumnName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
