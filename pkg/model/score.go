package model

import (
	"fmt"
	"math"
	"time"
)

// Dimension is one axis of the post-clean quality score
type Dimension int

const (
	DimensionCompleteness Dimension = iota
	DimensionValidity
	DimensionConsistency
	DimensionUniqueness
	DimensionIntegrity
)

// AllDimensions lists every dimension
func AllDimensions() []Dimension {
	return []Dimension{
		DimensionCompleteness,
		DimensionValidity,
		DimensionConsistency,
		DimensionUniqueness,
		DimensionIntegrity,
	}
}

// MaxPoints is the dimension's share of the 100-point composite
func (d Dimension) MaxPoints() float64 {
	switch d {
	case DimensionCompleteness:
		return 40
	case DimensionValidity:
		return 30
	case DimensionConsistency:
		return 20
	case DimensionUniqueness:
		return 5
	case DimensionIntegrity:
		return 5
	default:
		return 0
	}
}

// String returns the dimension name
func (d Dimension) String() string {
	switch d {
	case DimensionCompleteness:
		return "completeness"
	case DimensionValidity:
		return "validity"
	case DimensionConsistency:
		return "consistency"
	case DimensionUniqueness:
		return "uniqueness"
	case DimensionIntegrity:
		return "integrity"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// MarshalText encodes the dimension by name
func (d Dimension) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Grade is a pure function of the composite score
type Grade string

const (
	GradeExcellent  Grade = "excellent"
	GradeGood       Grade = "good"
	GradeAcceptable Grade = "acceptable"
	GradePoor       Grade = "poor"
	GradeFailed     Grade = "failed"
)

// GradeFor maps a composite score to its grade
func GradeFor(composite float64) Grade {
	switch {
	case composite >= 90:
		return GradeExcellent
	case composite >= 80:
		return GradeGood
	case composite >= 70:
		return GradeAcceptable
	case composite >= 60:
		return GradePoor
	default:
		return GradeFailed
	}
}

// DimensionScore is the points earned on one dimension
type DimensionScore struct {
	Dimension Dimension          `json:"dimension"`
	Points    float64            `json:"points"`
	MaxPoints float64            `json:"max_points"`
	Details   map[string]float64 `json:"details,omitempty"`
}

// QualityScore is the post-clean assessment gating migration
type QualityScore struct {
	Dimensions map[Dimension]DimensionScore `json:"dimensions"`
	Composite  float64                      `json:"composite"`
	Grade      Grade                        `json:"grade"`
	ScoredAt   time.Time                    `json:"scored_at"`
}

// NewQualityScore builds a score from dimension results, clamping the
// composite into [0,100] and rounding to two decimals.
func NewQualityScore(dims map[Dimension]DimensionScore, at time.Time) QualityScore {
	total := 0.0
	for _, d := range dims {
		total += d.Points
	}
	composite := RoundScore(math.Max(0, math.Min(100, total)))
	return QualityScore{
		Dimensions: dims,
		Composite:  composite,
		Grade:      GradeFor(composite),
		ScoredAt:   at,
	}
}

// RoundScore rounds a score to two decimals so gate comparisons are stable
func RoundScore(f float64) float64 {
	return math.Round(f*100) / 100
}
