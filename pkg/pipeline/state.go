package pipeline

import (
	"fmt"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// Stage names a step of a batch run
type Stage string

const (
	StagePreflight  Stage = "preflight"
	StageLoad       Stage = "load"
	StageProfile    Stage = "profile"
	StageValidate   Stage = "validate"
	StageClean      Stage = "clean"
	StageQuarantine Stage = "quarantine"
	StageScore      Stage = "score"
	StageMigrate    Stage = "migrate"
)

// AllStages lists the stages in execution order
func AllStages() []Stage {
	return []Stage{
		StagePreflight,
		StageLoad,
		StageProfile,
		StageValidate,
		StageClean,
		StageQuarantine,
		StageScore,
		StageMigrate,
	}
}

func (s Stage) index() int {
	for i, x := range AllStages() {
		if x == s {
			return i
		}
	}
	return -1
}

// ParseStage validates a stage name
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if s.index() < 0 {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// RunState is the checkpointed progress of a batch. A restart with the same
// batch id skips what is recorded here.
type RunState struct {
	BatchID   string             `json:"batch_id"`
	StartedAt time.Time          `json:"started_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Completed []Stage            `json:"completed"`
	Cleaned   []model.EntityType `json:"cleaned"`
	// AuditSaved is set once the transformation records are persisted
	AuditSaved bool `json:"audit_saved"`
}

// NewRunState creates the state of a fresh batch
func NewRunState(batchID string, at time.Time) *RunState {
	return &RunState{BatchID: batchID, StartedAt: at, UpdatedAt: at}
}

// Done reports whether stage completed in an earlier or the current run
func (s *RunState) Done(stage Stage) bool {
	for _, c := range s.Completed {
		if c == stage {
			return true
		}
	}
	return false
}

// MarkDone records a completed stage
func (s *RunState) MarkDone(stage Stage, at time.Time) {
	if !s.Done(stage) {
		s.Completed = append(s.Completed, stage)
	}
	s.UpdatedAt = at
}

// EntityCleaned reports whether an entity's cleaning result is checkpointed
func (s *RunState) EntityCleaned(entity model.EntityType) bool {
	for _, e := range s.Cleaned {
		if e == entity {
			return true
		}
	}
	return false
}

// MarkEntityCleaned records a checkpointed entity
func (s *RunState) MarkEntityCleaned(entity model.EntityType, at time.Time) {
	if !s.EntityCleaned(entity) {
		s.Cleaned = append(s.Cleaned, entity)
	}
	s.UpdatedAt = at
}

// LastCompleted returns the furthest completed stage, or "" when none
func (s *RunState) LastCompleted() Stage {
	var last Stage
	for _, c := range s.Completed {
		if c.index() > last.index() {
			last = c
		}
	}
	return last
}
