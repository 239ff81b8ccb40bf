package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure
type ErrorKind int

const (
	// KindInternal is an unexpected failure inside the pipeline
	KindInternal ErrorKind = iota
	// KindEnvironment covers unreachable stores, missing files, no disk space
	KindEnvironment
	// KindQualityGate means a score fell below its threshold
	KindQualityGate
	// KindRecordRejection is a row-level rejection; it is absorbed by quarantine
	KindRecordRejection
	// KindTransaction means a write failed and was rolled back
	KindTransaction
	// KindCircuitBreaker means profiling found the input unusable
	KindCircuitBreaker
)

// String returns a string representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "Internal"
	case KindEnvironment:
		return "EnvironmentError"
	case KindQualityGate:
		return "QualityGateFailure"
	case KindRecordRejection:
		return "RecordRejection"
	case KindTransaction:
		return "TransactionFailure"
	case KindCircuitBreaker:
		return "CircuitBreakerTrip"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Exit codes of the qualityctl binary
const (
	ExitOK          = 0
	ExitQuality     = 1
	ExitEnvironment = 2
	ExitInternal    = 3
)

// ExitCode maps the kind to the process exit code
func (k ErrorKind) ExitCode() int {
	switch k {
	case KindRecordRejection:
		return ExitOK
	case KindQualityGate, KindCircuitBreaker:
		return ExitQuality
	case KindEnvironment:
		return ExitEnvironment
	default:
		return ExitInternal
	}
}

// Error is a stage failure with the diagnostic report that explains it.
// Report holds a *preflight.Report, *profiler.Report, *model.ValidationReport,
// *quarantine.Summary, *model.QualityScore or *migration.Outcome depending on
// the stage.
type Error struct {
	Kind   ErrorKind
	Stage  string
	Err    error
	Report interface{}
}

// NewError creates a pipeline error
func NewError(kind ErrorKind, stage string, err error, report interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err, Report: report}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s in %s stage", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s in %s stage: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for the error
func (e *Error) ExitCode() int {
	return e.Kind.ExitCode()
}

// KindOf extracts the kind of err. Errors that are not pipeline errors are internal.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ExitCode returns the exit code for any error returned by the pipeline
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return KindOf(err).ExitCode()
}
