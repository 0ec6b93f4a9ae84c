package validation

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is at package boundaries.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrReportNotCompleted = errors.New("report is not completed")
	ErrReportFrozen       = errors.New("report is frozen")
	ErrNoRepairItems      = errors.New("no repairable items selected")
	ErrInvalidRequest     = errors.New("invalid request")
)

// NormalizationDefect describes a field value that could not be read as media.
// It is counted, never returned as a fatal error.
type NormalizationDefect struct {
	Path   FieldPath
	Reason string
}

func (d NormalizationDefect) Error() string {
	return fmt.Sprintf("normalize %s: %s", d.Path, d.Reason)
}

// ClassificationFailure is the network or parse failure behind an invalid verdict.
type ClassificationFailure struct {
	URL string
	Err error
}

func (e *ClassificationFailure) Error() string {
	return fmt.Sprintf("classify %s: %v", e.URL, e.Err)
}

func (e *ClassificationFailure) Unwrap() error { return e.Err }

// WriteError is a repair write that did not persist.
type WriteError struct {
	Ref  DocumentRef
	Path FieldPath
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s %s: %v", e.Ref, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// OrchestrationError is fatal to a job: enumeration or queue failures.
type OrchestrationError struct {
	JobID string
	Op    string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
