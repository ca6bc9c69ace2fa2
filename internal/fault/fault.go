// Package fault defines the error taxonomy shared by the ledger, pipeline and
// consensus engine.
package fault

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"
)

// Code classifies a failure.
type Code string

const (
	// CodeValidation marks malformed or out-of-range input. Never retried.
	CodeValidation Code = "VALIDATION_FAILED"
	// CodeInsufficientConsensus is a deliberate non-decision, equivalent to PASS.
	CodeInsufficientConsensus Code = "INSUFFICIENT_CONSENSUS"
	// CodeExecution marks a provider or store failure inside a guarded step.
	// Safe to retry with the same idempotency key.
	CodeExecution Code = "EXECUTION_ERROR"
	// CodeStoreConflict is raised when a concurrent writer won an insert race.
	// The ledger resolves it by re-reading; it never reaches callers.
	CodeStoreConflict Code = "STORE_CONFLICT"
)

// Error carries a Code plus the run/step context it happened in.
type Error struct {
	Code  Code
	RunID string
	Step  string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.RunID != "" && e.Step != "":
		return fmt.Sprintf("%s: run %s step %s: %v", e.Code, e.RunID, e.Step, e.Err)
	case e.RunID != "":
		return fmt.Sprintf("%s: run %s: %v", e.Code, e.RunID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation wraps err (or builds one from msg) as VALIDATION_FAILED.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Err: eris.Errorf(format, args...)}
}

// Execution wraps err as EXECUTION_ERROR with its run/step context.
func Execution(runID, step string, err error) *Error {
	return &Error{Code: CodeExecution, RunID: runID, Step: step, Err: err}
}

// Conflict wraps err as STORE_CONFLICT.
func Conflict(runID, step string, err error) *Error {
	return &Error{Code: CodeStoreConflict, RunID: runID, Step: step, Err: err}
}

// InsufficientConsensus builds the non-decision error for a blocked
// consensus group.
func InsufficientConsensus(reason string) *Error {
	return &Error{Code: CodeInsufficientConsensus, Err: eris.New(reason)}
}

// WithRun returns a copy of e annotated with run/step context when absent.
func (e *Error) WithRun(runID, step string) *Error {
	cp := *e
	if cp.RunID == "" {
		cp.RunID = runID
	}
	if cp.Step == "" {
		cp.Step = step
	}
	return &cp
}

// CodeOf returns the Code of the first *Error in err's chain. Errors without
// a code are reported as EXECUTION_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeExecution
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status returned to HTTP callers.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInsufficientConsensus:
		return http.StatusOK
	case CodeStoreConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
