package api

import (
	"errors"
	"fmt"
	"time"
)

// Not-found and precondition sentinels. Store implementations return
// these; the engine wraps them into WorkflowError for callers.
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrTaskNotFound       = errors.New("task not found")
)

// ValidationError reports a statically invalid definition or automation
// config. It is returned before any state mutation and is never retried.
type ValidationError struct {
	StepID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("validation: step %q: %s", e.StepID, e.Message)
	}
	return "validation: " + e.Message
}

// NewValidationError builds a ValidationError for the given step
// (stepID may be empty for definition-level problems).
func NewValidationError(stepID, format string, args ...any) *ValidationError {
	return &ValidationError{StepID: stepID, Message: fmt.Sprintf(format, args...)}
}

// WorkflowError reports that an instance or definition is in the wrong
// state for the requested operation. It is surfaced directly to the caller
// and never retried.
type WorkflowError struct {
	InstanceID string
	Message    string
	Err        error
}

func (e *WorkflowError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("workflow %s: %s", e.InstanceID, e.Message)
	}
	return "workflow: " + e.Message
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// NewWorkflowError builds a WorkflowError for the given instance
// (instanceID may be empty).
func NewWorkflowError(instanceID, format string, args ...any) *WorkflowError {
	return &WorkflowError{InstanceID: instanceID, Message: fmt.Sprintf(format, args...)}
}

// StepExecutionError reports that a step handler failed after exhausting
// its retries. Unless the step declares continue_on_error, it marks the
// owning instance failed.
type StepExecutionError struct {
	StepID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// AutomationError reports a handler-level failure or timeout. It is always
// caught by the executor and folded into a failed AutomationExecution.
type AutomationError struct {
	Type    AutomationType
	Timeout bool
	Err     error
}

func (e *AutomationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("automation %s: timed out: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("automation %s: %v", e.Type, e.Err)
}

func (e *AutomationError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an automation timeout.
func IsTimeout(err error) bool {
	var ae *AutomationError
	return errors.As(err, &ae) && ae.Timeout
}

// NewErrorDetails captures err against a step for instance failure
// diagnostics.
func NewErrorDetails(stepID string, err error) *ErrorDetails {
	return &ErrorDetails{
		StepID:  stepID,
		Message: err.Error(),
		Time:    time.Now().UTC(),
	}
}
