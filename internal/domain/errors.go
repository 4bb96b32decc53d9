package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a run or phase is asked to move
// backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal state transition")

// FailureKind names the recoverable failure classes of a phase attempt
type FailureKind string

const (
	FailureBuilder FailureKind = "builder_failure"
	FailureAuditor FailureKind = "auditor_rejection"
	FailureApply   FailureKind = "apply_failure"
	FailureTimeout FailureKind = "timeout"
)

// QuotaExhaustedError signals that a provider's period cap is reached and
// the category's strategy permits no downgrade. It is terminal for the
// phase, never retried with a weaker model.
type QuotaExhaustedError struct {
	Provider string
	Model    string
	Category string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted for %s/%s (category %s, no permitted downgrade)", e.Provider, e.Model, e.Category)
}

// ConfigurationError is fatal at run start: a phase declares a category
// with no matching routing policy and no default fallback.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

// BuilderError wraps an adapter error or malformed builder output
type BuilderError struct {
	Detail string
	Err    error
}

func (e *BuilderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("builder failure: %s: %v", e.Detail, e.Err)
	}
	return "builder failure: " + e.Detail
}

func (e *BuilderError) Unwrap() error { return e.Err }

// ApplyError signals that a proposed change could not be applied cleanly
type ApplyError struct {
	Workspace string
	Detail    string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failure in %s: %s", e.Workspace, e.Detail)
}
