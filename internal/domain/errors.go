package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRole         = errors.New("unknown role")
	ErrTaskNotFound        = errors.New("task not found")
	ErrAlreadyActive       = errors.New("role already has an active task")
	ErrChecklistIncomplete = errors.New("checklist is not complete")
	ErrInvalidChecklist    = errors.New("invalid checklist")
	ErrSelfDelegation      = errors.New("task cannot be delegated to its own role")
	ErrRegistryUnavailable = errors.New("task registry unavailable")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrEmptyRequest        = errors.New("request text is empty")

	ErrDelegationNotPermitted = errors.New("delegation target is not an escalation target of the source role")
	ErrDelegationCycle        = errors.New("delegation would create a cycle")
	ErrDelegationDepth        = errors.New("delegation depth limit reached")
	ErrSideEffectCommit       = errors.New("side effect commit failed")
)

// ErrTaskTerminal rejects operations on done or abandoned tasks. It matches
// ErrTaskNotFound under errors.Is: a terminal task is gone for the caller.
var ErrTaskTerminal = fmt.Errorf("%w: task is in a terminal state", ErrTaskNotFound)

// RegistryError wraps a transient failure of the task registry. It unwraps
// to both ErrRegistryUnavailable and the underlying cause.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrRegistryUnavailable.Error())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrRegistryUnavailable.Error(), e.Err)
}

func (e *RegistryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRegistryUnavailable}
	}
	return []error{ErrRegistryUnavailable, e.Err}
}

func Unavailable(op string, err error) error {
	return &RegistryError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient registry failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegistryUnavailable)
}
