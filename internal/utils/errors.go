package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how a run must react to it.
type Kind string

const (
	// KindTransient covers timeouts and unreachable dependencies; the unit is retried.
	KindTransient Kind = "transient_dependency"
	// KindDataIncomplete marks a degraded-mode skip: not retried, not a failure.
	KindDataIncomplete Kind = "data_incomplete"
	// KindConfiguration is surfaced to the caller for the affected unit only.
	KindConfiguration Kind = "configuration"
	// KindInvariant aborts the run.
	KindInvariant Kind = "invariant_violation"
	KindNotFound  Kind = "not_found"
	// KindInvalidTransition rejects alert status changes that do not leave active.
	KindInvalidTransition Kind = "invalid_transition"
	KindInternal          Kind = "internal"
)

// AppError wraps an operation, error kind, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError with an explicit kind.
func NewAppError(op string, kind Kind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

func Transient(op, msg string, err error) error {
	return NewAppError(op, KindTransient, msg, err)
}

func DataIncomplete(op, msg string, err error) error {
	return NewAppError(op, KindDataIncomplete, msg, err)
}

func Configuration(op, msg string, err error) error {
	return NewAppError(op, KindConfiguration, msg, err)
}

func Invariant(op, msg string, err error) error {
	return NewAppError(op, KindInvariant, msg, err)
}

func NotFound(op, msg string, err error) error {
	return NewAppError(op, KindNotFound, msg, err)
}

func InvalidTransition(op, msg string, err error) error {
	return NewAppError(op, KindInvalidTransition, msg, err)
}

// KindOf returns the kind of the outermost AppError in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindInternal
}

func IsTransient(err error) bool      { return err != nil && KindOf(err) == KindTransient }
func IsDataIncomplete(err error) bool { return err != nil && KindOf(err) == KindDataIncomplete }
func IsConfiguration(err error) bool  { return err != nil && KindOf(err) == KindConfiguration }
func IsInvariant(err error) bool      { return err != nil && KindOf(err) == KindInvariant }
func IsNotFound(err error) bool       { return err != nil && KindOf(err) == KindNotFound }
