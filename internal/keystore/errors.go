package keystore

import (
	"errors"
	"fmt"
)

// Reason classifies why a credential store could not be loaded.
type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonBadFormat       Reason = "bad_format"
	ReasonWrongPassword   Reason = "wrong_password"
	ReasonUnsupportedType Reason = "unsupported_type"
)

// Sentinels for errors.Is matching on the reason only.
var (
	ErrNotFound        = &LoadError{Reason: ReasonNotFound}
	ErrBadFormat       = &LoadError{Reason: ReasonBadFormat}
	ErrWrongPassword   = &LoadError{Reason: ReasonWrongPassword}
	ErrUnsupportedType = &LoadError{Reason: ReasonUnsupportedType}
)

// LoadError is returned by every loader entry point. It is fatal at startup
// and must not be retried.
type LoadError struct {
	Reason    Reason
	Path      string
	StoreType string
	Cause     error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	msg := fmt.Sprintf("credential store %s", e.Reason)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s", e.Path)
		if e.StoreType != "" {
			msg += fmt.Sprintf(", type=%s", e.StoreType)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a LoadError with the same reason.
func (e *LoadError) Is(target error) bool {
	var other *LoadError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason && other.Path == "" && other.Cause == nil
}

func newLoadError(reason Reason, path string, storeType StoreType, cause error) *LoadError {
	return &LoadError{
		Reason:    reason,
		Path:      path,
		StoreType: string(storeType),
		Cause:     cause,
	}
}
