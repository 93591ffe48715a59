package authz

import (
	"errors"
	"fmt"
)

// Reason classifies an authorization failure.
type Reason string

const (
	ReasonIdentityNotRecognized Reason = "identity_not_recognized"
	ReasonPolicyDenied          Reason = "policy_denied"
)

// Sentinels for errors.Is matching on the reason only.
var (
	ErrIdentityNotRecognized = &AuthzError{Reason: ReasonIdentityNotRecognized}
	ErrPolicyDenied          = &AuthzError{Reason: ReasonPolicyDenied}
)

// AuthzError is a terminal authorization decision for one connection. The
// caller closes the transport; nothing is sent to the peer.
type AuthzError struct {
	Reason   Reason
	Identity string
	Detail   string
	Cause    error
}

func (e *AuthzError) Error() string {
	msg := fmt.Sprintf("authorization failed: %s", e.Reason)
	if e.Identity != "" {
		msg += fmt.Sprintf(" (identity=%q)", e.Identity)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthzError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a bare AuthzError sentinel with the same reason.
func (e *AuthzError) Is(target error) bool {
	var other *AuthzError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason && other.Identity == "" && other.Detail == "" && other.Cause == nil
}

func notRecognized(identity, detail string) *AuthzError {
	return &AuthzError{Reason: ReasonIdentityNotRecognized, Identity: identity, Detail: detail}
}

func denied(identity, detail string, cause error) *AuthzError {
	return &AuthzError{Reason: ReasonPolicyDenied, Identity: identity, Detail: detail, Cause: cause}
}
