// Package authz decides whether a handshaken peer may use the broker. Trust
// in the peer's chain is established by the TLS listener; this package only
// checks the peer's identity against the current policy.
package authz

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/polisai/polis-mq/internal/session"
)

// Authorizer applies the current Policy to sessions. The policy is swapped
// atomically and never mutated in place.
type Authorizer struct {
	policy atomic.Pointer[Policy]
	logger *slog.Logger
}

// New creates an Authorizer. A nil policy authorizes every trusted peer.
func New(policy *Policy, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = AllowAll()
	}

	a := &Authorizer{logger: logger.With("component", "authz")}
	a.policy.Store(policy)
	return a
}

// SetPolicy replaces the policy used by subsequent Authorize calls.
func (a *Authorizer) SetPolicy(policy *Policy) {
	if policy == nil {
		policy = AllowAll()
	}
	previous := a.policy.Swap(policy)
	a.logger.Info("Authorization policy replaced",
		"source", policy.Source(),
		"previous_source", previous.Source(),
		"identity_attribute", string(policy.IdentityAttribute()))
}

// Policy returns the current policy.
func (a *Authorizer) Policy() *Policy {
	return a.policy.Load()
}

// Authorize evaluates the session's peer certificate. On success the session
// is marked authorized and moves to Serving. On failure the caller must
// close the transport.
func (a *Authorizer) Authorize(ctx context.Context, s *session.Session) (*session.Session, error) {
	policy := a.policy.Load()

	leaf := s.Leaf()
	if leaf == nil {
		err := notRecognized("", "peer presented no certificate")
		a.logDenied(ctx, s, err)
		return nil, err
	}

	identity, err := policy.Evaluate(ctx, leaf, s.RemoteAddr())
	if err != nil {
		a.logDenied(ctx, s, err)
		return nil, err
	}

	if err := s.Authorize(identity); err != nil {
		return nil, err
	}

	a.logger.LogAttrs(ctx, slog.LevelDebug, "Session authorized",
		slog.String("event", "session_authorized"),
		slog.String("session_id", s.ID),
		slog.String("identity", identity),
		slog.String("remote_addr", s.RemoteAddr()))
	return s, nil
}

func (a *Authorizer) logDenied(ctx context.Context, s *session.Session, err error) {
	a.logger.LogAttrs(ctx, slog.LevelWarn, "Session rejected by authorization policy",
		slog.String("event", "session_rejected"),
		slog.String("session_id", s.ID),
		slog.String("remote_addr", s.RemoteAddr()),
		slog.String("error", err.Error()))
}
