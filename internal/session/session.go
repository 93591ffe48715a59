// Package session holds the per-connection state shared by the listener,
// the authorizer and the queue gateway.
package session

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a connection lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthorizing
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthorizing:
		return "authorizing"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotAuthorized is returned when a session is used for serving before it
// was authorized.
var ErrNotAuthorized = errors.New("session is not authorized")

// TransitionError reports a state change that would revisit or skip back.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Session is one client connection. It is created by the listener once the
// TCP connection is accepted and is owned by the gateway once authorized.
type Session struct {
	ID               string
	Conn             net.Conn
	PeerCertificates []*x509.Certificate
	CreatedAt        time.Time

	mu           sync.RWMutex
	state        State
	peerIdentity string
	authorized   bool
	closeOnce    sync.Once
	closeErr     error
}

// New creates a session in the Connecting state.
func New(conn net.Conn) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Conn:      conn,
		CreatedAt: time.Now(),
		state:     StateConnecting,
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Advance moves the session forward. Any state may move to Closed; every
// other move must be strictly forward.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *Session) advanceLocked(to State) error {
	if s.state == StateClosed || (to != StateClosed && to <= s.state) {
		return &TransitionError{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// Authorize records the peer identity, marks the session authorized and
// moves it to Serving. The session must be in the Authorizing state.
func (s *Session) Authorize(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthorizing {
		return &TransitionError{From: s.state, To: StateServing}
	}
	s.peerIdentity = identity
	s.authorized = true
	return s.advanceLocked(StateServing)
}

// Authorized reports whether the authorizer accepted this session.
func (s *Session) Authorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// PeerIdentity is the identity extracted during authorization.
func (s *Session) PeerIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerIdentity
}

// Leaf returns the peer's end-entity certificate, if any.
func (s *Session) Leaf() *x509.Certificate {
	if len(s.PeerCertificates) == 0 {
		return nil
	}
	return s.PeerCertificates[0]
}

// RemoteAddr is the peer address, or an empty string without a transport.
func (s *Session) RemoteAddr() string {
	if s.Conn == nil || s.Conn.RemoteAddr() == nil {
		return ""
	}
	return s.Conn.RemoteAddr().String()
}

// Close moves the session to Closed and closes the transport. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		if s.Conn != nil {
			s.closeErr = s.Conn.Close()
		}
	})
	return s.closeErr
}
