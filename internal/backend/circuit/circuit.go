// Package circuit wraps a backend with a circuit breaker so an unreachable
// upstream broker fails requests fast instead of holding every session for
// the full publish timeout.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-mq/internal/backend"
)

// ErrOpen is returned while the circuit is open. It wraps
// backend.ErrUnavailable so clients see backend_unavailable.
var ErrOpen = fmt.Errorf("%w: circuit open", backend.ErrUnavailable)

// State represents the breaker state.
type State string

const (
	// StateClosed lets every request through.
	StateClosed State = "closed"
	// StateOpen rejects requests until OpenTimeout has passed.
	StateOpen State = "open"
	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen State = "half-open"
)

// Options defines the breaker thresholds.
type Options struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. Zero or less disables the breaker.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests probes must succeed to close the circuit again.
	HalfOpenRequests int
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(from, to State)
}

// Breaker implements the circuit breaker pattern for one upstream.
type Breaker struct {
	mu                   sync.Mutex
	opts                 Options
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openUntil            time.Time
	now                  func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts Options) *Breaker {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HalfOpenRequests <= 0 {
		opts.HalfOpenRequests = 1
	}
	return &Breaker{opts: opts, state: StateClosed, now: time.Now}
}

// State returns the current state.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn unless the circuit is open and records its outcome.
func (cb *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *Breaker) beforeRequest() error {
	if cb.opts.MaxFailures <= 0 {
		return nil
	}

	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInFlight++
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.opts.HalfOpenRequests {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.halfOpenInFlight++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

func (cb *Breaker) afterRequest(err error) {
	if cb.opts.MaxFailures <= 0 {
		return
	}

	failed := isFailure(err)

	cb.mu.Lock()
	from := cb.state
	if failed {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	} else {
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	}

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if failed {
			cb.transitionLocked(StateOpen)
		} else if cb.consecutiveSuccesses >= cb.opts.HalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		if failed && cb.consecutiveFailures >= cb.opts.MaxFailures {
			cb.transitionLocked(StateOpen)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0

	if to == StateOpen {
		cb.openUntil = cb.now().Add(cb.opts.OpenTimeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.opts.OnStateChange != nil {
		cb.opts.OnStateChange(from, to)
	}
}

// isFailure reports whether err says something about upstream health.
// Client mistakes and cancellations do not count against the upstream.
func isFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, backend.ErrInvalidDestination),
		errors.Is(err, backend.ErrQueueFull),
		errors.Is(err, backend.ErrClosed),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Backend guards every call to the wrapped backend with one Breaker.
type Backend struct {
	next    backend.Backend
	breaker *Breaker
}

var _ backend.Backend = (*Backend)(nil)

// Wrap returns next guarded by a breaker built from opts. When logger is
// non-nil and opts has no OnStateChange, state changes are logged.
func Wrap(next backend.Backend, opts Options, logger *slog.Logger) *Backend {
	if opts.OnStateChange == nil && logger != nil {
		log := logger.With("component", "backend_circuit")
		opts.OnStateChange = func(from, to State) {
			log.Warn("Backend circuit state changed", "from", string(from), "to", string(to))
		}
	}
	return &Backend{next: next, breaker: NewBreaker(opts)}
}

// Breaker exposes the breaker for inspection.
func (b *Backend) Breaker() *Breaker { return b.breaker }

// Enqueue forwards to the wrapped backend unless the circuit is open.
func (b *Backend) Enqueue(ctx context.Context, msg backend.Message) (backend.Ack, error) {
	var ack backend.Ack
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ack, err = b.next.Enqueue(ctx, msg)
		return err
	})
	return ack, err
}

// Receive forwards to the wrapped backend unless the circuit is open. An
// empty destination counts as a success.
func (b *Backend) Receive(ctx context.Context, destination string, timeout time.Duration) (*backend.Message, error) {
	var msg *backend.Message
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		msg, err = b.next.Receive(ctx, destination, timeout)
		return err
	})
	return msg, err
}

// Close closes the wrapped backend.
func (b *Backend) Close() error {
	return b.next.Close()
}
