// Package memory is an in-process FIFO backend with blocking receive. It is
// the default backend and the one the test suites run against.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-mq/internal/backend"
)

// Options configures a Backend.
type Options struct {
	// MaxDepth caps messages held per destination. Zero means unbounded.
	MaxDepth int
}

type queue struct {
	items []*backend.Message
	// signal is closed and replaced on every enqueue to wake receivers.
	signal chan struct{}
}

// Backend holds one FIFO queue per destination.
type Backend struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	done   chan struct{}
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty Backend.
func New(opts Options) *Backend {
	return &Backend{
		opts:   opts,
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
}

func (b *Backend) queueLocked(destination string) *queue {
	q, ok := b.queues[destination]
	if !ok {
		q = &queue{signal: make(chan struct{})}
		b.queues[destination] = q
	}
	return q
}

// Enqueue appends msg to its destination queue.
func (b *Backend) Enqueue(ctx context.Context, msg backend.Message) (backend.Ack, error) {
	if err := ctx.Err(); err != nil {
		return backend.Ack{}, err
	}
	if err := backend.ValidateDestination(msg.Destination); err != nil {
		return backend.Ack{}, err
	}

	stored := &backend.Message{
		ID:          msg.ID,
		Destination: msg.Destination,
		Payload:     append([]byte(nil), msg.Payload...),
		Headers:     backend.CloneHeaders(msg.Headers),
		EnqueuedAt:  time.Now(),
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.Ack{}, backend.ErrClosed
	}

	q := b.queueLocked(msg.Destination)
	if b.opts.MaxDepth > 0 && len(q.items) >= b.opts.MaxDepth {
		return backend.Ack{}, fmt.Errorf("%w: %s holds %d messages", backend.ErrQueueFull, msg.Destination, len(q.items))
	}
	q.items = append(q.items, stored)
	close(q.signal)
	q.signal = make(chan struct{})

	return backend.Ack{MessageID: stored.ID, Destination: stored.Destination}, nil
}

// Receive pops the oldest message on destination, waiting up to timeout.
func (b *Backend) Receive(ctx context.Context, destination string, timeout time.Duration) (*backend.Message, error) {
	if err := backend.ValidateDestination(destination); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, backend.ErrClosed
		}
		q := b.queueLocked(destination)
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			b.mu.Unlock()
			return msg, nil
		}
		wait := q.signal
		b.mu.Unlock()

		if expired == nil {
			return nil, nil
		}

		select {
		case <-wait:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, backend.ErrClosed
		}
	}
}

// Depth reports how many messages wait on destination.
func (b *Backend) Depth(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[destination]; ok {
		return len(q.items)
	}
	return 0
}

// Destinations lists destinations with at least one waiting message.
func (b *Backend) Destinations() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		if len(q.items) > 0 {
			out[name] = len(q.items)
		}
	}
	return out
}

// Close drops all queued messages and wakes blocked receivers.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.queues = nil
	close(b.done)
	return nil
}
