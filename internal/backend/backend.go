// Package backend defines the queueing collaborator the gateway forwards
// requests to. Storage and delivery guarantees belong to the implementation.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// MaxDestinationLength bounds destination names so they fit a str16 field
// and common broker topic limits.
const MaxDestinationLength = 255

// Sentinel errors. Implementations wrap them so the gateway can map them to
// response codes.
var (
	ErrInvalidDestination = errors.New("invalid destination")
	ErrQueueFull          = errors.New("queue full")
	ErrUnavailable        = errors.New("backend unavailable")
	ErrClosed             = errors.New("backend closed")
)

// Message is a queued message. It is transient: the gateway builds one per
// request and does not retain it.
type Message struct {
	ID          string
	Destination string
	Payload     []byte
	Headers     map[string]string
	EnqueuedAt  time.Time
}

// Ack acknowledges an accepted enqueue.
type Ack struct {
	MessageID   string
	Destination string
}

// Backend is the queue interface used by the gateway.
type Backend interface {
	// Enqueue stores msg on msg.Destination.
	Enqueue(ctx context.Context, msg Message) (Ack, error)
	// Receive waits up to timeout for the next message on destination. It
	// returns nil, nil when nothing arrived in time. A zero timeout polls.
	Receive(ctx context.Context, destination string, timeout time.Duration) (*Message, error)
	Close() error
}

// ValidateDestination rejects empty, oversized, wildcard and control-character
// names.
func ValidateDestination(destination string) error {
	switch {
	case destination == "":
		return fmt.Errorf("%w: empty name", ErrInvalidDestination)
	case len(destination) > MaxDestinationLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidDestination, MaxDestinationLength)
	case strings.ContainsAny(destination, "#+*>"):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidDestination, destination)
	}
	for _, r := range destination {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidDestination, destination)
		}
	}
	return nil
}

// CloneHeaders copies h so a backend never shares a map with its caller.
func CloneHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
