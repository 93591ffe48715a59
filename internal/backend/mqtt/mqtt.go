// Package mqtt forwards queue traffic to an external MQTT broker. Each
// destination maps to a topic under a configurable prefix; messages the
// gateway instance is subscribed to are buffered locally until received.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/polisai/polis-mq/internal/backend"
	"github.com/polisai/polis-mq/internal/backend/memory"
)

const (
	defaultTopicPrefix    = "mq/"
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Client is the subset of paho.Client the backend uses.
type Client interface {
	Connect() paho.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

// Options configures the MQTT connection.
type Options struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	TopicPrefix    string
	ConnectTimeout time.Duration
	// MaxBuffered caps locally buffered messages per destination.
	MaxBuffered int
}

// envelope is the payload published to the MQTT topic.
type envelope struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Backend implements backend.Backend on top of MQTT.
type Backend struct {
	client Client
	opts   Options
	inbox  *memory.Backend
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]struct{}
	closed     bool
}

var _ backend.Backend = (*Backend)(nil)

// Dial connects to the MQTT broker described by opts.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("mqtt backend: url is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "polis-mq-" + uuid.NewString()[:8]
	}

	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "mqtt_backend")

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(opts.URL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	clientOpts.OnConnect = func(c paho.Client) {
		r := c.OptionsReader()
		log.Info("Connected to MQTT broker", "servers", r.Servers())
	}
	clientOpts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("MQTT connection lost", "error", err)
	}

	b := New(paho.NewClient(clientOpts), opts, logger)
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// New wraps an existing client. The client is connected by Dial; callers of
// New connect it themselves.
func New(client Client, opts Options, logger *slog.Logger) *Backend {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = defaultTopicPrefix
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:     client,
		opts:       opts,
		inbox:      memory.New(memory.Options{MaxDepth: opts.MaxBuffered}),
		logger:     logger.With("component", "mqtt_backend"),
		subscribed: make(map[string]struct{}),
	}
}

func (b *Backend) connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect(), b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: connect %s: %v", backend.ErrUnavailable, b.opts.URL, err)
	}
	return nil
}

// Topic returns the MQTT topic for destination.
func (b *Backend) Topic(destination string) string {
	return b.opts.TopicPrefix + destination
}

// Enqueue publishes msg to the destination topic.
func (b *Backend) Enqueue(ctx context.Context, msg backend.Message) (backend.Ack, error) {
	if err := backend.ValidateDestination(msg.Destination); err != nil {
		return backend.Ack{}, err
	}
	if err := b.ensureSubscribed(ctx, msg.Destination); err != nil {
		return backend.Ack{}, err
	}

	env := envelope{
		ID:          msg.ID,
		Destination: msg.Destination,
		Headers:     msg.Headers,
		Payload:     msg.Payload,
		EnqueuedAt:  time.Now().UTC(),
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return backend.Ack{}, fmt.Errorf("mqtt backend: encode message: %w", err)
	}

	token := b.client.Publish(b.Topic(msg.Destination), b.opts.QoS, false, data)
	if err := wait(ctx, token, b.opts.ConnectTimeout); err != nil {
		return backend.Ack{}, fmt.Errorf("%w: publish %s: %v", backend.ErrUnavailable, msg.Destination, err)
	}
	return backend.Ack{MessageID: env.ID, Destination: msg.Destination}, nil
}

// Receive subscribes to the destination on first use and waits for the next
// buffered message.
func (b *Backend) Receive(ctx context.Context, destination string, timeout time.Duration) (*backend.Message, error) {
	if err := backend.ValidateDestination(destination); err != nil {
		return nil, err
	}
	if err := b.ensureSubscribed(ctx, destination); err != nil {
		return nil, err
	}
	return b.inbox.Receive(ctx, destination, timeout)
}

func (b *Backend) ensureSubscribed(ctx context.Context, destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	if _, ok := b.subscribed[destination]; ok {
		return nil
	}
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("%w: not connected", backend.ErrUnavailable)
	}

	topic := b.Topic(destination)
	if err := wait(ctx, b.client.Subscribe(topic, b.opts.QoS, b.onMessage), b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", backend.ErrUnavailable, topic, err)
	}
	b.subscribed[destination] = struct{}{}
	b.logger.Debug("Subscribed to destination", "destination", destination, "topic", topic)
	return nil
}

func (b *Backend) onMessage(_ paho.Client, m paho.Message) {
	destination := strings.TrimPrefix(m.Topic(), b.opts.TopicPrefix)

	env, ok := decodeEnvelope(m.Payload())
	if !ok {
		// Foreign publishers: carry the raw bytes.
		env = envelope{Payload: m.Payload()}
	}
	// The topic decides the queue, whatever the body claims.
	env.Destination = destination

	_, err := b.inbox.Enqueue(context.Background(), backend.Message{
		ID:          env.ID,
		Destination: env.Destination,
		Payload:     env.Payload,
		Headers:     env.Headers,
	})
	if err != nil && !errors.Is(err, backend.ErrClosed) {
		b.logger.Warn("Dropped MQTT message", "topic", m.Topic(), "error", err)
	}
}

// decodeEnvelope reports whether raw is an envelope written by Enqueue. JSON
// from other publishers lacks the id or payload keys and is not an envelope.
func decodeEnvelope(raw []byte) (envelope, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return envelope{}, false
	}
	if _, ok := keys["payload"]; !ok {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
		return envelope{}, false
	}
	return env, true
}

// Close disconnects from the broker and drops buffered messages.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.client.Disconnect(disconnectQuiesceMs)
	return b.inbox.Close()
}

// wait blocks until token completes, ctx ends or timeout passes.
func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	deadline := timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}
	if deadline <= 0 || !token.WaitTimeout(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
