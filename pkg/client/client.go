// Package client is a Go client for the broker's framed queue protocol. The
// transport (plain TCP or mutual TLS) is chosen once from the broker URL.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/polisai/polis-mq/internal/gateway"
	"github.com/polisai/polis-mq/internal/keystore"
	mqtls "github.com/polisai/polis-mq/internal/tls"
	"github.com/polisai/polis-mq/pkg/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	// receiveSlack is added to a receive timeout when bounding the wait for
	// the broker's answer.
	receiveSlack = 5 * time.Second
)

// ErrClosed is returned once the client was closed or its connection failed.
var ErrClosed = errors.New("client is closed")

// ServerError is an ERROR frame returned by the broker.
type ServerError struct {
	Code    gateway.Code
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" || e.Message == e.Code.String() {
		return fmt.Sprintf("broker error: %s", e.Code)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Code, e.Message)
}

// Message is a message delivered by Receive.
type Message struct {
	ID          string
	Destination string
	Headers     map[string]string
	Payload     []byte
}

// RetryOptions bounds connection attempts.
type RetryOptions struct {
	// MaxTries is the number of dial attempts; 0 means one attempt.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures Dial.
type Options struct {
	Transport config.Transport
	// TLS is required when Transport is TLS.
	TLS           *tls.Config
	DialTimeout   time.Duration
	MaxFrameBytes uint32
	Retry         RetryOptions
	Logger        *slog.Logger
}

// Client is one connection to the broker. Requests are sent one at a time.
type Client struct {
	conn   net.Conn
	reader *gateway.Reader
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the broker, retrying refused connections with
// exponential backoff.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Transport.Kind == config.TransportTLS && opts.TLS == nil {
		return nil, fmt.Errorf("TLS transport requires a TLS configuration")
	}

	addr := opts.Transport.Address()
	dial := func() (net.Conn, error) {
		netDialer := &net.Dialer{Timeout: opts.DialTimeout}
		if opts.Transport.Kind != config.TransportTLS {
			return netDialer.DialContext(ctx, "tcp", addr)
		}
		conn, err := (&tls.Dialer{NetDialer: netDialer, Config: opts.TLS}).DialContext(ctx, "tcp", addr)
		if err != nil && isCertificateError(err) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}

	tries := opts.Retry.MaxTries
	if tries == 0 {
		tries = 1
	}
	policy := backoff.NewExponentialBackOff()
	if opts.Retry.InitialInterval > 0 {
		policy.InitialInterval = opts.Retry.InitialInterval
	}
	if opts.Retry.MaxInterval > 0 {
		policy.MaxInterval = opts.Retry.MaxInterval
	}

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("Broker dial failed, retrying", "addr", addr, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", addr, err)
	}

	logger.Debug("Connected to broker", "addr", addr, "transport", opts.Transport.Kind.String())
	return &Client{
		conn:   conn,
		reader: gateway.NewReader(conn, opts.MaxFrameBytes),
		logger: logger,
	}, nil
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &verification)
}

// DialConfig loads the client stores named by cfg and connects. Store paths
// are resolved through loader; nil resolves them against the working
// directory.
func DialConfig(ctx context.Context, cfg *config.ClientConfig, loader keystore.ResourceLoader, logger *slog.Logger) (*Client, error) {
	opts := Options{Transport: cfg.Transport, Logger: logger, Retry: RetryOptions{MaxTries: 3}}
	if cfg.Transport.Kind == config.TransportTLS {
		material, err := keystore.LoadCredentials(ctx, loader, cfg.KeyStore(), cfg.TrustStore())
		if err != nil {
			return nil, err
		}
		serverName := cfg.ServerName
		if serverName == "" {
			serverName = cfg.Transport.Host
		}
		opts.TLS, err = mqtls.ClientConfig(material, serverName, 0)
		if err != nil {
			return nil, err
		}
	}
	return Dial(ctx, opts)
}

// Enqueue sends payload to destination and returns the broker-assigned
// message id.
func (c *Client) Enqueue(ctx context.Context, destination string, payload []byte, headers map[string]string) (string, error) {
	resp, err := c.roundTrip(ctx, &gateway.Frame{
		Op:          gateway.OpEnqueue,
		Destination: destination,
		Headers:     headers,
		Payload:     payload,
	}, 0)
	if err != nil {
		return "", err
	}
	if resp.Op != gateway.OpAck {
		return "", fmt.Errorf("unexpected %s response to ENQUEUE", resp.Op)
	}
	return resp.Headers[gateway.HeaderMessageID], nil
}

// Receive waits up to timeout for a message on destination. It returns nil
// and no error when the destination stayed empty.
func (c *Client) Receive(ctx context.Context, destination string, timeout time.Duration) (*Message, error) {
	if timeout < 0 {
		timeout = 0
	}
	resp, err := c.roundTrip(ctx, &gateway.Frame{
		Op:          gateway.OpReceive,
		Destination: destination,
		TimeoutMs:   uint32(timeout.Milliseconds()),
	}, timeout)
	if err != nil {
		return nil, err
	}

	switch resp.Op {
	case gateway.OpEmpty:
		return nil, nil
	case gateway.OpMessage:
		headers := resp.Headers
		id := headers[gateway.HeaderMessageID]
		delete(headers, gateway.HeaderMessageID)
		return &Message{ID: id, Destination: resp.Destination, Headers: headers, Payload: resp.Payload}, nil
	default:
		return nil, fmt.Errorf("unexpected %s response to RECEIVE", resp.Op)
	}
}

func (c *Client) roundTrip(ctx context.Context, req *gateway.Frame, wait time.Duration) (*gateway.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(wait + receiveSlack)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := gateway.WriteFrame(c.conn, req); err != nil {
		return nil, c.fail(ctx, fmt.Errorf("send %s: %w", req.Op, err))
	}
	resp, err := c.reader.ReadFrame()
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("read %s response: %w", req.Op, err))
	}

	if resp.Op == gateway.OpError {
		serr := &ServerError{Code: resp.Code, Message: string(resp.Payload)}
		if resp.Code.Protocol() {
			// The broker closes the session after a protocol error.
			c.closeLocked()
		}
		return nil, serr
	}
	return resp, nil
}

// fail closes the connection after a transport error. A cancelled ctx is
// reported in preference to the deadline it caused.
func (c *Client) fail(ctx context.Context, err error) error {
	c.closeLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
