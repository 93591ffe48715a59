package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/internal/session"
)

const (
	// DefaultHandshakeTimeout bounds how long a peer may take to finish the
	// TLS handshake.
	DefaultHandshakeTimeout = 5 * time.Second
	defaultBacklog          = 64
)

// ListenerConfig is the immutable configuration of a Listener.
type ListenerConfig struct {
	BindAddress string
	Port        int
	// RequireClientAuth must be true; the listener only speaks mutual TLS.
	RequireClientAuth bool
	HandshakeTimeout  time.Duration
	Credential        *keystore.Material
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16
	// Backlog is the number of handshaken sessions buffered ahead of Accept.
	Backlog int
}

// Address returns the host:port the listener binds.
func (c ListenerConfig) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Validate checks the configuration before binding.
func (c ListenerConfig) Validate() error {
	if !c.RequireClientAuth {
		return NewConfigValidationError("requireClientAuth", false, "mutual TLS is mandatory")
	}
	if c.Port < 0 || c.Port > 65535 {
		return NewConfigValidationError("port", c.Port, "must be between 0 and 65535")
	}
	if c.HandshakeTimeout < 0 {
		return NewConfigValidationError("handshakeTimeoutMs", c.HandshakeTimeout.Milliseconds(), "must not be negative")
	}
	switch c.MinVersion {
	case 0, tls.VersionTLS12, tls.VersionTLS13:
	default:
		return NewConfigValidationError("minTLSVersion", describeVersion(c.MinVersion), "must be TLS 1.2 or TLS 1.3")
	}
	if c.Credential == nil {
		return NewConfigMissingError("credential")
	}
	if len(c.Credential.TrustAnchors) == 0 {
		return NewConfigValidationError("truststorePath", "", "trust store holds no CA certificates").
			WithSuggestion("Client certificates cannot be verified without trust anchors")
	}
	return nil
}

// Listener accepts TCP connections, runs a mutual TLS handshake for each one
// in its own goroutine and hands handshaken sessions to Accept.
type Listener struct {
	cfg     ListenerConfig
	ln      net.Listener
	logger  *EventLogger
	metrics *MetricsCollector

	material  atomic.Pointer[keystore.Material]
	tlsConfig atomic.Pointer[tls.Config]

	sessions chan *session.Session
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// listen binds the listening socket. Tests replace it to inject accept
// failures.
var listen = net.Listen

// Start validates cfg, binds the listening socket and begins accepting
// connections. The listener stops when ctx ends or Stop is called.
func Start(ctx context.Context, cfg ListenerConfig, logger *slog.Logger) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	metrics, err := GetMetricsCollector(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize TLS metrics collector: %w", err)
	}

	addr := cfg.Address()
	ln, err := listen("tcp", addr)
	if err != nil {
		tlsErr := NewListenerCreateError(addr, err)
		switch {
		case strings.Contains(err.Error(), "address already in use"):
			tlsErr.WithSuggestion("Check if another process is using this port").
				WithSuggestion("Consider using a different port")
		case strings.Contains(err.Error(), "permission denied"):
			tlsErr.WithSuggestion("Ports below 1024 typically require root privileges")
		default:
			tlsErr.WithSuggestion("Check the bindAddress format is correct")
		}
		return nil, tlsErr
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Listener{
		cfg:      cfg,
		ln:       ln,
		logger:   NewEventLogger(logger),
		metrics:  metrics,
		sessions: make(chan *session.Session, cfg.Backlog),
		ctx:      lctx,
		cancel:   cancel,
	}
	l.install(cfg.Credential)
	context.AfterFunc(ctx, l.Stop)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.LogListenerStarted(ctx, ln.Addr().String(), cfg.Credential, cfg.HandshakeTimeout)
	l.metrics.RecordCredentials(ctx, cfg.Credential, false)
	return l, nil
}

// Addr returns the bound address, useful when Port is 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Credentials returns the material used for new handshakes.
func (l *Listener) Credentials() *keystore.Material {
	return l.material.Load()
}

// SwapCredentials atomically replaces the material used for subsequent
// handshakes. Established sessions keep the material they were negotiated
// with.
func (l *Listener) SwapCredentials(m *keystore.Material) error {
	if m == nil {
		return NewCredentialSwapError("material is nil")
	}
	if len(m.TrustAnchors) == 0 {
		return NewCredentialSwapError("trust store holds no CA certificates")
	}

	previous := l.install(m)
	l.logger.LogCredentialsSwapped(l.ctx, previous, m)
	l.metrics.RecordCredentials(l.ctx, m, true)
	return nil
}

func (l *Listener) install(m *keystore.Material) *keystore.Material {
	previous := l.material.Swap(m)
	l.tlsConfig.Store(serverConfig(m, l.cfg.MinVersion))
	return previous
}

// Accept blocks until a handshaken session is available, ctx ends or the
// listener stops.
func (l *Listener) Accept(ctx context.Context) (*session.Session, error) {
	select {
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	default:
	}

	select {
	case s := <-l.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

// Stop closes the socket, unblocks Accept, aborts in-flight handshakes and
// waits for their goroutines. Sessions already handed out are unaffected.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		_ = l.ln.Close()
		l.wg.Wait()

		for {
			select {
			case s := <-l.sessions:
				_ = s.Close()
			default:
				l.logger.LogListenerStopped(context.Background(), l.ln.Addr().String())
				return
			}
		}
	})
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			// Resource exhaustion such as EMFILE is transient; keep serving.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			l.logger.logger.Warn("Failed to accept connection; retrying", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		l.wg.Add(1)
		go l.handshake(conn)
	}
}

// handshake runs the mutual TLS handshake for one connection and delivers the
// resulting session. Failures are logged and counted, never returned.
func (l *Listener) handshake(conn net.Conn) {
	defer l.wg.Done()

	remoteAddr := conn.RemoteAddr().String()
	s := session.New(conn)
	_ = s.Advance(session.StateHandshaking)
	l.metrics.RecordConnectionAccepted(l.ctx)

	start := time.Now()
	tlsConn := tls.Server(conn, l.tlsConfig.Load())

	hctx, cancel := context.WithTimeout(l.ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	_ = conn.SetDeadline(start.Add(l.cfg.HandshakeTimeout))

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		duration := time.Since(start)
		tlsErr := classifyHandshakeError(err, remoteAddr, l.cfg.HandshakeTimeout)
		if hctx.Err() == context.DeadlineExceeded && tlsErr.Type == ErrorTypeClientDisconnect {
			tlsErr = NewHandshakeTimeoutError(l.cfg.HandshakeTimeout).WithContext("remote_addr", remoteAddr)
		}
		l.logger.LogConnectionRejected(l.ctx, remoteAddr, tlsErr, duration)
		l.metrics.RecordHandshakeError(l.ctx, tlsErr.Type, duration)
		_ = tlsConn.Close()
		_ = s.Close()
		return
	}

	duration := time.Since(start)
	if err := conn.SetDeadline(time.Time{}); err != nil {
		l.logger.logger.Warn("Failed to clear connection deadline after handshake",
			"error", err, "remote_addr", remoteAddr)
	}

	state := tlsConn.ConnectionState()
	s.Conn = tlsConn
	s.PeerCertificates = state.PeerCertificates
	_ = s.Advance(session.StateAuthorizing)

	l.metrics.RecordHandshakeSuccess(l.ctx, state.Version, duration)
	l.logger.LogHandshakeSuccess(l.ctx, remoteAddr, s.ID, state, duration)

	select {
	case l.sessions <- s:
	case <-l.ctx.Done():
		_ = s.Close()
	}
}
