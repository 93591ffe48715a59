// Package broker composes the mutual TLS listener, the connection authorizer
// and the queue gateway into a running broker front door.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-mq/internal/authz"
	"github.com/polisai/polis-mq/internal/backend"
	"github.com/polisai/polis-mq/internal/backend/circuit"
	"github.com/polisai/polis-mq/internal/backend/memory"
	"github.com/polisai/polis-mq/internal/backend/mqtt"
	"github.com/polisai/polis-mq/internal/gateway"
	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/internal/session"
	mqtls "github.com/polisai/polis-mq/internal/tls"
	"github.com/polisai/polis-mq/pkg/config"
	"github.com/polisai/polis-mq/pkg/telemetry"
)

// ErrNotStarted is returned by operations that need a bound listener.
var ErrNotStarted = errors.New("broker is not started")

// Options carries collaborators that override what the configuration selects.
type Options struct {
	// Loader resolves store paths. Defaults to a DirLoader rooted at the
	// configured resource directory.
	Loader keystore.ResourceLoader
	// Backend replaces the backend chosen by the backend section.
	Backend backend.Backend
	// Registry receives the broker and gateway collectors.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Broker accepts mutually authenticated connections, authorizes each peer
// and serves the queue protocol on the authorized ones.
type Broker struct {
	cfg      *config.Config
	loader   keystore.ResourceLoader
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics
	tracer   trace.Tracer

	initial    *keystore.Material
	backend    backend.Backend
	authorizer *authz.Authorizer
	gateway    *gateway.Gateway

	listener  *mqtls.Listener
	reloader  *mqtls.CredentialReloader
	monitor   *mqtls.ExpiryMonitor
	watcher   *config.FileWatcher
	admin     *http.Server
	adminAddr net.Addr

	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}
	wg         sync.WaitGroup

	started      atomic.Bool
	stopping     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads the credential material and the authorization policy and
// prepares the backend and gateway. Nothing is bound until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Broker, error) {
	if cfg == nil {
		return nil, config.NewConfigMissingError("config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loader := opts.Loader
	if loader == nil {
		loader = keystore.DirLoader{Root: cfg.ResourceDir}
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	b := &Broker{
		cfg:        cfg,
		loader:     loader,
		logger:     logger.With("component", "broker"),
		registry:   registry,
		metrics:    newMetrics(registry),
		tracer:     otel.Tracer("polis-mq/broker"),
		acceptDone: make(chan struct{}),
	}

	material, err := keystore.LoadCredentials(ctx, loader, cfg.KeyStore(), cfg.TrustStore())
	if err != nil {
		return nil, err
	}
	b.initial = material

	policy, err := b.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	b.authorizer = authz.New(policy, logger)
	b.metrics.policyLoadedAt.Set(float64(b.authorizer.Policy().LoadedAt().Unix()))

	b.backend = opts.Backend
	if b.backend == nil {
		b.backend, err = newBackend(ctx, cfg.Backend, logger)
		if err != nil {
			return nil, err
		}
	}

	b.gateway = gateway.New(b.backend, gateway.Options{
		MaxFrameBytes:     uint32(cfg.Gateway.MaxFrameBytes),
		MaxReceiveTimeout: time.Duration(cfg.Gateway.MaxReceiveTimeoutMs) * time.Millisecond,
		Metrics:           gateway.NewMetrics(registry),
	}, logger)

	return b, nil
}

func newBackend(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Type {
	case "mqtt":
		remote, err := mqtt.Dial(ctx, mqtt.Options{
			URL:         cfg.MQTT.URL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
			TopicPrefix: cfg.MQTT.TopicPrefix,
			MaxBuffered: cfg.MaxDepth,
		}, logger)
		if err != nil {
			return nil, err
		}
		return circuit.Wrap(remote, circuit.Options{
			MaxFailures:      cfg.CircuitBreaker.MaxFailures,
			OpenTimeout:      time.Duration(cfg.CircuitBreaker.OpenTimeoutMs) * time.Millisecond,
			HalfOpenRequests: cfg.CircuitBreaker.HalfOpenRequests,
		}, logger), nil
	default:
		return memory.New(memory.Options{MaxDepth: cfg.MaxDepth}), nil
	}
}

// Start binds the TLS listener and begins serving. It also starts the
// certificate expiry monitor, the file watcher when enabled, and the admin
// HTTP server when an address is configured.
func (b *Broker) Start(ctx context.Context) error {
	if b.started.Load() {
		return fmt.Errorf("broker already started")
	}

	minVersion, err := config.ParseTLSVersion(b.cfg.MinTLSVersion)
	if err != nil {
		return config.NewConfigValidationError("minTLSVersion", b.cfg.MinTLSVersion, err.Error())
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	listener, err := mqtls.Start(b.ctx, mqtls.ListenerConfig{
		BindAddress:       b.cfg.BindAddress,
		Port:              b.cfg.Port,
		RequireClientAuth: *b.cfg.RequireClientAuth,
		HandshakeTimeout:  b.cfg.HandshakeTimeout(),
		Credential:        b.initial,
		MinVersion:        minVersion,
	}, b.logger)
	if err != nil {
		b.cancel()
		return err
	}
	b.listener = listener

	b.reloader, err = mqtls.NewCredentialReloader(b.loader, b.cfg.KeyStore(), b.cfg.TrustStore(), listener, b.logger)
	if err != nil {
		b.abortStart()
		return err
	}

	tlsMetrics, err := mqtls.GetMetricsCollector(b.logger)
	if err != nil {
		b.abortStart()
		return err
	}
	b.monitor = mqtls.NewExpiryMonitor(listener.Credentials, tlsMetrics, b.logger)
	b.monitor.Start(b.ctx)

	if b.cfg.WatchFiles {
		if err := b.startWatcher(); err != nil {
			b.abortStart()
			return err
		}
	}

	if b.cfg.Admin.Address != "" {
		if err := b.startAdmin(b.cfg.Admin.Address, b.registry); err != nil {
			b.abortStart()
			return err
		}
	}

	go b.acceptLoop()
	b.started.Store(true)

	b.logger.Info("Broker started",
		"addr", listener.Addr().String(),
		"backend", b.cfg.Backend.Type,
		"authz_policy", b.authorizer.Policy().Source(),
		"watch_files", b.cfg.WatchFiles)
	return nil
}

func (b *Broker) abortStart() {
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
	if b.monitor != nil {
		b.monitor.Stop()
	}
	b.listener.Stop()
	b.cancel()
}

// Run starts the broker and blocks until ctx ends, then shuts down within
// the configured shutdown timeout.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := time.Duration(b.cfg.Gateway.ShutdownTimeoutMs) * time.Millisecond
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (b *Broker) acceptLoop() {
	defer close(b.acceptDone)

	for {
		s, err := b.listener.Accept(b.ctx)
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.serve(s)
	}
}

// serve authorizes one session and hands it to the gateway. A rejected peer
// is disconnected without any response.
func (b *Broker) serve(s *session.Session) {
	defer b.wg.Done()

	ctx, span := b.tracer.Start(b.ctx, "mq.session.authorize", trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", s.RemoteAddr())))
	_, err := b.authorizer.Authorize(ctx, s)
	outcome, reason := authzOutcome(err)
	telemetry.RecordAuthzDecision(span, s.PeerIdentity(), outcome, reason)
	span.End()
	b.metrics.authzDecisions.WithLabelValues(outcome).Inc()

	if err != nil {
		_ = s.Close()
		telemetry.RecordSessionMetrics(b.ctx, telemetry.SessionMetrics{
			Outcome:  outcome,
			Duration: time.Since(s.CreatedAt),
		})
		return
	}

	err = b.gateway.Serve(b.ctx, s)
	telemetry.RecordSessionMetrics(b.ctx, telemetry.SessionMetrics{
		Outcome:  outcome,
		Duration: time.Since(s.CreatedAt),
		Ended:    sessionEnd(err),
	})
	if err != nil && !errors.Is(err, gateway.ErrShuttingDown) {
		b.logger.Debug("Session ended with error", "session_id", s.ID, "error", err)
	}
}

func authzOutcome(err error) (outcome, reason string) {
	if err == nil {
		return telemetry.AuthzOutcomeAuthorized, ""
	}
	var authzErr *authz.AuthzError
	if errors.As(err, &authzErr) {
		return string(authzErr.Reason), authzErr.Detail
	}
	return "error", err.Error()
}

func sessionEnd(err error) string {
	var perr *gateway.ProtocolError
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, gateway.ErrShuttingDown):
		return "shutdown"
	case errors.As(err, &perr):
		return "protocol_error"
	default:
		return "transport_error"
	}
}

// Shutdown stops accepting connections and drains served sessions. Sessions
// still busy when ctx ends are closed and ctx's error is returned.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.stopping.Store(true)
		b.logger.Info("Broker shutting down")

		var errs []error
		if b.started.Load() {
			if b.watcher != nil {
				if err := b.watcher.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close file watcher: %w", err))
				}
			}
			b.monitor.Stop()
			b.listener.Stop()
			<-b.acceptDone

			if err := b.gateway.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			b.wg.Wait()
			b.cancel()

			if err := b.stopAdmin(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop admin server: %w", err))
			}
		}
		if err := b.backend.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}

		b.shutdownErr = errors.Join(errs...)
		b.logger.Info("Broker stopped")
	})
	return b.shutdownErr
}

// Ready reports whether the broker is accepting connections.
func (b *Broker) Ready() bool {
	return b.started.Load() && !b.stopping.Load()
}

// Addr is the bound broker address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// AdminAddr is the bound admin address, or nil when the admin server is off.
func (b *Broker) AdminAddr() net.Addr {
	return b.adminAddr
}

// Credentials returns the material used for new handshakes.
func (b *Broker) Credentials() *keystore.Material {
	if b.listener == nil {
		return b.initial
	}
	return b.listener.Credentials()
}

// Authorizer exposes the connection authorizer.
func (b *Broker) Authorizer() *authz.Authorizer { return b.authorizer }

// ActiveSessions reports how many sessions the gateway is serving.
func (b *Broker) ActiveSessions() int { return b.gateway.ActiveSessions() }

// policyPath resolves the configured policy against the resource directory.
func (b *Broker) policyPath() string {
	p := b.cfg.AuthzPolicy
	if p == "" || filepath.IsAbs(p) || b.cfg.ResourceDir == "" {
		return p
	}
	return filepath.Join(b.cfg.ResourceDir, p)
}

func (b *Broker) loadPolicy(ctx context.Context) (*authz.Policy, error) {
	file := b.policyPath()
	if file == "" {
		return nil, nil
	}
	return authz.LoadPolicyFile(ctx, file)
}
