// Package gateway serves the framed enqueue/receive protocol on authorized
// sessions and forwards each request to the queue backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-mq/internal/backend"
	"github.com/polisai/polis-mq/internal/session"
)

// DefaultMaxReceiveTimeout caps the timeout a client may ask RECEIVE to wait.
const DefaultMaxReceiveTimeout = 30 * time.Second

// ErrShuttingDown is returned by Serve once Shutdown has begun.
var ErrShuttingDown = errors.New("gateway is shutting down")

// Options configures a Gateway.
type Options struct {
	MaxFrameBytes     uint32
	MaxReceiveTimeout time.Duration
	Metrics           *Metrics
}

// Gateway serves sessions. One goroutine per session calls Serve; frames of a
// session are handled strictly in arrival order.
type Gateway struct {
	backend backend.Backend
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	conns    map[*servedConn]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New creates a Gateway forwarding to b.
func New(b backend.Backend, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFrameBytes == 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.MaxReceiveTimeout <= 0 {
		opts.MaxReceiveTimeout = DefaultMaxReceiveTimeout
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Gateway{
		backend: b,
		opts:    opts,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
		tracer:  otel.Tracer("polis-mq/gateway"),
		conns:   make(map[*servedConn]struct{}),
	}
}

// servedConn tracks whether a session is between frames so a drain can close
// it without cutting a request short. A session becomes busy as soon as the
// first byte of a frame arrives.
type servedConn struct {
	s      *session.Session
	cancel context.CancelFunc

	mu       sync.Mutex
	busy     bool
	draining bool
	closed   bool
}

// begin marks the connection busy. It fails once the gateway closed it.
func (c *servedConn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.busy = true
	if c.draining {
		// Lift the wake-up deadline so the rest of the frame can be read.
		_ = c.s.Conn.SetReadDeadline(time.Time{})
	}
	return true
}

// end marks the connection idle and closes it when draining.
func (c *servedConn) end(draining bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	if (draining || c.draining) && !c.closed {
		c.closeLocked()
	}
	return !c.closed
}

// closeIfIdle asks the session to stop. An idle session is woken from its
// read by an expired deadline; Serve then closes it. The socket is never
// closed here, so a frame that has started to arrive still gets answered.
func (c *servedConn) closeIfIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	if !c.busy && !c.closed {
		_ = c.s.Conn.SetReadDeadline(time.Now())
	}
}

func (c *servedConn) stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining || c.closed
}

func (c *servedConn) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	if !c.closed {
		c.closeLocked()
	}
}

func (c *servedConn) closeLocked() {
	c.closed = true
	_ = c.s.Close()
}

func (c *servedConn) closedByGateway() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (g *Gateway) track(c *servedConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *servedConn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// ActiveSessions reports how many sessions are being served.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Serve runs the request loop for an authorized session until the peer
// disconnects, a protocol error occurs or the gateway shuts down. The
// session is closed on return. A nil error means an orderly end.
func (g *Gateway) Serve(ctx context.Context, s *session.Session) error {
	if !s.Authorized() || s.State() != session.StateServing {
		_ = s.Close()
		return session.ErrNotAuthorized
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &servedConn{s: s, cancel: cancel}
	if !g.track(c) {
		_ = s.Close()
		return ErrShuttingDown
	}
	defer g.untrack(c)
	defer func() { _ = s.Close() }()

	g.metrics.sessionStarted()
	defer g.metrics.sessionEnded()

	log := g.logger.With("session_id", s.ID, "identity", s.PeerIdentity())
	log.Debug("Session serving started", "remote_addr", s.RemoteAddr())

	reader := NewReader(s.Conn, g.opts.MaxFrameBytes)
	for {
		if err := reader.Wait(); err != nil {
			switch {
			case c.stopping(), errors.Is(err, io.EOF):
				log.Debug("Session ended")
				return nil
			default:
				log.Debug("Session transport failed", "error", err)
				return fmt.Errorf("session %s transport: %w", s.ID, err)
			}
		}
		if !c.begin() {
			return nil
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			var perr *ProtocolError
			switch {
			case errors.As(err, &perr):
				g.sendError(s, perr.Code, perr.Message)
				log.Warn("Closing session after protocol error", "code", perr.Code.String(), "error", perr.Message)
				return perr
			case c.closedByGateway():
				log.Debug("Session ended")
				return nil
			default:
				log.Debug("Session transport failed", "error", err)
				return fmt.Errorf("session %s transport: %w", s.ID, err)
			}
		}

		resp, perr := g.handle(sctx, frame)
		werr := WriteFrame(s.Conn, resp)
		if perr != nil {
			log.Warn("Closing session after protocol error", "code", perr.Code.String(), "error", perr.Message)
			return perr
		}
		if werr != nil {
			if c.closedByGateway() {
				return nil
			}
			log.Debug("Session transport failed", "error", werr)
			return fmt.Errorf("session %s transport: %w", s.ID, werr)
		}
		if !c.end(g.isDraining()) {
			log.Debug("Session closed for shutdown")
			return nil
		}
	}
}

// handle processes one request and returns the response frame. A non-nil
// ProtocolError means the session must close after the response is sent.
func (g *Gateway) handle(ctx context.Context, req *Frame) (*Frame, *ProtocolError) {
	start := time.Now()

	var (
		resp *Frame
		perr *ProtocolError
	)
	switch req.Op {
	case OpEnqueue:
		resp = g.enqueue(ctx, req)
	case OpReceive:
		resp = g.receive(ctx, req)
	default:
		perr = &ProtocolError{Code: CodeUnknownOperation, Message: fmt.Sprintf("%s is not a request operation", req.Op)}
		resp = g.errorFrame(req.Destination, perr.Code, perr.Message)
	}

	status := "ok"
	if resp.Op == OpError {
		status = resp.Code.String()
	}
	g.metrics.request(req.Op, status, time.Since(start).Seconds())
	return resp, perr
}

func (g *Gateway) enqueue(ctx context.Context, req *Frame) *Frame {
	ctx, span := g.tracer.Start(ctx, "mq.enqueue", trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", req.Destination),
			attribute.Int("messaging.message.body.size", len(req.Payload)),
		))
	defer span.End()

	ack, err := g.backend.Enqueue(ctx, backend.Message{
		Destination: req.Destination,
		Payload:     req.Payload,
		Headers:     req.Headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return g.backendError(req.Destination, err)
	}

	span.SetAttributes(attribute.String("messaging.message.id", ack.MessageID))
	g.metrics.payload(OpEnqueue, len(req.Payload))
	return &Frame{
		Op:          OpAck,
		Destination: ack.Destination,
		Headers:     map[string]string{HeaderMessageID: ack.MessageID},
	}
}

func (g *Gateway) receive(ctx context.Context, req *Frame) *Frame {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout > g.opts.MaxReceiveTimeout {
		timeout = g.opts.MaxReceiveTimeout
	}

	ctx, span := g.tracer.Start(ctx, "mq.receive", trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", req.Destination),
			attribute.Int64("mq.receive.timeout_ms", timeout.Milliseconds()),
		))
	defer span.End()

	msg, err := g.backend.Receive(ctx, req.Destination, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "receive failed")
		return g.backendError(req.Destination, err)
	}
	if msg == nil {
		span.SetAttributes(attribute.Bool("mq.receive.empty", true))
		return &Frame{Op: OpEmpty, Destination: req.Destination}
	}

	headers := backend.CloneHeaders(msg.Headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderMessageID] = msg.ID

	span.SetAttributes(attribute.String("messaging.message.id", msg.ID))
	g.metrics.payload(OpMessage, len(msg.Payload))
	return &Frame{
		Op:          OpMessage,
		Destination: msg.Destination,
		Headers:     headers,
		Payload:     msg.Payload,
	}
}

// backendError maps a backend failure to an ERROR frame. The session stays
// open.
func (g *Gateway) backendError(destination string, err error) *Frame {
	code := CodeBackendFailure
	message := code.String()
	switch {
	case errors.Is(err, backend.ErrInvalidDestination):
		code, message = CodeInvalidDestination, err.Error()
	case errors.Is(err, backend.ErrQueueFull):
		code, message = CodeQueueFull, CodeQueueFull.String()
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, backend.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code, message = CodeBackendUnavailable, CodeBackendUnavailable.String()
	}
	g.logger.Debug("Backend request failed", "destination", destination, "code", code.String(), "error", err)
	return g.errorFrame(destination, code, message)
}

func (g *Gateway) errorFrame(destination string, code Code, message string) *Frame {
	g.metrics.errorSent(code)
	return &Frame{
		Op:          OpError,
		Code:        code,
		Destination: destination,
		Payload:     []byte(message),
	}
}

func (g *Gateway) sendError(s *session.Session, code Code, message string) {
	if err := WriteFrame(s.Conn, g.errorFrame("", code, message)); err != nil {
		g.logger.Debug("Failed to send error frame", "session_id", s.ID, "error", err)
	}
}

// Shutdown stops accepting sessions and drains the served ones: idle
// sessions close now, busy sessions close after their current frame. When
// ctx ends first, every remaining session is closed immediately and ctx's
// error is returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	conns := make([]*servedConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.logger.Info("Draining gateway sessions", "sessions", len(conns))
	for _, c := range conns {
		c.closeIfIdle()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("Gateway drained")
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	remaining := make([]*servedConn, 0, len(g.conns))
	for c := range g.conns {
		remaining = append(remaining, c)
	}
	g.mu.Unlock()

	g.logger.Warn("Shutdown deadline reached, closing sessions", "sessions", len(remaining))
	for _, c := range remaining {
		c.forceClose()
	}
	<-done
	return ctx.Err()
}
