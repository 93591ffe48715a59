package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-mq/internal/backend"
	"github.com/polisai/polis-mq/internal/backend/memory"
	"github.com/polisai/polis-mq/internal/session"
)

// recordingBackend records the order in which enqueues reach the backend.
type recordingBackend struct {
	*memory.Backend

	mu       sync.Mutex
	payloads []string
	failWith error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{Backend: memory.New(memory.Options{})}
}

func (b *recordingBackend) Enqueue(ctx context.Context, msg backend.Message) (backend.Ack, error) {
	b.mu.Lock()
	fail := b.failWith
	if fail == nil {
		b.payloads = append(b.payloads, string(msg.Payload))
	}
	b.mu.Unlock()
	if fail != nil {
		return backend.Ack{}, fail
	}
	return b.Backend.Enqueue(ctx, msg)
}

func (b *recordingBackend) forwarded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.payloads...)
}

type client struct {
	conn   net.Conn
	reader *Reader
	done   chan error
}

func authorizedSession(t testing.TB, conn net.Conn) *session.Session {
	s := session.New(conn)
	require.NoError(t, s.Advance(session.StateHandshaking))
	require.NoError(t, s.Advance(session.StateAuthorizing))
	require.NoError(t, s.Authorize("CN=mq-client"))
	return s
}

func serve(t testing.TB, g *Gateway) *client {
	srv, cli := net.Pipe()
	s := authorizedSession(t, srv)

	c := &client{conn: cli, reader: NewReader(cli, 0), done: make(chan error, 1)}
	go func() { c.done <- g.Serve(context.Background(), s) }()
	return c
}

func (c *client) roundTrip(t testing.TB, f *Frame) *Frame {
	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, WriteFrame(c.conn, f))
	resp, err := c.reader.ReadFrame()
	require.NoError(t, err)
	return resp
}

func (c *client) result(t testing.TB) error {
	select {
	case err := <-c.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestGateway_EnqueueReceive(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	ack := c.roundTrip(t, &Frame{
		Op:          OpEnqueue,
		Destination: "testQueue",
		Headers:     map[string]string{"content-type": "text/plain"},
		Payload:     []byte("This is a text message!"),
	})
	require.Equal(t, OpAck, ack.Op)
	assert.Equal(t, "testQueue", ack.Destination)
	messageID := ack.Headers[HeaderMessageID]
	assert.NotEmpty(t, messageID)

	msg := c.roundTrip(t, &Frame{Op: OpReceive, Destination: "testQueue", TimeoutMs: 5000})
	require.Equal(t, OpMessage, msg.Op)
	assert.Equal(t, "This is a text message!", string(msg.Payload))
	assert.Equal(t, "text/plain", msg.Headers["content-type"])
	assert.Equal(t, messageID, msg.Headers[HeaderMessageID])

	require.NoError(t, c.conn.Close())
	assert.NoError(t, c.result(t))
	assert.Equal(t, 0, g.ActiveSessions())
}

func TestGateway_EmptyReceive(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	start := time.Now()
	resp := c.roundTrip(t, &Frame{Op: OpReceive, Destination: "testQueue", TimeoutMs: 100})
	elapsed := time.Since(start)

	assert.Equal(t, OpEmpty, resp.Op)
	assert.Equal(t, "testQueue", resp.Destination)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestGateway_ReceiveTimeoutIsCapped(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{MaxReceiveTimeout: 50 * time.Millisecond}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	start := time.Now()
	resp := c.roundTrip(t, &Frame{Op: OpReceive, Destination: "testQueue", TimeoutMs: 60000})
	assert.Equal(t, OpEmpty, resp.Op)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGateway_BackendErrorsKeepSessionOpen(t *testing.T) {
	b := newRecordingBackend()
	g := New(b, Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	tests := []struct {
		name string
		fail error
		dest string
		code Code
	}{
		{"invalid destination", nil, "orders/#", CodeInvalidDestination},
		{"queue full", fmt.Errorf("%w: testQueue", backend.ErrQueueFull), "testQueue", CodeQueueFull},
		{"unavailable", backend.ErrUnavailable, "testQueue", CodeBackendUnavailable},
		{"closed", backend.ErrClosed, "testQueue", CodeBackendUnavailable},
		{"failure", errors.New("disk on fire"), "testQueue", CodeBackendFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.mu.Lock()
			b.failWith = tt.fail
			b.mu.Unlock()

			resp := c.roundTrip(t, &Frame{Op: OpEnqueue, Destination: tt.dest, Payload: []byte("x")})
			require.Equal(t, OpError, resp.Op)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotContains(t, string(resp.Payload), "disk on fire")
		})
	}

	b.mu.Lock()
	b.failWith = nil
	b.mu.Unlock()
	resp := c.roundTrip(t, &Frame{Op: OpEnqueue, Destination: "testQueue", Payload: []byte("after")})
	assert.Equal(t, OpAck, resp.Op)
}

func TestGateway_ProtocolErrorsCloseSession(t *testing.T) {
	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
		code Code
	}{
		{
			name: "malformed",
			raw:  func(*testing.T) []byte { return []byte{0, 0, 0, 3, 1, 2, 3} },
			code: CodeMalformedFrame,
		},
		{
			name: "unknown operation",
			raw: func(t *testing.T) []byte {
				data, err := (&Frame{Op: 42, Destination: "q"}).MarshalBinary()
				require.NoError(t, err)
				return data
			},
			code: CodeUnknownOperation,
		},
		{
			name: "response operation from client",
			raw: func(t *testing.T) []byte {
				data, err := (&Frame{Op: OpAck, Destination: "q"}).MarshalBinary()
				require.NoError(t, err)
				return data
			},
			code: CodeUnknownOperation,
		},
		{
			name: "oversized",
			raw:  func(*testing.T) []byte { return []byte{0xff, 0xff, 0xff, 0xff} },
			code: CodeFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRecordingBackend()
			g := New(b, Options{}, nil)
			c := serve(t, g)
			defer c.conn.Close()

			_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
			raw := tt.raw(t)
			// The gateway may answer before consuming every byte.
			go func() { _, _ = c.conn.Write(raw) }()

			resp, err := c.reader.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, OpError, resp.Op)
			assert.Equal(t, tt.code, resp.Code)

			_, err = c.reader.ReadFrame()
			assert.ErrorIs(t, err, io.EOF)

			var perr *ProtocolError
			require.True(t, errors.As(c.result(t), &perr))
			assert.Equal(t, tt.code, perr.Code)
			assert.Empty(t, b.forwarded())
		})
	}
}

func TestGateway_RejectsUnauthorizedSession(t *testing.T) {
	b := newRecordingBackend()
	g := New(b, Options{}, nil)

	srv, cli := net.Pipe()
	defer cli.Close()
	s := session.New(srv)
	require.NoError(t, s.Advance(session.StateHandshaking))
	require.NoError(t, s.Advance(session.StateAuthorizing))

	err := g.Serve(context.Background(), s)
	assert.ErrorIs(t, err, session.ErrNotAuthorized)
	assert.Equal(t, session.StateClosed, s.State())

	_ = cli.SetReadDeadline(time.Now().Add(time.Second))
	_, err = cli.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, b.forwarded())
}

func TestGateway_TransportFailureEndsOnlyThatSession(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	broken := serve(t, g)
	healthy := serve(t, g)
	defer healthy.conn.Close()

	// Half a frame, then hang up.
	_ = broken.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := broken.conn.Write([]byte{0, 0, 0, 40, 1, 0})
	require.NoError(t, err)
	require.NoError(t, broken.conn.Close())
	assert.Error(t, broken.result(t))

	resp := healthy.roundTrip(t, &Frame{Op: OpEnqueue, Destination: "q", Payload: []byte("still here")})
	assert.Equal(t, OpAck, resp.Op)
}

func TestGateway_OrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payloads := rapid.SliceOfN(rapid.StringN(1, 16, -1), 1, 20).Draw(rt, "payloads")

		b := newRecordingBackend()
		g := New(b, Options{}, nil)
		c := serve(t, g)
		defer c.conn.Close()

		for _, p := range payloads {
			resp := c.roundTrip(t, &Frame{Op: OpEnqueue, Destination: "D", Payload: []byte(p)})
			if resp.Op != OpAck {
				rt.Fatalf("enqueue %q: %s %s", p, resp.Op, resp.Code)
			}
		}
		got := b.forwarded()
		if len(got) != len(payloads) {
			rt.Fatalf("forwarded %d of %d", len(got), len(payloads))
		}
		for i := range payloads {
			if got[i] != payloads[i] {
				rt.Fatalf("position %d: got %q want %q", i, got[i], payloads[i])
			}
		}
		for i, p := range payloads {
			msg := c.roundTrip(t, &Frame{Op: OpReceive, Destination: "D"})
			if msg.Op != OpMessage || string(msg.Payload) != p {
				rt.Fatalf("receive %d: got %s %q want %q", i, msg.Op, msg.Payload, p)
			}
		}
	})
}

func TestGateway_ShutdownClosesIdleSessions(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	require.Eventually(t, func() bool { return g.ActiveSessions() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
	assert.NoError(t, c.result(t))

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := c.conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	srv, cli := net.Pipe()
	defer cli.Close()
	assert.ErrorIs(t, g.Serve(context.Background(), authorizedSession(t, srv)), ErrShuttingDown)
}

func TestGateway_ShutdownFinishesBusyFrame(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, WriteFrame(c.conn, &Frame{Op: OpReceive, Destination: "testQueue", TimeoutMs: 300}))
	time.Sleep(50 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- g.Shutdown(ctx)
	}()

	resp, err := c.reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpEmpty, resp.Op)

	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not finish")
	}
	assert.NoError(t, c.result(t))
}

func TestGateway_ShutdownAnswersFrameInFlight(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	data, err := (&Frame{Op: OpEnqueue, Destination: "testQueue", Payload: []byte("late")}).MarshalBinary()
	require.NoError(t, err)

	// The first bytes arrive before the drain starts, the rest after.
	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = c.conn.Write(data[:2])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- g.Shutdown(ctx)
	}()
	require.Eventually(t, g.isDraining, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err = c.conn.Write(data[2:])
	require.NoError(t, err)
	resp, err := c.reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, OpAck, resp.Op)
	assert.NotEmpty(t, resp.Headers[HeaderMessageID])

	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not finish")
	}
	assert.NoError(t, c.result(t))
}

func TestGateway_ShutdownDeadlineForcesClose(t *testing.T) {
	g := New(memory.New(memory.Options{}), Options{}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, WriteFrame(c.conn, &Frame{Op: OpReceive, Destination: "testQueue", TimeoutMs: 10000}))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := g.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.NoError(t, c.result(t))
	assert.Equal(t, 0, g.ActiveSessions())
}

func TestGateway_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	g := New(memory.New(memory.Options{}), Options{Metrics: metrics}, nil)
	c := serve(t, g)
	defer c.conn.Close()

	c.roundTrip(t, &Frame{Op: OpEnqueue, Destination: "q", Payload: []byte("x")})
	c.roundTrip(t, &Frame{Op: OpEnqueue, Destination: "bad/#"})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("ENQUEUE", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("ENQUEUE", "invalid_destination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.errorsTotal.WithLabelValues("invalid_destination")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionsActive))
}
