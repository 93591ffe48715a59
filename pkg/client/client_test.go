package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mq/internal/backend/memory"
	"github.com/polisai/polis-mq/internal/broker"
	"github.com/polisai/polis-mq/internal/gateway"
	"github.com/polisai/polis-mq/internal/pki"
	"github.com/polisai/polis-mq/internal/session"
	"github.com/polisai/polis-mq/pkg/config"
)

// plainServer serves the gateway over plain TCP, authorizing every
// connection.
func plainServer(t *testing.T) config.Transport {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := gateway.New(memory.New(memory.Options{}), gateway.Options{}, nil)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s := session.New(conn)
			_ = s.Advance(session.StateHandshaking)
			_ = s.Advance(session.StateAuthorizing)
			_ = s.Authorize("plain")
			go func() { _ = g.Serve(context.Background(), s) }()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return config.Transport{Kind: config.TransportPlain, Host: host, Port: port}
}

func dialPlain(t *testing.T, transport config.Transport) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{Transport: transport})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_EnqueueReceive(t *testing.T) {
	c := dialPlain(t, plainServer(t))
	ctx := context.Background()

	id, err := c.Enqueue(ctx, "testQueue", []byte("This is a text message!"), map[string]string{"priority": "4"})
	require.NoError(t, err)

	msg, err := c.Receive(ctx, "testQueue", 5000*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "testQueue", msg.Destination)
	assert.Equal(t, "This is a text message!", string(msg.Payload))
	assert.Equal(t, map[string]string{"priority": "4"}, msg.Headers)

	msg, err = c.Receive(ctx, "testQueue", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestClient_ServerErrorKeepsConnection(t *testing.T) {
	c := dialPlain(t, plainServer(t))
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "orders/#", []byte("x"), nil)
	var serr *ServerError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, gateway.CodeInvalidDestination, serr.Code)
	assert.Contains(t, serr.Error(), "invalid_destination")

	_, err = c.Enqueue(ctx, "orders", []byte("x"), nil)
	assert.NoError(t, err)
}

func TestClient_ReceiveCancelled(t *testing.T) {
	c := dialPlain(t, plainServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	began := time.Now()
	_, err := c.Receive(ctx, "testQueue", 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(began), 3*time.Second)

	_, err = c.Enqueue(context.Background(), "testQueue", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_Close(t *testing.T) {
	c := dialPlain(t, plainServer(t))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Receive(context.Background(), "q", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDial_Errors(t *testing.T) {
	t.Run("TLS without configuration", func(t *testing.T) {
		_, err := Dial(context.Background(), Options{
			Transport: config.Transport{Kind: config.TransportTLS, Host: "127.0.0.1", Port: "61617"},
		})
		assert.Error(t, err)
	})

	t.Run("connection refused after retries", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		require.NoError(t, ln.Close())

		began := time.Now()
		_, err = Dial(context.Background(), Options{
			Transport: config.Transport{Kind: config.TransportPlain, Host: "127.0.0.1", Port: port},
			Retry:     RetryOptions{MaxTries: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
		})
		assert.Error(t, err)
		assert.Less(t, time.Since(began), 3*time.Second)
	})
}

func TestDialConfig_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	dev, err := pki.GenerateDevPKI(dir, pki.DevOptions{Format: pki.FormatPEM})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.BrokerURL = "ssl://127.0.0.1:0"
	cfg.KeystorePath = dev.BrokerKeyStore
	cfg.KeystoreType = "PEM"
	cfg.TruststorePath = dev.BrokerTrustStore
	cfg.TruststoreType = "PEM"
	cfg.Admin.Address = ""

	b, err := broker.New(context.Background(), cfg, broker.Options{})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	_, port, err := net.SplitHostPort(b.Addr().String())
	require.NoError(t, err)

	clientCfg := &config.ClientConfig{
		BrokerURL:      "ssl://localhost:" + port,
		KeystorePath:   dev.ClientKeyStores["mq-client"],
		KeystoreType:   "PEM",
		TruststorePath: dev.ClientTrustStore,
		TruststoreType: "PEM",
	}
	clientCfg.Transport, err = config.ParseBrokerURL(clientCfg.BrokerURL)
	require.NoError(t, err)

	ctx := context.Background()
	c, err := DialConfig(ctx, clientCfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Enqueue(ctx, "testQueue", []byte("over mutual TLS"), nil)
	require.NoError(t, err)
	msg, err := c.Receive(ctx, "testQueue", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "over mutual TLS", string(msg.Payload))
}
