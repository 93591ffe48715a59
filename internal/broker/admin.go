package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// startAdmin serves /metrics, /healthz and /readyz on addr.
func (b *Broker) startAdmin(addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !b.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener %s: %w", addr, err)
	}

	b.admin = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "mq.admin"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	b.adminAddr = ln.Addr()
	b.logger.Info("Admin server listening", "addr", ln.Addr().String())

	go func() {
		if err := b.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("Admin server failed", "error", err)
		}
	}()
	return nil
}

func (b *Broker) stopAdmin(ctx context.Context) error {
	if b.admin == nil {
		return nil
	}
	return b.admin.Shutdown(ctx)
}
