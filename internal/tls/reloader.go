package tls

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/polisai/polis-mq/internal/keystore"
)

// CredentialSwapper is implemented by Listener.
type CredentialSwapper interface {
	SwapCredentials(m *keystore.Material) error
}

// CredentialReloader rebuilds listener material from the configured key and
// trust stores. A failed reload leaves the listener on its current material.
type CredentialReloader struct {
	loader    keystore.ResourceLoader
	keySpec   keystore.StoreSpec
	trustSpec keystore.StoreSpec
	target    CredentialSwapper
	logger    *EventLogger
	metrics   *MetricsCollector

	mu sync.Mutex
}

// NewCredentialReloader creates a reloader that swaps into target.
func NewCredentialReloader(loader keystore.ResourceLoader, keySpec, trustSpec keystore.StoreSpec, target CredentialSwapper, logger *slog.Logger) (*CredentialReloader, error) {
	metrics, err := GetMetricsCollector(logger)
	if err != nil {
		return nil, err
	}
	return &CredentialReloader{
		loader:    loader,
		keySpec:   keySpec,
		trustSpec: trustSpec,
		target:    target,
		logger:    NewEventLogger(logger),
		metrics:   metrics,
	}, nil
}

// Reload loads both stores and swaps the result into the listener.
// Concurrent calls are serialized.
func (r *CredentialReloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	material, err := keystore.LoadCredentials(ctx, r.loader, r.keySpec, r.trustSpec)
	if err != nil {
		r.fail(ctx, err)
		return err
	}
	if err := r.target.SwapCredentials(material); err != nil {
		r.fail(ctx, err)
		return err
	}
	return nil
}

func (r *CredentialReloader) fail(ctx context.Context, err error) {
	path := r.keySpec.Path
	reason := "swap_rejected"

	var loadErr *keystore.LoadError
	if errors.As(err, &loadErr) {
		path = loadErr.Path
		reason = string(loadErr.Reason)
	}
	r.logger.LogCredentialReloadFailed(ctx, path, err)
	r.metrics.RecordReloadFailure(ctx, reason)
}
