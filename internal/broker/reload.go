package broker

import (
	"context"
	"errors"
	"path/filepath"
	"slices"

	"github.com/polisai/polis-mq/internal/keystore"
	"github.com/polisai/polis-mq/pkg/config"
)

// ReloadCredentials reloads both stores and swaps the result into the
// listener. On failure the listener keeps serving its current material.
func (b *Broker) ReloadCredentials(ctx context.Context) error {
	if b.reloader == nil {
		return ErrNotStarted
	}
	err := b.reloader.Reload(ctx)
	b.metrics.reload("credentials", err)
	return err
}

// ReloadPolicy reloads the authorization policy file. An invalid file
// leaves the current policy in place. Sessions already authorized are not
// re-evaluated.
func (b *Broker) ReloadPolicy(ctx context.Context) error {
	policy, err := b.loadPolicy(ctx)
	b.metrics.reload("policy", err)
	if err != nil {
		b.logger.Error("Authorization policy reload failed, keeping current policy",
			"path", b.policyPath(), "error", err)
		return err
	}
	b.authorizer.SetPolicy(policy)
	b.metrics.policyLoadedAt.Set(float64(b.authorizer.Policy().LoadedAt().Unix()))
	return nil
}

// Reload reloads credentials and policy.
func (b *Broker) Reload(ctx context.Context) error {
	return errors.Join(b.ReloadCredentials(ctx), b.ReloadPolicy(ctx))
}

// watchedFiles returns the absolute paths of the store and policy files.
// Stores served by a non-directory loader cannot be watched.
func (b *Broker) watchedFiles() (stores, policy []string) {
	if dir, ok := b.loader.(keystore.DirLoader); ok {
		for _, p := range []string{dir.Resolve(b.cfg.KeystorePath), dir.Resolve(b.cfg.TruststorePath)} {
			if abs, err := filepath.Abs(p); err == nil && !slices.Contains(stores, abs) {
				stores = append(stores, abs)
			}
		}
	}
	if p := b.policyPath(); p != "" {
		if abs, err := filepath.Abs(p); err == nil {
			policy = append(policy, abs)
		}
	}
	return stores, policy
}

func (b *Broker) startWatcher() error {
	stores, policy := b.watchedFiles()
	paths := append(slices.Clone(stores), policy...)
	if len(paths) == 0 {
		b.logger.Warn("File watching enabled but no local files to watch")
		return nil
	}

	watcher, err := config.NewFileWatcher(paths, config.DefaultDebounce, b.logger, func(changed []string) {
		reloadStores, reloadPolicy := false, false
		for _, p := range changed {
			reloadStores = reloadStores || slices.Contains(stores, p)
			reloadPolicy = reloadPolicy || slices.Contains(policy, p)
		}
		if reloadStores {
			if err := b.ReloadCredentials(b.ctx); err == nil {
				b.logger.Info("Credentials reloaded after file change")
			}
		}
		if reloadPolicy {
			_ = b.ReloadPolicy(b.ctx)
		}
	})
	if err != nil {
		return err
	}
	b.watcher = watcher
	return nil
}
