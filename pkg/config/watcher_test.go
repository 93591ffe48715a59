package config

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	keystore := filepath.Join(dir, "broker.p12")
	policy := filepath.Join(dir, "authz.yaml")
	other := filepath.Join(dir, "unrelated.txt")
	for _, p := range []string{keystore, policy, other} {
		require.NoError(t, os.WriteFile(p, []byte("v1"), 0o600))
	}

	changes := make(chan []string, 4)
	w, err := NewFileWatcher([]string{keystore, policy}, 50*time.Millisecond, nil, func(changed []string) {
		changes <- changed
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(other, []byte("v2"), 0o600))
	require.NoError(t, os.WriteFile(keystore, []byte("v2"), 0o600))
	require.NoError(t, os.WriteFile(policy, []byte("v2"), 0o600))

	select {
	case changed := <-changes:
		sort.Strings(changed)
		assert.Equal(t, []string{policy, keystore}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	select {
	case changed := <-changes:
		t.Fatalf("unexpected second notification: %v", changed)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNewFileWatcher_Errors(t *testing.T) {
	_, err := NewFileWatcher(nil, 0, nil, func([]string) {})
	assert.Error(t, err)

	_, err = NewFileWatcher([]string{filepath.Join(t.TempDir(), "missing", "store.p12")}, 0, nil, func([]string) {})
	assert.Error(t, err)
}
