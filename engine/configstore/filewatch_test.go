package configstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/stretchr/testify/require"
)

func TestFileWatcherAppliesInitialContentsOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limit: 250\nwindow: 60\n"), 0o644))

	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	fw, err := NewFileWatcher(path, cs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go fw.Watch(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		return cs.Get().Limit == 250
	}, time.Second, 5*time.Millisecond)
}

func TestFileWatcherReappliesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limit: 100\nwindow: 60\n"), 0o644))

	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	fw, err := NewFileWatcher(path, cs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Watch(ctx)

	require.Eventually(t, func() bool { return cs.Get().Limit == 100 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("limit: 500\nwindow: 60\n"), 0o644))
	require.Eventually(t, func() bool { return cs.Get().Limit == 500 }, time.Second, 5*time.Millisecond)
}

func TestFileWatcherIgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.yaml")

	cs := New(Options{Initial: defaultConfig(), Bounds: models.DefaultBounds()})
	fw, err := NewFileWatcher(path, cs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Watch(ctx)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, defaultConfig(), cs.Get())
}
