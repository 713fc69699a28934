package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

// TestNew_RequiresCallback rejects options without OnChange.
func TestNew_RequiresCallback(t *testing.T) {
	t.Parallel()

	_, err := New(&Options{Dir: t.TempDir()})
	require.ErrorIs(t, err, errCallbackRequired)
}

// TestRelevant filters chmod, editor files and ignored paths.
func TestRelevant(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	public := filepath.Join(dir, "public")

	w, err := New(&Options{
		Dir:      dir,
		Ignore:   []string{public},
		OnChange: func(context.Context) error { return nil },
	})
	require.NoError(t, err)
	require.Equal(t, DefaultDebounce, w.opts.Debounce)

	require.True(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "app.js"), Op: fsnotify.Write}))
	require.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "app.js"), Op: fsnotify.Chmod}))
	require.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "app.js~"), Op: fsnotify.Write}))
	require.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, ".app.js.swp"), Op: fsnotify.Create}))
	require.False(t, w.relevant(fsnotify.Event{Name: filepath.Join(public, "update.xml"), Op: fsnotify.Write}))
	require.True(t, w.relevant(fsnotify.Event{Name: filepath.Join(dir, "publication.js"), Op: fsnotify.Write}))
}

// TestRun_DebouncesChanges writes a burst and expects one callback.
func TestRun_DebouncesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o755))

	var calls atomic.Int32

	w, err := New(&Options{
		Dir:      dir,
		Debounce: 200 * time.Millisecond,
		OnChange: func(context.Context) error {
			calls.Add(1)

			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- w.Run(ctx)
	}()

	// Give the watcher time to register directories.
	time.Sleep(200 * time.Millisecond)

	for i := range 5 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte{byte(i)}, 0o600))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// Still one call after the window passes with no new events.
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	cancel()
	require.NoError(t, <-done)
}
