package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/crx-server/internal/crx"
)

// TestStore_PreviousVersion_NotFound verifies the sentinel for an empty public directory.
func TestStore_PreviousVersion_NotFound(t *testing.T) {
	t.Parallel()

	s := NewStore(filepath.Join(t.TempDir(), "public"))
	require.NoError(t, s.Ensure())

	_, err := s.PreviousVersion(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

// TestStore_SaveAndReadBack publishes artifacts twice and reads the version back.
func TestStore_SaveAndReadBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "a", "b", "public")
	s := NewStore(dir)
	require.NoError(t, s.Ensure())

	for _, version := range []string{"1.0.1", "3.0.5"} {
		doc := crx.NewUpdateDocument("id", "http://localhost/extension", version).Marshal()
		require.NoError(t, s.SaveUpdateDocument(ctx, doc))
		require.NoError(t, s.SaveBundle(ctx, []byte("bundle-"+version)))

		got, err := s.PreviousVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, version, got)

		bundle, err := os.ReadFile(s.BundlePath())
		require.NoError(t, err)
		require.Equal(t, "bundle-"+version, string(bundle))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	require.ElementsMatch(t, []string{BundleFilename, UpdateDocumentFilename}, names)
}

// TestStore_PreviousVersion_Malformed treats an unreadable document as no previous version.
func TestStore_PreviousVersion_Malformed(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	require.NoError(t, os.WriteFile(s.UpdateDocumentPath(), []byte("<gupdate><app/></gupdate>"), 0o600))

	_, err := s.PreviousVersion(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}
