// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgefetch/edgefetch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing base directory", func(t *testing.T) {
		t.Parallel()

		base := filepath.Join(t.TempDir(), "blobs")
		store, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, base)
	})

	t.Run("rejects empty base directory", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("rejects file as base directory", func(t *testing.T) {
		t.Parallel()

		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	t.Run("writes file and returns uri", func(t *testing.T) {
		t.Parallel()

		uri, err := store.PutObject(context.Background(), "batches/b1/page.html", "text/html", []byte("<html></html>"))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(base, "batches/b1/page.html"), uri)

		written, err := os.ReadFile(filepath.Join(base, "batches/b1/page.html"))
		require.NoError(t, err)
		require.Equal(t, []byte("<html></html>"), written)
	})

	t.Run("rejects empty path", func(t *testing.T) {
		t.Parallel()

		_, err := store.PutObject(context.Background(), "", "text/html", []byte("x"))
		require.Error(t, err)
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		t.Parallel()

		_, err := store.PutObject(context.Background(), "../outside.html", "text/html", []byte("x"))
		require.Error(t, err)
	})
}
