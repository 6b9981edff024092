package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"clipnotes/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustInsert(t *testing.T, store *Store, content string, contentType models.ContentType, createdAt int64) int64 {
	t.Helper()

	id, err := store.Insert(Note{
		Content:     content,
		ContentType: contentType,
		TextColor:   -16777216,
		CreatedAt:   createdAt,
	})
	require.NoError(t, err, "insert %q", content)
	return id
}
