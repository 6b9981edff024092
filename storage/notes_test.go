package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipnotes/models"
)

func TestNoteCRUD(t *testing.T) {
	store := newTestStore(t)

	older := mustInsert(t, store, "older", models.ContentTypeClipboardText, 1_000)
	newer, err := store.Insert(Note{
		Content:     "newer",
		ContentType: models.ContentTypeUserInputText,
		TextColor:   -16776961,
		CreatedAt:   2_000,
	})
	require.NoError(t, err)
	assert.Greater(t, newer, older)

	note, err := store.GetNote(newer)
	require.NoError(t, err)
	assert.Equal(t, Note{
		ID:          newer,
		Content:     "newer",
		ContentType: models.ContentTypeUserInputText,
		TextColor:   -16776961,
		CreatedAt:   2_000,
	}, *note)

	all, err := store.AllNotes()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer, all[0].ID, "newest first")
	assert.Equal(t, older, all[1].ID)

	require.NoError(t, store.MarkRead(older))
	note, err = store.GetNote(older)
	require.NoError(t, err)
	assert.True(t, note.IsRead)

	assert.ErrorIs(t, store.MarkRead(9999), ErrNotFound)
	_, err = store.GetNote(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDefaultsCreatedAt(t *testing.T) {
	store := newTestStore(t)

	before := time.Now().UnixMilli()
	id := mustInsert(t, store, "now", models.ContentTypeClipboardText, 0)
	note, err := store.GetNote(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, note.CreatedAt, before)
}

func TestInsertRejectsUnknownContentType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Insert(Note{Content: "x", ContentType: "IMAGE"})
	assert.Error(t, err)

	_, err = store.InsertAll([]Note{
		{Content: "ok", ContentType: models.ContentTypeClipboardText},
		{Content: "bad", ContentType: "IMAGE"},
	})
	assert.Error(t, err)

	all, err := store.AllNotes()
	require.NoError(t, err)
	assert.Empty(t, all, "a failed batch inserts nothing")
}

func TestGetNotesKeepsRequestedOrder(t *testing.T) {
	store := newTestStore(t)

	a := mustInsert(t, store, "a", models.ContentTypeClipboardText, 1)
	b := mustInsert(t, store, "b", models.ContentTypeClipboardText, 2)

	notes, err := store.GetNotes([]int64{b, a})
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "b", notes[0].Content)
	assert.Equal(t, "a", notes[1].Content)

	_, err = store.GetNotes([]int64{a, 404})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTextNotes(t *testing.T) {
	store := newTestStore(t)

	mustInsert(t, store, "second", models.ContentTypeUserInputText, 2)
	mustInsert(t, store, "first", models.ContentTypeClipboardText, 1)

	notes, err := store.AllTextNotes()
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "first", notes[0].Content, "oldest first")
	assert.Equal(t, "second", notes[1].Content)

	removed, err := store.DeleteAllTextNotes()
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	notes, err = store.AllTextNotes()
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestReplaceTextNotes(t *testing.T) {
	store := newTestStore(t)

	mustInsert(t, store, "old", models.ContentTypeClipboardText, 1)
	require.NoError(t, store.ReplaceTextNotes([]Note{
		{Content: "one", ContentType: models.ContentTypeUserInputText},
		{Content: "two", ContentType: models.ContentTypeUserInputText},
	}))

	notes, err := store.AllTextNotes()
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "one", notes[0].Content)
	assert.Equal(t, "two", notes[1].Content)

	err = store.ReplaceTextNotes([]Note{{Content: "bad", ContentType: "IMAGE"}})
	require.Error(t, err)
	notes, err = store.AllTextNotes()
	require.NoError(t, err)
	assert.Len(t, notes, 2, "failed replace keeps existing notes")
}

func receiveNotes(t *testing.T, ch <-chan []Note) []Note {
	t.Helper()
	select {
	case notes, ok := <-ch:
		require.True(t, ok, "live channel closed")
		return notes
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live notes")
		return nil
	}
}

func TestAllNotesLive(t *testing.T) {
	store := newTestStore(t)
	mustInsert(t, store, "existing", models.ContentTypeClipboardText, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live, err := store.AllNotesLive(ctx)
	require.NoError(t, err)

	first := receiveNotes(t, live)
	require.Len(t, first, 1)
	assert.Equal(t, "existing", first[0].Content)

	id := mustInsert(t, store, "fresh", models.ContentTypeUserInputText, 2)
	second := receiveNotes(t, live)
	require.Len(t, second, 2)
	assert.Equal(t, "fresh", second[0].Content)

	require.NoError(t, store.MarkRead(id))
	third := receiveNotes(t, live)
	assert.True(t, third[0].IsRead)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-live:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAllNotesLiveKeepsLatestOnly(t *testing.T) {
	store := newTestStore(t)

	live, err := store.AllNotesLive(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mustInsert(t, store, "note", models.ContentTypeClipboardText, int64(i+1))
	}

	latest := receiveNotes(t, live)
	assert.Len(t, latest, 5)
	select {
	case extra := <-live:
		t.Fatalf("unexpected extra snapshot of %d notes", len(extra))
	default:
	}
}

func TestAllNotesLiveClosesWithStore(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err)

	live, err := store.AllNotesLive(context.Background())
	require.NoError(t, err)
	receiveNotes(t, live)

	require.NoError(t, store.Close())
	_, ok := <-live
	assert.False(t, ok)

	_, err = store.AllNotesLive(context.Background())
	assert.Error(t, err)
}
