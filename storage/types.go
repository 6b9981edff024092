package storage

import (
	"context"
	"errors"
	"time"

	"clipnotes/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("storage: store closed")
)

// Note is the stored note row.
type Note = models.Note

// NoteRepository is the note storage used by the sync node.
type NoteRepository interface {
	Insert(note Note) (int64, error)
	AllNotesLive(ctx context.Context) (<-chan []Note, error)
	MarkRead(id int64) error
	AllTextNotes() ([]Note, error)
	DeleteAllTextNotes() (int64, error)
}

var _ NoteRepository = (*Store)(nil)

// textContentTypes are the content types that count as text notes.
var textContentTypes = []models.ContentType{
	models.ContentTypeClipboardText,
	models.ContentTypeUserInputText,
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
