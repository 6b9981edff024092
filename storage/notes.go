package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clipnotes/models"
)

const noteColumns = `id, content, content_type, text_color, is_read, created_at`

// Insert stores a new note and returns its id. ID is ignored; CreatedAt
// defaults to now.
func (s *Store) Insert(note Note) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin insert note: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id, err := insertNote(tx, note)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert note: %w", err)
	}

	s.notifyWatchers()
	return id, nil
}

// InsertAll stores notes in one transaction and returns their ids in order.
func (s *Store) InsertAll(notes []Note) ([]int64, error) {
	if len(notes) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin insert notes: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids := make([]int64, 0, len(notes))
	for _, note := range notes {
		id, err := insertNote(tx, note)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert notes: %w", err)
	}

	s.notifyWatchers()
	return ids, nil
}

func insertNote(tx *sql.Tx, note Note) (int64, error) {
	if !note.ContentType.Valid() {
		return 0, fmt.Errorf("invalid content type %q", note.ContentType)
	}
	if note.CreatedAt == 0 {
		note.CreatedAt = nowUnixMilli()
	}

	result, err := tx.Exec(
		`INSERT INTO notes (content, content_type, text_color, is_read, created_at) VALUES (?, ?, ?, ?, ?)`,
		note.Content,
		string(note.ContentType),
		note.TextColor,
		boolToInt(note.IsRead),
		note.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted note id: %w", err)
	}
	return id, nil
}

// GetNote returns one note by id.
func (s *Store) GetNote(id int64) (*Note, error) {
	row := s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get note %d: %w", id, err)
	}
	return &note, nil
}

// GetNotes returns the notes with the given ids, in the order requested.
// Unknown ids yield ErrNotFound.
func (s *Store) GetNotes(ids []int64) ([]Note, error) {
	notes := make([]Note, 0, len(ids))
	for _, id := range ids {
		note, err := s.GetNote(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("note %d: %w", id, ErrNotFound)
			}
			return nil, err
		}
		notes = append(notes, *note)
	}
	return notes, nil
}

// AllNotes returns every note, newest first.
func (s *Store) AllNotes() ([]Note, error) {
	return s.queryNotes(`SELECT ` + noteColumns + ` FROM notes ORDER BY created_at DESC, id DESC`)
}

// AllTextNotes returns every text note, oldest first.
func (s *Store) AllTextNotes() ([]Note, error) {
	placeholders, args := textTypeArgs()
	return s.queryNotes(
		`SELECT `+noteColumns+` FROM notes WHERE content_type IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`,
		args...,
	)
}

// MarkRead flags a note as read.
func (s *Store) MarkRead(id int64) error {
	result, err := s.db.Exec(`UPDATE notes SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark note %d read: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark note %d read rows affected: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.notifyWatchers()
	return nil
}

// DeleteAllTextNotes removes every text note and returns the number removed.
func (s *Store) DeleteAllTextNotes() (int64, error) {
	placeholders, args := textTypeArgs()
	result, err := s.db.Exec(`DELETE FROM notes WHERE content_type IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete text notes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete text notes rows affected: %w", err)
	}

	if rows > 0 {
		s.notifyWatchers()
	}
	return rows, nil
}

// ReplaceTextNotes deletes every text note and inserts notes in their place
// within one transaction.
func (s *Store) ReplaceTextNotes(notes []Note) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace text notes: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	placeholders, args := textTypeArgs()
	if _, err := tx.Exec(`DELETE FROM notes WHERE content_type IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete text notes: %w", err)
	}
	for _, note := range notes {
		if _, err := insertNote(tx, note); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace text notes: %w", err)
	}

	s.notifyWatchers()
	return nil
}

func (s *Store) queryNotes(query string, args ...any) ([]Note, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	return notes, nil
}

type noteScanner interface {
	Scan(dest ...any) error
}

func scanNote(scanner noteScanner) (Note, error) {
	var (
		note        Note
		contentType string
		isRead      int
	)
	if err := scanner.Scan(
		&note.ID,
		&note.Content,
		&contentType,
		&note.TextColor,
		&isRead,
		&note.CreatedAt,
	); err != nil {
		return Note{}, err
	}
	note.ContentType = models.ContentType(contentType)
	note.IsRead = isRead != 0
	return note, nil
}

func textTypeArgs() (string, []any) {
	args := make([]any, 0, len(textContentTypes))
	for _, contentType := range textContentTypes {
		args = append(args, string(contentType))
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(args)), ","), args
}
