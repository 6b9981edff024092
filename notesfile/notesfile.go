// Package notesfile reads and writes notes as plain text, one note per
// blank-line separated block.
package notesfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"clipnotes/models"
)

// Separator divides notes in an exported file.
const Separator = "\n\n"

// DefaultFileName is the suggested export file name.
const DefaultFileName = "clipnotes_export.txt"

var (
	// ErrNoNotes is returned when there is nothing to export or import.
	ErrNoNotes = errors.New("notesfile: no notes")
)

// TextNoteSource provides the notes to export.
type TextNoteSource interface {
	AllTextNotes() ([]models.Note, error)
}

// TextNoteReplacer swaps every stored text note for a new set.
type TextNoteReplacer interface {
	ReplaceTextNotes(notes []models.Note) error
}

// Write renders notes as text.
func Write(w io.Writer, notes []models.Note) error {
	if len(notes) == 0 {
		return ErrNoNotes
	}
	contents := make([]string, 0, len(notes))
	for _, note := range notes {
		contents = append(contents, note.Content)
	}
	if _, err := io.WriteString(w, strings.Join(contents, Separator)); err != nil {
		return fmt.Errorf("write notes: %w", err)
	}
	return nil
}

// Parse splits exported text back into note contents. Blank blocks are
// dropped and every block is trimmed.
func Parse(r io.Reader) ([]string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	var contents []string
	for _, block := range strings.Split(text, Separator) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		contents = append(contents, block)
	}
	if len(contents) == 0 {
		return nil, ErrNoNotes
	}
	return contents, nil
}

// Export writes every text note from source to path and returns how many
// were written.
func Export(source TextNoteSource, path string) (int, error) {
	notes, err := source.AllTextNotes()
	if err != nil {
		return 0, fmt.Errorf("load text notes: %w", err)
	}
	if len(notes) == 0 {
		return 0, ErrNoNotes
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	if err := Write(file, notes); err != nil {
		_ = file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close export file: %w", err)
	}
	return len(notes), nil
}

// Import replaces every text note in target with the notes read from path.
// Imported notes are user-input notes drawn in textColor. Nothing is
// replaced when the file holds no notes.
func Import(target TextNoteReplacer, path string, textColor int32) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open import file: %w", err)
	}
	defer file.Close()

	contents, err := Parse(file)
	if err != nil {
		return 0, err
	}

	notes := make([]models.Note, 0, len(contents))
	for _, content := range contents {
		notes = append(notes, models.Note{
			Content:     content,
			ContentType: models.ContentTypeUserInputText,
			TextColor:   textColor,
		})
	}
	if err := target.ReplaceTextNotes(notes); err != nil {
		return 0, fmt.Errorf("replace text notes: %w", err)
	}
	return len(notes), nil
}
