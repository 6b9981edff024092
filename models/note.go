package models

import "fmt"

// ContentType tags where a note's text came from.
type ContentType string

const (
	// ContentTypeClipboardText marks notes captured from the clipboard.
	ContentTypeClipboardText ContentType = "CLIPBOARD_TEXT"
	// ContentTypeUserInputText marks notes typed or imported by the user.
	ContentTypeUserInputText ContentType = "USER_INPUT_TEXT"
)

// Valid reports whether c is one of the known content type tags.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeClipboardText, ContentTypeUserInputText:
		return true
	default:
		return false
	}
}

// ParseContentType converts a wire tag into a ContentType.
func ParseContentType(raw string) (ContentType, error) {
	c := ContentType(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown content type %q", raw)
	}
	return c, nil
}

// Note is a locally stored note. ID, CreatedAt and IsRead are receiver-local
// and never cross the wire.
type Note struct {
	ID          int64       `json:"id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	TextColor   int32       `json:"text_color"`
	IsRead      bool        `json:"is_read"`
	CreatedAt   int64       `json:"created_at"`
}

// NoteTransferItem is the wire representation of one note.
type NoteTransferItem struct {
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	TextColor   int32       `json:"textColor"`
}

// TransferItem strips receiver-local fields from the note.
func (n Note) TransferItem() NoteTransferItem {
	return NoteTransferItem{
		Content:     n.Content,
		ContentType: n.ContentType,
		TextColor:   n.TextColor,
	}
}

// TransferItems converts notes into their wire representation.
func TransferItems(notes []Note) []NoteTransferItem {
	out := make([]NoteTransferItem, 0, len(notes))
	for _, note := range notes {
		out = append(out, note.TransferItem())
	}
	return out
}
