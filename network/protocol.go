package network

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"clipnotes/models"
)

const (
	// VerbSendNotes prefixes a note transfer request. The JSON payload
	// follows immediately, without a space.
	VerbSendNotes = "SEND_NOTES:"
	// MaxRequestSize is the maximum accepted line length (10 MB).
	MaxRequestSize = 10 * 1024 * 1024
	// MaxReplySize bounds the reply line read by the client.
	MaxReplySize = 4 * 1024
)

// Reply is the textual outcome of a transfer request.
type Reply string

const (
	ReplyAccepted Reply = "ACCEPTED"
	ReplyRejected Reply = "REJECTED"
	ReplyUnknown  Reply = "UNKNOWN"
	// ReplyNoResponse is produced by the client when the peer closed the
	// connection without sending a line. It never crosses the wire.
	ReplyNoResponse Reply = "NO_RESPONSE"

	errorReplyPrefix = "ERROR: "
)

// ErrorReply builds the client-side reply for a local failure.
func ErrorReply(err error) Reply {
	if err == nil {
		return Reply(errorReplyPrefix + "unknown failure")
	}
	return Reply(errorReplyPrefix + err.Error())
}

// IsError reports whether r describes a local failure rather than a peer answer.
func (r Reply) IsError() bool {
	return strings.HasPrefix(string(r), errorReplyPrefix)
}

// Accepted reports whether the peer took the notes.
func (r Reply) Accepted() bool {
	return r == ReplyAccepted
}

func (r Reply) String() string {
	return string(r)
}

// metricLabel keeps error details out of metric label values.
func (r Reply) metricLabel() string {
	if r.IsError() {
		return "ERROR"
	}
	return string(r)
}

func decisionReply(accept bool) Reply {
	if accept {
		return ReplyAccepted
	}
	return ReplyRejected
}

var (
	// ErrLineTooLong indicates a line exceeded the reader's limit.
	ErrLineTooLong = errors.New("network: line exceeds max size")
	// ErrUnknownVerb indicates a request line without a known verb.
	ErrUnknownVerb = errors.New("network: unknown request verb")
)

// ConnectionError reports an accept, dial, read or write failure. Only the
// one connection is abandoned.
type ConnectionError struct {
	Op     string
	Remote string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Remote == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a request that could not be understood.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Request is one parsed request line.
type Request struct {
	Verb    string
	Payload string
}

// ParseRequest splits a request line into verb and payload. Lines without a
// known verb return a ProtocolError wrapping ErrUnknownVerb.
func ParseRequest(line string) (Request, error) {
	if payload, ok := strings.CutPrefix(line, VerbSendNotes); ok {
		return Request{Verb: VerbSendNotes, Payload: payload}, nil
	}
	verb := line
	if len(verb) > 32 {
		verb = verb[:32]
	}
	return Request{}, &ProtocolError{Op: "parse", Err: fmt.Errorf("%w: %q", ErrUnknownVerb, verb)}
}

// EncodeTransferRequest renders the complete request line, newline included.
func EncodeTransferRequest(items []models.NoteTransferItem) ([]byte, error) {
	if items == nil {
		items = []models.NoteTransferItem{}
	}
	for i, item := range items {
		if !item.ContentType.Valid() {
			return nil, &ProtocolError{Op: "encode", Err: fmt.Errorf("item %d: unknown content type %q", i, item.ContentType)}
		}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, &ProtocolError{Op: "encode", Err: err}
	}

	line := make([]byte, 0, len(VerbSendNotes)+len(payload)+1)
	line = append(line, VerbSendNotes...)
	line = append(line, payload...)
	line = append(line, '\n')
	if len(line) > MaxRequestSize {
		return nil, &ProtocolError{Op: "encode", Err: ErrLineTooLong}
	}
	return line, nil
}

// DecodeNotes parses the payload of a SEND_NOTES request.
func DecodeNotes(payload string) ([]models.NoteTransferItem, error) {
	var items []models.NoteTransferItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, &ProtocolError{Op: "decode", Err: err}
	}
	for i, item := range items {
		if !item.ContentType.Valid() {
			return nil, &ProtocolError{Op: "decode", Err: fmt.Errorf("item %d: unknown content type %q", i, item.ContentType)}
		}
	}
	if items == nil {
		items = []models.NoteTransferItem{}
	}
	return items, nil
}

// ReadLine reads one newline-terminated line of at most max bytes and
// returns it without the terminator. A final line cut off by EOF is
// returned as is; io.EOF is returned only when nothing was read.
func ReadLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > max+1 {
			return "", ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return "", io.EOF
			}
			if len(line) > max {
				return "", ErrLineTooLong
			}
			return trimEOL(line), nil
		default:
			return "", err
		}
	}
}

// WriteLine writes s followed by a newline.
func WriteLine(w io.Writer, s string) error {
	buf := bufio.NewWriter(w)
	if _, err := buf.WriteString(s); err != nil {
		return err
	}
	if err := buf.WriteByte('\n'); err != nil {
		return err
	}
	return buf.Flush()
}

func trimEOL(line []byte) string {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line)
}
