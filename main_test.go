package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `[{"content":"buy milk\nand eggs","contentType":"USER_INPUT_TEXT","textColor":-16776961}]`

func TestTerminalPromptAcceptsAfterRetry(t *testing.T) {
	var out bytes.Buffer
	prompt := newTerminalPrompt(strings.NewReader("maybe\ny\n"), &out)

	accept, err := prompt.Decide(context.Background(), samplePayload)
	require.NoError(t, err)
	assert.True(t, accept)
	assert.Contains(t, out.String(), "Incoming transfer of 1 note(s)")
	assert.Contains(t, out.String(), "[USER_INPUT_TEXT] buy milk …")
	assert.Equal(t, 2, strings.Count(out.String(), "Accept? [y/n]"))
}

func TestTerminalPromptRejects(t *testing.T) {
	prompt := newTerminalPrompt(strings.NewReader("N\n"), &bytes.Buffer{})
	accept, err := prompt.Decide(context.Background(), samplePayload)
	require.NoError(t, err)
	assert.False(t, accept)
}

func TestTerminalPromptClosedInput(t *testing.T) {
	prompt := newTerminalPrompt(strings.NewReader(""), &bytes.Buffer{})
	accept, err := prompt.Decide(context.Background(), samplePayload)
	assert.Error(t, err)
	assert.False(t, accept)
}

func TestTerminalPromptExpires(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	prompt := newTerminalPrompt(reader, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	accept, err := prompt.Decide(ctx, samplePayload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, accept)
}

func TestTerminalPromptMalformedPayload(t *testing.T) {
	prompt := newTerminalPrompt(strings.NewReader("y\n"), &bytes.Buffer{})
	_, err := prompt.Decide(context.Background(), "nope")
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	assert.Equal(t, "first …", preview("first\nsecond"))
	long := strings.Repeat("ä", previewLength+5)
	assert.Equal(t, strings.Repeat("ä", previewLength)+"…", preview(long))
}

func TestParsePeerAddress(t *testing.T) {
	peer, ok := parsePeerAddress("192.168.1.20:8765")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20", peer.Host)
	assert.Equal(t, 8765, peer.Port)

	peer, ok = parsePeerAddress("[fe80::1]:9000")
	require.True(t, ok)
	assert.Equal(t, "fe80::1", peer.Host)

	for _, target := range []string{"ClipboardNotes-3f2a", "host:0", "host:notaport", ":8765"} {
		_, ok := parsePeerAddress(target)
		assert.False(t, ok, target)
	}
}

func TestNoteIDs(t *testing.T) {
	ids, err := noteIDs([]string{"3", "17"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 17}, ids)

	_, err = noteIDs([]string{"x"})
	assert.Error(t, err)
}
