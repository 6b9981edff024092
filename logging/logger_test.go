package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"clipnotes/metrics"
)

func TestNewBuildsEveryFormat(t *testing.T) {
	for _, format := range []string{"json", "console", "text", ""} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(Config{Format: format, Level: "debug", Output: zapcore.AddSync(&buf)})
			require.NoError(t, err)
			logger.Info("heartbeat")
			require.NoError(t, logger.Sync())
			assert.Contains(t, buf.String(), "heartbeat")
		})
	}
}

func TestNewRejectsInvalidLevelAndFormat(t *testing.T) {
	_, err := New(Config{Format: "json", Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml", Level: "info"})
	assert.Error(t, err)
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json", Level: "info", Output: zapcore.AddSync(&buf)})
	require.NoError(t, err)

	logger.Info("peer resolved", zap.String("peer_id", "ClipboardNotes-1a2b"), zap.Int("port", 4040))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "peer resolved", entry["msg"])
	assert.Equal(t, "ClipboardNotes-1a2b", entry["peer_id"])
	assert.EqualValues(t, 4040, entry["port"])
	assert.Contains(t, entry, "timestamp")
}

func TestLevelFiltersAndCountsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json", Level: "warn", Output: zapcore.AddSync(&buf)})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.LogEntriesTotal.WithLabelValues("warn"))
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LogEntriesTotal.WithLabelValues("warn")))
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	logger := zap.NewExample()
	assert.Same(t, logger, OrDiscard(logger))
}
