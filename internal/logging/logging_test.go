package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("run_id", "abc").Msg("run started")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, "run started", gjson.GetBytes(lines[0], "message").String())
	assert.Equal(t, "abc", gjson.GetBytes(lines[0], "run_id").String())
	assert.True(t, gjson.GetBytes(lines[0], "time").Exists())
}

func TestInitRejectsBadLevel(t *testing.T) {
	_, err := Init(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "docpilot.log")
	logger, err := Init(Options{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug().Msg("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
