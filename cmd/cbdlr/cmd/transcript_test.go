package cmd

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/models"
	"cbdlr/internal/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTranscriptCommand tests printing a recorded transcript.
func TestTranscriptCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.jsonl")
	rec, err := transcript.NewRecorder(path)
	require.NoError(t, err)
	for _, e := range []models.TranscriptEntry{
		{Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), DeviceID: 7, Command: "cd", Args: []string{`C:\Program Files`}, Status: models.StatusOK},
		{Timestamp: time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC), DeviceID: 7, Command: "del", Args: []string{"x"}, Status: models.StatusError, Error: "file not found"},
	} {
		require.NoError(t, rec.Record(e))
	}
	require.NoError(t, rec.Close())

	out, _, err := execute(t, "", "transcript", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `cd "C:\Program Files"`)
	assert.Contains(t, lines[1], "file not found")
}

// TestTranscriptCommandMissingFile tests a transcript path that does not exist.
func TestTranscriptCommandMissingFile(t *testing.T) {
	_, _, err := execute(t, "", "transcript", filepath.Join(t.TempDir(), "none.jsonl"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrLocalReadFailed))
}
