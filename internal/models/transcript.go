// Package models defines the data structures shared by the shell and the
// transcript tooling.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entry statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TranscriptEntry records one command typed into a Live Response shell.
type TranscriptEntry struct {
	// Timestamp is when the command started
	Timestamp time.Time `json:"timestamp"`

	// SessionID is the platform session the command ran in
	SessionID string `json:"session_id"`

	// DeviceID is the target device
	DeviceID int64 `json:"device_id"`

	// Command is the shell verb, e.g. "get" or "exec"
	Command string `json:"command"`

	// Args are the verb's arguments as typed
	Args []string `json:"args,omitempty"`

	// Status is "ok" or "error"
	Status string `json:"status"`

	// Error is the failure message when Status is "error"
	Error string `json:"error,omitempty"`

	// DurationMS is how long the command took
	DurationMS int64 `json:"duration_ms"`
}

// ToJSON serializes the entry to JSON bytes.
func (e *TranscriptEntry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes a TranscriptEntry from JSON bytes.
func FromJSON(data []byte) (*TranscriptEntry, error) {
	var entry TranscriptEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// CommandLine rebuilds the command as typed, quoting arguments that
// contain spaces.
func (e *TranscriptEntry) CommandLine() string {
	parts := make([]string, 0, len(e.Args)+1)
	parts = append(parts, e.Command)
	for _, a := range e.Args {
		if a == "" || strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// String formats the entry for display.
func (e *TranscriptEntry) String() string {
	line := fmt.Sprintf("%s device=%d %s [%s %dms]",
		e.Timestamp.Format(time.RFC3339), e.DeviceID, e.CommandLine(), e.Status, e.DurationMS)
	if e.Error != "" {
		line += " " + e.Error
	}
	return line
}
