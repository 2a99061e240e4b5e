package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTranscriptEntry_ToJSON(t *testing.T) {
	entry := TranscriptEntry{
		Timestamp:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		SessionID:  "1:4711",
		DeviceID:   4711,
		Command:    "get",
		Args:       []string{`C:\Users\alice\notes.txt`},
		Status:     StatusOK,
		DurationMS: 120,
	}

	data, err := entry.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "session_id", "device_id", "command", "args", "status", "duration_ms"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("ToJSON() missing key %q", key)
		}
	}
	if _, ok := raw["error"]; ok {
		t.Error("ToJSON() should omit empty error")
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(*TranscriptEntry) bool
	}{
		{
			name:  "failed command",
			input: `{"timestamp":"2024-03-01T09:00:00Z","device_id":7,"command":"kill","args":["42"],"status":"error","error":"no such process"}`,
			check: func(e *TranscriptEntry) bool {
				return e.DeviceID == 7 && e.Status == StatusError && e.Error == "no such process" && len(e.Args) == 1
			},
		},
		{
			name:  "no args",
			input: `{"command":"ps","status":"ok"}`,
			check: func(e *TranscriptEntry) bool { return e.Command == "ps" && e.Args == nil },
		},
		{
			name:    "invalid json",
			input:   `{"command":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromJSON([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(got) {
				t.Errorf("FromJSON() = %+v", got)
			}
		})
	}
}

func TestTranscriptEntry_CommandLine(t *testing.T) {
	tests := []struct {
		entry TranscriptEntry
		want  string
	}{
		{TranscriptEntry{Command: "ps"}, "ps"},
		{TranscriptEntry{Command: "cd", Args: []string{`C:\Program Files`}}, `cd "C:\Program Files"`},
		{TranscriptEntry{Command: "exec", Args: []string{"-o", "ipconfig", "/all"}}, "exec -o ipconfig /all"},
		{TranscriptEntry{Command: "reg", Args: []string{"set", `HKCU\x`, ""}}, `reg set HKCU\x ""`},
	}

	for _, tt := range tests {
		if got := tt.entry.CommandLine(); got != tt.want {
			t.Errorf("CommandLine() = %q, want %q", got, tt.want)
		}
	}
}

func TestTranscriptEntry_String(t *testing.T) {
	e := TranscriptEntry{
		Timestamp:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		DeviceID:   7,
		Command:    "del",
		Args:       []string{"x.txt"},
		Status:     StatusError,
		Error:      "file not found",
		DurationMS: 5,
	}

	s := e.String()
	for _, want := range []string{"2024-03-01T09:00:00Z", "device=7", "del x.txt", "[error 5ms]", "file not found"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
