package shell

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cbdlr/internal/cbapi"
	"cbdlr/internal/cbapitest"
	"cbdlr/internal/liveresponse"
	"cbdlr/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []models.TranscriptEntry
}

func (r *memRecorder) Record(e models.TranscriptEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type harness struct {
	srv      *cbapitest.Server
	sess     *liveresponse.Session
	out      bytes.Buffer
	errOut   bytes.Buffer
	localDir string
	recorder *memRecorder
}

func newHarness(t *testing.T, deviceOS string) *harness {
	t.Helper()
	srv := cbapitest.NewServer(t)
	srv.AddDevice(7, "WS-042", deviceOS)
	srv.Files[`C:\Users\alice\notes.txt`] = []byte("meeting at 10")
	srv.Files[`C:\Users\alice\Downloads\setup.exe`] = []byte("MZ")
	srv.Files["/etc/hostname"] = []byte("build01\n")

	cfg := cbapi.DefaultConfig()
	cfg.Credentials = srv.Credentials()
	cfg.MaxRetries = 0
	cfg.Logger = zap.NewNop()
	conn, err := cbapi.NewConnection(cfg)
	require.NoError(t, err)

	mgr, err := liveresponse.NewManager(conn, &liveresponse.Config{
		SessionTimeout: time.Second,
		CommandTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)

	sess, err := mgr.RequestSession(context.Background(), liveresponse.Target{DeviceID: 7})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	return &harness{srv: srv, sess: sess, localDir: t.TempDir(), recorder: &memRecorder{}}
}

func (h *harness) options(in io.Reader) Options {
	noColor := false
	return Options{
		In:       in,
		Out:      &h.out,
		Err:      &h.errOut,
		LocalDir: h.localDir,
		Recorder: h.recorder,
		Color:    &noColor,
		Logger:   zap.NewNop(),
	}
}

func (h *harness) run(t *testing.T, script string) {
	t.Helper()
	require.NoError(t, Run(context.Background(), h.sess, h.options(strings.NewReader(script))))
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line    string
		want    []string
		wantErr bool
	}{
		{"", nil, false},
		{"   ", nil, false},
		{"ls", []string{"ls"}, false},
		{`cd  C:\Users\alice  `, []string{"cd", `C:\Users\alice`}, false},
		{`cd "C:\Program Files\App"`, []string{"cd", `C:\Program Files\App`}, false},
		{`get "my file.txt" out.txt`, []string{"get", "my file.txt", "out.txt"}, false},
		{`reg set HKCU\x ""`, []string{"reg", "set", `HKCU\x`, ""}, false},
		{`exec cmd.exe /c "dir C:\"`, []string{"exec", "cmd.exe", "/c", `dir C:\`}, false},
		{"a\tb", []string{"a", "b"}, false},
		{`cd "C:\Program Files`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := splitArgs(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, `cmd.exe /c "dir C:\Program Files"`, joinArgs([]string{"cmd.exe", "/c", `dir C:\Program Files`}))
	assert.Equal(t, `echo ""`, joinArgs([]string{"echo", ""}))
}

// TestRunNavigatesAndLists tests cd, pwd and ls against a Windows device.
func TestRunNavigatesAndLists(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "pwd\ncd Users\\alice\npwd\nls\n")

	out := h.out.String()
	assert.Contains(t, out, `WS-042:C:\> `)
	assert.Contains(t, out, `WS-042:C:\Users\alice> `)
	assert.Contains(t, out, "C:\\\n")
	assert.Contains(t, out, "C:\\Users\\alice\n")
	assert.Contains(t, out, "Downloads")
	assert.Contains(t, out, "notes.txt")
	assert.Empty(t, h.errOut.String())
}

// TestRunPOSIXDevice tests POSIX paths on a Linux device.
func TestRunPOSIXDevice(t *testing.T) {
	h := newHarness(t, "LINUX")
	h.run(t, "cd /etc\nget hostname\n")

	assert.Contains(t, h.out.String(), "WS-042:/etc> ")
	data, err := os.ReadFile(filepath.Join(h.localDir, "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "build01\n", string(data))
}

// TestRunStopsAtExit tests that lines after exit are not run.
func TestRunStopsAtExit(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "pwd\nexit\nps\n")

	assert.Equal(t, []string{"pwd"}, commandNames(h.recorder))
	assert.Empty(t, h.srv.ExecutedCommands())
}

// TestRunContinuesAfterErrors tests that failing commands do not end the shell.
func TestRunContinuesAfterErrors(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "del nope.txt\nbogus\ncd nowhere\nkill abc\n\"unterminated\npwd\n")

	errOut := h.errOut.String()
	assert.Equal(t, 5, strings.Count(errOut, "error: "))
	assert.Contains(t, errOut, "0x80070002")
	assert.Contains(t, errOut, `unknown command "bogus"`)
	assert.Contains(t, errOut, "cannot cd to C:\\nowhere")
	assert.Contains(t, errOut, "unterminated quote")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(h.out.String()), `WS-042:C:\> C:\`+"\n"+`WS-042:C:\>`))
}

// TestRunGetAndPut tests file transfer in both directions.
func TestRunGetAndPut(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	require.NoError(t, os.WriteFile(filepath.Join(h.localDir, "tool.ps1"), []byte("Get-Process"), 0o600))

	h.run(t, "get Users\\alice\\notes.txt\nget Users\\alice\\notes.txt copy.txt\nput tool.ps1\nput tool.ps1 Windows\\Temp\\t.ps1\n")
	require.Empty(t, h.errOut.String())

	for _, name := range []string{"notes.txt", "copy.txt"} {
		data, err := os.ReadFile(filepath.Join(h.localDir, name))
		require.NoError(t, err)
		assert.Equal(t, "meeting at 10", string(data))
	}
	assert.Contains(t, h.out.String(), "13 bytes written to")

	for _, remote := range []string{`C:\tool.ps1`, `C:\Windows\Temp\t.ps1`} {
		data, ok := h.srv.File(remote)
		require.True(t, ok, remote)
		assert.Equal(t, "Get-Process", string(data))
	}
}

// TestRunGetFailureRemovesLocalFile tests that a failed download leaves no partial file.
func TestRunGetFailureRemovesLocalFile(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "get missing.bin\n")

	assert.Contains(t, h.errOut.String(), "error: ")
	_, err := os.Stat(filepath.Join(h.localDir, "missing.bin"))
	assert.True(t, os.IsNotExist(err))
}

// TestRunPutMissingLocalFile tests uploading a local file that does not exist.
func TestRunPutMissingLocalFile(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "put nothing.txt\n")

	assert.Contains(t, h.errOut.String(), "local read failed")
	assert.Empty(t, h.srv.ExecutedCommands())
}

// TestRunProcesses tests ps, kill and exec.
func TestRunProcesses(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.srv.Processes = []map[string]interface{}{
		{"pid": 1234, "parent": 4, "username": "corp\\alice", "command_line": "notepad.exe notes.txt"},
		{"pid": 4, "path": "System"},
	}
	h.srv.ProcessOutput["ipconfig /all"] = "Windows IP Configuration"

	h.run(t, "ps\nkill 1234\nexec -o ipconfig /all\nexec -w cmd.exe /c exit\nexec calc.exe\n")
	require.Empty(t, h.errOut.String())

	out := h.out.String()
	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "notepad.exe notes.txt")
	assert.Less(t, strings.Index(out, "System"), strings.Index(out, "notepad.exe"))
	assert.Contains(t, out, "Windows IP Configuration\n")
	assert.Contains(t, out, "process 4242 exited with code 0")
	assert.Contains(t, out, "process 4242 started")

	executed := h.srv.ExecutedCommands()
	assert.Contains(t, executed, "kill 1234")
	assert.Contains(t, executed, "create process ipconfig /all")
	assert.Contains(t, executed, "create process calc.exe")
}

// TestRunRegistry tests the reg subcommands.
func TestRunRegistry(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	key := `HKLM\SOFTWARE\Vendor`
	h.srv.Registry[key] = []string{"Plugins"}
	h.srv.RegistryValues[key+`\Version`] = map[string]interface{}{
		"value_name": "Version", "value_type": "REG_SZ", "value_data": "1.2.3",
	}

	h.run(t, strings.Join([]string{
		`reg ls ` + key,
		`reg get ` + key + `\Version`,
		`reg set ` + key + `\Mode "safe mode"`,
		`reg set -f ` + key + `\Mode 1 reg_dword`,
		`reg mkkey ` + key + `\New`,
		`reg rmval ` + key + `\Mode`,
		`reg rmkey ` + key + `\New`,
		`reg frob x`,
	}, "\n")+"\n")

	out := h.out.String()
	assert.Contains(t, out, "Plugins")
	assert.Contains(t, out, "<KEY>")
	assert.Contains(t, out, "1.2.3")
	assert.Equal(t, 1, strings.Count(h.errOut.String(), "error: "))
	assert.Contains(t, h.errOut.String(), "usage: reg")

	entries := h.recorder.entries
	require.Len(t, entries, 8)
	for _, e := range entries[:7] {
		assert.Equal(t, models.StatusOK, e.Status, e.CommandLine())
	}
	assert.Equal(t, []string{"set", key + `\Mode`, "safe mode"}, entries[2].Args)
}

// TestRunRegistryRejectsExtraArguments tests that key and value commands
// take exactly one path.
func TestRunRegistryRejectsExtraArguments(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	key := `HKLM\SOFTWARE\Vendor`
	h.srv.Registry[key] = nil

	lines := []string{
		`reg ls ` + key + ` extra`,
		`reg get ` + key + `\Version extra`,
		`reg mkkey ` + key + `\A ` + key + `\B`,
		`reg rmkey ` + key + ` extra`,
		`reg rmval ` + key + `\Mode extra`,
	}
	h.run(t, strings.Join(lines, "\n")+"\n")

	assert.Equal(t, len(lines), strings.Count(h.errOut.String(), "usage: reg"))
	assert.Empty(t, h.srv.ExecutedCommands(), "nothing reaches the sensor")
}

// TestRunMemdump tests memdump with default and explicit paths.
func TestRunMemdump(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "memdump\nmemdump full.dmp\n")
	require.Empty(t, h.errOut.String())

	for _, name := range []string{"memdump-7.dmp", "full.dmp"} {
		data, err := os.ReadFile(filepath.Join(h.localDir, name))
		require.NoError(t, err)
		assert.Equal(t, "MDMP-full-memory", string(data))
	}
}

// TestRunWalk tests recursive listing.
func TestRunWalk(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "walk Users\n")

	out := h.out.String()
	assert.Contains(t, out, `C:\Users\alice\notes.txt`)
	assert.Contains(t, out, `C:\Users\alice\Downloads\setup.exe`)
}

// TestRunRecordsTranscript tests that each command is recorded with its outcome.
func TestRunRecordsTranscript(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	h.run(t, "cd Users\ndel x.txt\n\nhelp\n")

	entries := h.recorder.entries
	require.Len(t, entries, 3)

	assert.Equal(t, "cd", entries[0].Command)
	assert.Equal(t, []string{"Users"}, entries[0].Args)
	assert.Equal(t, models.StatusOK, entries[0].Status)
	assert.Equal(t, h.sess.SessionID(), entries[0].SessionID)
	assert.Equal(t, int64(7), entries[0].DeviceID)

	assert.Equal(t, models.StatusError, entries[1].Status)
	assert.NotEmpty(t, entries[1].Error)
	assert.Equal(t, "help", entries[2].Command)
	assert.Contains(t, h.out.String(), "memdump [local]")
}

// TestRunEOF tests that end of input ends the shell.
func TestRunEOF(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	err := Run(context.Background(), h.sess, h.options(strings.NewReader("")))
	assert.NoError(t, err)
}

// TestRunContextCancelled tests that cancellation stops a shell waiting for input.
func TestRunContextCancelled(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, h.sess, h.options(pr)) }()

	_, err := pw.Write([]byte("pwd\n"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// scriptedReader feeds fixed lines and logs how the loop drives it.
type scriptedReader struct {
	mu        sync.Mutex
	lines     []string
	events    []string
	onSuspend func()
}

func (r *scriptedReader) log(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *scriptedReader) SetPrompt(string) {}

func (r *scriptedReader) ReadLine() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		r.events = append(r.events, "eof")
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	r.events = append(r.events, "read "+line)
	return line, nil
}

func (r *scriptedReader) Suspend() func() {
	r.log("suspend")
	if r.onSuspend != nil {
		r.onSuspend()
	}
	return func() { r.log("resume") }
}

// TestLoopSuspendsInputDuringCommands tests that line editing is released
// for the duration of every command.
func TestLoopSuspendsInputDuringCommands(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	sh, _, restore := newShell(h.sess, h.options(strings.NewReader("")))
	defer restore()

	reader := &scriptedReader{lines: []string{"pwd", "ls"}}
	require.NoError(t, sh.loop(context.Background(), reader))

	assert.Equal(t, []string{
		"read pwd", "suspend", "resume",
		"read ls", "suspend", "resume",
		"eof",
	}, reader.events)
}

// TestLoopInterruptDuringCommand tests that an interrupt raised while a
// command runs stops the loop and still resumes the terminal.
func TestLoopInterruptDuringCommand(t *testing.T) {
	h := newHarness(t, "WINDOWS")
	sh, _, restore := newShell(h.sess, h.options(strings.NewReader("")))
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &scriptedReader{lines: []string{`walk C:\`, "pwd"}, onSuspend: cancel}

	err := sh.loop(ctx, reader)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"read walk C:\\", "suspend", "resume"}, reader.events)
}

func commandNames(r *memRecorder) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.entries {
		names = append(names, e.Command)
	}
	return names
}
