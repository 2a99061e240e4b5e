// Package shell runs an interactive Live Response session: a small
// command interpreter whose verbs map onto session operations against the
// remote device.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cbdlr/internal/liveresponse"
	"cbdlr/internal/logging"
	"cbdlr/internal/models"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Session is the set of Live Response operations the shell drives.
type Session interface {
	DeviceID() int64
	DeviceName() string
	SessionID() string
	PathStyle() liveresponse.PathStyle

	ListDirectory(ctx context.Context, dir string) ([]liveresponse.FileInfo, error)
	Walk(ctx context.Context, top string, fn liveresponse.WalkFunc, onError func(dir string, err error) error) error
	GetFile(ctx context.Context, remotePath string, w io.Writer) (int64, error)
	PutFile(ctx context.Context, remotePath string, content io.Reader) error
	DeleteFile(ctx context.Context, remotePath string) error
	CreateDirectory(ctx context.Context, dir string) error
	ListProcesses(ctx context.Context) ([]liveresponse.Process, error)
	KillProcess(ctx context.Context, pid int64) error
	CreateProcess(ctx context.Context, commandLine string, opts liveresponse.ProcessOptions) (*liveresponse.ProcessResult, error)
	ListRegistryKeysAndValues(ctx context.Context, key string) (*liveresponse.RegistryKey, error)
	GetRegistryValue(ctx context.Context, valuePath string) (*liveresponse.RegistryValue, error)
	SetRegistryValue(ctx context.Context, valuePath string, data interface{}, valueType string, overwrite bool) error
	CreateRegistryKey(ctx context.Context, key string) error
	DeleteRegistryKey(ctx context.Context, key string) error
	DeleteRegistryValue(ctx context.Context, valuePath string) error
	Memdump(ctx context.Context, w io.Writer) (int64, error)
}

// Recorder receives one entry per executed command.
type Recorder interface {
	Record(entry models.TranscriptEntry) error
}

// Options configures Run.
type Options struct {
	// In supplies command lines; defaults to os.Stdin
	In io.Reader
	// Out receives command output; defaults to os.Stdout
	Out io.Writer
	// Err receives error messages; defaults to os.Stderr
	Err io.Writer
	// LocalDir is where relative local paths resolve; defaults to "."
	LocalDir string
	// Recorder, if set, is told about every command
	Recorder Recorder
	// Color forces colored output on or off; nil enables it for terminals
	Color *bool
	// Logger is the logger instance
	Logger *zap.Logger
}

// Shell is one interactive session runner.
type Shell struct {
	sess     Session
	paths    liveresponse.PathStyle
	cwd      string
	localDir string

	out      io.Writer
	errOut   io.Writer
	recorder Recorder
	logger   *zap.Logger

	promptColor *color.Color
	errorColor  *color.Color
	dirColor    *color.Color
}

type lineReader interface {
	ReadLine() (string, error)
	SetPrompt(prompt string)
	// Suspend hands the input back to the OS while a command runs, so that
	// Ctrl-C raises SIGINT again. The returned func resumes line editing.
	Suspend() (resume func())
}

// Run reads commands until EOF or exit and runs each against sess. A
// failing command is reported and the loop continues. Run returns nil on
// EOF or exit and the context error when ctx is cancelled.
func Run(ctx context.Context, sess Session, opts Options) error {
	sh, reader, restore := newShell(sess, opts)
	defer restore()

	sh.logger.Info("shell_started")
	defer sh.logger.Info("shell_finished")
	return sh.loop(ctx, reader)
}

func (sh *Shell) loop(ctx context.Context, reader lineReader) error {
	type result struct {
		line string
		err  error
	}
	next := make(chan struct{})
	lines := make(chan result, 1)
	go func() {
		for range next {
			line, err := reader.ReadLine()
			lines <- result{line, err}
		}
	}()
	defer close(next)

	for {
		reader.SetPrompt(sh.prompt())
		select {
		case next <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var res result
		select {
		case res = <-lines:
		case <-ctx.Done():
			return ctx.Err()
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				fmt.Fprintln(sh.out)
				return nil
			}
			return fmt.Errorf("failed to read command: %w", res.err)
		}

		resume := reader.Suspend()
		exit, err := sh.Execute(ctx, res.line)
		resume()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			sh.errorColor.Fprintf(sh.errOut, "error: %v\n", err)
		}
		if exit {
			return nil
		}
	}
}

func newShell(sess Session, opts Options) (*Shell, lineReader, func()) {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.LocalDir == "" {
		opts.LocalDir = "."
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}

	paths := sess.PathStyle()
	sh := &Shell{
		sess:     sess,
		paths:    paths,
		cwd:      paths.Root(),
		localDir: opts.LocalDir,
		out:      opts.Out,
		errOut:   opts.Err,
		recorder: opts.Recorder,
		logger: logger.With(
			logging.DeviceID(sess.DeviceID()),
			logging.SessionID(sess.SessionID()),
		),
		promptColor: color.New(color.FgCyan, color.Bold),
		errorColor:  color.New(color.FgRed),
		dirColor:    color.New(color.FgBlue, color.Bold),
	}

	var reader lineReader
	restore := func() {}
	interactive := false

	if in, ok := opts.In.(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		if state, err := term.MakeRaw(int(in.Fd())); err == nil {
			t := term.NewTerminal(struct {
				io.Reader
				io.Writer
			}{in, opts.Out}, "")
			reader = &terminalReader{t}
			sh.out = t
			sh.errOut = t
			restore = func() { _ = term.Restore(int(in.Fd()), state) }
			interactive = true
		} else {
			sh.logger.Debug("raw_mode_unavailable", zap.Error(err))
		}
	}
	if reader == nil {
		reader = &plainReader{scanner: bufio.NewScanner(opts.In), out: opts.Out}
	}

	useColor := interactive
	if opts.Color != nil {
		useColor = *opts.Color
	}
	for _, c := range []*color.Color{sh.promptColor, sh.errorColor, sh.dirColor} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return sh, reader, restore
}

// Cwd returns the remote working directory.
func (sh *Shell) Cwd() string {
	return sh.cwd
}

func (sh *Shell) prompt() string {
	return sh.promptColor.Sprintf("%s:%s", sh.sess.DeviceName(), sh.cwd) + "> "
}

// Execute runs one command line and reports whether the shell should exit.
func (sh *Shell) Execute(ctx context.Context, line string) (bool, error) {
	args, err := splitArgs(line)
	if err != nil {
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}

	verb, rest := strings.ToLower(args[0]), args[1:]
	if verb == "exit" || verb == "quit" {
		return true, nil
	}

	cmd, ok := commands[verb]
	if !ok {
		return false, fmt.Errorf("unknown command %q (try help)", args[0])
	}

	start := time.Now()
	err = cmd.run(ctx, sh, rest)
	elapsed := time.Since(start)

	sh.logger.Debug("shell_command",
		logging.Command(verb),
		logging.Duration(elapsed),
		zap.Bool("failed", err != nil),
	)
	sh.record(verb, rest, start, elapsed, err)
	return false, err
}

func (sh *Shell) record(verb string, args []string, start time.Time, elapsed time.Duration, cmdErr error) {
	if sh.recorder == nil {
		return
	}
	entry := models.TranscriptEntry{
		Timestamp:  start.UTC(),
		SessionID:  sh.sess.SessionID(),
		DeviceID:   sh.sess.DeviceID(),
		Command:    verb,
		Args:       args,
		Status:     models.StatusOK,
		DurationMS: elapsed.Milliseconds(),
	}
	if cmdErr != nil {
		entry.Status = models.StatusError
		entry.Error = cmdErr.Error()
	}
	if err := sh.recorder.Record(entry); err != nil {
		sh.logger.Warn("transcript_write_failed", zap.Error(err))
	}
}

// plainReader reads lines from a non-terminal input.
type plainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
	prompt  string
}

func (r *plainReader) SetPrompt(prompt string) { r.prompt = prompt }

func (r *plainReader) Suspend() func() { return func() {} }

func (r *plainReader) ReadLine() (string, error) {
	fmt.Fprint(r.out, r.prompt)
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// terminalReader provides line editing and history on a raw terminal.
type terminalReader struct {
	t      *term.Terminal
	fd     int
	cooked *term.State
}

func (r *terminalReader) SetPrompt(prompt string) { r.t.SetPrompt(prompt) }

// Suspend restores the original terminal mode. In raw mode Ctrl-C arrives
// as a plain 0x03 byte and never interrupts a running command.
func (r *terminalReader) Suspend() func() {
	if err := term.Restore(r.fd, r.cooked); err != nil {
		return func() {}
	}
	return func() { _, _ = term.MakeRaw(r.fd) }
}

func (r *terminalReader) ReadLine() (string, error) { return r.t.ReadLine() }
