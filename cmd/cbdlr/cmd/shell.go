package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cbdlr/internal/defense"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/liveresponse"
	"cbdlr/internal/logging"
	"cbdlr/internal/shell"
	"cbdlr/internal/transcript"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runSession is the session runner handed the Live Response session.
var runSession = shell.Run

type transcriptRecorder interface {
	shell.Recorder
	Close() error
}

// openTranscript opens the --transcript file.
var openTranscript = func(path string) (transcriptRecorder, error) {
	return transcript.NewRecorder(path)
}

// ShellOptions holds options for the shell command.
type ShellOptions struct {
	SensorID          string
	TranscriptFile    string
	SessionTimeout    time.Duration
	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration
	PollInterval      time.Duration
	CloseTimeout      time.Duration
}

// DefaultShellOptions returns the default shell options.
func DefaultShellOptions() *ShellOptions {
	lr := liveresponse.DefaultConfig()
	return &ShellOptions{
		SessionTimeout:    lr.SessionTimeout,
		CommandTimeout:    lr.CommandTimeout,
		KeepaliveInterval: lr.KeepaliveInterval,
		PollInterval:      lr.PollInterval,
		CloseTimeout:      10 * time.Second,
	}
}

func newShellCommand(global *GlobalOptions) *cobra.Command {
	opts := DefaultShellOptions()

	cmd := &cobra.Command{
		Use:   "shell <sensorid>",
		Short: "Open an interactive Live Response shell on a device",
		Long: `Select the device with the given numeric sensor id, open a Live
Response session on it and run an interactive shell until exit or EOF.
Type "help" in the shell for the available commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SensorID = args[0]
			return runShell(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.TranscriptFile, "transcript", "", "append every shell command to this JSONL file")
	cmd.Flags().DurationVar(&opts.SessionTimeout, "session-timeout", opts.SessionTimeout, "how long to wait for the sensor to check in")
	cmd.Flags().DurationVar(&opts.CommandTimeout, "command-timeout", opts.CommandTimeout, "how long to wait for one command")
	cmd.Flags().DurationVar(&opts.KeepaliveInterval, "keepalive", opts.KeepaliveInterval, "keep-alive interval, 0 to disable")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "delay between session and command status polls")
	return cmd
}

func runShell(cmd *cobra.Command, global *GlobalOptions, opts *ShellOptions) (err error) {
	deviceID, err := strconv.ParseInt(opts.SensorID, 10, 64)
	if err != nil {
		return cbdlrerrors.NewConfigValidationError("sensorid", opts.SensorID, "must be an integer")
	}

	logger, err := global.setupLogging("shell")
	if err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()
	logger = logger.With(logging.DeviceID(deviceID))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := global.connect(cmd, logger)
	if err != nil {
		return err
	}

	client, err := defense.NewClient(conn, &liveresponse.Config{
		SessionTimeout:    opts.SessionTimeout,
		CommandTimeout:    opts.CommandTimeout,
		PollInterval:      opts.PollInterval,
		KeepaliveInterval: opts.KeepaliveInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	device, err := client.SelectDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	logger.Info("device_selected", zap.String("name", device.Name), zap.String("os", device.OS))

	sess, err := device.LRSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), opts.CloseTimeout)
		defer cancel()
		if closeErr := sess.Close(closeCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	shellOpts := shell.Options{
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
		Logger: logger,
	}
	if opts.TranscriptFile != "" {
		rec, openErr := openTranscript(opts.TranscriptFile)
		if openErr != nil {
			return openErr
		}
		defer func() {
			if closeErr := rec.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
		shellOpts.Recorder = rec
	}

	if err := runSession(ctx, sess, shellOpts); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shell_interrupted")
			return nil
		}
		return err
	}
	return nil
}
