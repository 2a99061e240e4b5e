package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cbdlr/internal/logging"
	"cbdlr/internal/models"
	"cbdlr/internal/transcript"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscriptCommand(global *GlobalOptions) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "transcript <file>",
		Short: "Print a recorded shell transcript",
		Long: `Print the commands recorded by "cbdlr shell --transcript".
With --follow the file is watched and new commands are printed as another
shell records them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscript(cmd, global, args[0], follow)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries (like tail -f)")
	return cmd
}

func runTranscript(cmd *cobra.Command, global *GlobalOptions, path string, follow bool) error {
	logger, err := global.setupLogging("transcript")
	if err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := transcript.NewReader(path, follow, logger)
	entries := make(chan *models.TranscriptEntry, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- reader.Read(ctx, entries)
		close(entries)
	}()

	out := cmd.OutOrStdout()
	count := 0
	for e := range entries {
		fmt.Fprintln(out, e.String())
		count++
	}

	err = <-errCh
	logger.Debug("transcript_printed", logging.Path(path), logging.Count(count), zap.Bool("follow", follow))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
