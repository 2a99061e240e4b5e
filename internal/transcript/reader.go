package transcript

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/models"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// Reader reads transcript entries from a file.
type Reader struct {
	path   string
	follow bool
	logger *zap.Logger
}

// NewReader creates a reader. With follow set, Read keeps waiting for new
// lines until the context is cancelled.
func NewReader(path string, follow bool, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{path: path, follow: follow, logger: logger}
}

// Name returns the reader name.
func (r *Reader) Name() string {
	return fmt.Sprintf("transcript:%s", r.path)
}

// Read sends entries to the channel. Lines that are not valid entries are
// logged and skipped.
func (r *Reader) Read(ctx context.Context, entries chan<- *models.TranscriptEntry) error {
	if r.follow {
		return r.readFollow(ctx, entries)
	}
	return r.readBatch(ctx, entries)
}

func (r *Reader) readBatch(ctx context.Context, entries chan<- *models.TranscriptEntry) error {
	file, err := os.Open(r.path)
	if err != nil {
		return cbdlrerrors.NewLocalReadError(r.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// Long exec command lines
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		entry := r.parseLine(scanner.Text(), lineNum)
		if entry == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entries <- entry:
		}
	}

	if err := scanner.Err(); err != nil {
		return cbdlrerrors.NewLocalReadError(r.path, err)
	}
	return nil
}

func (r *Reader) readFollow(ctx context.Context, entries chan<- *models.TranscriptEntry) error {
	t, err := tail.TailFile(r.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return cbdlrerrors.NewLocalReadError(r.path, err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	lineNum := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				r.logger.Warn("transcript_read_error", zap.Error(line.Err))
				continue
			}
			lineNum++
			entry := r.parseLine(line.Text, lineNum)
			if entry == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case entries <- entry:
			}
		}
	}
}

func (r *Reader) parseLine(line string, lineNum int) *models.TranscriptEntry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	entry, err := models.FromJSON([]byte(line))
	if err != nil {
		r.logger.Warn("transcript_line_invalid", zap.Int("line_num", lineNum), zap.Error(err))
		return nil
	}
	return entry
}
