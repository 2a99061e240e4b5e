package liveresponse

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"cbdlr/internal/cbapi"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/logging"

	"go.uber.org/zap"
)

// Command states reported by the platform.
const (
	CommandPending    = "pending"
	CommandInProgress = "in progress"
	CommandComplete   = "complete"
	CommandError      = "error"
)

// Session is an active Live Response session on one device.
// Commands are serialised; Close may be called from any goroutine.
type Session struct {
	ID     string
	Target Target
	Paths  PathStyle

	conn   *cbapi.Connection
	config *Config
	logger *zap.Logger

	cmdMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	// kaCtx is cancelled by Close so an in-flight keep-alive returns at once.
	kaCtx    context.Context
	kaCancel context.CancelFunc
	wg       sync.WaitGroup
}

func newSession(id string, target Target, conn *cbapi.Connection, cfg *Config, logger *zap.Logger) *Session {
	s := &Session{
		ID:     id,
		Target: target,
		Paths:  StyleForOS(target.OS),
		conn:   conn,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.kaCtx, s.kaCancel = context.WithCancel(context.Background())

	if cfg.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go s.keepalive()
	}
	return s
}

// DeviceID returns the device the session is attached to.
func (s *Session) DeviceID() int64 { return s.Target.DeviceID }

// DeviceName returns the device host name.
func (s *Session) DeviceName() string { return s.Target.Name }

// PathStyle returns the remote path convention for the device.
func (s *Session) PathStyle() PathStyle { return s.Paths }

// SessionID returns the platform session identifier.
func (s *Session) SessionID() string { return s.ID }

func (s *Session) keepalive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.kaCtx, s.config.KeepaliveInterval)
			err := s.conn.GetJSON(ctx, s.path("keepalive"), nil, nil)
			cancel()
			if err != nil {
				if s.kaCtx.Err() != nil {
					return
				}
				s.logger.Warn("keepalive_failed", zap.Error(err))
				continue
			}
			s.logger.Debug("keepalive_sent")
		}
	}
}

// closed reports whether Close has been called.
func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops the keep-alive and closes the session on the platform.
// Subsequent calls return the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.kaCancel()
		s.wg.Wait()
		s.closeErr = closeSession(ctx, s.conn, s.ID)
		if s.closeErr != nil {
			s.logger.Warn("session_close_failed", zap.Error(s.closeErr))
			return
		}
		s.logger.Info("session_closed")
	})
	return s.closeErr
}

func (s *Session) path(parts ...string) string {
	return BasePath + "/session/" + s.ID + "/" + strings.Join(parts, "/")
}

// commandResult is the union of fields the platform returns for commands.
type commandResult struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	ResultType string `json:"result_type"`
	ResultCode int64  `json:"result_code"`
	ResultDesc string `json:"result_desc"`

	FileID     int64           `json:"file_id"`
	Files      []FileInfo      `json:"files"`
	Processes  []Process       `json:"processes"`
	SubKeys    []string        `json:"sub_keys"`
	Values     []RegistryValue `json:"values"`
	Value      *RegistryValue  `json:"value"`
	Pid        int64           `json:"pid"`
	ReturnCode int64           `json:"return_code"`
}

// execute posts a command and waits for it to finish.
func (s *Session) execute(ctx context.Context, name string, args map[string]interface{}) (*commandResult, error) {
	if s.closed() {
		return nil, cbdlrerrors.NewLRSessionClosedError(s.ID)
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	body := map[string]interface{}{
		"session_id": s.ID,
		"name":       name,
	}
	for k, v := range args {
		body[k] = v
	}

	logger := s.logger.With(logging.Command(name))
	start := time.Now()

	var submitted commandResult
	if err := s.conn.PostJSON(ctx, s.path("command"), body, &submitted); err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", name, err)
	}
	logger.Debug("command_submitted", zap.Int64("command_id", submitted.ID))

	res, err := s.wait(ctx, name, submitted.ID)
	if err != nil {
		logger.Info("command_failed", logging.Duration(time.Since(start)), zap.Error(err))
		return nil, err
	}
	logger.Debug("command_complete", logging.Duration(time.Since(start)))
	return res, nil
}

func (s *Session) wait(ctx context.Context, name string, commandID int64) (*commandResult, error) {
	deadline := time.Now().Add(s.config.CommandTimeout)
	path := s.path("command", strconv.FormatInt(commandID, 10))
	query := url.Values{
		"wait":    {"true"},
		"timeout": {strconv.Itoa(int(s.config.PollInterval.Seconds()) + 1)},
	}

	for {
		var res commandResult
		if err := s.conn.GetJSON(ctx, path, query, &res); err != nil {
			return nil, fmt.Errorf("failed to poll %s: %w", name, err)
		}

		switch strings.ToLower(res.Status) {
		case CommandComplete:
			return &res, nil
		case CommandError:
			return nil, cbdlrerrors.NewLRCommandError(name, res.ResultType, res.ResultCode, res.ResultDesc)
		}

		if time.Now().After(deadline) {
			return nil, cbdlrerrors.NewLRCommandTimeoutError(name, s.config.CommandTimeout.Seconds())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, cbdlrerrors.NewLRSessionClosedError(s.ID)
		case <-time.After(s.config.PollInterval):
		}
	}
}
