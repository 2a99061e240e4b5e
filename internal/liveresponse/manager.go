// Package liveresponse implements the Cb Defense Live Response session protocol.
//
// A session is requested for a device and polled until the sensor checks in
// and the session becomes ACTIVE. Commands are then posted to the session and
// awaited one at a time. A background keep-alive holds the session open
// until Close.
package liveresponse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cbdlr/internal/cbapi"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/logging"

	"go.uber.org/zap"
)

// BasePath is the Live Response API prefix.
const BasePath = "/integrationServices/v3/cblr"

// Session states reported by the platform.
const (
	StatusPending = "PENDING"
	StatusActive  = "ACTIVE"
	StatusError   = "ERROR"
	StatusClose   = "CLOSE"
)

// Config holds Live Response timing configuration.
type Config struct {
	// SessionTimeout bounds the wait for a session to become active
	SessionTimeout time.Duration

	// CommandTimeout bounds the wait for a single command to complete
	CommandTimeout time.Duration

	// PollInterval is the delay between status polls
	PollInterval time.Duration

	// KeepaliveInterval is the delay between keep-alive requests; zero disables them
	KeepaliveInterval time.Duration

	// Logger is the logger instance
	Logger *zap.Logger
}

// DefaultConfig returns the default Live Response configuration.
func DefaultConfig() *Config {
	return &Config{
		SessionTimeout:    2 * time.Minute,
		CommandTimeout:    2 * time.Minute,
		PollInterval:      time.Second,
		KeepaliveInterval: 60 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SessionTimeout <= 0 {
		return cbdlrerrors.NewConfigValidationError("SessionTimeout", c.SessionTimeout, "must be positive")
	}
	if c.CommandTimeout <= 0 {
		return cbdlrerrors.NewConfigValidationError("CommandTimeout", c.CommandTimeout, "must be positive")
	}
	if c.PollInterval <= 0 {
		return cbdlrerrors.NewConfigValidationError("PollInterval", c.PollInterval, "must be positive")
	}
	if c.KeepaliveInterval < 0 {
		return cbdlrerrors.NewConfigValidationError("KeepaliveInterval", c.KeepaliveInterval, "must be non-negative")
	}
	return nil
}

// Target identifies the device a session is opened against.
type Target struct {
	DeviceID int64
	Name     string
	OS       string
}

// Manager opens Live Response sessions over an API connection.
type Manager struct {
	conn   *cbapi.Connection
	config *Config
	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(conn *cbapi.Connection, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = conn.Logger()
	}

	return &Manager{
		conn:   conn,
		config: cfg,
		logger: logger.With(zap.String("component", "liveresponse")),
	}, nil
}

type sessionStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	SensorID int64  `json:"sensor_id"`
	OSType   string `json:"os_type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// RequestSession asks the platform for a session on the target device and
// blocks until it is active, failed, or SessionTimeout elapses.
func (m *Manager) RequestSession(ctx context.Context, target Target) (*Session, error) {
	logger := m.logger.With(logging.DeviceID(target.DeviceID))
	logger.Info("session_requested")

	var created sessionStatus
	path := fmt.Sprintf("%s/session/%d", BasePath, target.DeviceID)
	if err := m.conn.PostJSON(ctx, path, map[string]int64{"sensor_id": target.DeviceID}, &created); err != nil {
		return nil, fmt.Errorf("failed to request session for device %d: %w", target.DeviceID, err)
	}
	if created.ID == "" {
		return nil, cbdlrerrors.NewAPIDecodeError(path, fmt.Errorf("response has no session id"))
	}

	logger = logger.With(logging.SessionID(created.ID))
	logger.Debug("session_pending", zap.String("status", created.Status))

	start := time.Now()
	status := created
	for !strings.EqualFold(status.Status, StatusActive) {
		if strings.EqualFold(status.Status, StatusError) || strings.EqualFold(status.Status, StatusClose) {
			logger.Warn("session_failed", zap.String("status", status.Status))
			return nil, cbdlrerrors.NewLRSessionError(target.DeviceID, strings.ToUpper(status.Status)).
				WithContext("session_id", created.ID)
		}
		if time.Since(start) >= m.config.SessionTimeout {
			logger.Warn("session_timeout", logging.Duration(time.Since(start)))
			m.abandon(created.ID)
			return nil, cbdlrerrors.NewLRSessionTimeoutError(target.DeviceID, m.config.SessionTimeout.Seconds())
		}

		select {
		case <-ctx.Done():
			m.abandon(created.ID)
			return nil, ctx.Err()
		case <-time.After(m.config.PollInterval):
		}

		if err := m.conn.GetJSON(ctx, fmt.Sprintf("%s/session/%s", BasePath, created.ID), nil, &status); err != nil {
			logger.Warn("session_poll_failed", zap.Error(err))
			m.abandon(created.ID)
			return nil, fmt.Errorf("failed to poll session %s: %w", created.ID, err)
		}
	}

	if target.OS == "" {
		target.OS = status.OSType
	}
	if target.Name == "" {
		target.Name = status.Hostname
	}

	logger.Info("session_active", logging.Duration(time.Since(start)))
	return newSession(created.ID, target, m.conn, m.config, logger), nil
}

// abandon closes a session that never became usable.
func (m *Manager) abandon(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := closeSession(ctx, m.conn, sessionID); err != nil {
		m.logger.Debug("session_abandon_failed", logging.SessionID(sessionID), zap.Error(err))
	}
}

func closeSession(ctx context.Context, conn *cbapi.Connection, sessionID string) error {
	body := map[string]string{"session_id": sessionID, "status": StatusClose}
	return conn.PutJSON(ctx, BasePath+"/session", body, nil)
}
