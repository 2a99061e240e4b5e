package liveresponse_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"cbdlr/internal/cbapi"
	"cbdlr/internal/cbapitest"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/liveresponse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const deviceID = int64(4711)

func testConfig() *liveresponse.Config {
	return &liveresponse.Config{
		SessionTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		Logger:         zap.NewNop(),
	}
}

func newManager(t *testing.T, srv *cbapitest.Server, cfg *liveresponse.Config) *liveresponse.Manager {
	t.Helper()
	conn, err := cbapi.NewConnection(&cbapi.Config{
		Credentials:    srv.Credentials(),
		RequestTimeout: 5 * time.Second,
		MaxRetries:     0,
		RetryBackoff:   time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)

	m, err := liveresponse.NewManager(conn, cfg)
	require.NoError(t, err)
	return m
}

func openSession(t *testing.T, srv *cbapitest.Server) *liveresponse.Session {
	t.Helper()
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")
	sess, err := newManager(t, srv, testConfig()).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*liveresponse.Config)
		field  string
	}{
		{"zero session timeout", func(c *liveresponse.Config) { c.SessionTimeout = 0 }, "SessionTimeout"},
		{"zero command timeout", func(c *liveresponse.Config) { c.CommandTimeout = 0 }, "CommandTimeout"},
		{"zero poll interval", func(c *liveresponse.Config) { c.PollInterval = 0 }, "PollInterval"},
		{"negative keepalive", func(c *liveresponse.Config) { c.KeepaliveInterval = -time.Second }, "KeepaliveInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := liveresponse.DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, cbdlrerrors.ErrConfigValidation))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	assert.NoError(t, liveresponse.DefaultConfig().Validate())
}

// TestRequestSessionBecomesActive tests polling a pending session until it is active.
func TestRequestSessionBecomesActive(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.PendingPolls = 3
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	sess, err := newManager(t, srv, testConfig()).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	assert.NotEmpty(t, sess.SessionID())
	assert.Equal(t, deviceID, sess.DeviceID())
	assert.Equal(t, "WS-042", sess.DeviceName())
	assert.Equal(t, liveresponse.WindowsPaths, sess.PathStyle())
	assert.Equal(t, 1, srv.Requests("POST /integrationServices/v3/cblr/session/4711"))
	assert.Equal(t, 4, srv.Requests("GET /integrationServices/v3/cblr/session/"+sess.SessionID()))
}

// TestRequestSessionKeepsTargetDetails tests that target details survive session setup.
func TestRequestSessionKeepsTargetDetails(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.AddDevice(deviceID, "ws-042", "WINDOWS")

	sess, err := newManager(t, srv, testConfig()).RequestSession(context.Background(),
		liveresponse.Target{DeviceID: deviceID, Name: "build-host", OS: "LINUX"})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	assert.Equal(t, "build-host", sess.DeviceName())
	assert.Equal(t, liveresponse.POSIXPaths, sess.PathStyle())
}

// TestRequestSessionFailures tests sessions that settle in a failed state.
func TestRequestSessionFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*cbapitest.Server)
		cfg      func(*liveresponse.Config)
		sentinel error
	}{
		{
			name:     "error status",
			setup:    func(s *cbapitest.Server) { s.FinalStatus = "ERROR" },
			sentinel: cbdlrerrors.ErrLRSessionFailed,
		},
		{
			name:     "closed by platform",
			setup:    func(s *cbapitest.Server) { s.FinalStatus = "close" },
			sentinel: cbdlrerrors.ErrLRSessionFailed,
		},
		{
			name:     "never active",
			setup:    func(s *cbapitest.Server) { s.PendingPolls = 1 << 20 },
			cfg:      func(c *liveresponse.Config) { c.SessionTimeout = 30 * time.Millisecond },
			sentinel: cbdlrerrors.ErrLRSessionTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := cbapitest.NewServer(t)
			srv.AddDevice(deviceID, "WS-042", "WINDOWS")
			tt.setup(srv)

			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}

			sess, err := newManager(t, srv, cfg).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
			require.Error(t, err)
			assert.Nil(t, sess)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
		})
	}
}

// TestRequestSessionTimeoutClosesSession tests that a session that never checks in is closed.
func TestRequestSessionTimeoutClosesSession(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.PendingPolls = 1 << 20
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	cfg := testConfig()
	cfg.SessionTimeout = 20 * time.Millisecond

	_, err := newManager(t, srv, cfg).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.Error(t, err)
	assert.True(t, cbdlrerrors.IsRetryableError(err))
	assert.Len(t, srv.Closed(), 1)
}

// TestRequestSessionUnknownDevice tests requesting a session for a missing device.
func TestRequestSessionUnknownDevice(t *testing.T) {
	srv := cbapitest.NewServer(t)

	_, err := newManager(t, srv, testConfig()).RequestSession(context.Background(), liveresponse.Target{DeviceID: 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrAPINotFound))
}

// TestRequestSessionContextCancel tests cancellation while waiting for the sensor.
func TestRequestSessionContextCancel(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.PendingPolls = 1 << 20
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := testConfig()
	cfg.SessionTimeout = time.Minute

	_, err := newManager(t, srv, cfg).RequestSession(ctx, liveresponse.Target{DeviceID: deviceID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, srv.Closed(), 1, "a cancelled request still closes the pending session")
}

// TestRequestSessionPollFailureClosesSession tests that a session which can
// no longer be polled is closed rather than left pending on the sensor.
func TestRequestSessionPollFailureClosesSession(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.SessionPollStatus = http.StatusBadRequest
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	_, err := newManager(t, srv, testConfig()).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to poll session")
	assert.Equal(t, 1, srv.Requests("PUT /integrationServices/v3/cblr/session"))
	assert.Len(t, srv.Closed(), 1)
}

// TestCloseIsIdempotent tests repeated Close calls.
func TestCloseIsIdempotent(t *testing.T) {
	srv := cbapitest.NewServer(t)
	sess := openSession(t, srv)

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, []string{sess.SessionID()}, srv.Closed())
}

// TestCommandsAfterCloseFail tests that closed sessions refuse commands.
func TestCommandsAfterCloseFail(t *testing.T) {
	srv := cbapitest.NewServer(t)
	sess := openSession(t, srv)
	require.NoError(t, sess.Close(context.Background()))

	_, err := sess.ListProcesses(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrLRSessionClosed))

	err = sess.PutFile(context.Background(), `C:\x.txt`, strings.NewReader("x"))
	assert.True(t, errors.Is(err, cbdlrerrors.ErrLRSessionClosed))
	assert.Empty(t, srv.ExecutedCommands())
}

// TestKeepalive tests the keep-alive loop and that Close stops it.
func TestKeepalive(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	cfg := testConfig()
	cfg.KeepaliveInterval = 5 * time.Millisecond

	sess, err := newManager(t, srv, cfg).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return srv.KeepaliveCount() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Close(context.Background()))
	stopped := srv.KeepaliveCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, srv.KeepaliveCount())
}

// TestCloseCancelsInFlightKeepalive tests that Close does not wait for a
// slow keep-alive request to time out.
func TestCloseCancelsInFlightKeepalive(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.KeepaliveDelay = 10 * time.Second
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	cfg := testConfig()
	cfg.KeepaliveInterval = time.Second

	sess, err := newManager(t, srv, cfg).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.KeepaliveCount() >= 1 }, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, sess.Close(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// TestCommandWaitsWhilePending tests polling a pending command.
func TestCommandWaitsWhilePending(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.PendingCommandPolls = 2
	sess := openSession(t, srv)

	require.NoError(t, sess.CreateDirectory(context.Background(), `C:\cases`))
	assert.Equal(t, []string{`create directory C:\cases`}, srv.ExecutedCommands())
}

// TestCommandTimeout tests a command that never completes.
func TestCommandTimeout(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.PendingCommandPolls = 1 << 20
	srv.AddDevice(deviceID, "WS-042", "WINDOWS")

	cfg := testConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	sess, err := newManager(t, srv, cfg).RequestSession(context.Background(), liveresponse.Target{DeviceID: deviceID})
	require.NoError(t, err)
	defer sess.Close(context.Background())

	_, err = sess.ListProcesses(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrLRCommandTimeout))
}

// TestCommandErrorReportsHexCode tests the sensor error code in command failures.
func TestCommandErrorReportsHexCode(t *testing.T) {
	srv := cbapitest.NewServer(t)
	sess := openSession(t, srv)

	var buf bytes.Buffer
	_, err := sess.GetFile(context.Background(), `C:\missing.txt`, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrLRCommandFailed))
	assert.Equal(t, cbdlrerrors.ErrCodeLRCommandFailed, cbdlrerrors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "0x80070002")
}

// TestForcedCommandFailure tests a command the sensor rejects.
func TestForcedCommandFailure(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.Failures["process list"] = cbapitest.CommandFailure{
		ResultType: "WinHresult",
		ResultCode: 0x80070005,
		ResultDesc: "access denied",
	}
	sess := openSession(t, srv)

	_, err := sess.ListProcesses(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x80070005")
	assert.Contains(t, err.Error(), "access denied")
}
