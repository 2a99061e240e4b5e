package defense

import (
	"context"
	"errors"
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

func newTestClient(t *testing.T, srv *cbapitest.Server) *Client {
	t.Helper()
	cfg := cbapi.DefaultConfig()
	cfg.Credentials = srv.Credentials()
	cfg.MaxRetries = 0
	cfg.Logger = zap.NewNop()

	conn, err := cbapi.NewConnection(cfg)
	require.NoError(t, err)

	client, err := NewClient(conn, &liveresponse.Config{
		SessionTimeout: time.Second,
		CommandTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	return client
}

// TestSelectDevice tests looking up a device by sensor id.
func TestSelectDevice(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.AddDevice(12345, "FIN-LAPTOP-7", "WINDOWS")
	client := newTestClient(t, srv)

	d, err := client.SelectDevice(context.Background(), 12345)
	require.NoError(t, err)

	assert.Equal(t, int64(12345), d.DeviceID)
	assert.Equal(t, "FIN-LAPTOP-7", d.Name)
	assert.Equal(t, "WINDOWS", d.OS)
	assert.Equal(t, "3.3.0.953", d.SensorVersion)
	assert.Equal(t, "10.0.0.5", d.LastInternalIP)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), d.LastContact())
	assert.Equal(t, 1, srv.Requests("GET /integrationServices/v3/device/12345"))
}

// TestSelectDeviceNotFound tests an unknown sensor id.
func TestSelectDeviceNotFound(t *testing.T) {
	srv := cbapitest.NewServer(t)
	client := newTestClient(t, srv)

	_, err := client.SelectDevice(context.Background(), 777)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrAPINotFound))
	assert.Contains(t, err.Error(), "device 777")
}

// TestSelectDeviceAuthFailure tests a rejected API token.
func TestSelectDeviceAuthFailure(t *testing.T) {
	srv := cbapitest.NewServer(t)
	cfg := cbapi.DefaultConfig()
	cfg.Credentials = srv.Credentials()
	cfg.Credentials.Token = "WRONG/TOKEN"
	cfg.Logger = zap.NewNop()
	conn, err := cbapi.NewConnection(cfg)
	require.NoError(t, err)

	client, err := NewClient(conn, nil)
	require.NoError(t, err)

	_, err = client.SelectDevice(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbdlrerrors.ErrAPIAuthFailed))
}

// TestDevices tests device queries.
func TestDevices(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.AddDevice(1, "web01", "LINUX")
	srv.AddDevice(2, "web02", "LINUX")
	srv.AddDevice(3, "dc01", "WINDOWS")
	client := newTestClient(t, srv)

	tests := []struct {
		name  string
		query DeviceQuery
		ids   []int64
		total int
	}{
		{"all", DeviceQuery{}, []int64{1, 2, 3}, 3},
		{"by hostname", DeviceQuery{HostName: "DC01"}, []int64{3}, 1},
		{"paged", DeviceQuery{Rows: 1, Start: 2}, []int64{2}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, total, err := client.Devices(context.Background(), tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.total, total)

			var ids []int64
			for _, d := range devices {
				ids = append(ids, d.DeviceID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

// TestLRSession tests opening a session from a selected device.
func TestLRSession(t *testing.T) {
	srv := cbapitest.NewServer(t)
	srv.AddDevice(42, "mac-build", "MAC")
	client := newTestClient(t, srv)

	d, err := client.SelectDevice(context.Background(), 42)
	require.NoError(t, err)

	sess, err := d.LRSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), sess.DeviceID())
	assert.Equal(t, "mac-build", sess.DeviceName())
	assert.Equal(t, liveresponse.POSIXPaths, sess.PathStyle())

	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, []string{sess.SessionID()}, srv.Closed())
}

// TestLRSessionUnboundDevice tests a device value that was not returned by a client.
func TestLRSessionUnboundDevice(t *testing.T) {
	d := &Device{DeviceID: 9}
	_, err := d.LRSession(context.Background())
	assert.Error(t, err)
}
