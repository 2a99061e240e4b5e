// Package defense provides the Cb Defense device model and lookups.
package defense

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"cbdlr/internal/cbapi"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/liveresponse"
	"cbdlr/internal/logging"

	"go.uber.org/zap"
)

// DevicePath is the v3 device API prefix.
const DevicePath = "/integrationServices/v3/device"

// Device is an endpoint with an installed sensor.
type Device struct {
	DeviceID        int64  `json:"deviceId"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	OS              string `json:"deviceType"`
	OSVersion       string `json:"osVersion"`
	Status          string `json:"status"`
	SensorVersion   string `json:"sensorVersion"`
	PolicyName      string `json:"policyName"`
	LastContactTime int64  `json:"lastContact"`
	LastInternalIP  string `json:"lastInternalIpAddress"`
	LastExternalIP  string `json:"lastExternalIpAddress"`

	client *Client
}

// LastContact returns the last check-in time. LastContactTime is epoch
// milliseconds.
func (d *Device) LastContact() time.Time {
	if d.LastContactTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.LastContactTime).UTC()
}

// LRSession opens a Live Response session on the device. The caller must
// Close it.
func (d *Device) LRSession(ctx context.Context) (*liveresponse.Session, error) {
	if d.client == nil {
		return nil, fmt.Errorf("device %d is not bound to a client", d.DeviceID)
	}
	return d.client.lr.RequestSession(ctx, liveresponse.Target{
		DeviceID: d.DeviceID,
		Name:     d.Name,
		OS:       d.OS,
	})
}

// Client looks up devices.
type Client struct {
	conn   *cbapi.Connection
	lr     *liveresponse.Manager
	logger *zap.Logger
}

// NewClient creates a device client. A nil lrConfig uses the Live
// Response defaults.
func NewClient(conn *cbapi.Connection, lrConfig *liveresponse.Config) (*Client, error) {
	if lrConfig == nil {
		lrConfig = liveresponse.DefaultConfig()
	}
	if lrConfig.Logger == nil {
		lrConfig.Logger = conn.Logger()
	}

	lr, err := liveresponse.NewManager(conn, lrConfig)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:   conn,
		lr:     lr,
		logger: conn.Logger().With(zap.String("component", "defense")),
	}, nil
}

// LiveResponse returns the session manager used by LRSession.
func (c *Client) LiveResponse() *liveresponse.Manager {
	return c.lr
}

type deviceResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	DeviceInfo *Device `json:"deviceInfo"`
}

// SelectDevice fetches one device by id.
func (c *Client) SelectDevice(ctx context.Context, id int64) (*Device, error) {
	var resp deviceResponse
	err := c.conn.GetJSON(ctx, DevicePath+"/"+strconv.FormatInt(id, 10), nil, &resp)
	if errors.Is(err, cbdlrerrors.ErrAPINotFound) {
		return nil, cbdlrerrors.NewAPINotFoundError("device", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device %d: %w", id, err)
	}
	if !resp.Success || resp.DeviceInfo == nil {
		c.logger.Debug("device_not_found", logging.DeviceID(id), zap.String("message", resp.Message))
		return nil, cbdlrerrors.NewAPINotFoundError("device", id)
	}

	d := resp.DeviceInfo
	d.client = c
	c.logger.Debug("device_selected",
		logging.DeviceID(d.DeviceID),
		zap.String("name", d.Name),
		zap.String("os", d.OS),
	)
	return d, nil
}

// DeviceQuery filters a device listing.
type DeviceQuery struct {
	// HostName matches the device name exactly
	HostName string
	// Rows is the page size; zero means the platform default
	Rows int
	// Start is the 1-based index of the first row
	Start int
}

type deviceListResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message"`
	TotalResults int       `json:"totalResults"`
	Results      []*Device `json:"results"`
}

// Devices lists devices matching q and returns the page plus the total
// match count.
func (c *Client) Devices(ctx context.Context, q DeviceQuery) ([]*Device, int, error) {
	query := url.Values{}
	if q.HostName != "" {
		query.Set("hostName", q.HostName)
	}
	if q.Rows > 0 {
		query.Set("rows", strconv.Itoa(q.Rows))
	}
	if q.Start > 0 {
		query.Set("start", strconv.Itoa(q.Start))
	}

	var resp deviceListResponse
	if err := c.conn.GetJSON(ctx, DevicePath, query, &resp); err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	if !resp.Success {
		return nil, 0, cbdlrerrors.NewAPIClientError(DevicePath, 200, resp.Message)
	}

	for _, d := range resp.Results {
		d.client = c
	}
	c.logger.Debug("devices_listed", logging.Count(len(resp.Results)), zap.Int("total", resp.TotalResults))
	return resp.Results, resp.TotalResults, nil
}
