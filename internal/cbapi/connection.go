// Package cbapi provides the authenticated REST connection to the Cb Defense API.
//
// The connection handles:
// - X-Auth-Token authentication from resolved credentials
// - JSON request/response encoding and raw streaming downloads
// - Mapping of HTTP status codes onto cbdlr error types
// - Retry with exponential backoff for idempotent requests
package cbapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cbdlr/internal/config"
	cbdlrerrors "cbdlr/internal/errors"
	"cbdlr/internal/logging"

	"go.uber.org/zap"
)

// Version is reported in the User-Agent header.
const Version = "0.1.0"

// Config holds connection configuration.
type Config struct {
	// Credentials are the resolved profile settings
	Credentials *config.Credentials

	// RequestTimeout bounds a single HTTP round trip
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration between retries
	RetryBackoff time.Duration

	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration

	// HTTPClient overrides the client built from Credentials
	HTTPClient *http.Client

	// Logger is the logger instance
	Logger *zap.Logger
}

// DefaultConfig returns the default connection configuration without credentials.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 60 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Credentials == nil {
		return cbdlrerrors.NewConfigValidationError("Credentials", nil, "credentials are required")
	}
	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return cbdlrerrors.NewConfigValidationError("RequestTimeout", c.RequestTimeout, "must be positive")
	}
	if c.MaxRetries < 0 {
		return cbdlrerrors.NewConfigValidationError("MaxRetries", c.MaxRetries, "must be non-negative")
	}
	return nil
}

// Connection is an authenticated client for the platform REST API.
type Connection struct {
	config  *Config
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewConnection creates a connection with the given configuration.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimRight(cfg.Credentials.URL, "/"))
	if err != nil {
		return nil, cbdlrerrors.NewConfigValidationError("url", cfg.Credentials.URL, err.Error())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &Connection{
		config:  cfg,
		baseURL: base,
		http:    httpClient,
		logger: logger.With(
			zap.String("component", "cbapi"),
			zap.String("server", base.Host),
		),
	}, nil
}

func newHTTPClient(cfg *Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.Credentials.SSLVerify, //nolint:gosec // operator opt-out via ssl_verify
	}

	switch {
	case cfg.Credentials.Proxy != "":
		proxyURL, err := url.Parse(cfg.Credentials.Proxy)
		if err != nil {
			return nil, cbdlrerrors.NewConfigValidationError("proxy", cfg.Credentials.Proxy, err.Error())
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	case cfg.Credentials.IgnoreSystemProxy:
		transport.Proxy = nil
	default:
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}, nil
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *zap.Logger {
	return c.logger
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Connection) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Connection) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, body, out)
}

// PutJSON issues a PUT with a JSON body and decodes the response into out.
func (c *Connection) PutJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPut, path, nil, body, out)
}

// Delete issues a DELETE and discards the response body.
func (c *Connection) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

// GetRaw issues a GET and returns the response body unread. The caller closes it.
func (c *Connection) GetRaw(ctx context.Context, path string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.withRetry(ctx, http.MethodGet+" "+path, true, func() error {
		resp, err := c.send(ctx, http.MethodGet, path, nil, nil, "")
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

// PostMultipart uploads content as a multipart form file field and decodes
// the JSON response into out.
func (c *Connection) PostMultipart(ctx context.Context, path, field, filename string, content io.Reader, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return cbdlrerrors.NewLocalReadError(filename, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	payload := buf.Bytes()
	return c.withRetry(ctx, http.MethodPost+" "+path, false, func() error {
		resp, err := c.send(ctx, http.MethodPost, path, nil, payload, w.FormDataContentType())
		if err != nil {
			return err
		}
		return decodeBody(resp, path, out)
	})
}

func (c *Connection) doJSON(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	// POST creates sessions and dispatches commands, so it is never replayed.
	idempotent := method != http.MethodPost
	return c.withRetry(ctx, method+" "+path, idempotent, func() error {
		resp, err := c.send(ctx, method, path, query, payload, "application/json")
		if err != nil {
			return err
		}
		return decodeBody(resp, path, out)
	})
}

// send performs one HTTP round trip. Non-2xx responses are converted to
// errors and their bodies closed; on success the caller owns resp.Body.
func (c *Connection) send(ctx context.Context, method, path string, query url.Values, payload []byte, contentType string) (*http.Response, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Auth-Token", c.config.Credentials.Token)
	req.Header.Set("User-Agent", "cbdlr/"+Version)
	req.Header.Set("Accept", "application/json")
	if payload != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("api_request_failed",
			zap.String("method", method),
			logging.Path(path),
			zap.Error(err),
		)
		return nil, cbdlrerrors.NewAPIConnectionError(c.baseURL.Host, err.Error())
	}

	c.logger.Debug("api_request",
		zap.String("method", method),
		logging.Path(path),
		logging.StatusCode(resp.StatusCode),
		logging.Duration(time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, statusError(path, resp.StatusCode, strings.TrimSpace(string(text)))
}

// statusError maps a non-2xx status onto a cbdlr error.
func statusError(path string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cbdlrerrors.NewAPIAuthError(path, status)
	case status == http.StatusNotFound:
		return cbdlrerrors.NewAPINotFoundError("resource", path)
	case status == http.StatusTooManyRequests || status >= 500:
		return cbdlrerrors.NewAPIServerError(path, status, body)
	default:
		return cbdlrerrors.NewAPIClientError(path, status, body)
	}
}

func decodeBody(resp *http.Response, path string, out interface{}) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return cbdlrerrors.NewAPIDecodeError(path, err)
	}
	return nil
}

// withRetry executes fn, retrying retryable errors with exponential backoff.
// Non-idempotent operations run exactly once.
func (c *Connection) withRetry(ctx context.Context, operation string, idempotent bool, fn func() error) error {
	var lastErr error
	backoff := c.config.RetryBackoff
	attempts := c.config.MaxRetries
	if !idempotent {
		attempts = 0
	}

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying_operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !cbdlrerrors.IsRetryableError(err) {
			return err
		}

		c.logger.Warn("operation_failed_retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	if attempts == 0 {
		return lastErr
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts+1, lastErr)
}
