// Package earthengine is a minimal Earth Engine REST v1 client implementing
// the export backend: value computation, table exports and operation status.
package earthengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/ratelimit"
)

const (
	// DefaultBaseURL is the public Earth Engine API endpoint
	DefaultBaseURL = "https://earthengine.googleapis.com"

	// OAuth scopes requested for default credentials
	ScopeEarthEngine   = "https://www.googleapis.com/auth/earthengine"
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

	// UserAgent identifies the client in request logs
	UserAgent = "sbexport/1.0"
)

// Client talks to one Earth Engine cloud project
type Client struct {
	baseURL    string
	project    string
	httpClient *http.Client
	limiter    *ratelimit.Handler
	log        logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the OAuth2 client, e.g. for tests
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithBaseURL points the client at another endpoint
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithRateLimit retries POST calls rejected with 429 in place, spaced by the
// handler's stepped backoff
func WithRateLimit(h *ratelimit.Handler) Option { return func(c *Client) { c.limiter = h } }

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient creates a client for project. Without WithHTTPClient it uses
// Application Default Credentials.
func NewClient(ctx context.Context, project string, opts ...Option) (*Client, error) {
	if project == "" {
		return nil, fmt.Errorf("earth engine project is required")
	}
	c := &Client{baseURL: DefaultBaseURL, project: project, log: logging.Noop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		hc, err := google.DefaultClient(ctx, ScopeEarthEngine, ScopeCloudPlatform)
		if err != nil {
			return nil, fmt.Errorf("failed to load default credentials: %w", err)
		}
		hc.Timeout = 60 * time.Second
		c.httpClient = hc
	}
	if c.log == nil {
		c.log = logging.Noop()
	}
	c.log = c.log.With(logging.String("component", "earthengine"))
	return c, nil
}

var _ export.Backend = (*Client)(nil)

type computeRequest struct {
	Expression *ee.Expression `json:"expression"`
}

type computeResponse struct {
	Result any `json:"result"`
}

// ComputeValue evaluates expr synchronously
func (c *Client) ComputeValue(ctx context.Context, expr *ee.Expression) (any, error) {
	var resp computeResponse
	if err := c.do(ctx, http.MethodPost, c.projectPath("value:compute"), computeRequest{Expression: expr}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

type tableExportRequest struct {
	Expression        *ee.Expression    `json:"expression"`
	Description       string            `json:"description,omitempty"`
	FileExportOptions fileExportOptions `json:"fileExportOptions"`
	Selectors         []string          `json:"selectors,omitempty"`
}

type fileExportOptions struct {
	FileFormat       string            `json:"fileFormat"`
	GCSDestination   *gcsDestination   `json:"gcsDestination,omitempty"`
	DriveDestination *driveDestination `json:"driveDestination,omitempty"`
}

type gcsDestination struct {
	Bucket         string `json:"bucket"`
	FilenamePrefix string `json:"filenamePrefix"`
}

type driveDestination struct {
	Folder         string `json:"folder,omitempty"`
	FilenamePrefix string `json:"filenamePrefix"`
}

func newTableExportRequest(req export.TableExportRequest) tableExportRequest {
	format := req.FileFormat
	if format == "" {
		format = export.FileFormat
	}
	body := tableExportRequest{
		Expression:        req.Expression,
		Description:       req.Description,
		FileExportOptions: fileExportOptions{FileFormat: format},
		Selectors:         req.Selectors,
	}
	d := req.Destination
	switch d.Target {
	case export.TargetGCS:
		body.FileExportOptions.GCSDestination = &gcsDestination{Bucket: d.Bucket, FilenamePrefix: d.FileNamePrefix()}
	case export.TargetDrive:
		body.FileExportOptions.DriveDestination = &driveDestination{Folder: d.Folder(), FilenamePrefix: d.FileNamePrefix()}
	}
	return body
}

// StartTableExport starts the export and returns the operation name
func (c *Client) StartTableExport(ctx context.Context, req export.TableExportRequest) (string, error) {
	if _, err := export.ParseTarget(string(req.Destination.Target)); err != nil {
		return "", err
	}
	var op operation
	if err := c.do(ctx, http.MethodPost, c.projectPath("table:export"), newTableExportRequest(req), &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("table export response has no operation name")
	}
	c.log.Debug(ctx, "table export started", logging.String("operation", op.Name))
	return op.Name, nil
}

// GetOperation fetches the status of an export operation
func (c *Client) GetOperation(ctx context.Context, name string) (*export.Operation, error) {
	var op operation
	if err := c.do(ctx, http.MethodGet, "/v1/"+strings.TrimPrefix(name, "/"), nil, &op); err != nil {
		return nil, err
	}
	return op.toExport(), nil
}

func (c *Client) projectPath(method string) string {
	return fmt.Sprintf("/v1/projects/%s/%s", c.project, method)
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Status     string // e.g. INVALID_ARGUMENT
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("earth engine API error %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("earth engine API error %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// do sends one JSON request. POST calls answered with 429 (RESOURCE_EXHAUSTED)
// are resent after the limiter's backoff until it gives up. Other retryable
// statuses and transport failures come back as *export.TransientError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = data
	}

	for {
		status, data, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if c.limiter != nil && method == http.MethodPost {
			ev, limited := c.limiter.CheckResponse(path, &http.Response{StatusCode: status})
			if limited && status == http.StatusTooManyRequests && !ev.Exhausted {
				c.log.Debug(ctx, "rate limited, backing off",
					logging.String("path", path),
					logging.Int("attempt", ev.RetryAttempt),
					logging.String("next_retry_at", ev.NextRetryAt.Format(time.RFC3339)),
				)
				if err := c.limiter.Wait(ctx, path); err != nil {
					return err
				}
				continue
			}
		}
		return decodeResponse(status, data, out)
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, &export.TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &export.TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return resp.StatusCode, data, nil
}

func decodeResponse(status int, data []byte, out any) error {
	if status < 200 || status >= 300 {
		apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
			apiErr.Status = eb.Error.Status
			apiErr.Message = eb.Error.Message
		}
		if ratelimit.IsRetryableStatus(status) {
			return &export.TransientError{StatusCode: status, Err: apiErr}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
