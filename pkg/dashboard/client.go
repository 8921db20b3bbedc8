// Package dashboard is a client for the emop dashboard REST API: pending
// work queries, atomic reservation of job queue entries and result upload.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/emop/pkg/job"
)

// StatusNotStarted is the job status of pending work.
const StatusNotStarted = "Not Started"

// ErrUnexpectedResponse indicates a response body that does not carry the
// expected fields.
var ErrUnexpectedResponse = errors.New("unexpected dashboard response")

// Config configures a Client.
type Config struct {
	URLBase    string
	APIVersion string
	AuthToken  string
	Timeout    time.Duration

	// RetryMax is the number of retries for failed requests. Zero disables
	// retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
}

// Filter narrows job queue queries, e.g. {"batch_id": 6}.
type Filter map[string]any

// APIError is a non-2xx dashboard response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("dashboard %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Client talks to the dashboard API.
type Client struct {
	base    *url.URL
	http    *retryablehttp.Client
	limiter *rate.Limiter
	headers http.Header
	logger  *zap.Logger
}

// New builds a Client from cfg.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URLBase) == "" {
		return nil, fmt.Errorf("dashboard url_base is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URLBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse dashboard url_base: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		hc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		hc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		hc.HTTPClient.Timeout = cfg.Timeout
	}
	// Keep the response so non-2xx bodies surface in APIError.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		base:   base,
		http:   hc,
		logger: logger,
		headers: http.Header{
			"Content-Type":  []string{"application/json"},
			"Accept":        []string{"application/emop; version=" + cfg.APIVersion},
			"Authorization": []string{"Token token=" + cfg.AuthToken},
		},
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

// Get issues a GET with query params and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// Put issues a PUT with a JSON body and decodes the JSON response into out.
func (c *Client) Put(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reqBody any
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reqBody = b
		case json.RawMessage:
			reqBody = []byte(b)
		default:
			enc, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode %s %s body: %w", method, path, err)
			}
			reqBody = enc
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	c.logger.Debug("dashboard request", zap.String("method", method), zap.String("url", u.String()))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read dashboard %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnexpectedResponse, method, path, err)
	}
	return nil
}

// JobStatusID resolves a job status name to its id.
func (c *Client) JobStatusID(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Results []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"results"`
	}
	if err := c.Get(ctx, "/api/job_statuses", url.Values{"name": []string{name}}, &resp); err != nil {
		return 0, err
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("%w: no job status named %q", ErrUnexpectedResponse, name)
	}
	return resp.Results[0].ID, nil
}

func (c *Client) pendingParams(ctx context.Context, filter Filter) (url.Values, error) {
	statusID, err := c.JobStatusID(ctx, StatusNotStarted)
	if err != nil {
		return nil, err
	}
	params := filter.Values()
	params.Set("job_status_id", strconv.FormatInt(statusID, 10))
	return params, nil
}

// PendingCount returns the number of not-started job queue entries
// matching filter.
func (c *Client) PendingCount(ctx context.Context, filter Filter) (int, error) {
	params, err := c.pendingParams(ctx, filter)
	if err != nil {
		return 0, err
	}
	var resp struct {
		JobQueue *struct {
			Count *int `json:"count"`
		} `json:"job_queue"`
	}
	if err := c.Get(ctx, "/api/job_queues/count", params, &resp); err != nil {
		return 0, err
	}
	if resp.JobQueue == nil || resp.JobQueue.Count == nil {
		return 0, fmt.Errorf("%w: job_queue.count missing", ErrUnexpectedResponse)
	}
	return *resp.JobQueue.Count, nil
}

// PendingPages returns the not-started job queue entries matching filter.
func (c *Client) PendingPages(ctx context.Context, filter Filter) ([]job.Record, error) {
	params, err := c.pendingParams(ctx, filter)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Results []job.Record `json:"results"`
	}
	if err := c.Get(ctx, "/api/job_queues", params, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Reservation is the outcome of a reserve call.
type Reservation struct {
	ProcID  string
	Count   int
	Results []job.Record
}

// Reserve atomically claims up to numPages pending entries matching filter.
// The dashboard serializes concurrent reservations; no entry is handed out
// twice.
func (c *Client) Reserve(ctx context.Context, numPages int, filter Filter) (*Reservation, error) {
	body := map[string]any{}
	for k, v := range filter {
		body[k] = v
	}
	body["num_pages"] = numPages

	var resp struct {
		JobQueue struct {
			Count  int    `json:"count"`
			ProcID string `json:"proc_id"`
		} `json:"job_queue"`
		Results []job.Record `json:"results"`
	}
	if err := c.Put(ctx, "/api/job_queues/reserve", map[string]any{"job_queue": body}, &resp); err != nil {
		return nil, err
	}
	return &Reservation{ProcID: resp.JobQueue.ProcID, Count: resp.JobQueue.Count, Results: resp.Results}, nil
}

// UploadResults sends a run results document to the dashboard.
func (c *Client) UploadResults(ctx context.Context, results json.RawMessage) error {
	return c.Put(ctx, "/api/batch_jobs/upload_results", results, nil)
}

// ParseFilter decodes a JSON object filter. Empty input yields an empty
// filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	var f Filter
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("filter must be a JSON object: %w", err)
	}
	if f == nil {
		f = Filter{}
	}
	return f, nil
}

// Values renders the filter as query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, formatParam(f[k]))
	}
	return v
}

func formatParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
