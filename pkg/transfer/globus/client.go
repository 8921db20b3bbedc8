// Package globus implements transfer.Client against the Globus Transfer
// REST API (v0.10).
package globus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/transfer"
)

const (
	DefaultAPIURL = "https://transfer.api.globusonline.org/v0.10"
	activateURL   = "https://www.globus.org/activate"
)

// Config configures a Client.
type Config struct {
	APIURL   string
	AuthFile string
	Timeout  time.Duration
	RetryMax int
}

// APIError is a non-2xx Transfer API response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("globus %s %s: HTTP %d: %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
}

// Client talks to the Transfer API.
type Client struct {
	base   string
	token  Token
	http   *retryablehttp.Client
	logger *zap.Logger
}

var _ transfer.Client = (*Client)(nil)

// New reads the auth token and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	token, err := ReadTokenFile(cfg.AuthFile)
	if err != nil {
		return nil, err
	}
	return NewWithToken(cfg, token, logger), nil
}

// NewWithToken builds a Client for an already loaded token.
func NewWithToken(cfg Config, token Token, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}

	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = cfg.RetryMax
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		hc.HTTPClient.Timeout = cfg.Timeout
	}
	return &Client{base: base, token: token, http: hc, logger: logger}
}

// Username returns the token owner.
func (c *Client) Username() string { return c.token.Username }

func (c *Client) call(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody any
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Globus-Goauthtoken "+c.token.Value)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("globus %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read globus %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		c.logger.Error("FAILED: "+method+" "+path, zap.Int("status", resp.StatusCode), zap.String("code", apiErr.Code))
		return apiErr
	}
	c.logger.Debug(method+" "+path, zap.ByteString("data", raw))
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode globus %s %s: %w", method, path, err)
	}
	return nil
}

func endpointPath(name string, rest ...string) string {
	return "/endpoint/" + url.PathEscape(name) + strings.Join(rest, "")
}

type endpointDoc struct {
	Activated bool   `json:"activated"`
	ExpiresIn *int64 `json:"expires_in"`
	Code      string `json:"code"`
}

func (d endpointDoc) endpoint(name string, activated bool) *transfer.Endpoint {
	ep := &transfer.Endpoint{Name: name, Activated: activated}
	if activated && d.ExpiresIn != nil {
		if *d.ExpiresIn < 0 {
			ep.ExpiresIn = -1
		} else {
			ep.ExpiresIn = time.Duration(*d.ExpiresIn) * time.Second
		}
	}
	return ep
}

func (c *Client) Endpoint(ctx context.Context, name string) (*transfer.Endpoint, error) {
	var doc endpointDoc
	params := url.Values{"fields": []string{"activated,expires_in"}}
	if err := c.call(ctx, http.MethodGet, endpointPath(name), params, nil, &doc); err != nil {
		return nil, err
	}
	return doc.endpoint(name, doc.Activated), nil
}

// Autoactivate asks the service to activate name with cached credentials.
func (c *Client) Autoactivate(ctx context.Context, name string) (*transfer.Endpoint, error) {
	var doc endpointDoc
	if err := c.call(ctx, http.MethodPost, endpointPath(name, "/autoactivate"), nil, struct{}{}, &doc); err != nil {
		return nil, err
	}
	activated := strings.HasPrefix(doc.Code, "AutoActivated") || strings.HasPrefix(doc.Code, "AlreadyActivated")
	return doc.endpoint(name, activated), nil
}

func (c *Client) ActivationURL(name string) string {
	return activateURL + "?" + url.Values{"ep": []string{name}}.Encode()
}

func (c *Client) SubmissionID(ctx context.Context) (string, error) {
	var doc struct {
		Value string `json:"value"`
	}
	if err := c.call(ctx, http.MethodGet, "/submission_id", nil, nil, &doc); err != nil {
		return "", err
	}
	if doc.Value == "" {
		return "", errors.New("globus returned an empty submission id")
	}
	return doc.Value, nil
}

type transferItem struct {
	DataType        string `json:"DATA_TYPE"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
}

type transferDoc struct {
	DataType            string         `json:"DATA_TYPE"`
	SubmissionID        string         `json:"submission_id"`
	SourceEndpoint      string         `json:"source_endpoint"`
	DestinationEndpoint string         `json:"destination_endpoint"`
	Label               string         `json:"label,omitempty"`
	SyncLevel           int            `json:"sync_level"`
	NotifyOnSucceeded   bool           `json:"notify_on_succeeded"`
	NotifyOnFailed      bool           `json:"notify_on_failed"`
	NotifyOnInactive    bool           `json:"notify_on_inactive"`
	Data                []transferItem `json:"DATA"`
}

func (c *Client) Submit(ctx context.Context, req transfer.Request) (string, error) {
	if len(req.Items) == 0 {
		return "", transfer.ErrNoItems
	}
	doc := transferDoc{
		DataType:            "transfer",
		SubmissionID:        req.SubmissionID,
		SourceEndpoint:      req.Source,
		DestinationEndpoint: req.Destination,
		Label:               req.Label,
		SyncLevel:           req.SyncLevel,
	}
	for _, it := range req.Items {
		doc.Data = append(doc.Data, transferItem{DataType: "transfer_item", SourcePath: it.Src, DestinationPath: it.Dest})
	}

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/transfer", nil, doc, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

type taskDoc struct {
	TaskID              string `json:"task_id"`
	Label               string `json:"label"`
	Status              string `json:"status"`
	SourceEndpoint      string `json:"source_endpoint"`
	DestinationEndpoint string `json:"destination_endpoint"`
	Files               int    `json:"files"`
	FilesSkipped        int    `json:"files_skipped"`
	FilesTransferred    int    `json:"files_transferred"`
	RequestTime         string `json:"request_time"`
	CompletionTime      string `json:"completion_time"`
}

func (c *Client) Task(ctx context.Context, taskID string) (*transfer.Task, error) {
	var doc taskDoc
	if err := c.call(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, nil, &doc); err != nil {
		return nil, notFound(err, taskID)
	}
	return &transfer.Task{
		ID:                  doc.TaskID,
		Label:               doc.Label,
		Status:              transfer.Status(doc.Status),
		SourceEndpoint:      doc.SourceEndpoint,
		DestinationEndpoint: doc.DestinationEndpoint,
		Files:               doc.Files,
		FilesSkipped:        doc.FilesSkipped,
		FilesTransferred:    doc.FilesTransferred,
		RequestTime:         parseTime(doc.RequestTime),
		CompletionTime:      parseTime(doc.CompletionTime),
	}, nil
}

func (c *Client) SuccessfulTransfers(ctx context.Context, taskID string) ([]transfer.Item, error) {
	var doc struct {
		Data []transferItem `json:"DATA"`
	}
	if err := c.call(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID)+"/successful_transfers", nil, nil, &doc); err != nil {
		return nil, notFound(err, taskID)
	}
	items := make([]transfer.Item, 0, len(doc.Data))
	for _, d := range doc.Data {
		items = append(items, transfer.Item{Src: d.SourcePath, Dest: d.DestinationPath})
	}
	return items, nil
}

func (c *Client) Ls(ctx context.Context, endpoint, path string) ([]transfer.Entry, error) {
	var doc struct {
		Data []transfer.Entry `json:"DATA"`
	}
	params := url.Values{"path": []string{path}}
	if err := c.call(ctx, http.MethodGet, endpointPath(endpoint, "/ls"), params, nil, &doc); err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func notFound(err error, taskID string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("task %s: %w: %w", taskID, transfer.ErrTaskNotFound, err)
	}
	return err
}

// Transfer API timestamps look like "2015-06-01 12:00:00+00:00".
func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05-07:00", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
