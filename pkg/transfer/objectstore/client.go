// Package objectstore implements transfer.Client over storage providers, for
// sites without a Globus deployment. Endpoints are named directory trees or
// S3 buckets. A submitted task is recorded on disk and copied by a detached
// "emop transfer worker" process, so submission returns immediately just as
// it does against the Globus service.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/jobregistry"
	"github.com/3leaps/emop/pkg/provider"
	"github.com/3leaps/emop/pkg/provider/file"
	s3provider "github.com/3leaps/emop/pkg/provider/s3"
	"github.com/3leaps/emop/pkg/transfer"
)

// Endpoint types.
const (
	EndpointFile = "file"
	EndpointS3   = "s3"
)

// EndpointConfig describes one named endpoint.
type EndpointConfig struct {
	Type           string `mapstructure:"type" yaml:"type"`
	BaseDir        string `mapstructure:"base_dir" yaml:"base_dir,omitempty"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region         string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Profile        string `mapstructure:"profile" yaml:"profile,omitempty"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// Config configures a Client.
type Config struct {
	// StateDir holds task records under tasks/.
	StateDir  string
	Endpoints map[string]EndpointConfig

	// SpoolMemoryBytes bounds the in-memory copy buffer per object.
	SpoolMemoryBytes int64
}

// Opener builds the provider behind an endpoint.
type Opener func(ctx context.Context, name string, cfg EndpointConfig) (provider.Provider, error)

// OpenProvider is the default Opener.
func OpenProvider(ctx context.Context, name string, cfg EndpointConfig) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case EndpointFile, "":
		return file.New(file.Config{BaseDir: cfg.BaseDir})
	case EndpointS3:
		return s3provider.New(ctx, s3provider.Config{
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("endpoint %s: unknown type %q", name, cfg.Type)
	}
}

// Launcher starts the worker for a submitted task and returns its job id.
type Launcher interface {
	Launch(ctx context.Context, taskID string) (string, error)
}

// ExecLauncher runs "emop transfer worker" as a detached child process.
type ExecLauncher struct {
	Executor *jobregistry.Executor
	Env      []string
	LogDir   string
}

func (l *ExecLauncher) Launch(ctx context.Context, taskID string) (string, error) {
	_ = ctx
	rec, err := l.Executor.Start(jobregistry.LaunchSpec{
		Name:   "emop-transfer-worker",
		Kind:   jobregistry.KindTransferWorker,
		Args:   []string{"transfer", "worker", "--task-id", taskID},
		Env:    l.Env,
		TaskID: taskID,
		LogDir: l.LogDir,
	})
	if err != nil {
		return "", err
	}
	return rec.JobID, nil
}

// Client implements transfer.Client.
type Client struct {
	cfg      Config
	tasks    *TaskStore
	launcher Launcher
	open     Opener
	logger   *zap.Logger

	mu        sync.Mutex
	providers map[string]provider.Provider
}

var _ transfer.Client = (*Client)(nil)

// New builds a Client. launcher may be nil for read-only use (status, ls).
func New(cfg Config, launcher Launcher, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return nil, fmt.Errorf("objectstore transfer: state dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		tasks:     NewTaskStore(filepath.Join(cfg.StateDir, "tasks")),
		launcher:  launcher,
		open:      OpenProvider,
		logger:    logger,
		providers: map[string]provider.Provider{},
	}, nil
}

// WithOpener replaces the provider constructor.
func (c *Client) WithOpener(open Opener) *Client {
	c.open = open
	return c
}

// Tasks exposes the task record store.
func (c *Client) Tasks() *TaskStore { return c.tasks }

func (c *Client) endpoint(ctx context.Context, name string) (provider.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[name]; ok {
		return p, nil
	}
	cfg, ok := c.cfg.Endpoints[name]
	if !ok {
		return nil, fmt.Errorf("endpoint %q is not configured", name)
	}
	p, err := c.open(ctx, name, cfg)
	if err != nil {
		return nil, err
	}
	c.providers[name] = p
	return p, nil
}

// Close releases every opened provider.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for name, p := range c.providers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.providers, name)
	}
	return first
}

// Endpoint reports an endpoint as activated when its storage can be listed.
// The lease is the credential lifetime for providers that have one.
func (c *Client) Endpoint(ctx context.Context, name string) (*transfer.Endpoint, error) {
	return c.status(ctx, name, false)
}

// Autoactivate refreshes the endpoint credentials and reports the new state.
func (c *Client) Autoactivate(ctx context.Context, name string) (*transfer.Endpoint, error) {
	return c.status(ctx, name, true)
}

func (c *Client) status(ctx context.Context, name string, renew bool) (*transfer.Endpoint, error) {
	p, err := c.endpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	ep := &transfer.Endpoint{Name: name, ExpiresIn: -1}

	if l, ok := p.(provider.Leaser); ok {
		lease := l.Lease
		if renew {
			lease = l.Renew
		}
		d, err := lease(ctx)
		if err != nil {
			c.logger.Warn("Endpoint credentials unavailable", zap.String("endpoint", name), zap.Error(err))
			return ep, nil
		}
		if d == 0 {
			return ep, nil
		}
		ep.ExpiresIn = d
	}

	if r, ok := p.(interface{ BaseDir() string }); ok {
		if st, err := os.Stat(r.BaseDir()); err != nil || !st.IsDir() {
			c.logger.Warn("Endpoint base directory missing", zap.String("endpoint", name), zap.String("base_dir", r.BaseDir()))
			return ep, nil
		}
	}
	if _, err := p.List(ctx, provider.ListOptions{MaxKeys: 1}); err != nil {
		if provider.IsAccessDenied(err) || provider.IsNotFound(err) {
			c.logger.Warn("Endpoint not accessible", zap.String("endpoint", name), zap.Error(err))
			return ep, nil
		}
		return nil, err
	}
	ep.Activated = true
	return ep, nil
}

// ActivationURL names the storage whose credentials need attention.
func (c *Client) ActivationURL(name string) string {
	cfg, ok := c.cfg.Endpoints[name]
	if !ok {
		return ""
	}
	if strings.EqualFold(cfg.Type, EndpointS3) {
		u := "s3://" + cfg.Bucket
		if p := strings.Trim(cfg.Prefix, "/"); p != "" {
			u += "/" + p
		}
		return u
	}
	return "file://" + cfg.BaseDir
}

func (c *Client) SubmissionID(ctx context.Context) (string, error) {
	_ = ctx
	return uuid.NewString(), nil
}

// Submit records the task and launches its worker. Resubmitting a
// submission id returns the task already created for it.
func (c *Client) Submit(ctx context.Context, req transfer.Request) (string, error) {
	if len(req.Items) == 0 {
		return "", transfer.ErrNoItems
	}
	for _, name := range []string{req.Source, req.Destination} {
		if _, ok := c.cfg.Endpoints[name]; !ok {
			return "", fmt.Errorf("endpoint %q is not configured", name)
		}
	}
	if rec, ok := c.tasks.FindSubmission(req.SubmissionID); ok {
		return rec.ID, nil
	}
	if c.launcher == nil {
		return "", fmt.Errorf("objectstore transfer: no worker launcher configured")
	}

	rec := &TaskRecord{
		Task: transfer.Task{
			ID:                  uuid.NewString(),
			Label:               req.Label,
			Status:              transfer.StatusActive,
			SourceEndpoint:      req.Source,
			DestinationEndpoint: req.Destination,
			Files:               len(req.Items),
			RequestTime:         time.Now().UTC(),
		},
		SubmissionID: req.SubmissionID,
		SyncLevel:    req.SyncLevel,
		Items:        req.Items,
		Successful:   []transfer.Item{},
	}
	if err := c.tasks.Save(rec); err != nil {
		return "", err
	}

	jobID, err := c.launcher.Launch(ctx, rec.ID)
	if err != nil {
		rec.Status = transfer.StatusFailed
		rec.CompletionTime = time.Now().UTC()
		rec.Errors = append(rec.Errors, "launch worker: "+err.Error())
		_ = c.tasks.Save(rec)
		return "", fmt.Errorf("launch transfer worker: %w", err)
	}
	rec.WorkerJobID = jobID
	if err := c.tasks.Save(rec); err != nil {
		return "", err
	}
	c.logger.Debug("Launched transfer worker", zap.String("task_id", rec.ID), zap.String("job_id", jobID))
	return rec.ID, nil
}

func (c *Client) Task(ctx context.Context, taskID string) (*transfer.Task, error) {
	_ = ctx
	rec, err := c.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	task := rec.Task
	return &task, nil
}

func (c *Client) SuccessfulTransfers(ctx context.Context, taskID string) ([]transfer.Item, error) {
	_ = ctx
	rec, err := c.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	return rec.Successful, nil
}

// Ls lists the immediate children of dir. "/~/" is the endpoint root.
func (c *Client) Ls(ctx context.Context, endpoint, dir string) ([]transfer.Entry, error) {
	p, err := c.endpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(strings.TrimPrefix(strings.TrimPrefix(dir, "/"), "~"), "/")
	if prefix != "" {
		prefix += "/"
	}
	objects, err := provider.ListAll(ctx, p, prefix)
	if err != nil {
		return nil, err
	}

	seen := map[string]transfer.Entry{}
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest == "" {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[name] = transfer.Entry{Name: name, Type: "dir"}
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = transfer.Entry{Name: name, Type: "file", Size: obj.Size}
		}
	}
	entries := make([]transfer.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}
