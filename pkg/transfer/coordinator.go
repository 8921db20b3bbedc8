package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/payload"
)

const (
	// LabelStageIn labels every stage-in transfer.
	LabelStageIn = "emop-stage-in-files"

	// DefaultPollInterval is the task status poll interval.
	DefaultPollInterval = 10 * time.Second

	// SyncLevelMtime skips files whose destination copy is at least as new
	// as the source.
	SyncLevelMtime = 2
)

// StageOutLabel returns the transfer label for a stage-out of procID.
func StageOutLabel(procID string) string {
	return "emop-stage-out-" + procID
}

// Config configures a Coordinator.
type Config struct {
	ClusterEndpoint string
	RemoteEndpoint  string

	// MinActivationTime is the lease below which an endpoint is reported
	// with a warning.
	MinActivationTime time.Duration
	PollInterval      time.Duration

	InputPrefix  string
	OutputPrefix string
}

// Coordinator moves page inputs to the cluster and results back to the
// remote endpoint.
type Coordinator struct {
	client   Client
	cfg      Config
	payloads *payload.Store
	logger   *zap.Logger
}

// NewCoordinator returns a Coordinator over client.
func NewCoordinator(client Client, cfg Config, payloads *payload.Store, logger *zap.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{client: client, cfg: cfg, payloads: payloads, logger: logger}
}

// Client returns the underlying transfer service client.
func (c *Coordinator) Client() Client { return c.client }

// CheckEndpoints verifies both endpoints hold an activation lease. An
// inactive endpoint gets one autoactivation attempt. A lease shorter than
// MinActivationTime is a warning, and a failure when failOnWarn is set.
//
// The returned record describes every endpoint; the error is
// ErrEndpointNotReady when any endpoint failed.
func (c *Coordinator) CheckEndpoints(ctx context.Context, failOnWarn bool) (*output.PreflightRecord, error) {
	rec := &output.PreflightRecord{FailOnWarn: failOnWarn}
	for _, name := range []string{c.cfg.ClusterEndpoint, c.cfg.RemoteEndpoint} {
		res := c.checkActivation(ctx, name)
		if !res.Activated || (res.Warning != "" && failOnWarn) {
			res.ActivationURL = c.client.ActivationURL(name)
			c.logger.Error("Endpoint is not activated", zap.String("endpoint", name))
			c.logger.Error("To activate, visit this URL", zap.String("url", res.ActivationURL))
		} else {
			c.logger.Info("Endpoint activated", zap.String("endpoint", name))
		}
		rec.Results = append(rec.Results, res)
	}
	if !rec.OK() {
		return rec, ErrEndpointNotReady
	}
	return rec, nil
}

func (c *Coordinator) checkActivation(ctx context.Context, name string) output.EndpointCheckResult {
	res := output.EndpointCheckResult{Endpoint: name}

	ep, err := c.client.Endpoint(ctx, name)
	if err != nil {
		c.logger.Error("Endpoint lookup failed", zap.String("endpoint", name), zap.Error(err))
		res.Warning = err.Error()
		return res
	}
	if !ep.Activated {
		c.logger.Info("Endpoint not activated, attempting autoactivate", zap.String("endpoint", name))
		res.Autoactivated = true
		ep, err = c.client.Autoactivate(ctx, name)
		if err != nil {
			c.logger.Error("Autoactivate failed", zap.String("endpoint", name), zap.Error(err))
			res.Warning = err.Error()
			return res
		}
	}
	if !ep.Activated || ep.ExpiresIn == 0 {
		return res
	}

	res.Activated = true
	res.ExpiresIn = int64(ep.ExpiresIn / time.Second)
	if ep.ExpiresIn < 0 {
		res.ExpiresIn = -1
		return res
	}

	c.logger.Info(fmt.Sprintf("Endpoint %s expires in %s", name, FormatLease(ep.ExpiresIn)))
	if ep.ExpiresIn < c.cfg.MinActivationTime {
		res.Warning = "expires before minimum activation time"
		c.logger.Warn("Endpoint expires before minimum activation time setting", zap.String("endpoint", name))
	}
	return res
}

// FormatLease renders d as d-hh:mm:ss.
func FormatLease(d time.Duration) string {
	secs := int64(d / time.Second)
	days, secs := secs/86400, secs%86400
	hours, secs := secs/3600, secs%3600
	mins, secs := secs/60, secs%60
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, mins, secs)
}

// Start submits a transfer of items from src to dst. With a non-zero wait
// it then polls until the task is terminal or wait runs out.
func (c *Coordinator) Start(ctx context.Context, src, dst string, items []Item, label string, wait time.Duration) (string, error) {
	if len(items) == 0 {
		c.logger.Error("No data to transfer", zap.String("label", label))
		return "", ErrNoItems
	}
	for _, it := range items {
		c.logger.Debug(fmt.Sprintf("TRANSFER: %s:%s -> %s:%s", src, it.Src, dst, it.Dest))
	}

	subID, err := c.client.SubmissionID(ctx)
	if err != nil {
		return "", fmt.Errorf("get submission id: %w", err)
	}
	taskID, err := c.client.Submit(ctx, Request{
		SubmissionID: subID,
		Source:       src,
		Destination:  dst,
		Label:        label,
		SyncLevel:    SyncLevelMtime,
		Items:        items,
	})
	if err != nil {
		return "", fmt.Errorf("submit transfer %s: %w", label, err)
	}
	c.logger.Info("Successfully submitted transfer", zap.String("task_id", taskID), zap.Int("items", len(items)))

	if wait <= 0 {
		return taskID, nil
	}
	status, err := c.WaitForTask(ctx, taskID, wait)
	if err != nil {
		return taskID, err
	}
	if status == StatusUnknown {
		c.logger.Warn("Task did not complete before timeout", zap.String("task_id", taskID))
	} else {
		c.logger.Info("Task completed", zap.String("task_id", taskID), zap.String("status", string(status)))
	}
	return taskID, nil
}

// StageInItems maps canonical remote paths to locally prefixed
// destinations.
func (c *Coordinator) StageInItems(files []string) []Item {
	return lo.Map(files, func(f string, _ int) Item {
		return Item{Src: f, Dest: job.AddPrefix(c.cfg.InputPrefix, f)}
	})
}

// StageInFiles transfers files from the remote endpoint to the cluster.
func (c *Coordinator) StageInFiles(ctx context.Context, files []string, wait time.Duration) (string, error) {
	return c.Start(ctx, c.cfg.RemoteEndpoint, c.cfg.ClusterEndpoint, c.StageInItems(files), LabelStageIn, wait)
}

// StageInData transfers the inputs referenced by dashboard records. It
// returns an empty task id when no record references a file.
func (c *Coordinator) StageInData(ctx context.Context, records []job.Record, wait time.Duration) (string, error) {
	files := recordFiles(records)
	if len(files) == 0 {
		return "", nil
	}
	return c.StageInFiles(ctx, files, wait)
}

// StageInProcIDs transfers the inputs of every reserved batch in one
// combined task. Batches without a saved input payload are skipped. Like
// StageInData it returns an empty task id when no batch references a file.
func (c *Coordinator) StageInProcIDs(ctx context.Context, procIDs []string, wait time.Duration) (string, error) {
	var items []Item
	for _, procID := range procIDs {
		records, err := c.payloads.LoadInput(procID)
		if err != nil {
			c.logger.Error("Could not find input payload", zap.String("proc_id", procID), zap.Error(err))
			continue
		}
		items = append(items, c.StageInItems(recordFiles(records))...)
	}
	if len(items) == 0 {
		c.logger.Info("No input files to stage", zap.Strings("proc_ids", procIDs))
		return "", nil
	}
	return c.Start(ctx, c.cfg.RemoteEndpoint, c.cfg.ClusterEndpoint, items, LabelStageIn, wait)
}

func recordFiles(records []job.Record) []string {
	return lo.FlatMap(records, func(r job.Record, _ int) []string { return r.TransferFiles() })
}

// StageOutItems extracts every absolute path from the page_results of an
// output document. The canonical path is the destination; its output
// prefixed form is the source.
func (c *Coordinator) StageOutItems(doc []byte) []Item {
	var items []Item
	gjson.GetBytes(doc, "page_results").ForEach(func(_, result gjson.Result) bool {
		result.ForEach(func(_, v gjson.Result) bool {
			if v.Type != gjson.String || !path.IsAbs(v.Str) {
				return true
			}
			canonical := job.RemovePrefix(c.cfg.OutputPrefix, v.Str)
			items = append(items, Item{Src: job.AddPrefix(c.cfg.OutputPrefix, canonical), Dest: canonical})
			return true
		})
		return true
	})
	return items
}

// StageOutProcID transfers the results of procID back to the remote
// endpoint. The newest output variant wins. An empty task id with a nil
// error means there was nothing to transfer.
func (c *Coordinator) StageOutProcID(ctx context.Context, procID string, wait time.Duration) (string, error) {
	variant, ok := c.payloads.Latest(procID)
	if !ok {
		c.logger.Error("Could not find payload file", zap.String("proc_id", procID))
		return "", nil
	}
	doc, err := c.payloads.ReadRaw(variant, procID)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(doc) {
		c.logger.Error("Unable to load payload data", zap.String("proc_id", procID), zap.String("variant", string(variant)))
		return "", nil
	}

	items := c.StageOutItems(doc)
	if len(items) == 0 {
		c.logger.Info("No files to stage out", zap.String("proc_id", procID))
		return "", nil
	}
	return c.Start(ctx, c.cfg.ClusterEndpoint, c.cfg.RemoteEndpoint, items, StageOutLabel(procID), wait)
}

var errPending = errors.New("task not finished")

// WaitForTask polls the task every PollInterval, at most
// timeout/PollInterval+1 times. It returns StatusUnknown when the budget
// runs out first.
func (c *Coordinator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (Status, error) {
	interval := c.cfg.PollInterval
	checks := uint64(0)
	if timeout > 0 {
		checks = uint64(timeout / interval)
	}

	var status Status
	op := func() error {
		task, err := c.client.Task(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		status = task.Status
		if status.Terminal() {
			return nil
		}
		return errPending
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), checks), ctx)
	switch err := backoff.Retry(op, b); {
	case err == nil:
		return status, nil
	case errors.Is(err, errPending):
		return StatusUnknown, nil
	default:
		return "", err
	}
}

// DisplayTask writes the task summary to w and, once known, every
// successfully transferred pair.
func (c *Coordinator) DisplayTask(ctx context.Context, taskID string, wait time.Duration, w io.Writer) (*Task, error) {
	task, err := c.client.Task(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("unable to get task %s data: %w", taskID, err)
	}
	_, _ = fmt.Fprintf(w, "Task: %s\n", taskID)
	_, _ = fmt.Fprintf(w, "\tfiles=%d\n", task.Files)
	_, _ = fmt.Fprintf(w, "\tfiles_skipped=%d\n", task.FilesSkipped)
	_, _ = fmt.Fprintf(w, "\tfiles_transferred=%d\n", task.FilesTransferred)
	_, _ = fmt.Fprintf(w, "\tstatus=%s\n", task.Status)

	if wait > 0 {
		status, err := c.WaitForTask(ctx, taskID, wait)
		if err != nil {
			return task, err
		}
		task.Status = status
	}

	done, err := c.client.SuccessfulTransfers(ctx, taskID)
	if err != nil {
		return task, fmt.Errorf("unable to get successful task %s data: %w", taskID, err)
	}
	if len(done) > 0 {
		_, _ = fmt.Fprintln(w, "Successful Transfers (src -> dst)")
		for _, it := range done {
			_, _ = fmt.Fprintf(w, "  %s:%s -> %s:%s\n", task.SourceEndpoint, it.Src, task.DestinationEndpoint, it.Dest)
		}
	}
	return task, nil
}

// Ls lists path on endpoint.
func (c *Coordinator) Ls(ctx context.Context, endpoint, p string) ([]Entry, error) {
	return c.client.Ls(ctx, endpoint, p)
}

// ClusterEndpoint returns the configured cluster endpoint name.
func (c *Coordinator) ClusterEndpoint() string { return c.cfg.ClusterEndpoint }

// RemoteEndpoint returns the configured remote endpoint name.
func (c *Coordinator) RemoteEndpoint() string { return c.cfg.RemoteEndpoint }
