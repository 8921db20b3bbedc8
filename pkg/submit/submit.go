// Package submit reserves pending pages from the dashboard and schedules the
// transfer and compute jobs that process them.
//
// One submission reserves N batches, stages all of their input files in a
// single transfer, submits one job that waits on that transfer and N compute
// jobs that depend on it.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/scheduler"
	"github.com/3leaps/emop/pkg/transfer"
)

var (
	// ErrPairedFlags reports a plan given by only one of its two sizes.
	ErrPairedFlags = errors.New("--num-jobs and --pages-per-job must be used together")

	// ErrNothingReserved reports a reservation that claimed no pages.
	ErrNothingReserved = errors.New("no pages reserved")

	// ErrEndpointsNotReady reports transfer endpoints that failed the
	// pre-submission check.
	ErrEndpointsNotReady = errors.New("not all endpoints are activated or activation expires soon")
)

// Dashboard is the part of the dashboard API used for submission.
type Dashboard interface {
	PendingCount(ctx context.Context, filter dashboard.Filter) (int, error)
	Reserve(ctx context.Context, numPages int, filter dashboard.Filter) (*dashboard.Reservation, error)
}

// Stager checks endpoints and stages reserved batches onto the cluster.
type Stager interface {
	CheckEndpoints(ctx context.Context, failOnWarn bool) (*output.PreflightRecord, error)
	StageInProcIDs(ctx context.Context, procIDs []string, wait time.Duration) (string, error)
}

// Request is one submit invocation.
type Request struct {
	Filter dashboard.Filter

	// NumJobs and PagesPerJob override the optimized plan. Both or neither.
	NumJobs     int
	PagesPerJob int

	// Simulate stops after planning.
	Simulate bool

	// Schedule enables the job limit check against the scheduler.
	Schedule bool
}

// Summary reports what a submission did.
type Summary struct {
	Pending    int  `json:"pending"`
	CurrentJob int  `json:"current_jobs"`
	Plan       Plan `json:"plan"`

	// NoWork is set when nothing was pending and JobLimit when the
	// scheduler already runs max_jobs jobs.
	NoWork    bool `json:"no_work,omitempty"`
	JobLimit  bool `json:"job_limit,omitempty"`
	Simulated bool `json:"simulated,omitempty"`

	ProcIDs       []string `json:"proc_ids,omitempty"`
	TaskID        string   `json:"task_id,omitempty"`
	TransferJobID string   `json:"transfer_job_id,omitempty"`
	JobIDs        []string `json:"job_ids,omitempty"`

	ReserveFailures int `json:"reserve_failures,omitempty"`
	SubmitFailures  int `json:"submit_failures,omitempty"`
}

// OK reports a submission without reservation or scheduling failures.
func (s *Summary) OK() bool {
	return s.ReserveFailures == 0 && s.SubmitFailures == 0
}

// Controller runs submissions.
type Controller struct {
	dash     Dashboard
	sched    scheduler.Scheduler
	stager   Stager
	payloads *payload.Store
	settings scheduler.Settings
	logger   *zap.Logger
}

func New(dash Dashboard, sched scheduler.Scheduler, stager Stager, payloads *payload.Store, settings scheduler.Settings, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		dash:     dash,
		sched:    sched,
		stager:   stager,
		payloads: payloads,
		settings: settings,
		logger:   logger,
	}
}

// Reserve claims up to numPages pending pages and saves them as the input
// payload of a new batch. The dashboard serializes concurrent reservations.
func (c *Controller) Reserve(ctx context.Context, numPages int, filter dashboard.Filter) (string, error) {
	res, err := c.dash.Reserve(ctx, numPages, filter)
	if err != nil {
		return "", fmt.Errorf("reserve %d pages: %w", numPages, err)
	}
	if res.ProcID == "" || res.Count == 0 || len(res.Results) == 0 {
		return "", ErrNothingReserved
	}
	if err := c.payloads.Save(payload.Input, res.ProcID, res.Results, false); err != nil {
		return "", fmt.Errorf("save input payload: %w", err)
	}
	c.logger.Info("Reserved pages", zap.String("proc_id", res.ProcID), zap.Int("pages", len(res.Results)))
	return res.ProcID, nil
}

// Submit runs the end-to-end submission.
func (c *Controller) Submit(ctx context.Context, req Request) (*Summary, error) {
	if (req.NumJobs > 0) != (req.PagesPerJob > 0) {
		return nil, ErrPairedFlags
	}

	sum := &Summary{}
	pending, err := c.dash.PendingCount(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("query pending pages: %w", err)
	}
	sum.Pending = pending
	if pending == 0 {
		sum.NoWork = true
		return sum, nil
	}

	if req.Schedule {
		current, err := c.sched.CurrentJobCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("count %s jobs: %w", c.sched.Name(), err)
		}
		sum.CurrentJob = current
		if current >= c.settings.MaxJobs {
			sum.JobLimit = true
			return sum, nil
		}
	}

	if req.NumJobs > 0 {
		sum.Plan = Plan{NumJobs: req.NumJobs, PagesPerJob: req.PagesPerJob}
	} else {
		sum.Plan = OptimizeSubmit(c.settings, pending, sum.CurrentJob)
	}
	c.logger.Info("Submission plan",
		zap.Int("pending", pending),
		zap.Int("current_jobs", sum.CurrentJob),
		zap.Int("num_jobs", sum.Plan.NumJobs),
		zap.Int("pages_per_job", sum.Plan.PagesPerJob),
		zap.Int("walltime", scheduler.Walltime(c.settings, sum.Plan.PagesPerJob)))

	if req.Simulate {
		sum.Simulated = true
		return sum, nil
	}

	if _, err := c.stager.CheckEndpoints(ctx, true); err != nil {
		if errors.Is(err, transfer.ErrEndpointNotReady) {
			return sum, fmt.Errorf("%w: %w", ErrEndpointsNotReady, err)
		}
		return sum, fmt.Errorf("check endpoints: %w", err)
	}

	for range sum.Plan.NumJobs {
		procID, err := c.Reserve(ctx, sum.Plan.PagesPerJob, req.Filter)
		if err != nil {
			c.logger.Error("Failed to reserve pages", zap.Error(err))
			sum.ReserveFailures++
			continue
		}
		sum.ProcIDs = append(sum.ProcIDs, procID)
	}
	if len(sum.ProcIDs) == 0 {
		if sum.ReserveFailures > 0 {
			return sum, fmt.Errorf("all %d reservations failed", sum.ReserveFailures)
		}
		return sum, nil
	}

	taskID, err := c.stager.StageInProcIDs(ctx, sum.ProcIDs, 0)
	if err != nil {
		return sum, fmt.Errorf("stage in %d batches: %w", len(sum.ProcIDs), err)
	}
	sum.TaskID = taskID

	dependency := ""
	if taskID != "" {
		dependency, err = c.sched.SubmitTransferJob(ctx, taskID)
		if err != nil {
			return sum, fmt.Errorf("submit transfer job for task %s: %w", taskID, err)
		}
		sum.TransferJobID = dependency
	} else {
		c.logger.Warn("No input files to stage; compute jobs submitted without a transfer dependency")
	}

	for _, procID := range sum.ProcIDs {
		jobID, err := c.sched.SubmitJob(ctx, procID, sum.Plan.PagesPerJob, dependency)
		if err != nil {
			c.logger.Error("Failed to submit job", zap.String("proc_id", procID), zap.Error(err))
			sum.SubmitFailures++
			continue
		}
		sum.JobIDs = append(sum.JobIDs, jobID)
	}
	return sum, nil
}
