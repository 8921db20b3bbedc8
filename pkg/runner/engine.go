// Package runner executes one reserved batch inside a compute job: every
// page goes through OCR and the postprocess stages, and the batch results
// are saved after each page so an interrupted job loses at most the page in
// flight.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/stage"
)

var (
	// ErrNoPayload reports a batch without input records.
	ErrNoPayload = errors.New("no payload data to load")

	// ErrOutputExists reports a rerun that would overwrite earlier output.
	ErrOutputExists = errors.New("output already exists")

	// ErrUnsupportedJobType reports a batch containing a job type the
	// pipeline cannot run.
	ErrUnsupportedJobType = errors.New("job type not yet supported")

	// ErrTimeLimit is the cancellation cause when the scheduler signals an
	// imminent time limit.
	ErrTimeLimit = errors.New("time limit reached")
)

// Identity names the scheduler job the engine runs in. Failure reasons are
// prefixed with it.
type Identity interface {
	Name() string
	JobID() string
}

// Builder returns the ordered stages for one page.
type Builder func(j *job.Job) ([]stage.Stage, error)

// Settings controls a run.
type Settings struct {
	Job job.Settings

	// SkipExisting skips stages whose output is already present.
	SkipExisting bool

	MultiColumnSkew bool
}

// Engine runs one batch.
type Engine struct {
	procID   string
	payloads *payload.Store
	ident    Identity
	settings Settings
	build    Builder
	logger   *zap.Logger
	signals  []os.Signal

	results   *payload.Results
	completed map[int64]bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBuilder replaces the stage pipeline.
func WithBuilder(b Builder) Option {
	return func(e *Engine) { e.build = b }
}

// WithSignals replaces the signals treated as a time-limit warning.
func WithSignals(sigs ...os.Signal) Option {
	return func(e *Engine) { e.signals = sigs }
}

func New(procID string, payloads *payload.Store, ident Identity, settings Settings, env *stage.Env, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		procID:   procID,
		payloads: payloads,
		ident:    ident,
		settings: settings,
		logger:   logger,
		signals:  []os.Signal{syscall.SIGUSR1},
	}
	e.build = DefaultBuilder(env, settings.MultiColumnSkew)
	for _, o := range opts {
		o(e)
	}
	return e
}

// DefaultBuilder builds the OCR engine stage followed by postprocessing.
func DefaultBuilder(env *stage.Env, multiColumnSkew bool) Builder {
	return func(j *job.Job) ([]stage.Stage, error) {
		ocr, err := stage.NewOCR(j, env)
		if err != nil {
			return nil, err
		}
		return append([]stage.Stage{ocr}, stage.Postprocess(j, env, multiColumnSkew)...), nil
	}
}

// Results returns the batch results accumulated so far.
func (e *Engine) Results() *payload.Results { return e.results }

// Run processes the batch. Without force it refuses to overwrite an
// in-progress or completed output. A time-limit signal marks every page not
// yet determined as failed, saves the results and returns ErrTimeLimit.
func (e *Engine) Run(ctx context.Context, force bool) error {
	start := time.Now()
	records, err := e.payloads.LoadInput(e.procID)
	if err != nil && !errors.Is(err, payload.ErrNotFound) {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%s: %w", e.procID, ErrNoPayload)
	}
	if !force {
		for _, v := range []payload.Variant{payload.Output, payload.CompletedOutput} {
			if e.payloads.Exists(v, e.procID) {
				return fmt.Errorf("output file %s: %w", e.payloads.Path(v, e.procID), ErrOutputExists)
			}
		}
	}
	if bad, found := lo.Find(records, func(r job.Record) bool { return !r.BatchJob.JobType.Is(job.TypeOCR) }); found {
		return fmt.Errorf("%w: job %d has type %q", ErrUnsupportedJobType, bad.ID, bad.BatchJob.JobType.Name)
	}

	e.results = payload.NewResults()
	e.completed = make(map[int64]bool, len(records))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, e.signals...)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			cancel(ErrTimeLimit)
		case <-ctx.Done():
		}
	}()

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		e.runRecord(ctx, rec)
	}

	if ctx.Err() != nil {
		return e.interrupt(records, context.Cause(ctx))
	}

	if err := e.payloads.Save(payload.CompletedOutput, e.procID, e.results, force); err != nil {
		return fmt.Errorf("save completed output: %w", err)
	}
	e.logger.Info("TOTAL TIME: " + seconds(time.Since(start)))
	return nil
}

func (e *Engine) runRecord(ctx context.Context, rec job.Record) {
	start := time.Now()
	j, err := job.New(rec, e.settings.Job)
	if err != nil {
		e.fail(job.Job{ID: rec.ID}, err.Error())
		return
	}
	e.logger.Info(fmt.Sprintf("Got job [%d] - Batch: %s JobType: %s OCR Engine: %s",
		j.ID, j.BatchJob.Name, j.BatchJob.JobType.Name, j.BatchJob.OCREngine.Name))

	stages, err := e.build(j)
	if err != nil {
		e.fail(*j, fmt.Sprintf("OCR with %s not yet supported", j.BatchJob.OCREngine.Name))
		return
	}

	for _, s := range stages {
		res, ran := e.runStage(ctx, j, s)
		if ctx.Err() != nil {
			// Killed mid-stage; the interrupt handler accounts for this page.
			return
		}
		if ran && !res.OK() {
			e.fail(*j, failure(j, s, res))
			return
		}
	}

	e.completed[j.ID] = true
	e.results.JobQueues.Completed = append(e.results.JobQueues.Completed, j.ID)
	e.appendResults(*j)
	e.save()
	e.logger.Info(fmt.Sprintf("Job [%d] COMPLETE: Duration: %s secs", j.ID, seconds(time.Since(start))))
}

func (e *Engine) runStage(ctx context.Context, j *job.Job, s stage.Stage) (stage.Result, bool) {
	start := time.Now()
	defer func() {
		e.logger.Info(fmt.Sprintf("%s [%d] COMPLETE: Duration: %s secs", s.Name(), j.ID, seconds(time.Since(start))))
	}()
	if e.settings.SkipExisting && !s.ShouldRun() {
		e.logger.Info(fmt.Sprintf("Skipping %s job [%d]", s.Name(), j.ID))
		return stage.Result{}, false
	}
	return s.Run(ctx), true
}

func failure(j *job.Job, s stage.Stage, res stage.Result) string {
	if s.Name() == stage.NameOCR {
		return fmt.Sprintf("%s OCR Failed: %s", j.BatchJob.OCREngine.Name, res.Stderr)
	}
	return fmt.Sprintf("%s Failed: %s", s.Name(), res.Stderr)
}

func (e *Engine) fail(j job.Job, reason string) {
	msg := fmt.Sprintf("%s JOB %s: %s", e.ident.Name(), e.ident.JobID(), reason)
	e.logger.Error(msg)
	e.completed[j.ID] = true
	e.results.JobQueues.Failed = append(e.results.JobQueues.Failed, payload.FailedUnit{ID: j.ID, Results: msg})
	e.appendResults(j)
	e.save()
}

func (e *Engine) appendResults(j job.Job) {
	if j.PageResult.HasData() {
		e.results.PageResults = append(e.results.PageResults, j.PageResult)
	}
	if j.PostprocResult.HasData() {
		e.results.PostprocResults = append(e.results.PostprocResults, j.PostprocResult)
	}
}

// save persists progress after every page. A failed save is logged; the
// next page retries it.
func (e *Engine) save() {
	if err := e.payloads.Save(payload.Output, e.procID, e.results, true); err != nil {
		e.logger.Error("Failed to save output payload", zap.String("proc_id", e.procID), zap.Error(err))
	}
}

func (e *Engine) interrupt(records []job.Record, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	reason := "interrupted: " + cause.Error()
	if errors.Is(cause, ErrTimeLimit) {
		reason = ErrTimeLimit.Error()
	}
	msg := fmt.Sprintf("%s JOB %s: %s", e.ident.Name(), e.ident.JobID(), reason)

	pending := lo.Filter(records, func(r job.Record, _ int) bool { return !e.completed[r.ID] })
	for _, r := range pending {
		e.logger.Error(msg, zap.Int64("job_id", r.ID))
		e.results.JobQueues.Failed = append(e.results.JobQueues.Failed, payload.FailedUnit{ID: r.ID, Results: msg})
	}

	var errs []error
	for _, v := range []payload.Variant{payload.Output, payload.CompletedOutput} {
		if err := e.payloads.Save(v, e.procID, e.results, true); err != nil {
			errs = append(errs, fmt.Errorf("save %s payload: %w", v, err))
		}
	}
	return errors.Join(append([]error{fmt.Errorf("%d of %d pages not completed: %w", len(pending), len(records), cause)}, errs...)...)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
