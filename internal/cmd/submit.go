package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/submit"
	"github.com/3leaps/emop/pkg/transfer"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Reserve pending pages and submit jobs to process them",
	Long: `Reserve pending pages from the dashboard, stage their input files onto the
cluster and submit compute jobs that start once the transfer has finished.

Without --num-jobs and --pages-per-job the job count and size are derived from
the pending page count, the free job slots and the configured runtimes.

Examples:
  emop submit
  emop submit --filter '{"batch_id": 16}'
  emop submit --num-jobs 4 --pages-per-job 100
  emop submit --sim`,
	RunE: runSubmit,
}

var (
	submitFilter      string
	submitNumJobs     int
	submitPagesPerJob int
	submitSimulate    bool
	submitNoSchedule  bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitFilter, "filter", "{}", "JSON filter applied to pending pages")
	submitCmd.Flags().IntVar(&submitNumJobs, "num-jobs", 0, "Number of jobs to submit (requires --pages-per-job)")
	submitCmd.Flags().IntVar(&submitPagesPerJob, "pages-per-job", 0, "Pages reserved per job (requires --num-jobs)")
	submitCmd.Flags().BoolVar(&submitSimulate, "sim", false, "Plan the submission without reserving or submitting")
	submitCmd.Flags().BoolVar(&submitNoSchedule, "no-schedule", false, "Skip the scheduler job limit check")

	submitCmd.MarkFlagsRequiredTogether("num-jobs", "pages-per-job")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	start := time.Now()

	filter, err := dashboard.ParseFilter(submitFilter)
	if err != nil {
		observability.CLILogger.Error("Invalid filter", zap.String("filter", submitFilter), zap.Error(err))
		return exitError(exitFailure, "Invalid filter", err)
	}

	dash, err := dashboardClient()
	if err != nil {
		observability.CLILogger.Error("Failed to create dashboard client", zap.Error(err))
		return exitError(exitFailure, "Failed to create dashboard client", err)
	}
	sched, err := newScheduler()
	if err != nil {
		observability.CLILogger.Error("Failed to create scheduler", zap.Error(err))
		return exitError(exitFailure, "Failed to create scheduler", err)
	}
	stager := &lazyStager{}
	defer stager.Close()

	w := recordWriter(out, "")
	defer func() { _ = w.Close() }()

	ctrl := submit.New(dash, sched, stager, payloadStore(), appConfig.SchedulerSettings(), observability.CLILogger)
	sum, err := ctrl.Submit(ctx, submit.Request{
		Filter:      filter,
		NumJobs:     submitNumJobs,
		PagesPerJob: submitPagesPerJob,
		Simulate:    submitSimulate,
		Schedule:    !submitNoSchedule,
	})
	switch {
	case errors.Is(err, submit.ErrPairedFlags):
		return exitError(exitFailure, "Invalid flags", err)
	case errors.Is(err, submit.ErrEndpointsNotReady):
		_, _ = fmt.Fprintln(out, "ERROR: Not all endpoints are activated or activation expires soon.")
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeEndpoint, Message: err.Error()})
		return exitError(exitFailure, "Transfer endpoints not ready", err)
	case err != nil:
		observability.CLILogger.Error("Submission failed", zap.Error(err))
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeSubmit, Message: err.Error()})
		return exitError(exitFailure, "Submission failed", err)
	}

	switch {
	case sum.NoWork:
		_, _ = fmt.Fprintln(out, "No work to be done")
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeNoWork, Message: "No work to be done"})
		return nil
	case sum.JobLimit:
		_, _ = fmt.Fprintf(out, "Job limit of %d reached.\n", appConfig.Scheduler.MaxJobs)
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeJobLimit, Message: "job limit reached"})
		return nil
	}

	_, _ = fmt.Fprintf(out, "Pending pages: %d, running jobs: %d\n", sum.Pending, sum.CurrentJob)
	_, _ = fmt.Fprintf(out, "Jobs: %d, pages per job: %d\n", sum.Plan.NumJobs, sum.Plan.PagesPerJob)
	if sum.TaskID != "" {
		_, _ = fmt.Fprintf(out, "Transfer submitted: %s\n", sum.TaskID)
	}

	elapsed := time.Since(start)
	_ = w.WriteSummary(ctx, &output.SummaryRecord{
		Command:        "submit",
		ProcIDs:        sum.ProcIDs,
		JobIDs:         sum.JobIDs,
		TransferTaskID: sum.TaskID,
		Pages:          sum.Plan.Pages(),
		Simulated:      sum.Simulated,
		Duration:       elapsed,
		DurationHuman:  elapsed.Round(time.Millisecond).String(),
	})

	if sum.ReserveFailures > 0 {
		_, _ = fmt.Fprintf(out, "ERROR: Failed to reserve pages for %d job(s)\n", sum.ReserveFailures)
	}
	if sum.SubmitFailures > 0 {
		err := fmt.Errorf("%d of %d jobs were not submitted", sum.SubmitFailures, len(sum.ProcIDs))
		observability.CLILogger.Error("Job submission failed", zap.Error(err))
		return exitError(exitFailure, "Job submission failed", err)
	}
	return nil
}

// lazyStager builds the transfer client on first use, so a submission that
// stops at planning needs no transfer credentials.
type lazyStager struct {
	coord   *transfer.Coordinator
	closeFn func()
}

func (l *lazyStager) get() (*transfer.Coordinator, error) {
	if l.coord != nil {
		return l.coord, nil
	}
	coord, closeFn, err := newCoordinator()
	if err != nil {
		return nil, fmt.Errorf("create transfer client: %w", err)
	}
	l.coord, l.closeFn = coord, closeFn
	return coord, nil
}

func (l *lazyStager) CheckEndpoints(ctx context.Context, failOnWarn bool) (*output.PreflightRecord, error) {
	coord, err := l.get()
	if err != nil {
		return nil, err
	}
	return coord.CheckEndpoints(ctx, failOnWarn)
}

func (l *lazyStager) StageInProcIDs(ctx context.Context, procIDs []string, wait time.Duration) (string, error) {
	coord, err := l.get()
	if err != nil {
		return "", err
	}
	return coord.StageInProcIDs(ctx, procIDs, wait)
}

func (l *lazyStager) Close() {
	if l.closeFn != nil {
		l.closeFn()
	}
}
