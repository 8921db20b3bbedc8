package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/runner"
	"github.com/3leaps/emop/pkg/scheduler"
)

// errNoJobEnvironment reports run or testrun outside a scheduled job.
var errNoJobEnvironment = errors.New("not in a cluster job environment")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the OCR pipeline for a reserved batch",
	Long: `Run OCR and postprocessing for every page of a reserved batch. Results are
saved after each page, so an interrupted run leaves a partial output payload
behind. The run refuses to start when an output payload already exists,
unless --force-run is given.

Only valid inside a scheduled job: SIGUSR1 from the scheduler marks the
remaining pages failed and saves the results before the time limit.

Examples:
  emop run --proc-id 20150101000000001`,
	RunE: runRun,
}

var (
	runProcID   string
	runForceRun bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runProcID, "proc-id", "", "Reserved batch proc id (required)")
	runCmd.Flags().BoolVar(&runForceRun, "force-run", false, "Run even when output already exists")

	_ = runCmd.MarkFlagRequired("proc-id")
}

func runRun(cmd *cobra.Command, args []string) error {
	sched, err := newScheduler()
	if err != nil {
		observability.CLILogger.Error("Failed to create scheduler", zap.Error(err))
		return exitError(exitFailure, "Failed to create scheduler", err)
	}
	if !sched.IsJobEnvironment() {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Can only use run subcommand from within a cluster job environment")
		return exitError(exitFailure, "Refusing to run", errNoJobEnvironment)
	}
	return runBatch(cmd.Context(), cmd, sched, runProcID, runForceRun)
}

// runBatch executes the pipeline for procID and reports the outcome.
func runBatch(ctx context.Context, cmd *cobra.Command, sched scheduler.Scheduler, procID string, force bool) error {
	start := time.Now()
	w := recordWriter(cmd.OutOrStdout(), procID)
	defer func() { _ = w.Close() }()

	engine := runner.New(procID, payloadStore(), sched, runnerSettings(), stageEnv(), observability.CLILogger)
	runErr := engine.Run(ctx, force)

	sum := &output.SummaryRecord{Command: "run", ProcIDs: []string{procID}}
	if res := engine.Results(); res != nil {
		sum.Completed = len(res.JobQueues.Completed)
		sum.Failed = len(res.JobQueues.Failed)
		sum.Pages = sum.Completed + sum.Failed
	}
	sum.Duration = time.Since(start)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	_ = w.WriteSummary(ctx, sum)

	if runErr != nil {
		observability.CLILogger.Error("Run failed", zap.String("proc_id", procID), zap.Error(runErr))
		return exitError(exitFailure, "Run failed", runErr)
	}
	observability.CLILogger.Info("Run finished",
		zap.String("proc_id", procID),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed))
	return nil
}
