package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/submit"
)

var testrunCmd = &cobra.Command{
	Use:   "testrun",
	Short: "Reserve, run and upload a few pages in the current job",
	Long: `Reserve a small number of pages, run them in the current job and upload
the results. The input files must already be on the cluster.

Examples:
  emop testrun --num-pages 5
  emop testrun --num-pages 1 --no-upload --filter '{"batch_id": 16}'`,
	RunE: runTestrun,
}

var (
	testrunFilter   string
	testrunNumPages int
	testrunNoUpload bool
)

func init() {
	rootCmd.AddCommand(testrunCmd)

	testrunCmd.Flags().StringVar(&testrunFilter, "filter", "{}", "JSON filter applied to pending pages")
	testrunCmd.Flags().IntVar(&testrunNumPages, "num-pages", 1, "Number of pages to reserve")
	testrunCmd.Flags().BoolVar(&testrunNoUpload, "no-upload", false, "Do not upload the results")
}

func runTestrun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	filter, err := dashboard.ParseFilter(testrunFilter)
	if err != nil {
		observability.CLILogger.Error("Invalid filter", zap.String("filter", testrunFilter), zap.Error(err))
		return exitError(exitFailure, "Invalid filter", err)
	}
	sched, err := newScheduler()
	if err != nil {
		observability.CLILogger.Error("Failed to create scheduler", zap.Error(err))
		return exitError(exitFailure, "Failed to create scheduler", err)
	}
	if !sched.IsJobEnvironment() {
		_, _ = fmt.Fprintln(out, "Can only use testrun subcommand from within a cluster job environment")
		return exitError(exitFailure, "Refusing to run", errNoJobEnvironment)
	}
	dash, err := dashboardClient()
	if err != nil {
		observability.CLILogger.Error("Failed to create dashboard client", zap.Error(err))
		return exitError(exitFailure, "Failed to create dashboard client", err)
	}

	payloads := payloadStore()
	ctrl := submit.New(dash, sched, nil, payloads, appConfig.SchedulerSettings(), observability.CLILogger)
	procID, err := ctrl.Reserve(ctx, testrunNumPages, filter)
	if err != nil {
		_, _ = fmt.Fprintln(out, "Failed to reserve pages")
		observability.CLILogger.Error("Failed to reserve pages", zap.Error(err))
		return exitError(exitFailure, "Failed to reserve pages", err)
	}

	if err := runBatch(ctx, cmd, sched, procID, true); err != nil {
		return err
	}
	if testrunNoUpload {
		return nil
	}

	if err := submit.NewUploader(dash, payloads, observability.CLILogger).UploadProcID(ctx, procID); err != nil {
		observability.CLILogger.Error("Upload failed", zap.String("proc_id", procID), zap.Error(err))
		return exitError(exitFailure, "Upload failed", err)
	}
	return nil
}
