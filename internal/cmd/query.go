package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/query"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Report pending pages and job runtimes",
	Long: `Query the dashboard for the number of pages waiting to be processed, or
summarize the runtimes recorded in the compute job logs.

Examples:
  emop query --pending-pages
  emop query --pending-pages --filter '{"batch_id": 16}'
  emop query --avg-runtimes
  emop query --avg-runtimes --json`,
	RunE: runQuery,
}

var (
	queryFilter       string
	queryPendingPages bool
	queryAvgRuntimes  bool
)

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringVar(&queryFilter, "filter", "{}", "JSON filter applied to the dashboard query")
	queryCmd.Flags().BoolVar(&queryPendingPages, "pending-pages", false, "Count pending pages")
	queryCmd.Flags().BoolVar(&queryAvgRuntimes, "avg-runtimes", false, "Summarize runtimes from job logs")

	queryCmd.MarkFlagsOneRequired("pending-pages", "avg-runtimes")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	w := recordWriter(out, "")
	defer func() { _ = w.Close() }()

	filter, err := dashboard.ParseFilter(queryFilter)
	if err != nil {
		observability.CLILogger.Error("Invalid filter", zap.String("filter", queryFilter), zap.Error(err))
		return exitError(exitFailure, "Invalid filter", err)
	}

	if queryPendingPages {
		dash, err := dashboardClient()
		if err != nil {
			observability.CLILogger.Error("Failed to create dashboard client", zap.Error(err))
			return exitError(exitFailure, "Failed to create dashboard client", err)
		}
		rec, err := query.New(dash, observability.CLILogger).PendingPagesCount(ctx, filter)
		if err != nil {
			observability.CLILogger.Error("Querying pending pages failed", zap.Error(err))
			return exitError(exitFailure, "Querying pending pages failed", err)
		}
		if jsonOutput {
			_ = w.WritePending(ctx, rec)
		} else {
			_, _ = fmt.Fprintf(out, "Number of pending pages: %d\n", rec.Count)
		}
	}

	if queryAvgRuntimes {
		rec, err := query.New(nil, observability.CLILogger).Runtimes(appConfig.Scheduler.LogDir)
		if err != nil {
			observability.CLILogger.Error("Querying average page runtimes failed", zap.Error(err))
			return exitError(exitFailure, "Querying average page runtimes failed", err)
		}
		if jsonOutput {
			_ = w.WriteRuntime(ctx, rec)
		} else {
			printRuntimes(out, rec)
		}
	}
	return nil
}

func printRuntimes(out io.Writer, rec *output.RuntimeRecord) {
	_, _ = fmt.Fprintf(out, "Pages completed: %d\n", rec.PagesCompleted)
	_, _ = fmt.Fprintf(out, "Total Page Runtime: %.3f seconds\n", rec.TotalPageRuntime)
	_, _ = fmt.Fprintf(out, "Average Page Runtime: %.3f seconds\n", rec.AvgPageRuntime)
	_, _ = fmt.Fprintf(out, "Jobs completed: %d\n", rec.JobsCompleted)
	_, _ = fmt.Fprintf(out, "Average Job Runtime: %.3f seconds\n", rec.AvgJobRuntime)
	_, _ = fmt.Fprintln(out, "Processes:")
	for _, p := range rec.Processes {
		_, _ = fmt.Fprintf(out, "\t%s completed: %d\n", p.Name, p.Completed)
		_, _ = fmt.Fprintf(out, "\t%s Average: %.3f seconds\n", p.Name, p.Average)
		_, _ = fmt.Fprintf(out, "\t%s Total: %.3f seconds\n", p.Name, p.Total)
	}
}
