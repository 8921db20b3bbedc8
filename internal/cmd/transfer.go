package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/config"
	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/transfer"
	"github.com/3leaps/emop/pkg/transfer/objectstore"
)

const (
	transferTestLabel = "emop-test"
	transferTestPath  = "/~/"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move files between the remote endpoint and the cluster",
	Long: `Check the transfer endpoints, submit transfers and follow transfer tasks.

The backend is selected by transfer.backend: "globus" uses the Globus
Transfer API, "objectstore" copies between configured file and S3 endpoints
in a detached worker process.`,
}

var transferStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check endpoint activation or show a transfer task",
	Long: `Without --task-id, check that both endpoints are activated. With --task-id,
show the task and, with --wait, follow it until it finishes.

Examples:
  emop transfer status
  emop transfer status --task-id 6c1d0a46 --wait 3600`,
	RunE: runTransferStatus,
}

var transferInCmd = &cobra.Command{
	Use:   "in",
	Short: "Stage the input files of pending pages onto the cluster",
	Long: `Submit a transfer of the page images and ground truth files of every
pending page matching --filter from the remote endpoint to the cluster.

Examples:
  emop transfer in --filter '{"batch_id": 16}'`,
	RunE: runTransferIn,
}

var transferOutCmd = &cobra.Command{
	Use:   "out",
	Short: "Stage the result files of a batch back to the remote endpoint",
	Long: `Submit a transfer of every output file referenced by the results of a batch
from the cluster to the remote endpoint.

Examples:
  emop transfer out --proc-id 20150101000000001`,
	RunE: runTransferOut,
}

var transferTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Exercise both endpoints with a test transfer",
	RunE:  runTransferTest,
}

var transferWorkerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Copy the items of an object store transfer task",
	Hidden: true,
	RunE:   runTransferWorker,
}

var (
	transferTaskID string
	transferWait   int
	transferFilter string
	transferProcID string
)

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.AddCommand(transferStatusCmd, transferInCmd, transferOutCmd, transferTestCmd, transferWorkerCmd)

	transferStatusCmd.Flags().StringVar(&transferTaskID, "task-id", "", "Transfer task id")
	transferInCmd.Flags().StringVar(&transferFilter, "filter", "{}", "JSON filter applied to pending pages")
	transferOutCmd.Flags().StringVar(&transferProcID, "proc-id", "", "Batch proc id (required)")
	transferWorkerCmd.Flags().StringVar(&transferTaskID, "task-id", "", "Transfer task id (required)")

	for _, c := range []*cobra.Command{transferStatusCmd, transferInCmd, transferOutCmd, transferTestCmd} {
		c.Flags().IntVar(&transferWait, "wait", 0, "Seconds to wait for the transfer to finish")
	}

	_ = transferOutCmd.MarkFlagRequired("proc-id")
	_ = transferWorkerCmd.MarkFlagRequired("task-id")
}

func waitDuration() time.Duration {
	return time.Duration(transferWait) * time.Second
}

func runTransferStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	coord, closeFn, err := newCoordinator()
	if err != nil {
		observability.CLILogger.Error("Failed to create transfer client", zap.Error(err))
		return exitError(exitFailure, "Failed to create transfer client", err)
	}
	defer closeFn()

	w := recordWriter(out, transferTaskID)
	defer func() { _ = w.Close() }()

	if transferTaskID == "" {
		return checkEndpoints(ctx, coord, w, false)
	}

	display := out
	if jsonOutput {
		display = io.Discard
	}
	task, err := coord.DisplayTask(ctx, transferTaskID, waitDuration(), display)
	if err != nil {
		observability.CLILogger.Error("Failed to get transfer task", zap.String("task_id", transferTaskID), zap.Error(err))
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeNotFound, Message: err.Error()})
		return exitError(exitFailure, "Failed to get transfer task", err)
	}
	_ = w.WriteTask(ctx, taskRecord(task))
	return nil
}

func checkEndpoints(ctx context.Context, coord *transfer.Coordinator, w output.Writer, failOnWarn bool) error {
	rec, err := coord.CheckEndpoints(ctx, failOnWarn)
	if rec != nil {
		_ = w.WritePreflight(ctx, rec)
	}
	if err != nil {
		return exitError(exitFailure, "Not all endpoints are activated", err)
	}
	return nil
}

func taskRecord(t *transfer.Task) *output.TaskRecord {
	return &output.TaskRecord{
		TaskID:           t.ID,
		Label:            t.Label,
		Status:           string(t.Status),
		Files:            t.Files,
		FilesSkipped:     t.FilesSkipped,
		FilesTransferred: t.FilesTransferred,
		RequestTime:      t.RequestTime,
		CompletionTime:   t.CompletionTime,
	}
}

func runTransferIn(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	filter, err := dashboard.ParseFilter(transferFilter)
	if err != nil {
		observability.CLILogger.Error("Invalid filter", zap.String("filter", transferFilter), zap.Error(err))
		return exitError(exitFailure, "Invalid filter", err)
	}
	coord, closeFn, err := newCoordinator()
	if err != nil {
		observability.CLILogger.Error("Failed to create transfer client", zap.Error(err))
		return exitError(exitFailure, "Failed to create transfer client", err)
	}
	defer closeFn()

	w := recordWriter(out, "")
	defer func() { _ = w.Close() }()

	if err := checkEndpoints(ctx, coord, w, false); err != nil {
		_, _ = fmt.Fprintln(out, "ERROR: Not all endpoints are activated.")
		return err
	}

	dash, err := dashboardClient()
	if err != nil {
		observability.CLILogger.Error("Failed to create dashboard client", zap.Error(err))
		return exitError(exitFailure, "Failed to create dashboard client", err)
	}
	records, err := dash.PendingPages(ctx, filter)
	if err != nil {
		observability.CLILogger.Error("Failed to list pending pages", zap.Error(err))
		return exitError(exitFailure, "Failed to list pending pages", err)
	}

	taskID, err := coord.StageInData(ctx, records, waitDuration())
	if err != nil || taskID == "" {
		_, _ = fmt.Fprintln(out, "ERROR: Failed to submit transfer")
		if err == nil {
			err = transfer.ErrNoItems
		}
		observability.CLILogger.Error("Failed to submit transfer", zap.Error(err))
		return exitError(exitFailure, "Failed to submit transfer", err)
	}
	_, _ = fmt.Fprintf(out, "Transfer submitted: %s\n", taskID)
	_ = w.WriteTransfer(ctx, &output.TransferRecord{
		TaskID:      taskID,
		Label:       transfer.LabelStageIn,
		Source:      coord.RemoteEndpoint(),
		Destination: coord.ClusterEndpoint(),
	})
	return nil
}

func runTransferOut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	coord, closeFn, err := newCoordinator()
	if err != nil {
		observability.CLILogger.Error("Failed to create transfer client", zap.Error(err))
		return exitError(exitFailure, "Failed to create transfer client", err)
	}
	defer closeFn()

	w := recordWriter(out, transferProcID)
	defer func() { _ = w.Close() }()

	if err := checkEndpoints(ctx, coord, w, false); err != nil {
		_, _ = fmt.Fprintln(out, "ERROR: Not all endpoints are activated.")
		return err
	}

	taskID, err := coord.StageOutProcID(ctx, transferProcID, waitDuration())
	if err != nil || taskID == "" {
		_, _ = fmt.Fprintln(out, "ERROR: Failed to submit transfer")
		if err == nil {
			err = transfer.ErrNoItems
		}
		observability.CLILogger.Error("Failed to submit transfer", zap.String("proc_id", transferProcID), zap.Error(err))
		return exitError(exitFailure, "Failed to submit transfer", err)
	}
	_, _ = fmt.Fprintf(out, "Transfer submitted: %s\n", taskID)
	_ = w.WriteTransfer(ctx, &output.TransferRecord{
		TaskID:      taskID,
		Label:       transfer.StageOutLabel(transferProcID),
		Source:      coord.ClusterEndpoint(),
		Destination: coord.RemoteEndpoint(),
	})
	return nil
}

func runTransferTest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	coord, closeFn, err := newCoordinator()
	if err != nil {
		observability.CLILogger.Error("Failed to create transfer client", zap.Error(err))
		return exitError(exitFailure, "Failed to create transfer client", err)
	}
	defer closeFn()

	if err := checkEndpoints(ctx, coord, output.Discard{}, false); err != nil {
		return err
	}

	var lsErrs []error
	for _, ep := range []string{coord.ClusterEndpoint(), coord.RemoteEndpoint()} {
		_, _ = fmt.Fprintf(out, "Testing ls ability of %s:%s\n", ep, transferTestPath)
		entries, err := coord.Ls(ctx, ep, transferTestPath)
		if err == nil && len(entries) == 0 {
			err = fmt.Errorf("%s:%s is empty", ep, transferTestPath)
		}
		if err != nil {
			_, _ = fmt.Fprintf(out, "ERROR: ls of %s:%s\n", ep, transferTestPath)
			lsErrs = append(lsErrs, err)
		}
	}
	if err := errors.Join(lsErrs...); err != nil {
		observability.CLILogger.Error("Endpoint listing failed", zap.Error(err))
		return exitError(exitFailure, "Endpoint listing failed", err)
	}

	_, _ = fmt.Fprintln(out, "Generating test files")
	home, err := os.UserHomeDir()
	if err != nil {
		return exitError(exitFailure, "Failed to resolve home directory", err)
	}
	if err := os.WriteFile(filepath.Join(home, "test-in.txt"), []byte("TEST"), 0o644); err != nil {
		observability.CLILogger.Error("Failed to write test file", zap.Error(err))
		return exitError(exitFailure, "Failed to write test file", err)
	}

	items := []transfer.Item{{Src: "~/test-in.txt", Dest: "~/test-out.txt"}}
	taskID, err := coord.Start(ctx, coord.ClusterEndpoint(), coord.RemoteEndpoint(), items, transferTestLabel, waitDuration())
	if err != nil {
		observability.CLILogger.Error("Failed to submit test transfer", zap.Error(err))
		return exitError(exitFailure, "Failed to submit test transfer", err)
	}
	if _, err := coord.DisplayTask(ctx, taskID, 0, out); err != nil {
		observability.CLILogger.Error("Failed to get transfer task", zap.String("task_id", taskID), zap.Error(err))
		return exitError(exitFailure, "Failed to get transfer task", err)
	}
	return nil
}

func runTransferWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if appConfig.Transfer.Backend != config.BackendObjectStore {
		err := fmt.Errorf("transfer backend is %q", appConfig.Transfer.Backend)
		return exitError(exitFailure, "Transfer worker requires the objectstore backend", err)
	}

	client, err := objectstore.New(appConfig.ObjectStoreConfig(), nil, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to create transfer client", zap.Error(err))
		return exitError(exitFailure, "Failed to create transfer client", err)
	}
	defer func() { _ = client.Close() }()

	w := recordWriter(cmd.OutOrStdout(), transferTaskID)
	defer func() { _ = w.Close() }()

	observability.CLILogger.Info("Transfer worker started", zap.String("task_id", transferTaskID))
	if err := client.RunTask(ctx, transferTaskID, w); err != nil {
		observability.CLILogger.Error("Transfer task failed", zap.String("task_id", transferTaskID), zap.Error(err))
		return exitError(exitFailure, "Transfer task failed", err)
	}
	return nil
}
