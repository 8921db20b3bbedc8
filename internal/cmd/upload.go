package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/submit"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload run results to the dashboard",
	Long: `Upload the results of a batch, a single results file or every results file
in a directory. A batch upload moves the payload to the uploaded state.

Examples:
  emop upload --proc-id 20150101000000001
  emop upload --upload-file payload/output/completed/20150101000000001.json
  emop upload --upload-dir payload/output/completed`,
	RunE: runUpload,
}

var (
	uploadProcID string
	uploadFile   string
	uploadDir    string
)

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadProcID, "proc-id", "", "Upload the results of a batch")
	uploadCmd.Flags().StringVar(&uploadFile, "upload-file", "", "Upload one results file")
	uploadCmd.Flags().StringVar(&uploadDir, "upload-dir", "", "Upload every results file in a directory")

	uploadCmd.MarkFlagsMutuallyExclusive("proc-id", "upload-file", "upload-dir")
	uploadCmd.MarkFlagsOneRequired("proc-id", "upload-file", "upload-dir")
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dash, err := dashboardClient()
	if err != nil {
		observability.CLILogger.Error("Failed to create dashboard client", zap.Error(err))
		return exitError(exitFailure, "Failed to create dashboard client", err)
	}
	up := submit.NewUploader(dash, payloadStore(), observability.CLILogger)

	switch {
	case uploadProcID != "":
		err = up.UploadProcID(ctx, uploadProcID)
	case uploadFile != "":
		err = up.UploadFile(ctx, uploadFile)
	default:
		err = up.UploadDir(ctx, uploadDir)
	}
	if err != nil {
		observability.CLILogger.Error("Upload failed", zap.Error(err))
		return exitError(exitFailure, "Upload failed", err)
	}
	return nil
}
