package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/emop/internal/observability"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and EMOP_*
environment overrides have been applied. The dashboard token is masked.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := *appConfig
	cfg.Dashboard.AuthToken = maskSecret(cfg.Dashboard.AuthToken)

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		observability.CLILogger.Error("Failed to encode configuration", zap.Error(err))
		return exitError(exitFailure, "Failed to encode configuration", err)
	}
	return enc.Close()
}

// maskSecret keeps the last four characters of s.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
