// Package cmd implements the emop command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/config"
	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/scheduler"
)

// Process exit codes. Scheduled jobs read nothing else.
const (
	exitOK      = 0
	exitFailure = 1
)

// dependencyPollInterval is how often a local job checks the job it waits on.
const dependencyPollInterval = 5 * time.Second

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool

	// appConfig is loaded before every command runs.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "emop",
	Short: "Batch OCR controller for the eMOP dashboard",
	Long: `emop reserves pending pages from the eMOP dashboard, stages their images
onto the cluster, submits OCR jobs to the batch scheduler, runs the OCR and
postprocessing pipeline inside those jobs and uploads the results.

Configuration is read from --config, $EMOP_CONFIG_PATH or
$EMOP_HOME/config.yaml. Any key can be overridden from the environment with
the EMOP_ prefix, e.g. EMOP_DASHBOARD_AUTH_TOKEN.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSONL records on stdout")
}

// SetVersionInfo records build metadata reported by --version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

func initApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{Path: cfgFile})
	if err != nil {
		observability.InitCLILogger(config.AppName, verbose)
		observability.CLILogger.Error("Failed to load configuration", zap.String("path", cfgFile), zap.Error(err))
		return exitError(exitFailure, "Failed to load configuration", err)
	}
	appConfig = cfg

	level := cfg.LogLevel()
	if verbose {
		level = "debug"
	}
	observability.InitCLILoggerWithLevel(config.AppName, level, cfg.LogFile())
	observability.CLILogger.Debug("Configuration loaded", zap.String("path", cfg.Path), zap.String("home", cfg.Home))

	// A job spawned by the local scheduler starts immediately; hold it here
	// until the job it depends on has finished.
	if err := scheduler.AwaitDependency(cmd.Context(), os.Getenv, dependencyPollInterval, observability.CLILogger); err != nil {
		observability.CLILogger.Error("Failed waiting on job dependency", zap.Error(err))
		return exitError(exitFailure, "Failed waiting on job dependency", err)
	}
	return nil
}

// Execute runs the root command and exits the process.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	if err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) {
			// Usage errors happen before the logger is configured.
			_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	if ferr := scheduler.FinishLocalJob(os.Getenv, code); ferr != nil {
		observability.CLILogger.Warn("Failed to record local job exit", zap.Error(ferr))
	}
	_ = observability.CLILogger.Sync()
	os.Exit(code)
}

// ExitError carries the exit status of a failed command. Its cause has
// already been logged.
type ExitError struct {
	Code int
	Msg  string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Msg, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Msg: message, Err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}
