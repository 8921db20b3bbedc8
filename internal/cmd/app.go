package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/emop/internal/config"
	"github.com/3leaps/emop/internal/observability"
	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/jobregistry"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/runner"
	"github.com/3leaps/emop/pkg/scheduler"
	"github.com/3leaps/emop/pkg/stage"
	"github.com/3leaps/emop/pkg/transfer"
	"github.com/3leaps/emop/pkg/transfer/globus"
	"github.com/3leaps/emop/pkg/transfer/objectstore"
)

// Collaborator factories. Tests swap them for fakes.
var (
	commandRunner   command.Runner = command.OSRunner{}
	transferFactory                = newTransferClient
)

func payloadStore() *payload.Store {
	return payload.New(appConfig.PayloadPaths())
}

func dashboardClient() (*dashboard.Client, error) {
	return dashboard.New(appConfig.DashboardConfig(), observability.CLILogger)
}

func newScheduler() (scheduler.Scheduler, error) {
	return scheduler.New(appConfig.SchedulerSettings(), scheduler.Options{
		Runner: commandRunner,
		Logger: observability.CLILogger,
	})
}

// newTransferClient builds the configured transfer backend. The returned
// func releases backend resources.
func newTransferClient(cfg *config.Config, logger *zap.Logger) (transfer.Client, func(), error) {
	switch cfg.Transfer.Backend {
	case config.BackendGlobus, "":
		c, err := globus.New(cfg.GlobusConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case config.BackendObjectStore:
		launcher := &objectstore.ExecLauncher{
			Executor: jobregistry.NewExecutor(filepath.Join(cfg.Transfer.StateDir, "workers")),
			Env:      []string{config.EnvConfigPath + "=" + cfg.SchedulerSettings().ConfigPath},
			LogDir:   cfg.Scheduler.LogDir,
		}
		c, err := objectstore.New(cfg.ObjectStoreConfig(), launcher, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transfer backend %q", cfg.Transfer.Backend)
	}
}

func newCoordinator() (*transfer.Coordinator, func(), error) {
	client, closeFn, err := transferFactory(appConfig, observability.CLILogger)
	if err != nil {
		return nil, nil, err
	}
	return transfer.NewCoordinator(client, appConfig.CoordinatorConfig(), payloadStore(), observability.CLILogger), closeFn, nil
}

func stageEnv() *stage.Env {
	return &stage.Env{
		Home:            appConfig.Home,
		TesseractConfig: appConfig.Stages.TesseractConfig,
		JXAlgorithm:     appConfig.Juxta.JXAlgorithm,
		Commands:        appConfig.StageCommands(),
		Runner:          commandRunner,
		Logger:          observability.CLILogger,
	}
}

func runnerSettings() runner.Settings {
	return runner.Settings{
		Job:             appConfig.JobSettings(),
		SkipExisting:    appConfig.Controller.SkipExisting,
		MultiColumnSkew: appConfig.Controller.MultiColumnSkewEnabled,
	}
}

// recordWriter returns a JSONL writer on w when --json is set.
func recordWriter(w io.Writer, jobID string) output.Writer {
	if !jsonOutput {
		return output.Discard{}
	}
	if jobID == "" {
		jobID = uuid.New().String()
	}
	return output.NewJSONLWriter(w, jobID, appConfig.Scheduler.Name)
}
