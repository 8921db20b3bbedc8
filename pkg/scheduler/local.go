package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/jobregistry"
)

// LocalName is the registry name of the local process backend.
const LocalName = "local"

// Local runs jobs as detached child processes of the emop binary, tracked in
// a jobregistry under the state dir. It needs no cluster and is meant for
// single-host deployments and development.
type Local struct {
	settings Settings
	exec     *jobregistry.Executor
	logger   *zap.Logger
	getenv   func(string) string
}

func newLocal(s Settings, opts Options) (Scheduler, error) {
	if strings.TrimSpace(s.StateDir) == "" {
		return nil, fmt.Errorf("local: state dir is required")
	}
	if strings.TrimSpace(s.JobName) == "" {
		s.JobName = "emop"
	}
	return &Local{
		settings: s,
		exec:     jobregistry.NewExecutor(LocalJobsDir(s.StateDir)),
		logger:   opts.Logger,
		getenv:   opts.Getenv,
	}, nil
}

// LocalJobsDir is where the local backend keeps job records.
func LocalJobsDir(stateDir string) string {
	return filepath.Join(stateDir, "jobs")
}

// Executor exposes the underlying process executor.
func (l *Local) Executor() *jobregistry.Executor { return l.exec }

func (l *Local) Name() string { return LocalName }

func (l *Local) JobID() string { return strings.TrimSpace(l.getenv(jobregistry.EnvJobID)) }

func (l *Local) IsJobEnvironment() bool { return l.JobID() != "" }

func (l *Local) CurrentJobCount(ctx context.Context) (int, error) {
	_ = ctx
	jobs, err := l.exec.Store().List()
	if err != nil {
		return 0, fmt.Errorf("list local jobs: %w", err)
	}
	count := 0
	for _, j := range jobs {
		if j.Kind == jobregistry.KindCompute && j.Name == l.settings.JobName && !j.State.Terminal() {
			count++
		}
	}
	return count, nil
}

func (l *Local) program() string {
	if l.exec.Executable != "" {
		return l.exec.Executable
	}
	return "emop"
}

func (l *Local) SubmitCmd(req SubmitRequest) command.Spec {
	env := []string{EnvConfigPath + "=" + l.settings.ConfigPath}
	if req.Type == JobTransfer {
		wait := int(l.settings.TransferWait / time.Second)
		env = append(env, EnvTaskID+"="+req.TaskID)
		return command.Spec{
			Name: l.program(),
			Args: []string{"transfer", "status", "--task-id", req.TaskID, "--wait", strconv.Itoa(wait)},
			Env:  env,
		}
	}
	env = append(env, EnvProcID+"="+req.ProcID)
	return command.Spec{
		Name: l.program(),
		Args: []string{"run", "--proc-id", req.ProcID},
		Env:  env,
	}
}

func (l *Local) SubmitJob(ctx context.Context, procID string, numPages int, dependency string) (string, error) {
	_ = ctx
	spec := l.SubmitCmd(SubmitRequest{Type: JobCompute, ProcID: procID, NumPages: numPages, Dependency: dependency})
	rec, err := l.exec.Start(jobregistry.LaunchSpec{
		Name:       l.settings.JobName,
		Kind:       jobregistry.KindCompute,
		Args:       spec.Args,
		Env:        spec.Env,
		Dependency: dependency,
		ProcID:     procID,
		LogDir:     l.settings.LogDir,
	})
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	l.logger.Info("Submitted job", zap.String("job_id", rec.JobID), zap.String("proc_id", procID), zap.Int("pages", numPages))
	return rec.JobID, nil
}

func (l *Local) SubmitTransferJob(ctx context.Context, taskID string) (string, error) {
	_ = ctx
	spec := l.SubmitCmd(SubmitRequest{Type: JobTransfer, TaskID: taskID})
	rec, err := l.exec.Start(jobregistry.LaunchSpec{
		Name:   TransferJobName,
		Kind:   jobregistry.KindTransferMonitor,
		Args:   spec.Args,
		Env:    spec.Env,
		TaskID: taskID,
		LogDir: l.settings.LogDir,
	})
	if err != nil {
		return "", fmt.Errorf("submit transfer job: %w", err)
	}
	l.logger.Info("Submitted transfer job", zap.String("job_id", rec.JobID), zap.String("task_id", taskID))
	return rec.JobID, nil
}

// AwaitDependency blocks a locally spawned job until the job it depends on
// has ended. It returns immediately outside a local job or without a
// dependency.
func AwaitDependency(ctx context.Context, getenv func(string) string, interval time.Duration, logger *zap.Logger) error {
	dep := strings.TrimSpace(getenv(jobregistry.EnvDependency))
	root := strings.TrimSpace(getenv(jobregistry.EnvRoot))
	if dep == "" || root == "" {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := jobregistry.NewStore(root)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := store.Get(dep)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
		if rec.State.Terminal() {
			logger.Info("Dependency finished", zap.String("dependency", dep), zap.String("state", string(rec.State)))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FinishLocalJob records the exit status of the current local job, if any.
func FinishLocalJob(getenv func(string) string, exitCode int) error {
	id := strings.TrimSpace(getenv(jobregistry.EnvJobID))
	root := strings.TrimSpace(getenv(jobregistry.EnvRoot))
	if id == "" || root == "" {
		return nil
	}
	return jobregistry.NewStore(root).Finish(id, exitCode)
}
