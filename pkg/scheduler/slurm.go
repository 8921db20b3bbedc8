package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
)

// SlurmName is the registry name of the SLURM backend.
const SlurmName = "slurm"

const transferMemPerCPU = 2000

// Slurm submits jobs with sbatch and counts them with squeue.
type Slurm struct {
	settings Settings
	runner   command.Runner
	logger   *zap.Logger
	getenv   func(string) string
}

func newSlurm(s Settings, opts Options) (Scheduler, error) {
	if strings.TrimSpace(s.Queue) == "" {
		return nil, fmt.Errorf("slurm: queue is required")
	}
	if strings.TrimSpace(s.JobName) == "" {
		return nil, fmt.Errorf("slurm: job name is required")
	}
	return &Slurm{settings: s, runner: opts.Runner, logger: opts.Logger, getenv: opts.Getenv}, nil
}

func (s *Slurm) Name() string { return SlurmName }

func (s *Slurm) JobID() string {
	for _, k := range []string{"SLURM_JOB_ID", "SLURM_JOBID"} {
		if v := strings.TrimSpace(s.getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func (s *Slurm) IsJobEnvironment() bool { return s.JobID() != "" }

func (s *Slurm) CurrentJobCount(ctx context.Context) (int, error) {
	args := []string{"-r", "--noheader", "-p", s.settings.Queue, "-n", s.settings.JobName}
	res, err := s.runner.Run(ctx, command.Spec{Name: "squeue", Args: args})
	if err != nil {
		return 0, fmt.Errorf("squeue: %w", err)
	}
	if !res.OK() {
		return 0, &SubmitError{Op: "job count", Command: "squeue", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	count := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

func (s *Slurm) SubmitCmd(req SubmitRequest) command.Spec {
	queue := s.settings.Queue
	name := s.settings.JobName
	mem := s.settings.MemPerCPU
	cpus := s.settings.CPUsPerTask
	if req.Type == JobTransfer {
		if s.settings.TransferQueue != "" {
			queue = s.settings.TransferQueue
		}
		name = TransferJobName
		mem = transferMemPerCPU
		cpus = 1
	}

	args := []string{
		"--parsable",
		"-p", queue,
		"-J", name,
		"-o", filepath.Join(s.settings.LogDir, name+"-%j.out"),
	}
	if mem > 0 {
		args = append(args, "--mem-per-cpu", strconv.Itoa(mem))
	}
	if cpus > 0 {
		args = append(args, "--cpus-per-task", strconv.Itoa(cpus))
	}
	if req.Type == JobCompute && s.settings.SetWalltime && req.NumPages > 0 {
		args = append(args, "--time", strconv.Itoa(WalltimeMinutes(s.settings, req.NumPages)))
	}
	if req.Type == JobCompute && s.settings.SignalGrace > 0 {
		args = append(args, fmt.Sprintf("--signal=B:USR1@%d", s.settings.SignalGrace))
	}
	args = append(args, s.settings.ExtraArgs...)

	env := []string{EnvConfigPath + "=" + s.settings.ConfigPath}
	script := s.settings.JobScript
	switch req.Type {
	case JobTransfer:
		script = s.settings.TransferJobScript
		env = append(env, EnvTaskID+"="+req.TaskID)
	default:
		if req.Dependency != "" {
			args = append(args, "--dependency=afterany:"+req.Dependency)
		}
		env = append(env, EnvProcID+"="+req.ProcID)
	}
	args = append(args, script)

	return command.Spec{Name: "sbatch", Args: args, Env: env}
}

func (s *Slurm) SubmitJob(ctx context.Context, procID string, numPages int, dependency string) (string, error) {
	spec := s.SubmitCmd(SubmitRequest{Type: JobCompute, ProcID: procID, NumPages: numPages, Dependency: dependency})
	id, err := s.submit(ctx, "submit job", spec)
	if err != nil {
		return "", err
	}
	s.logger.Info("Submitted job", zap.String("job_id", id), zap.String("proc_id", procID), zap.Int("pages", numPages))
	return id, nil
}

func (s *Slurm) SubmitTransferJob(ctx context.Context, taskID string) (string, error) {
	spec := s.SubmitCmd(SubmitRequest{Type: JobTransfer, TaskID: taskID})
	id, err := s.submit(ctx, "submit transfer job", spec)
	if err != nil {
		return "", err
	}
	s.logger.Info("Submitted transfer job", zap.String("job_id", id), zap.String("task_id", taskID))
	return id, nil
}

func (s *Slurm) submit(ctx context.Context, op string, spec command.Spec) (string, error) {
	s.logger.Debug("sbatch", zap.Strings("args", spec.Args))
	res, err := s.runner.Run(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !res.OK() {
		return "", &SubmitError{Op: op, Command: "sbatch", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	// --parsable prints "<jobid>[;<cluster>]".
	id := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if id == "" {
		return "", fmt.Errorf("%s: sbatch returned no job id", op)
	}
	return id, nil
}
