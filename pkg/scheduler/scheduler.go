// Package scheduler abstracts the cluster batch system that runs emop
// compute jobs and transfer monitor jobs.
//
// Backends register a Factory under a name; the configured name selects the
// backend at runtime. Two backends ship with the package: "slurm" drives
// sbatch/squeue, "local" runs jobs as detached child processes on the
// current host.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
)

// ErrUnknownScheduler indicates no backend is registered under a name.
var ErrUnknownScheduler = errors.New("unknown scheduler")

// Environment variables handed to spawned jobs.
const (
	EnvProcID     = "PROC_ID"
	EnvTaskID     = "TASK_ID"
	EnvConfigPath = "EMOP_CONFIG_PATH"
)

// TransferJobName is the job name used for transfer monitor jobs.
const TransferJobName = "emop-transfer"

// Settings configures a scheduler backend.
type Settings struct {
	Name          string
	MaxJobs       int
	Queue         string
	TransferQueue string
	JobName       string

	// Runtime bounds and estimate, in seconds.
	MinJobRuntime  int
	MaxJobRuntime  int
	AvgPageRuntime int

	LogDir      string
	MemPerCPU   int
	CPUsPerTask int
	SetWalltime bool
	ExtraArgs   []string

	// SignalGrace is how many seconds before the time limit a compute job
	// receives SIGUSR1 so the run can save its results. Zero disables it.
	SignalGrace int

	JobScript         string
	TransferJobScript string

	// ConfigPath is exported to jobs so they load the same configuration.
	ConfigPath string

	// StateDir holds local backend job records.
	StateDir string

	// TransferWait bounds how long a transfer monitor job waits on its task.
	TransferWait time.Duration
}

// JobType distinguishes compute jobs from transfer monitor jobs.
type JobType string

const (
	JobCompute  JobType = "job"
	JobTransfer JobType = "transfer"
)

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Type       JobType
	ProcID     string
	TaskID     string
	NumPages   int
	Dependency string
}

// Scheduler is the contract every backend implements.
type Scheduler interface {
	// Name is the backend name, used in failure messages.
	Name() string

	// JobID is the scheduler's id for the current process, empty outside a job.
	JobID() string

	// IsJobEnvironment reports whether the current process runs inside a
	// scheduled job.
	IsJobEnvironment() bool

	// CurrentJobCount counts this application's running and queued jobs.
	CurrentJobCount(ctx context.Context) (int, error)

	// SubmitCmd builds the submission invocation for a request.
	SubmitCmd(req SubmitRequest) command.Spec

	// SubmitJob submits a compute job for a reserved batch. A non-empty
	// dependency makes the job start after that job ends, whatever its outcome.
	SubmitJob(ctx context.Context, procID string, numPages int, dependency string) (string, error)

	// SubmitTransferJob submits a job that waits on a transfer task and
	// returns its job id.
	SubmitTransferJob(ctx context.Context, taskID string) (string, error)
}

// Options carries collaborators shared by all backends.
type Options struct {
	Runner command.Runner
	Logger *zap.Logger
	Getenv func(string) string
}

func (o Options) withDefaults() Options {
	if o.Runner == nil {
		o.Runner = command.OSRunner{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	return o
}

// Factory constructs a backend.
type Factory func(s Settings, opts Options) (Scheduler, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = f
}

// Names lists registered backends.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New constructs the backend selected by s.Name.
func New(s Settings, opts Options) (Scheduler, error) {
	name := strings.ToLower(strings.TrimSpace(s.Name))
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownScheduler, s.Name, strings.Join(Names(), ", "))
	}
	return f(s, opts.withDefaults())
}

func init() {
	Register(SlurmName, newSlurm)
	Register(LocalName, newLocal)
}

// Walltime estimates the runtime in seconds for numPages pages, clamped to
// the configured minimum and maximum job runtime.
func Walltime(s Settings, numPages int) int {
	w := numPages * s.AvgPageRuntime
	if s.MaxJobRuntime > 0 && w > s.MaxJobRuntime {
		w = s.MaxJobRuntime
	}
	if w < s.MinJobRuntime {
		w = s.MinJobRuntime
	}
	return w
}

// WalltimeMinutes is Walltime rounded up to whole minutes.
func WalltimeMinutes(s Settings, numPages int) int {
	return int(math.Ceil(float64(Walltime(s, numPages)) / 60))
}

// SubmitError reports a scheduler command that exited non-zero.
type SubmitError struct {
	Op       string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *SubmitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("%s: %s exited %d: %s", e.Op, e.Command, e.ExitCode, msg)
}
