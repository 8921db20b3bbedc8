package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Executor spawns detached child processes of the emop binary and records
// them in a Store.
type Executor struct {
	store *Store

	// Executable overrides the program to spawn. Defaults to os.Executable().
	Executable string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

// LogPath returns the default combined stdout/stderr log for a job.
func (e *Executor) LogPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "job.log")
}

// LaunchSpec describes a child process to start.
type LaunchSpec struct {
	Name       string
	Kind       JobKind
	Args       []string
	Env        []string
	Dependency string
	ProcID     string
	TaskID     string

	// LogDir, when set, receives the combined output as <Name>-<job id>.out.
	LogDir string
}

// EnvJobID carries the job id into the child so it can report its exit status.
const EnvJobID = "EMOP_LOCAL_JOB_ID"

// EnvDependency names a job that must finish before the child starts work.
const EnvDependency = "EMOP_LOCAL_DEPENDENCY"

// EnvRoot carries the registry root into the child.
const EnvRoot = "EMOP_LOCAL_JOB_ROOT"

// Start spawns the child and returns after it successfully starts. stdout and
// stderr share one log file.
func (e *Executor) Start(spec LaunchSpec) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("job arguments are required")
	}

	jobID := uuid.New().String()
	jobDir := e.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	logPath := e.LogPath(jobID)
	if dir := strings.TrimSpace(spec.LogDir); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logPath = filepath.Join(dir, fmt.Sprintf("%s-%s.out", spec.Name, jobID))
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create job log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	exe := e.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:      jobID,
		Name:       strings.TrimSpace(spec.Name),
		Kind:       spec.Kind,
		State:      JobStateQueued,
		Args:       spec.Args,
		Dependency: spec.Dependency,
		ProcID:     spec.ProcID,
		TaskID:     spec.TaskID,
		CreatedAt:  now,
		LogPath:    logPath,
	}
	// Written before the child starts so it can always find its own record.
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, spec.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		EnvJobID+"="+jobID,
		EnvRoot+"="+e.store.RootDir(),
	)
	if spec.Dependency != "" {
		cmd.Env = append(cmd.Env, EnvDependency+"="+spec.Dependency)
	}

	if err := cmd.Start(); err != nil {
		exit := 1
		rec.State = JobStateFailed
		rec.ExitCode = &exit
		rec.EndedAt = &now
		_ = e.store.Write(rec)
		return nil, fmt.Errorf("start %s job: %w", spec.Kind, err)
	}

	// A short-lived child may already have reported its exit status.
	if cur, err := e.store.Get(jobID); err == nil && cur.State.Terminal() {
		_ = cmd.Process.Release()
		return cur, nil
	}

	started := time.Now().UTC()
	rec.State = JobStateRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &started
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}
	_ = cmd.Process.Release()

	return rec, nil
}
