package jobregistry

import "time"

// JobState is the lifecycle state of a locally managed job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
	JobStateUnknown JobState = "unknown"
)

// Terminal reports whether the job has stopped, whatever its outcome.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailed, JobStateUnknown:
		return true
	}
	return false
}

// JobKind distinguishes what a managed child process does.
type JobKind string

const (
	// KindCompute runs a reserved batch through the OCR pipeline.
	KindCompute JobKind = "compute"
	// KindTransferMonitor waits on a transfer task.
	KindTransferMonitor JobKind = "transfer-monitor"
	// KindTransferWorker copies the items of an object-store transfer task.
	KindTransferWorker JobKind = "transfer-worker"
)

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID      string   `json:"job_id"`
	Name       string   `json:"name,omitempty"`
	Kind       JobKind  `json:"kind"`
	State      JobState `json:"state"`
	Args       []string `json:"args,omitempty"`
	Dependency string   `json:"dependency,omitempty"`
	ProcID     string   `json:"proc_id,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	PID        int      `json:"pid,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LogPath   string     `json:"log_path,omitempty"`
}
