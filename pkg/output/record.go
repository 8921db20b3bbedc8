// Package output provides JSONL output for controller commands.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, which lets
// cron wrappers and dashboards consume `emop ... --json` without scraping
// the human-readable text.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: emop.<type>.v<version>
const (
	// TypePreflight identifies endpoint activation check records.
	TypePreflight = "emop.preflight.v1"

	// TypeTransfer identifies transfer submission and item records.
	TypeTransfer = "emop.transfer.v1"

	// TypeTask identifies transfer task status records.
	TypeTask = "emop.task.v1"

	// TypePending identifies pending page count records.
	TypePending = "emop.pending.v1"

	// TypeRuntime identifies log-derived runtime statistics.
	TypeRuntime = "emop.runtime.v1"

	// TypeError identifies error records.
	TypeError = "emop.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "emop.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "emop.task.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID correlates records of one command invocation. For run and
	// upload this is the proc id.
	JobID string `json:"job_id"`

	// Scheduler identifies the batch scheduler (e.g., "slurm", "local").
	Scheduler string `json:"scheduler,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// PreflightRecord reports the activation state of the transfer endpoints.
type PreflightRecord struct {
	// FailOnWarn is set when a short activation lease is fatal.
	FailOnWarn bool                  `json:"fail_on_warn"`
	Results    []EndpointCheckResult `json:"results"`
}

// OK reports whether every endpoint passed.
func (p *PreflightRecord) OK() bool {
	for _, r := range p.Results {
		if !r.Activated || (r.Warning != "" && p.FailOnWarn) {
			return false
		}
	}
	return true
}

// EndpointCheckResult is a single endpoint activation check.
type EndpointCheckResult struct {
	Endpoint  string `json:"endpoint"`
	Activated bool   `json:"activated"`
	// ExpiresIn is the remaining lease in seconds; negative never expires.
	ExpiresIn     int64  `json:"expires_in"`
	Autoactivated bool   `json:"autoactivated,omitempty"`
	ActivationURL string `json:"activation_url,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// TransferRecord describes a submitted transfer or one copied item.
type TransferRecord struct {
	TaskID      string `json:"task_id"`
	Label       string `json:"label,omitempty"`
	Source      string `json:"source_endpoint,omitempty"`
	Destination string `json:"destination_endpoint,omitempty"`
	Items       int    `json:"items,omitempty"`

	// Src and Dest are set for per-item records.
	Src   string `json:"src,omitempty"`
	Dest  string `json:"dest,omitempty"`
	Bytes int64  `json:"bytes,omitempty"`
	// Skipped is set when the sync level found the destination current.
	Skipped bool `json:"skipped,omitempty"`
}

// TaskRecord is a transfer task status snapshot.
type TaskRecord struct {
	TaskID           string    `json:"task_id"`
	Label            string    `json:"label,omitempty"`
	Status           string    `json:"status"`
	Files            int       `json:"files"`
	FilesSkipped     int       `json:"files_skipped"`
	FilesTransferred int       `json:"files_transferred"`
	RequestTime      time.Time `json:"request_time,omitempty"`
	CompletionTime   time.Time `json:"completion_time,omitempty"`
}

// PendingRecord is the number of pending pages for a filter.
type PendingRecord struct {
	Count  int            `json:"count"`
	Filter map[string]any `json:"filter,omitempty"`
}

// RuntimeRecord carries runtime statistics parsed from job logs.
type RuntimeRecord struct {
	PagesCompleted   int                  `json:"pages_completed"`
	TotalPageRuntime float64              `json:"total_page_runtime"`
	AvgPageRuntime   float64              `json:"average_page_runtime"`
	JobsCompleted    int                  `json:"jobs_completed"`
	AvgJobRuntime    float64              `json:"average_job_runtime"`
	Processes        []ProcessRuntimeStat `json:"processes"`
}

// ProcessRuntimeStat aggregates one pipeline stage.
type ProcessRuntimeStat struct {
	Name      string  `json:"name"`
	Completed int     `json:"completed"`
	Total     float64 `json:"total"`
	Average   float64 `json:"average"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// ProcID is the proc id related to this error, if applicable.
	ProcID string `json:"proc_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNoWork       = "NO_WORK"
	ErrCodeJobLimit     = "JOB_LIMIT"
	ErrCodeEndpoint     = "ENDPOINT_NOT_READY"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeTransfer     = "TRANSFER_FAILED"
	ErrCodeSubmit       = "SUBMIT_FAILED"
	ErrCodeDashboard    = "DASHBOARD"
	ErrCodeInternal     = "INTERNAL"
	ErrCodeNoJobEnviron = "NO_JOB_ENVIRONMENT"
)

// SummaryRecord is emitted at the end of submit, run and upload.
type SummaryRecord struct {
	Command string `json:"command"`

	// ProcIDs lists the reservations or uploads handled.
	ProcIDs []string `json:"proc_ids,omitempty"`

	// JobIDs lists the scheduler job ids submitted.
	JobIDs []string `json:"job_ids,omitempty"`

	// TransferTaskID is the stage-in or stage-out task id, if any.
	TransferTaskID string `json:"transfer_task_id,omitempty"`

	Pages     int `json:"pages,omitempty"`
	Completed int `json:"completed,omitempty"`
	Failed    int `json:"failed,omitempty"`

	// Simulated is set for --sim submissions.
	Simulated bool `json:"simulated,omitempty"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
