// Package transfer coordinates asynchronous bulk file transfers between the
// remote storage endpoint and the cluster endpoint.
//
// The Coordinator is backend agnostic; a Client implements the transfer
// service API (Globus Transfer in production, an object-store backend for
// S3 and filesystem endpoints).
package transfer

import (
	"context"
	"time"
)

// Status is a transfer task state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusUnknown is reported when a wait budget runs out before the task
	// reaches a terminal state.
	StatusUnknown Status = "UNKNOWN"
)

// Terminal reports whether the task has finished.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Item is one (source, destination) path pair.
type Item struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// Task is the state of a submitted transfer.
type Task struct {
	ID                  string    `json:"task_id"`
	Label               string    `json:"label,omitempty"`
	Status              Status    `json:"status"`
	SourceEndpoint      string    `json:"source_endpoint"`
	DestinationEndpoint string    `json:"destination_endpoint"`
	Files               int       `json:"files"`
	FilesSkipped        int       `json:"files_skipped"`
	FilesTransferred    int       `json:"files_transferred"`
	RequestTime         time.Time `json:"request_time,omitempty"`
	CompletionTime      time.Time `json:"completion_time,omitempty"`
}

// Endpoint is the activation state of a named endpoint.
type Endpoint struct {
	Name      string
	Activated bool
	// ExpiresIn is the remaining activation lease. Negative means the lease
	// never expires.
	ExpiresIn time.Duration
}

// Request describes a transfer submission.
type Request struct {
	SubmissionID string
	Source       string
	Destination  string
	Label        string
	// SyncLevel controls skipping of files already present at the
	// destination: 0 never skips, 1 compares existence and size, 2 adds
	// modification time, 3 adds checksum.
	SyncLevel int
	Items     []Item
}

// Entry is one listing result.
type Entry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Client is the transfer service API consumed by the Coordinator.
type Client interface {
	Endpoint(ctx context.Context, name string) (*Endpoint, error)
	Autoactivate(ctx context.Context, name string) (*Endpoint, error)
	ActivationURL(name string) string
	SubmissionID(ctx context.Context) (string, error)
	Submit(ctx context.Context, req Request) (string, error)
	Task(ctx context.Context, taskID string) (*Task, error)
	SuccessfulTransfers(ctx context.Context, taskID string) ([]Item, error)
	Ls(ctx context.Context, endpoint, path string) ([]Entry, error)
}
