package objectstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/emop/pkg/atomicfile"
	"github.com/3leaps/emop/pkg/transfer"
)

// TaskRecord is the on-disk state of one object-store transfer task. The
// worker is its only writer once the task has been submitted.
type TaskRecord struct {
	transfer.Task

	SubmissionID string          `json:"submission_id,omitempty"`
	SyncLevel    int             `json:"sync_level"`
	Items        []transfer.Item `json:"items"`
	Successful   []transfer.Item `json:"successful_transfers"`
	Errors       []string        `json:"errors,omitempty"`
	WorkerJobID  string          `json:"worker_job_id,omitempty"`
}

// TaskStore keeps task records as <dir>/<task id>.json.
type TaskStore struct {
	dir string
}

func NewTaskStore(dir string) *TaskStore {
	return &TaskStore{dir: dir}
}

func (s *TaskStore) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid task id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *TaskStore) Save(rec *TaskRecord) error {
	p, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	return atomicfile.WriteJSON(p, rec)
}

// Get loads a task. A missing record yields transfer.ErrTaskNotFound.
func (s *TaskStore) Get(id string) (*TaskRecord, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("task %s: %w", id, transfer.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var rec TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &rec, nil
}

// FindSubmission returns the task created for a submission id, if any.
func (s *TaskStore) FindSubmission(submissionID string) (*TaskRecord, bool) {
	if submissionID == "" {
		return nil, false
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, false
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err == nil && rec.SubmissionID == submissionID {
			return rec, true
		}
	}
	return nil, false
}
