// Package payload persists the per-batch JSON documents that carry a
// reservation through its lifecycle: input, output (in progress),
// completed output and uploaded output.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/emop/pkg/atomicfile"
	"github.com/3leaps/emop/pkg/job"
)

var (
	// ErrNotFound indicates the requested payload variant does not exist.
	ErrNotFound = errors.New("payload not found")

	// ErrExists indicates a save would overwrite an existing payload.
	ErrExists = errors.New("payload already exists")
)

// Variant identifies one lifecycle stage of a batch payload.
type Variant string

const (
	Input           Variant = "input"
	Output          Variant = "output"
	CompletedOutput Variant = "completed"
	UploadedOutput  Variant = "uploaded"
)

// Paths locates the directory for each variant.
type Paths struct {
	InputDir     string
	OutputDir    string
	CompletedDir string
	UploadedDir  string
}

// Store reads and writes payload files.
//
// Layout:
//
//	<dir for variant>/<proc_id>.json
type Store struct {
	paths Paths
}

// New returns a Store. Completed and uploaded directories default to
// subdirectories of the output directory.
func New(p Paths) *Store {
	p.InputDir = strings.TrimSpace(p.InputDir)
	p.OutputDir = strings.TrimSpace(p.OutputDir)
	if strings.TrimSpace(p.CompletedDir) == "" && p.OutputDir != "" {
		p.CompletedDir = filepath.Join(p.OutputDir, "completed")
	}
	if strings.TrimSpace(p.UploadedDir) == "" && p.OutputDir != "" {
		p.UploadedDir = filepath.Join(p.OutputDir, "uploaded")
	}
	return &Store{paths: p}
}

func (s *Store) dir(v Variant) string {
	switch v {
	case Input:
		return s.paths.InputDir
	case Output:
		return s.paths.OutputDir
	case CompletedOutput:
		return s.paths.CompletedDir
	case UploadedOutput:
		return s.paths.UploadedDir
	}
	return ""
}

// Path returns the payload file location for a variant.
func (s *Store) Path(v Variant, procID string) string {
	return filepath.Join(s.dir(v), strings.TrimSpace(procID)+".json")
}

// Exists reports whether the payload variant is present on disk.
func (s *Store) Exists(v Variant, procID string) bool {
	if strings.TrimSpace(procID) == "" || s.dir(v) == "" {
		return false
	}
	st, err := os.Stat(s.Path(v, procID))
	return err == nil && !st.IsDir()
}

func (s *Store) InputExists(procID string) bool  { return s.Exists(Input, procID) }
func (s *Store) OutputExists(procID string) bool { return s.Exists(Output, procID) }
func (s *Store) CompletedOutputExists(procID string) bool {
	return s.Exists(CompletedOutput, procID)
}
func (s *Store) UploadedOutputExists(procID string) bool {
	return s.Exists(UploadedOutput, procID)
}

// ReadRaw returns the payload bytes. A missing file yields ErrNotFound.
func (s *Store) ReadRaw(v Variant, procID string) ([]byte, error) {
	if strings.TrimSpace(procID) == "" {
		return nil, fmt.Errorf("proc_id is required")
	}
	if s.dir(v) == "" {
		return nil, fmt.Errorf("%s payload dir is not configured", v)
	}
	b, err := os.ReadFile(s.Path(v, procID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s payload %s: %w", v, procID, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s payload %s: %w", v, procID, err)
	}
	return b, nil
}

// Load decodes a payload variant into out.
func (s *Store) Load(v Variant, procID string, out any) error {
	b, err := s.ReadRaw(v, procID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s payload %s: %w", v, procID, err)
	}
	return nil
}

// LoadInput returns the reserved records for a batch.
func (s *Store) LoadInput(procID string) ([]job.Record, error) {
	var records []job.Record
	if err := s.Load(Input, procID, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// LoadResults returns the run results stored in an output variant.
func (s *Store) LoadResults(v Variant, procID string) (*Results, error) {
	var r Results
	if err := s.Load(v, procID, &r); err != nil {
		return nil, err
	}
	r.normalize()
	return &r, nil
}

// Save writes data as the payload variant. Without overwrite an existing file
// is left untouched and ErrExists is returned.
func (s *Store) Save(v Variant, procID string, data any, overwrite bool) error {
	if strings.TrimSpace(procID) == "" {
		return fmt.Errorf("proc_id is required")
	}
	if s.dir(v) == "" {
		return fmt.Errorf("%s payload dir is not configured", v)
	}
	if !overwrite && s.Exists(v, procID) {
		return fmt.Errorf("%s payload %s: %w", v, procID, ErrExists)
	}
	if raw, ok := data.([]byte); ok {
		return atomicfile.Write(s.Path(v, procID), raw)
	}
	return atomicfile.WriteJSON(s.Path(v, procID), data)
}

// Latest returns the most advanced output variant that exists, preferring
// completed over in-progress over uploaded.
func (s *Store) Latest(procID string) (Variant, bool) {
	for _, v := range []Variant{CompletedOutput, Output, UploadedOutput} {
		if s.Exists(v, procID) {
			return v, true
		}
	}
	return "", false
}

// MarkUploaded moves the completed output (or the in-progress output when no
// completed output exists) to the uploaded variant.
func (s *Store) MarkUploaded(procID string) error {
	src := CompletedOutput
	if !s.Exists(src, procID) {
		src = Output
	}
	if !s.Exists(src, procID) {
		return fmt.Errorf("output payload %s: %w", procID, ErrNotFound)
	}
	dst := s.Path(UploadedOutput, procID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create uploaded dir: %w", err)
	}
	if err := os.Rename(s.Path(src, procID), dst); err != nil {
		return fmt.Errorf("move %s payload %s: %w", src, procID, err)
	}
	return nil
}
