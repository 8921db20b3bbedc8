package payload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return New(Paths{
		InputDir:  filepath.Join(root, "input"),
		OutputDir: filepath.Join(root, "output"),
	})
}

func TestStoreDefaultsDerivedDirs(t *testing.T) {
	s := New(Paths{InputDir: "/in", OutputDir: "/out"})
	assert.Equal(t, "/out/completed/p1.json", s.Path(CompletedOutput, "p1"))
	assert.Equal(t, "/out/uploaded/p1.json", s.Path(UploadedOutput, "p1"))
	assert.Equal(t, "/in/p1.json", s.Path(Input, "p1"))
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadInput("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.LoadResults(Output, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.False(t, s.InputExists("nope"))
	assert.False(t, s.OutputExists("nope"))
	assert.False(t, s.CompletedOutputExists("nope"))
	assert.False(t, s.UploadedOutputExists("nope"))
}

func TestSaveRespectsOverwrite(t *testing.T) {
	s := newTestStore(t)

	first := NewResults()
	first.JobQueues.Completed = []int64{1}
	require.NoError(t, s.Save(Output, "p1", first, false))

	second := NewResults()
	second.JobQueues.Completed = []int64{2}
	err := s.Save(Output, "p1", second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExists))

	got, err := s.LoadResults(Output, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.JobQueues.Completed)

	require.NoError(t, s.Save(Output, "p1", second, true))
	got, err = s.LoadResults(Output, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got.JobQueues.Completed)
}

func TestResultsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	idx := 0.25
	in := &Results{
		JobQueues: JobQueues{
			Completed: []int64{1, 2},
			Failed:    []FailedUnit{{ID: 3, Results: "slurm JOB 77: Denoise Failed: boom"}},
		},
		PageResults: []job.PageResult{{
			PageID: 1, BatchID: 17,
			OCRTextPath: "/data/shared/text-xml/IDHMC-ocr/17/152141/1.txt",
			OCRXMLPath:  "/data/shared/text-xml/IDHMC-ocr/17/152141/1.xml",
		}},
		PostprocResults: []job.PostprocResult{{PageID: 1, BatchJobID: 17, Ecorr: &idx, Multicol: "1"}},
	}
	require.NoError(t, s.Save(CompletedOutput, "p1", in, false))

	out, err := s.LoadResults(CompletedOutput, "p1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptyResultsSerializeAsLists(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(Output, "p1", NewResults(), false))

	b, err := s.ReadRaw(Output, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_queues":{"completed":[],"failed":[]},"page_results":[],"postproc_results":[]}`, string(b))
}

func TestLatestPrefersCompleted(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Latest("p1")
	assert.False(t, ok)

	require.NoError(t, s.Save(UploadedOutput, "p1", NewResults(), false))
	v, ok := s.Latest("p1")
	require.True(t, ok)
	assert.Equal(t, UploadedOutput, v)

	require.NoError(t, s.Save(Output, "p1", NewResults(), false))
	v, _ = s.Latest("p1")
	assert.Equal(t, Output, v)

	require.NoError(t, s.Save(CompletedOutput, "p1", NewResults(), false))
	v, _ = s.Latest("p1")
	assert.Equal(t, CompletedOutput, v)
}

func TestMarkUploaded(t *testing.T) {
	s := newTestStore(t)

	err := s.MarkUploaded("p1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Save(CompletedOutput, "p1", NewResults(), false))
	require.NoError(t, s.MarkUploaded("p1"))

	assert.False(t, s.CompletedOutputExists("p1"))
	assert.True(t, s.UploadedOutputExists("p1"))
}

func TestLoadInputRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path(Input, "bad")), 0o755))
	require.NoError(t, os.WriteFile(s.Path(Input, "bad"), []byte("{not json"), 0o644))

	_, err := s.LoadInput("bad")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
