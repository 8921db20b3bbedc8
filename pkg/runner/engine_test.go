package runner

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/stage"
)

type ident struct{}

func (ident) Name() string  { return "slurm" }
func (ident) JobID() string { return "4242" }

// fakeStage records invocations and returns a canned result.
type fakeStage struct {
	name   string
	skip   bool
	result stage.Result
	run    func(ctx context.Context)
	calls  *[]string
	apply  func()
}

func (f *fakeStage) Name() string    { return f.name }
func (f *fakeStage) ShouldRun() bool { return !f.skip }

func (f *fakeStage) Run(ctx context.Context) stage.Result {
	*f.calls = append(*f.calls, f.name)
	if f.run != nil {
		f.run(ctx)
	}
	if f.apply != nil {
		f.apply()
	}
	return f.result
}

func records(ids ...int64) []job.Record {
	out := make([]job.Record, len(ids))
	for i, id := range ids {
		out[i] = job.Record{
			ID: id,
			BatchJob: job.BatchJob{
				ID:        1,
				Name:      "batch",
				JobType:   job.NamedType{Name: "OCR"},
				OCREngine: job.NamedType{Name: "tesseract"},
			},
			Page: &job.Page{ID: id * 10, Number: int(id)},
			Work: &job.Work{ID: 7},
		}
	}
	return out
}

func newStore(t *testing.T, procID string, recs []job.Record) *payload.Store {
	t.Helper()
	dir := t.TempDir()
	s := payload.New(payload.Paths{InputDir: dir + "/input", OutputDir: dir + "/output"})
	if recs != nil {
		require.NoError(t, s.Save(payload.Input, procID, recs, false))
	}
	return s
}

func TestRunCompletesAndFails(t *testing.T) {
	store := newStore(t, "p1", records(1, 2, 3))
	var calls []string
	builder := func(j *job.Job) ([]stage.Stage, error) {
		ocr := &fakeStage{name: stage.NameOCR, calls: &calls, apply: func() { j.PageResult.OCRTextPath = "/ocr/1.txt" }}
		post := &fakeStage{name: stage.NameDenoise, calls: &calls}
		if j.ID == 2 {
			post.result = stage.Result{Stderr: "boom", ExitCode: 3}
		}
		return []stage.Stage{ocr, post}, nil
	}

	e := New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder))
	require.NoError(t, e.Run(context.Background(), false))

	res, err := store.LoadResults(payload.CompletedOutput, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, res.JobQueues.Completed)
	require.Len(t, res.JobQueues.Failed, 1)
	assert.Equal(t, payload.FailedUnit{ID: 2, Results: "slurm JOB 4242: Denoise Failed: boom"}, res.JobQueues.Failed[0])
	assert.Len(t, res.PageResults, 3)
	assert.Len(t, calls, 6)

	out, err := store.LoadResults(payload.Output, "p1")
	require.NoError(t, err)
	assert.Equal(t, res.JobQueues, out.JobQueues)
}

func TestRunOCRFailureMessage(t *testing.T) {
	store := newStore(t, "p1", records(1))
	var calls []string
	builder := func(*job.Job) ([]stage.Stage, error) {
		return []stage.Stage{
			&fakeStage{name: stage.NameOCR, calls: &calls, result: stage.Result{Stderr: "no image", ExitCode: 1}},
			&fakeStage{name: stage.NameDenoise, calls: &calls},
		}, nil
	}
	require.NoError(t, New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder)).Run(context.Background(), false))

	res, err := store.LoadResults(payload.CompletedOutput, "p1")
	require.NoError(t, err)
	assert.Equal(t, "slurm JOB 4242: tesseract OCR Failed: no image", res.JobQueues.Failed[0].Results)
	assert.Equal(t, []string{stage.NameOCR}, calls)
}

func TestRunUnsupportedEngine(t *testing.T) {
	recs := records(1)
	recs[0].BatchJob.OCREngine = job.NamedType{Name: "ocular"}
	store := newStore(t, "p1", recs)

	e := New("p1", store, ident{}, Settings{}, &stage.Env{}, nil)
	require.NoError(t, e.Run(context.Background(), false))
	assert.Equal(t, "slurm JOB 4242: OCR with ocular not yet supported", e.Results().JobQueues.Failed[0].Results)
}

func TestRunSkipExisting(t *testing.T) {
	store := newStore(t, "p1", records(1))
	var calls []string
	builder := func(*job.Job) ([]stage.Stage, error) {
		return []stage.Stage{
			&fakeStage{name: stage.NameOCR, skip: true, calls: &calls},
			&fakeStage{name: stage.NameDenoise, skip: true, calls: &calls, result: stage.Result{ExitCode: 1}},
		}, nil
	}
	e := New("p1", store, ident{}, Settings{SkipExisting: true}, nil, nil, WithBuilder(builder))
	require.NoError(t, e.Run(context.Background(), false))

	assert.Empty(t, calls)
	assert.Equal(t, []int64{1}, e.Results().JobQueues.Completed)
}

func TestRunGuards(t *testing.T) {
	t.Run("no payload", func(t *testing.T) {
		store := newStore(t, "p1", nil)
		err := New("p1", store, ident{}, Settings{}, nil, nil).Run(context.Background(), false)
		require.ErrorIs(t, err, ErrNoPayload)
	})

	t.Run("empty payload", func(t *testing.T) {
		store := newStore(t, "p1", []job.Record{})
		err := New("p1", store, ident{}, Settings{}, nil, nil).Run(context.Background(), false)
		require.ErrorIs(t, err, ErrNoPayload)
	})

	t.Run("existing output without force", func(t *testing.T) {
		for _, v := range []payload.Variant{payload.Output, payload.CompletedOutput} {
			store := newStore(t, "p1", records(1))
			require.NoError(t, store.Save(v, "p1", payload.NewResults(), false))
			err := New("p1", store, ident{}, Settings{}, nil, nil).Run(context.Background(), false)
			require.ErrorIs(t, err, ErrOutputExists, v)
		}
	})

	t.Run("force overwrites", func(t *testing.T) {
		store := newStore(t, "p1", records(1))
		require.NoError(t, store.Save(payload.CompletedOutput, "p1", payload.NewResults(), false))
		var calls []string
		builder := func(*job.Job) ([]stage.Stage, error) {
			return []stage.Stage{&fakeStage{name: stage.NameOCR, calls: &calls}}, nil
		}
		require.NoError(t, New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder)).Run(context.Background(), true))
		res, err := store.LoadResults(payload.CompletedOutput, "p1")
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, res.JobQueues.Completed)
	})

	t.Run("unsupported job type fails before any work", func(t *testing.T) {
		recs := records(1, 2)
		recs[1].BatchJob.JobType = job.NamedType{Name: "ground truth compare"}
		store := newStore(t, "p1", recs)
		var calls []string
		builder := func(*job.Job) ([]stage.Stage, error) {
			return []stage.Stage{&fakeStage{name: stage.NameOCR, calls: &calls}}, nil
		}
		err := New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder)).Run(context.Background(), false)
		require.ErrorIs(t, err, ErrUnsupportedJobType)
		assert.Empty(t, calls)
		assert.False(t, store.OutputExists("p1"))
	})
}

func TestRunTimeLimitSignal(t *testing.T) {
	store := newStore(t, "p1", records(1, 2, 3, 4))
	var calls []string
	builder := func(j *job.Job) ([]stage.Stage, error) {
		s := &fakeStage{name: stage.NameOCR, calls: &calls}
		if j.ID == 2 {
			s.run = func(ctx context.Context) {
				require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
				<-ctx.Done()
			}
			s.result = stage.Result{Stderr: "killed", ExitCode: -1}
		}
		return []stage.Stage{s}, nil
	}

	e := New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder), WithSignals(syscall.SIGUSR2))
	err := e.Run(context.Background(), false)
	require.ErrorIs(t, err, ErrTimeLimit)

	res, err := store.LoadResults(payload.CompletedOutput, "p1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, res.JobQueues.Completed)
	require.Len(t, res.JobQueues.Failed, 3)
	for i, f := range res.JobQueues.Failed {
		assert.Equal(t, int64(i+2), f.ID)
		assert.Equal(t, "slurm JOB 4242: time limit reached", f.Results)
	}
	assert.Equal(t, []string{stage.NameOCR, stage.NameOCR}, calls)
	assert.True(t, store.OutputExists("p1"))
}

func TestRunParentCancel(t *testing.T) {
	store := newStore(t, "p1", records(1, 2))
	ctx, cancel := context.WithCancel(context.Background())
	builder := func(j *job.Job) ([]stage.Stage, error) {
		var calls []string
		return []stage.Stage{&fakeStage{name: stage.NameOCR, calls: &calls, run: func(context.Context) { cancel() }}}, nil
	}
	err := New("p1", store, ident{}, Settings{}, nil, nil, WithBuilder(builder)).Run(ctx, false)
	require.ErrorIs(t, err, context.Canceled)

	res, err := store.LoadResults(payload.Output, "p1")
	require.NoError(t, err)
	assert.Empty(t, res.JobQueues.Completed)
	assert.Len(t, res.JobQueues.Failed, 2)
	assert.Contains(t, res.JobQueues.Failed[0].Results, "interrupted")
}
