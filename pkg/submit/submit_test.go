package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/dashboard"
	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/payload"
	"github.com/3leaps/emop/pkg/scheduler"
	"github.com/3leaps/emop/pkg/transfer"
)

type fakeDashboard struct {
	pending     int
	pendingErr  error
	reserveErrs int
	reserved    []int
	next        int
	uploads     []string
	uploadErr   error
	// noFiles reserves records without page images.
	noFiles bool
}

func (f *fakeDashboard) PendingCount(context.Context, dashboard.Filter) (int, error) {
	return f.pending, f.pendingErr
}

func (f *fakeDashboard) Reserve(_ context.Context, n int, _ dashboard.Filter) (*dashboard.Reservation, error) {
	if f.reserveErrs > 0 {
		f.reserveErrs--
		return nil, errors.New("dashboard unavailable")
	}
	f.reserved = append(f.reserved, n)
	f.next++
	recs := make([]job.Record, n)
	for i := range recs {
		recs[i] = job.Record{ID: int64(f.next*100 + i), Page: &job.Page{ID: int64(i)}}
		if !f.noFiles {
			recs[i].Page.ImagePath = fmt.Sprintf("/data/%d.tif", i)
		}
	}
	return &dashboard.Reservation{ProcID: fmt.Sprintf("proc-%d", f.next), Count: n, Results: recs}, nil
}

func (f *fakeDashboard) UploadResults(_ context.Context, raw json.RawMessage) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, string(raw))
	return nil
}

type fakeScheduler struct {
	current      int
	jobs         []string
	dependencies []string
	transferTask string
	submitErr    error
}

func (f *fakeScheduler) Name() string                                   { return "fake" }
func (f *fakeScheduler) JobID() string                                  { return "" }
func (f *fakeScheduler) IsJobEnvironment() bool                         { return false }
func (f *fakeScheduler) CurrentJobCount(context.Context) (int, error)   { return f.current, nil }
func (f *fakeScheduler) SubmitCmd(scheduler.SubmitRequest) command.Spec { return command.Spec{} }

func (f *fakeScheduler) SubmitJob(_ context.Context, procID string, _ int, dependency string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.jobs = append(f.jobs, procID)
	f.dependencies = append(f.dependencies, dependency)
	return "job-" + procID, nil
}

func (f *fakeScheduler) SubmitTransferJob(_ context.Context, taskID string) (string, error) {
	f.transferTask = taskID
	return "xfer-job", nil
}

type fakeStager struct {
	endpointErr error
	staged      []string
	taskID      string
}

func (f *fakeStager) CheckEndpoints(context.Context, bool) (*output.PreflightRecord, error) {
	return &output.PreflightRecord{}, f.endpointErr
}

func (f *fakeStager) StageInProcIDs(_ context.Context, procIDs []string, _ time.Duration) (string, error) {
	f.staged = append(f.staged, procIDs...)
	return f.taskID, nil
}

func settings() scheduler.Settings {
	return scheduler.Settings{MaxJobs: 10, MinJobRuntime: 300, MaxJobRuntime: 3600, AvgPageRuntime: 20}
}

func newController(t *testing.T, d *fakeDashboard, s *fakeScheduler, st *fakeStager) (*Controller, *payload.Store) {
	t.Helper()
	dir := t.TempDir()
	store := payload.New(payload.Paths{InputDir: filepath.Join(dir, "input"), OutputDir: filepath.Join(dir, "output")})
	return New(d, s, st, store, settings(), nil), store
}

func TestOptimizeSubmitBounds(t *testing.T) {
	s := settings()
	for pending := 0; pending <= 2000; pending += 7 {
		for current := 0; current <= 12; current++ {
			p := OptimizeSubmit(s, pending, current)
			assert.LessOrEqual(t, p.Pages(), pending, "pending=%d current=%d", pending, current)
			assert.LessOrEqual(t, p.NumJobs, max(s.MaxJobs-current, 0), "pending=%d current=%d", pending, current)
			if pending > 0 && current < s.MaxJobs {
				assert.Positive(t, p.NumJobs, "pending=%d current=%d", pending, current)
			}
		}
	}
}

func TestOptimizeSubmit(t *testing.T) {
	s := settings()
	tests := []struct {
		name    string
		pending int
		current int
		want    Plan
	}{
		{"nothing pending", 0, 0, Plan{}},
		{"no free slots", 100, 10, Plan{}},
		{"fewer pages than minimum job", 5, 0, Plan{NumJobs: 1, PagesPerJob: 5}},
		{"minimum job size", 40, 0, Plan{NumJobs: 2, PagesPerJob: 15}},
		{"even spread", 500, 0, Plan{NumJobs: 10, PagesPerJob: 50}},
		{"spread over remaining slots", 500, 5, Plan{NumJobs: 5, PagesPerJob: 100}},
		{"capped by max runtime", 100000, 0, Plan{NumJobs: 10, PagesPerJob: 180}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OptimizeSubmit(s, tt.pending, tt.current))
		})
	}
}

func TestSubmitRequiresPairedFlags(t *testing.T) {
	d := &fakeDashboard{pending: 10}
	c, _ := newController(t, d, &fakeScheduler{}, &fakeStager{})

	_, err := c.Submit(context.Background(), Request{NumJobs: 2})
	assert.ErrorIs(t, err, ErrPairedFlags)
	_, err = c.Submit(context.Background(), Request{PagesPerJob: 2})
	assert.ErrorIs(t, err, ErrPairedFlags)
	assert.Empty(t, d.reserved)
}

func TestSubmitNoWork(t *testing.T) {
	d := &fakeDashboard{pending: 0}
	c, _ := newController(t, d, &fakeScheduler{}, &fakeStager{})

	sum, err := c.Submit(context.Background(), Request{Schedule: true})
	require.NoError(t, err)
	assert.True(t, sum.NoWork)
	assert.Empty(t, d.reserved)
}

func TestSubmitPendingQueryFails(t *testing.T) {
	d := &fakeDashboard{pendingErr: errors.New("down")}
	c, _ := newController(t, d, &fakeScheduler{}, &fakeStager{})

	_, err := c.Submit(context.Background(), Request{})
	require.Error(t, err)
}

func TestSubmitJobLimit(t *testing.T) {
	d := &fakeDashboard{pending: 100}
	c, _ := newController(t, d, &fakeScheduler{current: 10}, &fakeStager{})

	sum, err := c.Submit(context.Background(), Request{Schedule: true})
	require.NoError(t, err)
	assert.True(t, sum.JobLimit)
	assert.Empty(t, d.reserved)

	// Without scheduling the limit is not consulted.
	sum, err = c.Submit(context.Background(), Request{Simulate: true})
	require.NoError(t, err)
	assert.False(t, sum.JobLimit)
	assert.True(t, sum.Simulated)
}

func TestSubmitSimulateReservesNothing(t *testing.T) {
	d := &fakeDashboard{pending: 500}
	st := &fakeStager{}
	c, _ := newController(t, d, &fakeScheduler{}, st)

	sum, err := c.Submit(context.Background(), Request{Simulate: true, Schedule: true})
	require.NoError(t, err)
	assert.Equal(t, Plan{NumJobs: 10, PagesPerJob: 50}, sum.Plan)
	assert.Empty(t, d.reserved)
	assert.Empty(t, st.staged)
}

func TestSubmitEndpointsNotReady(t *testing.T) {
	d := &fakeDashboard{pending: 500}
	c, _ := newController(t, d, &fakeScheduler{}, &fakeStager{endpointErr: transfer.ErrEndpointNotReady})

	_, err := c.Submit(context.Background(), Request{Schedule: true})
	assert.ErrorIs(t, err, ErrEndpointsNotReady)
	assert.Empty(t, d.reserved, "nothing is reserved before endpoints are healthy")
}

func TestSubmitTransferClientFailure(t *testing.T) {
	d := &fakeDashboard{pending: 500}
	cause := errors.New("read token file: permission denied")
	c, _ := newController(t, d, &fakeScheduler{}, &fakeStager{endpointErr: cause})

	_, err := c.Submit(context.Background(), Request{Schedule: true})
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrEndpointsNotReady)
	assert.Empty(t, d.reserved)
}

func TestSubmitFlow(t *testing.T) {
	d := &fakeDashboard{pending: 500}
	s := &fakeScheduler{}
	st := &fakeStager{taskID: "task-1"}
	c, store := newController(t, d, s, st)

	sum, err := c.Submit(context.Background(), Request{NumJobs: 3, PagesPerJob: 4, Schedule: true})
	require.NoError(t, err)
	assert.True(t, sum.OK())
	assert.Equal(t, []int{4, 4, 4}, d.reserved)
	assert.Equal(t, []string{"proc-1", "proc-2", "proc-3"}, sum.ProcIDs)
	assert.Equal(t, sum.ProcIDs, st.staged, "one combined stage-in for all batches")
	assert.Equal(t, "task-1", s.transferTask)
	assert.Equal(t, "xfer-job", sum.TransferJobID)
	assert.Equal(t, []string{"xfer-job", "xfer-job", "xfer-job"}, s.dependencies)
	assert.Equal(t, []string{"job-proc-1", "job-proc-2", "job-proc-3"}, sum.JobIDs)

	recs, err := store.LoadInput("proc-2")
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestSubmitContinuesPastReserveFailure(t *testing.T) {
	d := &fakeDashboard{pending: 500, reserveErrs: 1}
	s := &fakeScheduler{}
	c, _ := newController(t, d, s, &fakeStager{taskID: "task-1"})

	sum, err := c.Submit(context.Background(), Request{NumJobs: 2, PagesPerJob: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ReserveFailures)
	assert.False(t, sum.OK())
	assert.Equal(t, []string{"proc-1"}, s.jobs)

	d = &fakeDashboard{pending: 500, reserveErrs: 2}
	c, _ = newController(t, d, &fakeScheduler{}, &fakeStager{})
	_, err = c.Submit(context.Background(), Request{NumJobs: 2, PagesPerJob: 4})
	require.Error(t, err)
}

func TestSubmitWithoutFilesHasNoDependency(t *testing.T) {
	s := &fakeScheduler{}
	c, _ := newController(t, &fakeDashboard{pending: 5}, s, &fakeStager{})

	sum, err := c.Submit(context.Background(), Request{NumJobs: 1, PagesPerJob: 5})
	require.NoError(t, err)
	assert.Empty(t, sum.TransferJobID)
	assert.Equal(t, []string{""}, s.dependencies)
}

func TestSubmitJobFailureIsReported(t *testing.T) {
	s := &fakeScheduler{submitErr: &scheduler.SubmitError{Op: "submit job", Command: "sbatch", ExitCode: 1}}
	c, _ := newController(t, &fakeDashboard{pending: 10}, s, &fakeStager{taskID: "t"})

	sum, err := c.Submit(context.Background(), Request{NumJobs: 2, PagesPerJob: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SubmitFailures)
	assert.False(t, sum.OK())
}

func TestReserveNeverOverwritesInput(t *testing.T) {
	d := &fakeDashboard{}
	c, store := newController(t, d, &fakeScheduler{}, &fakeStager{})
	require.NoError(t, store.Save(payload.Input, "proc-1", []job.Record{{ID: 1}}, false))

	_, err := c.Reserve(context.Background(), 2, dashboard.Filter{})
	assert.ErrorIs(t, err, payload.ErrExists)

	_, err = c.Reserve(context.Background(), 0, dashboard.Filter{})
	assert.ErrorIs(t, err, ErrNothingReserved)
}

func TestUploadProcID(t *testing.T) {
	d := &fakeDashboard{}
	_, store := newController(t, d, &fakeScheduler{}, &fakeStager{})
	u := NewUploader(d, store, nil)
	ctx := context.Background()

	require.Error(t, u.UploadProcID(ctx, "missing"))

	res := payload.NewResults()
	res.JobQueues.Completed = []int64{1}
	require.NoError(t, store.Save(payload.CompletedOutput, "p1", res, false))
	require.NoError(t, u.UploadProcID(ctx, "p1"))
	require.Len(t, d.uploads, 1)
	assert.JSONEq(t, `{"job_queues":{"completed":[1],"failed":[]},"page_results":[],"postproc_results":[]}`, d.uploads[0])
	assert.True(t, store.UploadedOutputExists("p1"))
	assert.False(t, store.CompletedOutputExists("p1"))

	require.NoError(t, store.Save(payload.CompletedOutput, "p2", res, false))
	d.uploadErr = errors.New("HTTP 500")
	require.Error(t, u.UploadProcID(ctx, "p2"))
	assert.True(t, store.CompletedOutputExists("p2"), "failed uploads stay in place")
}

func TestUploadDir(t *testing.T) {
	d := &fakeDashboard{}
	u := NewUploader(d, payload.New(payload.Paths{}), nil)
	dir := t.TempDir()

	require.Error(t, u.UploadDir(context.Background(), dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"page_results":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`not json`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`x`), 0o644))

	err := u.UploadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.json")
	assert.Len(t, d.uploads, 1)
}
