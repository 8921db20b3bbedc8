package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/job"
	"github.com/3leaps/emop/pkg/payload"
)

type fakeClient struct {
	mu sync.Mutex

	endpoints    map[string]*Endpoint
	autoactivate map[string]*Endpoint
	activated    []string

	submitted []Request
	submitErr error

	// statuses is consumed one per Task call; the last one repeats.
	statuses  []Status
	taskCalls int
	taskErr   error
	done      []Item
}

func (f *fakeClient) Endpoint(_ context.Context, name string) (*Endpoint, error) {
	ep, ok := f.endpoints[name]
	if !ok {
		return nil, errors.New("no such endpoint")
	}
	return ep, nil
}

func (f *fakeClient) Autoactivate(_ context.Context, name string) (*Endpoint, error) {
	f.activated = append(f.activated, name)
	if ep, ok := f.autoactivate[name]; ok {
		return ep, nil
	}
	return &Endpoint{Name: name}, nil
}

func (f *fakeClient) ActivationURL(name string) string { return "https://activate/" + name }

func (f *fakeClient) SubmissionID(context.Context) (string, error) { return "sub-1", nil }

func (f *fakeClient) Submit(_ context.Context, req Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "000-000-001", nil
}

func (f *fakeClient) Task(_ context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	f.taskCalls++
	status := StatusActive
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &Task{ID: id, Status: status, SourceEndpoint: "tamu#brazos", DestinationEndpoint: "idhmc#data", Files: 2, FilesTransferred: 2}, nil
}

func (f *fakeClient) SuccessfulTransfers(context.Context, string) ([]Item, error) { return f.done, nil }

func (f *fakeClient) Ls(_ context.Context, _, _ string) ([]Entry, error) {
	return []Entry{{Name: "test-in.txt", Type: "file", Size: 4}}, nil
}

func testConfig() Config {
	return Config{
		ClusterEndpoint:   "tamu#brazos",
		RemoteEndpoint:    "idhmc#data",
		MinActivationTime: 3 * 24 * time.Hour,
		PollInterval:      time.Millisecond,
		InputPrefix:       "/fdata/idhmc/emop-input",
		OutputPrefix:      "/fdata/idhmc/emop-output",
	}
}

func newTestCoordinator(t *testing.T, client *fakeClient) (*Coordinator, *payload.Store) {
	t.Helper()
	dir := t.TempDir()
	store := payload.New(payload.Paths{InputDir: dir + "/input", OutputDir: dir + "/output"})
	return NewCoordinator(client, testConfig(), store, nil), store
}

func TestStageInFiles(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestCoordinator(t, client)

	id, err := c.StageInFiles(context.Background(), []string{"/dne/file.txt"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "000-000-001", id)

	require.Len(t, client.submitted, 1)
	req := client.submitted[0]
	assert.Equal(t, "idhmc#data", req.Source)
	assert.Equal(t, "tamu#brazos", req.Destination)
	assert.Equal(t, LabelStageIn, req.Label)
	assert.Equal(t, SyncLevelMtime, req.SyncLevel)
	assert.Equal(t, "sub-1", req.SubmissionID)
	assert.Equal(t, []Item{{Src: "/dne/file.txt", Dest: "/fdata/idhmc/emop-input/dne/file.txt"}}, req.Items)
}

func TestStageInDataSkipsRecordsWithoutFiles(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestCoordinator(t, client)

	records := []job.Record{
		{ID: 1, Page: &job.Page{ImagePath: "/data/eebo/e0006/40099/00001.000.001.tif", GroundTruthFile: "/data/shared/text-xml/EEBO-TCP-pages-text/e0006/40099/1.txt"}},
		{ID: 2},
		{ID: 3, Page: &job.Page{ImagePath: "/data/eebo/e0006/40099/00002.000.001.tif"}},
	}
	_, err := c.StageInData(context.Background(), records, 0)
	require.NoError(t, err)
	require.Len(t, client.submitted, 1)
	assert.Equal(t, []Item{
		{Src: "/data/eebo/e0006/40099/00001.000.001.tif", Dest: "/fdata/idhmc/emop-input/data/eebo/e0006/40099/00001.000.001.tif"},
		{Src: "/data/shared/text-xml/EEBO-TCP-pages-text/e0006/40099/1.txt", Dest: "/fdata/idhmc/emop-input/data/shared/text-xml/EEBO-TCP-pages-text/e0006/40099/1.txt"},
		{Src: "/data/eebo/e0006/40099/00002.000.001.tif", Dest: "/fdata/idhmc/emop-input/data/eebo/e0006/40099/00002.000.001.tif"},
	}, client.submitted[0].Items)

	id, err := c.StageInData(context.Background(), []job.Record{{ID: 4}}, 0)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, client.submitted, 1)
}

func TestStageInProcIDsCombinesBatches(t *testing.T) {
	client := &fakeClient{}
	c, store := newTestCoordinator(t, client)

	require.NoError(t, store.Save(payload.Input, "p1", []job.Record{{ID: 1, Page: &job.Page{ImagePath: "/data/a.tif"}}}, false))
	require.NoError(t, store.Save(payload.Input, "p2", []job.Record{{ID: 2, Page: &job.Page{ImagePath: "/data/b.tif"}}}, false))

	_, err := c.StageInProcIDs(context.Background(), []string{"p1", "missing", "p2"}, 0)
	require.NoError(t, err)
	require.Len(t, client.submitted, 1, "one transfer per submission event")
	assert.Equal(t, []Item{
		{Src: "/data/a.tif", Dest: "/fdata/idhmc/emop-input/data/a.tif"},
		{Src: "/data/b.tif", Dest: "/fdata/idhmc/emop-input/data/b.tif"},
	}, client.submitted[0].Items)
}

func TestStartWithoutItems(t *testing.T) {
	client := &fakeClient{}
	c, _ := newTestCoordinator(t, client)

	_, err := c.Start(context.Background(), "idhmc#data", "tamu#brazos", nil, LabelStageIn, 0)
	assert.ErrorIs(t, err, ErrNoItems)
	assert.Empty(t, client.submitted)
}

func TestStageInProcIDsWithoutFiles(t *testing.T) {
	client := &fakeClient{}
	c, store := newTestCoordinator(t, client)
	require.NoError(t, store.Save(payload.Input, "p1", []job.Record{{ID: 1}, {ID: 2, Page: &job.Page{ID: 2}}}, false))

	id, err := c.StageInProcIDs(context.Background(), []string{"p1", "missing"}, 0)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, client.submitted)
}

const outputPayload = `{
  "job_queues": {"completed": [1], "failed": []},
  "page_results": [{
    "page_id": 1,
    "batch_id": 17,
    "ocr_text_path": "/data/shared/text-xml/IDHMC-ocr/17/152141/1.txt",
    "ocr_xml_path": "/data/shared/text-xml/IDHMC-ocr/17/152141/1.xml",
    "corr_ocr_text_path": "/fdata/idhmc/emop-output/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.txt",
    "corr_ocr_xml_path": "/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.xml",
    "note": "relative/path"
  }],
  "postproc_results": [{"page_id": 1, "pp_health": "/not/scanned"}]
}`

func TestStageOutProcID(t *testing.T) {
	for _, variant := range []payload.Variant{payload.Output, payload.CompletedOutput, payload.UploadedOutput} {
		t.Run(string(variant), func(t *testing.T) {
			client := &fakeClient{}
			c, store := newTestCoordinator(t, client)
			require.NoError(t, store.Save(variant, "output_payload_1", []byte(outputPayload), false))

			id, err := c.StageOutProcID(context.Background(), "output_payload_1", 0)
			require.NoError(t, err)
			assert.Equal(t, "000-000-001", id)

			require.Len(t, client.submitted, 1)
			req := client.submitted[0]
			assert.Equal(t, "tamu#brazos", req.Source)
			assert.Equal(t, "idhmc#data", req.Destination)
			assert.Equal(t, "emop-stage-out-output_payload_1", req.Label)
			assert.ElementsMatch(t, []Item{
				{Src: "/fdata/idhmc/emop-output/data/shared/text-xml/IDHMC-ocr/17/152141/1.txt", Dest: "/data/shared/text-xml/IDHMC-ocr/17/152141/1.txt"},
				{Src: "/fdata/idhmc/emop-output/data/shared/text-xml/IDHMC-ocr/17/152141/1.xml", Dest: "/data/shared/text-xml/IDHMC-ocr/17/152141/1.xml"},
				{Src: "/fdata/idhmc/emop-output/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.txt", Dest: "/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.txt"},
				{Src: "/fdata/idhmc/emop-output/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.xml", Dest: "/data/shared/text-xml/IDHMC-ocr/17/152141/1_ALTO.xml"},
			}, req.Items)
		})
	}
}

func TestStageOutNothingToDo(t *testing.T) {
	client := &fakeClient{}
	c, store := newTestCoordinator(t, client)

	id, err := c.StageOutProcID(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.Save(payload.Output, "invalid", []byte("{not json"), false))
	id, err = c.StageOutProcID(context.Background(), "invalid", 0)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.Save(payload.Output, "empty", payload.NewResults(), false))
	id, err = c.StageOutProcID(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.Empty(t, id)

	assert.Empty(t, client.submitted)
}

func TestWaitForTask(t *testing.T) {
	t.Run("terminal status", func(t *testing.T) {
		client := &fakeClient{statuses: []Status{StatusActive, StatusActive, StatusSucceeded}}
		c, _ := newTestCoordinator(t, client)

		status, err := c.WaitForTask(context.Background(), "t1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, status)
		assert.Equal(t, 3, client.taskCalls)
	})

	t.Run("timeout is unknown", func(t *testing.T) {
		client := &fakeClient{statuses: []Status{StatusActive}}
		c, _ := newTestCoordinator(t, client)

		status, err := c.WaitForTask(context.Background(), "t1", 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
		assert.Equal(t, 6, client.taskCalls, "timeout/interval+1 checks")
	})

	t.Run("query error stops polling", func(t *testing.T) {
		client := &fakeClient{taskErr: errors.New("api down")}
		c, _ := newTestCoordinator(t, client)

		_, err := c.WaitForTask(context.Background(), "t1", time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api down")
	})
}

func TestStartWaits(t *testing.T) {
	client := &fakeClient{statuses: []Status{StatusFailed}}
	c, _ := newTestCoordinator(t, client)

	id, err := c.Start(context.Background(), "a", "b", []Item{{Src: "/x", Dest: "/y"}}, "emop-test", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "000-000-001", id)
	assert.Equal(t, 1, client.taskCalls)
}

func TestCheckEndpoints(t *testing.T) {
	week := 7 * 24 * time.Hour

	t.Run("both active", func(t *testing.T) {
		client := &fakeClient{endpoints: map[string]*Endpoint{
			"tamu#brazos": {Activated: true, ExpiresIn: week},
			"idhmc#data":  {Activated: true, ExpiresIn: -1},
		}}
		c, _ := newTestCoordinator(t, client)

		rec, err := c.CheckEndpoints(context.Background(), true)
		require.NoError(t, err)
		require.Len(t, rec.Results, 2)
		assert.Equal(t, int64(week/time.Second), rec.Results[0].ExpiresIn)
		assert.Equal(t, int64(-1), rec.Results[1].ExpiresIn)
		assert.Empty(t, client.activated)
	})

	t.Run("short lease warns", func(t *testing.T) {
		client := &fakeClient{endpoints: map[string]*Endpoint{
			"tamu#brazos": {Activated: true, ExpiresIn: time.Hour},
			"idhmc#data":  {Activated: true, ExpiresIn: week},
		}}
		c, _ := newTestCoordinator(t, client)

		rec, err := c.CheckEndpoints(context.Background(), false)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.Results[0].Warning)

		rec, err = c.CheckEndpoints(context.Background(), true)
		assert.ErrorIs(t, err, ErrEndpointNotReady)
		assert.Equal(t, "https://activate/tamu#brazos", rec.Results[0].ActivationURL)
		assert.Empty(t, rec.Results[1].ActivationURL)
	})

	t.Run("inactive endpoint is autoactivated once", func(t *testing.T) {
		client := &fakeClient{
			endpoints: map[string]*Endpoint{
				"tamu#brazos": {Activated: false},
				"idhmc#data":  {Activated: false},
			},
			autoactivate: map[string]*Endpoint{
				"tamu#brazos": {Activated: true, ExpiresIn: week},
			},
		}
		c, _ := newTestCoordinator(t, client)

		rec, err := c.CheckEndpoints(context.Background(), false)
		assert.ErrorIs(t, err, ErrEndpointNotReady)
		assert.Equal(t, []string{"tamu#brazos", "idhmc#data"}, client.activated)
		assert.True(t, rec.Results[0].Activated)
		assert.True(t, rec.Results[0].Autoactivated)
		assert.False(t, rec.Results[1].Activated)
	})
}

func TestFormatLease(t *testing.T) {
	assert.Equal(t, "0-01:00:00", FormatLease(time.Hour))
	assert.Equal(t, "2-03:04:05", FormatLease(2*24*time.Hour+3*time.Hour+4*time.Minute+5*time.Second))
}

func TestDisplayTask(t *testing.T) {
	client := &fakeClient{
		statuses: []Status{StatusSucceeded},
		done:     []Item{{Src: "/fdata/out/1.txt", Dest: "/data/1.txt"}},
	}
	c, _ := newTestCoordinator(t, client)

	var buf bytes.Buffer
	task, err := c.DisplayTask(context.Background(), "abc", 0, &buf)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, "Task: abc\n"+
		"\tfiles=2\n\tfiles_skipped=0\n\tfiles_transferred=2\n\tstatus=SUCCEEDED\n"+
		"Successful Transfers (src -> dst)\n"+
		"  tamu#brazos:/fdata/out/1.txt -> idhmc#data:/data/1.txt\n", buf.String())
}
