package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/emop/pkg/output"
)

// fakeDashboard serves the parts of the dashboard API the commands use.
type fakeDashboard struct {
	mu           sync.Mutex
	count        int
	reserveCalls int
	uploads      []string
}

func (f *fakeDashboard) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/job_statuses", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"id":1,"name":"Not Started"}]}`)
	})
	r.Get("/api/job_queues/count", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"job_queue": map[string]any{"count": f.count}})
	})
	r.Get("/api/job_queues", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"id":1,"batch_job":{"id":17,"job_type":"ocr"},"page":{"id":5,"pg_ref_number":1,"pg_image_path":"/dne/1.tif"}}]}`)
	})
	r.Put("/api/job_queues/reserve", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reserveCalls++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"job_queue":{"count":1,"proc_id":"20260101000000001"},"results":[{"id":1,"batch_job":{"id":17,"job_type":"ocr"}}]}`)
	})
	r.Put("/api/batch_jobs/upload_results", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads = append(f.uploads, string(b))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// testEnv is an EMOP_HOME with a config file wired to a fake dashboard and
// two file transfer endpoints.
type testEnv struct {
	home   string
	config string
	dash   *fakeDashboard
}

const testConfig = `
dashboard:
  url_base: {{url}}
  auth_token: secret-token
scheduler:
  max_jobs: 10
  logdir: ${emop_home}/logs
  state_dir: ${emop_home}/state
transfer:
  backend: objectstore
  cluster_endpoint: tamu#brazos
  remote_endpoint: idhmc#data
  state_dir: ${emop_home}/transfer
  endpoints:
    tamu#brazos:
      type: file
      base_dir: ${emop_home}/cluster
    idhmc#data:
      type: file
      base_dir: ${emop_home}/remote
`

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{"EMOP_CONFIG_PATH", "EMOP_HOME", "SLURM_JOB_ID", "SLURM_JOBID", "EMOP_LOCAL_JOB_ID", "EMOP_LOCAL_DEPENDENCY", "EMOP_LOCAL_JOB_ROOT"} {
		t.Setenv(k, "")
	}

	dash := &fakeDashboard{}
	srv := httptest.NewServer(dash.router())
	t.Cleanup(srv.Close)

	home := t.TempDir()
	for _, d := range []string{"cluster", "remote", "logs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(home, d), 0o755))
	}
	path := filepath.Join(home, "config.yaml")
	body := strings.ReplaceAll(testConfig, "{{url}}", srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return &testEnv{home: home, config: path, dash: dash}
}

// execute runs the root command with args and the env's config file.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--config", e.config))
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func decodeRecords(t *testing.T, out string) []output.Record {
	t.Helper()
	var recs []output.Record
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var r output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		recs = append(recs, r)
	}
	return recs
}
