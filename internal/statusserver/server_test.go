package statusserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/lifecycle"
	"marketpulse/internal/task/scheduler"
	"marketpulse/internal/workflow"
	"marketpulse/pkg/logx"
)

type fakeComponents struct{ results []lifecycle.Health }

func (f fakeComponents) HealthCheckAll(ctx context.Context) []lifecycle.Health { return f.results }

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]scheduler.Job
	ran  []string
}

func (f *fakeJobs) List(statuses ...scheduler.Status) []scheduler.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.Job
	for _, j := range f.jobs {
		if len(statuses) == 0 || j.Status == statuses[0] {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeJobs) Get(id string) (scheduler.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeJobs) set(id string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if ok {
		j.Enabled = enabled
		f.jobs[id] = j
	}
	return ok
}

func (f *fakeJobs) Enable(id string) bool  { return f.set(id, true) }
func (f *fakeJobs) Disable(id string) bool { return f.set(id, false) }

func (f *fakeJobs) RunNow(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return scheduler.ErrJobNotFound
	}
	f.ran = append(f.ran, id)
	return nil
}

type fakeWorkflows struct{ args workflow.Args }

func (f *fakeWorkflows) Execute(ctx context.Context, name string, args workflow.Args) workflow.Result {
	f.args = args
	if name != "health_check" {
		return workflow.Result{Workflow: name, Err: workflow.ErrUnknownWorkflow, Error: "unknown workflow"}
	}
	return workflow.Result{Workflow: name, Success: true}
}

func newTestServer(cfg Config, comps []lifecycle.Health) (*Server, *fakeJobs, *fakeWorkflows) {
	jobs := &fakeJobs{jobs: map[string]scheduler.Job{
		"j1": {ID: "j1", Name: "premarket", Status: scheduler.StatusPending, Enabled: true},
		"j2": {ID: "j2", Name: "close", Status: scheduler.StatusFailed, Enabled: true},
	}}
	flows := &fakeWorkflows{}
	s := New(cfg, Deps{
		Status:     func() any { return map[string]any{"running": true} },
		Components: fakeComponents{results: comps},
		Jobs:       jobs,
		Workflows:  flows,
	}, logx.Nop())
	return s, jobs, flows
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_StatusCodes(t *testing.T) {
	t.Parallel()
	degraded := []lifecycle.Health{
		{Component: "a", Status: lifecycle.HealthHealthy},
		{Component: "b", Status: lifecycle.HealthHealthy},
		{Component: "c", Status: lifecycle.HealthUnhealthy},
	}
	s, _, _ := newTestServer(Config{}, degraded)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, workflow.OverallDegraded, resp.Status)
	assert.Equal(t, 1, resp.Unhealthy)
	assert.Equal(t, 3, resp.Total)
	assert.Positive(t, resp.System.Goroutines)

	unhealthy := []lifecycle.Health{{Component: "a", Status: lifecycle.HealthError}}
	s, _, _ = newTestServer(Config{}, unhealthy)
	rec = do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobs_ListAndActions(t *testing.T) {
	t.Parallel()
	s, jobs, _ := newTestServer(Config{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []scheduler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "close", list[0].Name)

	rec = do(t, h, http.MethodPost, "/jobs/j1/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	j, _ := jobs.Get("j1")
	assert.False(t, j.Enabled)

	rec = do(t, h, http.MethodPost, "/jobs/j1/run", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"j1"}, jobs.ran)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/jobs/nope/enable", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/jobs/nope/run", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/jobs/j1/run", "").Code)
}

func TestWorkflows_Trigger(t *testing.T) {
	t.Parallel()
	s, _, flows := newTestServer(Config{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/workflows/health_check", `{"symbols":["AAPL"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"AAPL"}, flows.args["symbols"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/workflows/health_check", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/workflows/bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/workflows/health_check", "{").Code)
}

func TestAuth_Token(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(Config{Token: "s3cret"}, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/status?token=s3cret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())

	for _, bad := range []string{"s3cre", "s3cret!", "S3CRET"} {
		assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/status?token="+bad, "").Code, bad)
	}
}

func TestPprof_MountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(Config{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/debug/pprof/", "").Code)

	s, _, _ = newTestServer(Config{Pprof: true}, nil)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/debug/pprof/", "").Code)
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)
	ctx := context.Background()

	rep, _ := s.HealthCheck(ctx)
	assert.False(t, rep.Healthy)

	require.NoError(t, s.Start(ctx))
	addr := s.Addr()
	require.NotEmpty(t, addr)
	rep, _ = s.HealthCheck(ctx)
	assert.True(t, rep.Healthy)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
}

// selfStopping stops the server from inside the workflow request, the way
// emergency_stop does through the lifecycle manager.
type selfStopping struct{ srv *Server }

func (f *selfStopping) Execute(ctx context.Context, name string, args workflow.Args) workflow.Result {
	err := f.srv.Stop(ctx)
	return workflow.Result{Workflow: name, Success: err == nil}
}

func TestServer_StopFromOwnRequestReturns(t *testing.T) {
	t.Parallel()
	flows := &selfStopping{}
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{Workflows: flows}, logx.Nop())
	flows.srv = s
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()

	client := &http.Client{Timeout: 3 * time.Second}
	start := time.Now()
	resp, err := client.Post("http://"+addr+"/workflows/emergency_stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res workflow.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Success)

	assert.Empty(t, s.Addr())
	rep, _ := s.HealthCheck(context.Background())
	assert.False(t, rep.Healthy)
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = c.Close()
		}
		return err != nil
	}, 3*time.Second, 20*time.Millisecond, "listener still accepting")
}

func TestServer_RefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.False(t, isLoopbackAddr(":80"))
}
