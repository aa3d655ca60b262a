package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/output"
)

var testNow = time.Date(2025, 3, 1, 10, 3, 40, 0, time.UTC)

type fakeGitLab struct {
	structureCalls atomic.Int32
	branchCalls    atomic.Int32
}

func (f *fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.EscapedPath() {
	case "/api/v4/groups":
		f.structureCalls.Add(1)
		fmt.Fprint(w, `[{"id":1,"name":"Platform","full_path":"platform"}]`)
	case "/api/v4/groups/1/projects":
		fmt.Fprint(w, `[{"id":11,"name":"api","path_with_namespace":"platform/api","default_branch":"main"}]`)
	case "/api/v4/projects/platform%2Fapi/repository/branches":
		f.branchCalls.Add(1)
		fmt.Fprint(w, `[{"name":"main","default":true},{"name":"feature/x"}]`)
	case "/api/v4/projects/11/pipelines":
		fmt.Fprint(w, `[{"id":500}]`)
	case "/api/v4/projects/11/pipelines/500":
		fmt.Fprint(w, `{"id":500,"project_id":11,"ref":"main","status":"running"}`)
	case "/api/v4/projects/11/pipelines/500/jobs":
		fmt.Fprint(w, `[
			{"id":1,"name":"build","stage":"build","status":"success","duration":20},
			{"id":2,"name":"test","stage":"test","status":"running","started_at":"2025-03-01T10:03:00Z"}
		]`)
	case "/api/v4/projects/11/jobs":
		fmt.Fprint(w, `[
			{"id":91,"name":"test","status":"success","duration":100},
			{"id":92,"name":"test","status":"success","duration":100},
			{"id":93,"name":"test","status":"failed","duration":100},
			{"id":94,"name":"test","status":"canceled","duration":3}
		]`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"404 Not Found"}`)
	}
}

type fixture struct {
	app    *appctx.App
	clock  *clockwork.FakeClock
	gitlab *fakeGitLab
	server *Server
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	t.Setenv("PIPEBOARD_NO_KEYRING", "1")

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.Servers = []config.Server{{Name: "gl", URL: upstream.URL, Tokens: []string{"tok"}}}

	clock := clockwork.NewFakeClockAt(testNow)
	app, err := appctx.NewApp(cfg, appctx.Options{
		Stdout:         io.Discard,
		Stderr:         io.Discard,
		Clock:          clock,
		CredentialsDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(app.Wait)

	f := &fixture{app: app, clock: clock, server: New(app, Options{Clock: clock})}
	if gl, ok := handler.(*fakeGitLab); ok {
		f.gitlab = gl
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestServers(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	servers := body["data"].([]any)
	require.Len(t, servers, 1)
	srv := servers[0].(map[string]any)
	assert.Equal(t, "gl", srv["name"])
	assert.EqualValues(t, 1, srv["tokens"])
	assert.EqualValues(t, 1, srv["healthy_tokens"])
	assert.Equal(t, "closed", srv["circuit"])
	assert.NotContains(t, srv, "stale", "servers are not served from the cache")
}

func TestStructureFreshThenStale(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/structure")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["stale"])
	assert.EqualValues(t, 0, body["age_seconds"])
	assert.Equal(t, "2025-03-01T10:03:40Z", body["fetched_at"])
	groups := body["data"].(map[string]any)["groups"].([]any)
	assert.Len(t, groups, 1)

	f.clock.Advance(1801 * time.Second)

	rec, body = f.do(t, http.MethodGet, "/api/servers/gl/structure")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["stale"])
	assert.EqualValues(t, 1801, body["age_seconds"])
	assert.NotNil(t, body["data"], "stale data is still served")

	f.app.Wait()
	assert.Equal(t, int32(2), f.gitlab.structureCalls.Load(), "stale read triggers one background refill")
}

func TestBranches(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/branches?project=platform/api")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/branches?project=platform/api")
	assert.Equal(t, int32(1), f.gitlab.branchCalls.Load())
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	tests := []struct {
		name   string
		method string
		target string
		status int
		code   string
	}{
		{"missing project", http.MethodGet, "/api/servers/gl/branches", http.StatusBadRequest, output.CodeUsage},
		{"non-numeric project", http.MethodGet, "/api/servers/gl/pipeline?project=abc&branch=main", http.StatusBadRequest, output.CodeUsage},
		{"missing branch", http.MethodGet, "/api/servers/gl/pipeline?project=11", http.StatusBadRequest, output.CodeUsage},
		{"missing job", http.MethodGet, "/api/servers/gl/estimate?project=11", http.StatusBadRequest, output.CodeUsage},
		{"unknown server", http.MethodGet, "/api/servers/other/structure", http.StatusNotFound, output.CodeNotFound},
		{"unknown project upstream", http.MethodGet, "/api/servers/gl/branches?project=nope/nope", http.StatusNotFound, output.CodeNotFound},
		{"bad refresh tier", http.MethodPost, "/api/servers/gl/refresh?tier=jobs", http.StatusBadRequest, output.CodeUsage},
		{"bad clear tier", http.MethodDelete, "/api/cache/jobs", http.StatusBadRequest, output.CodeUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, tt.method, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestPipelineAttachesEstimates(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/pipeline?project=11&branch=main&jobs=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := body["data"].(map[string]any)
	assert.EqualValues(t, 500, data["id"])
	jobs := data["jobs"].([]any)
	require.Len(t, jobs, 2)

	build := jobs[0].(map[string]any)
	assert.NotContains(t, build, "estimate", "finished jobs get no estimate")

	test := jobs[1].(map[string]any)
	est := test["estimate"].(map[string]any)
	assert.EqualValues(t, 100, est["seconds"])
	assert.EqualValues(t, 3, est["sample_size"])
	assert.EqualValues(t, 60, est["remaining_seconds"])
}

func TestPipelineWithoutJobs(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/pipeline?project=11&branch=main")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.NotContains(t, data, "jobs")
	assert.Equal(t, "running", data["status"])
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/estimate?project=11&job=test")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 100, data["seconds"])

	rec, body = f.do(t, http.MethodGet, "/api/servers/gl/estimate?project=11&job=deploy")
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].(map[string]any)
	assert.Nil(t, data["seconds"], "no samples, no estimate")
	assert.EqualValues(t, 0, data["sample_size"])
}

func TestRefreshBypassesFreshness(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/branches?project=platform/api")
	rec, body := f.do(t, http.MethodPost, "/api/servers/gl/refresh?tier=branches&project=platform/api")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, body["stale"])
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, int32(2), f.gitlab.branchCalls.Load())

	rec, _ = f.do(t, http.MethodPost, "/api/servers/gl/refresh?tier=structure")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/servers/gl/refresh?tier=pipelines&project=11&branch=main&jobs=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/servers/gl/refresh?tier=statistics&project=11&job=test")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, f.app.Cache.Structure.Len())
	assert.Equal(t, 1, f.app.Cache.Pipelines.Len())
	assert.Equal(t, 1, f.app.Cache.Statistics.Len())
}

func TestCacheClear(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})
	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/structure")
	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/branches?project=platform/api")

	rec, body := f.do(t, http.MethodDelete, "/api/cache/branches")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"branches"}, body["data"].(map[string]any)["cleared"])
	assert.Equal(t, 0, f.app.Cache.Branches.Len())
	assert.Equal(t, 1, f.app.Cache.Structure.Len())

	rec, _ = f.do(t, http.MethodDelete, "/api/cache/all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.app.Cache.Structure.Len())

	// The next read goes upstream again.
	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/branches?project=platform/api")
	assert.Equal(t, int32(2), f.gitlab.branchCalls.Load())
}

func TestCacheStatus(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})
	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/structure")

	rec, body := f.do(t, http.MethodGet, "/api/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	tiers := body["data"].([]any)
	require.Len(t, tiers, len(cache.AllTiers))
	first := tiers[0].(map[string]any)
	assert.Equal(t, "structure", first["tier"])
	assert.EqualValues(t, 1, first["entries"])
	assert.EqualValues(t, 1, first["fresh"])
}

func TestUpstreamAuthFailure(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"401 Unauthorized"}`)
	}))

	rec, body := f.do(t, http.MethodGet, "/api/servers/gl/structure")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, output.CodeAuth, body["code"])
	assert.Equal(t, 0, f.app.Cache.Structure.Len(), "failed fetches are not cached")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, body := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["data"].(map[string]any)["status"])

	_, _ = f.do(t, http.MethodGet, "/api/servers/gl/structure")

	rec, _ = f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := rec.Body.String()
	assert.Contains(t, metrics, "pipeboard_cache_reads_total")
	assert.Contains(t, metrics, "pipeboard_upstream_requests_total")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	rec, _ := f.do(t, http.MethodPost, "/api/servers")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, &fakeGitLab{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
