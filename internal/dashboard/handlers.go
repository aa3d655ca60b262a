package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/output"
	"github.com/pipeboard/pipeboard/internal/stats"
)

// estimateConcurrency bounds the estimate lookups of one pipeline response.
const estimateConcurrency = 4

type serverInfo struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Groups        []string `json:"groups,omitempty"`
	Tokens        int      `json:"tokens"`
	HealthyTokens int      `json:"healthy_tokens"`
	Circuit       string   `json:"circuit,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers := make([]serverInfo, 0, len(s.app.Config.Servers))
	for _, srv := range s.app.Config.Servers {
		info := serverInfo{Name: srv.Name, URL: srv.URL, Groups: srv.Groups}
		if b, ok := s.app.Backends[srv.Name]; ok {
			info.Tokens = b.Client.Tokens().Len()
			info.HealthyTokens = b.Client.Tokens().Healthy()
			info.Circuit = b.Client.Circuit()
		}
		servers = append(servers, info)
	}
	s.writeOK(w, servers, nil)
}

func (s *Server) handleStructure(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	res, err := b.GetStructure(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, res.Value, freshness(res))
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, output.ErrUsage("project is required"))
		return
	}
	res, err := b.GetBranches(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, res.Value, freshness(res))
}

// jobView is a job with the duration estimate of a running job attached.
type jobView struct {
	models.Job
	Estimate *estimateView `json:"estimate,omitempty"`
}

type pipelineView struct {
	models.Pipeline
	Jobs []jobView `json:"jobs,omitempty"`
}

type estimateView struct {
	Seconds          *float64 `json:"seconds"`
	SampleSize       int      `json:"sample_size"`
	RemainingSeconds *float64 `json:"remaining_seconds,omitempty"`
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	projectID, err := parseProjectID(q.Get("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	branch := q.Get("branch")
	if branch == "" {
		s.writeError(w, output.ErrUsage("branch is required"))
		return
	}
	includeJobs := parseBool(q.Get("jobs"))

	res, err := b.GetPipeline(r.Context(), projectID, branch, includeJobs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := pipelineView{Pipeline: res.Value}
	view.Pipeline.Jobs = nil
	if includeJobs {
		view.Jobs = s.attachEstimates(r, b, projectID, res.Value.Jobs)
	}
	s.writeOK(w, view, freshness(res))
}

// attachEstimates looks up estimates for the running jobs. An estimate that
// cannot be computed is left out; the pipeline is still served.
func (s *Server) attachEstimates(r *http.Request, b *appctx.Backend, projectID int64, jobs []models.Job) []jobView {
	views := make([]jobView, len(jobs))
	now := s.clock.Now()

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(estimateConcurrency)
	for i, job := range jobs {
		views[i] = jobView{Job: job}
		if !job.Running() {
			continue
		}
		g.Go(func() error {
			res, err := b.GetEstimate(ctx, projectID, job.Name)
			if err != nil {
				s.logger.Warn("estimate unavailable", "server", b.Name, "project", projectID, "job", job.Name, "error", err)
				return nil
			}
			var elapsed time.Duration
			if job.StartedAt != nil {
				elapsed = now.Sub(*job.StartedAt)
			}
			// Each goroutine owns views[i].
			views[i].Estimate = newEstimateView(res.Value, elapsed, job.StartedAt != nil)
			return nil
		})
	}
	_ = g.Wait()
	return views
}

func newEstimateView(est models.Estimate, elapsed time.Duration, started bool) *estimateView {
	ev := &estimateView{Seconds: est.Seconds, SampleSize: est.SampleSize}
	if started {
		if remaining, ok := stats.Remaining(est, elapsed); ok {
			secs := remaining.Seconds()
			ev.RemainingSeconds = &secs
		}
	}
	return ev
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	projectID, err := parseProjectID(q.Get("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	job := q.Get("job")
	if job == "" {
		s.writeError(w, output.ErrUsage("job is required"))
		return
	}

	res, err := b.GetEstimate(r.Context(), projectID, job)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, res.Value, freshness(res))
}

// handleRefresh forces an upstream fetch of one entry, bypassing freshness.
// The entry is named by tier plus the same query parameters its read
// endpoint takes.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	tier, err := cache.ParseTier(q.Get("tier"))
	if err != nil {
		s.writeError(w, output.ErrUsageHint(err.Error(), "Use one of: structure, branches, pipelines, statistics"))
		return
	}

	ctx := r.Context()
	var data any
	switch tier {
	case cache.TierStructure:
		data, err = b.Structure.Refresh(ctx, cache.StructureKey(b.Name))
	case cache.TierBranches:
		project := q.Get("project")
		if project == "" {
			s.writeError(w, output.ErrUsage("project is required"))
			return
		}
		data, err = b.Branches.Refresh(ctx, cache.BranchesKey(b.Name, project))
	case cache.TierPipelines:
		projectID, perr := parseProjectID(q.Get("project"))
		if perr != nil {
			s.writeError(w, perr)
			return
		}
		branch := q.Get("branch")
		if branch == "" {
			s.writeError(w, output.ErrUsage("branch is required"))
			return
		}
		data, err = b.Pipelines.Refresh(ctx, cache.PipelineKey(b.Name, projectID, branch, parseBool(q.Get("jobs"))))
	case cache.TierStatistics:
		projectID, perr := parseProjectID(q.Get("project"))
		if perr != nil {
			s.writeError(w, perr)
			return
		}
		job := q.Get("job")
		if job == "" {
			s.writeError(w, output.ErrUsage("job is required"))
			return
		}
		data, err = b.Estimates.Refresh(ctx, projectID, job)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, data, output.NewFreshness(false, 0, s.clock.Now()))
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, s.app.Cache.Status(), nil)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tier")
	if strings.EqualFold(name, "all") {
		if err := s.app.Cache.ClearAll(); err != nil {
			s.writeError(w, output.ErrStorage(err))
			return
		}
		s.writeOK(w, map[string]any{"cleared": cache.AllTiers}, nil)
		return
	}

	tier, err := cache.ParseTier(name)
	if err != nil {
		s.writeError(w, output.ErrUsageHint(err.Error(), "Use one of: structure, branches, pipelines, statistics, all"))
		return
	}
	if err := s.app.Cache.Clear(tier); err != nil {
		s.writeError(w, output.ErrStorage(err))
		return
	}
	s.writeOK(w, map[string]any{"cleared": []cache.Tier{tier}}, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeOK(w, map[string]any{
		"status":  "ok",
		"servers": len(s.app.Backends),
	}, nil)
}

// backend resolves the {server} path value, writing the error response when
// the server is unknown.
func (s *Server) backend(w http.ResponseWriter, r *http.Request) (*appctx.Backend, bool) {
	b, err := s.app.Backend(r.PathValue("server"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return b, true
}

func freshness[T any](res cache.Result[T]) *output.Freshness {
	return output.NewFreshness(res.IsStale(), res.Age, res.FetchedAt)
}

func parseProjectID(v string) (int64, error) {
	if v == "" {
		return 0, output.ErrUsage("project is required")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, output.ErrUsageHint("invalid project ID: "+v, "Pass the numeric project ID")
	}
	return id, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (s *Server) writeOK(w http.ResponseWriter, data any, f *output.Freshness) {
	s.writeJSON(w, http.StatusOK, &output.Response{OK: true, Data: data, Freshness: f})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := output.AsError(err)
	status := output.HTTPStatusFor(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "code", e.Code, "error", err)
	}
	s.writeJSON(w, status, output.NewErrorResponse(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}
