package appctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/gitlab"
	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/observability"
	"github.com/pipeboard/pipeboard/internal/refresh"
	"github.com/pipeboard/pipeboard/internal/stats"
)

// Backend serves one GitLab server through the cache. Each tier is filled by
// an orchestrator whose fetch function turns the cache key back into a
// client call; keys are qualified by the server name so backends share the
// tiers of a single cache manager.
type Backend struct {
	Name   string
	Client *gitlab.Client

	Structure *refresh.Orchestrator[models.Structure]
	Branches  *refresh.Orchestrator[[]models.Branch]
	Pipelines *refresh.Orchestrator[models.Pipeline]
	Estimates *stats.Estimator

	logger *slog.Logger
}

type backendOptions struct {
	refresh     refresh.Options
	sampleLimit int
	httpClient  *http.Client
	hooks       *observability.Hooks
	logger      *slog.Logger
}

func newBackend(srv config.Server, tokens []string, mgr *cache.Manager, opts backendOptions) *Backend {
	logger := opts.logger.With("server", srv.Name)
	client := gitlab.NewClient(srv, tokens, gitlab.Options{
		HTTPClient: opts.httpClient,
		Hooks:      opts.hooks,
		Logger:     opts.logger,
	})

	ropts := opts.refresh
	ropts.Logger = logger

	b := &Backend{Name: srv.Name, Client: client, logger: logger}
	b.Structure = refresh.New(mgr.Structure, b.fetchStructure, ropts)
	b.Branches = refresh.New(mgr.Branches, b.fetchBranches, ropts)
	b.Pipelines = refresh.New(mgr.Pipelines, b.fetchPipeline, ropts)
	b.Estimates = stats.NewEstimator(srv.Name, mgr.Statistics, client, opts.sampleLimit, ropts)
	return b
}

func (b *Backend) fetchStructure(ctx context.Context, key string) (models.Structure, error) {
	if key != cache.StructureKey(b.Name) {
		return models.Structure{}, fmt.Errorf("structure key %q does not belong to server %s", key, b.Name)
	}
	return b.Client.Structure(ctx)
}

func (b *Backend) fetchBranches(ctx context.Context, key string) ([]models.Branch, error) {
	projectPath, err := cache.ParseBranchesKey(b.Name, key)
	if err != nil {
		return nil, err
	}
	return b.Client.Branches(ctx, projectPath)
}

func (b *Backend) fetchPipeline(ctx context.Context, key string) (models.Pipeline, error) {
	projectID, branch, includeJobs, err := cache.ParsePipelineKey(b.Name, key)
	if err != nil {
		return models.Pipeline{}, err
	}
	return b.Client.LatestPipeline(ctx, projectID, branch, includeJobs)
}

// GetStructure reads the server's group/project tree.
func (b *Backend) GetStructure(ctx context.Context) (cache.Result[models.Structure], error) {
	return b.Structure.Get(ctx, cache.StructureKey(b.Name))
}

// GetBranches reads the branches of a project.
func (b *Backend) GetBranches(ctx context.Context, projectPath string) (cache.Result[[]models.Branch], error) {
	return b.Branches.Get(ctx, cache.BranchesKey(b.Name, projectPath))
}

// GetPipeline reads the latest pipeline of a branch.
func (b *Backend) GetPipeline(ctx context.Context, projectID int64, branch string, includeJobs bool) (cache.Result[models.Pipeline], error) {
	return b.Pipelines.Get(ctx, cache.PipelineKey(b.Name, projectID, branch, includeJobs))
}

// GetEstimate reads the duration estimate of a job.
func (b *Backend) GetEstimate(ctx context.Context, projectID int64, jobName string) (cache.Result[models.Estimate], error) {
	return b.Estimates.Get(ctx, projectID, jobName)
}

// Warm fills the structure tier so the first dashboard request does not wait
// on a cold fetch. Stale entries loaded from disk are served and refilled.
func (b *Backend) Warm(ctx context.Context) error {
	res, err := b.GetStructure(ctx)
	if err != nil {
		return fmt.Errorf("warming %s: %w", b.Name, err)
	}
	b.logger.Info("structure ready",
		"groups", len(res.Value.Groups),
		"projects", res.Value.ProjectCount(),
		"state", res.State.String())
	return nil
}

// Wait blocks until background refills of this backend have finished.
func (b *Backend) Wait() {
	b.Structure.Wait()
	b.Branches.Wait()
	b.Pipelines.Wait()
	b.Estimates.Wait()
}

// WarmAll warms every backend concurrently. A server that cannot be reached
// is logged and skipped; the dashboard reports its errors per request.
func (a *App) WarmAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range a.Backends {
		g.Go(func() error {
			if err := b.Warm(gctx); err != nil {
				a.Logger.Warn("warm-up failed", "server", b.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
