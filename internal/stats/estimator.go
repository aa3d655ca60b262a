package stats

import (
	"context"

	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/refresh"
)

// SampleSource supplies the recent completions of a job.
type SampleSource interface {
	JobSamples(ctx context.Context, projectID int64, jobName string, limit int) ([]models.DurationSample, error)
}

// Estimator serves cached duration estimates for one server, refilling the
// Statistics tier from a SampleSource.
type Estimator struct {
	server string
	limit  int
	source SampleSource
	orch   *refresh.Orchestrator[models.Estimate]
}

// NewEstimator creates an estimator over the Statistics tier.
func NewEstimator(server string, tier *cache.TierCache[models.Estimate], source SampleSource, limit int, opts refresh.Options) *Estimator {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	e := &Estimator{server: server, limit: limit, source: source}
	e.orch = refresh.New(tier, e.fetch, opts)
	return e
}

// Get returns the cached estimate for a job, computing it if absent.
func (e *Estimator) Get(ctx context.Context, projectID int64, jobName string) (cache.Result[models.Estimate], error) {
	return e.orch.Get(ctx, cache.StatisticsKey(e.server, projectID, jobName))
}

// Refresh recomputes the estimate for a job from upstream.
func (e *Estimator) Refresh(ctx context.Context, projectID int64, jobName string) (models.Estimate, error) {
	return e.orch.Refresh(ctx, cache.StatisticsKey(e.server, projectID, jobName))
}

// Wait blocks until background refills have finished.
func (e *Estimator) Wait() {
	e.orch.Wait()
}

func (e *Estimator) fetch(ctx context.Context, key string) (models.Estimate, error) {
	projectID, jobName, err := cache.ParseStatisticsKey(e.server, key)
	if err != nil {
		return models.Estimate{}, err
	}
	// Over-fetch so that filtered samples still leave up to limit usable ones.
	samples, err := e.source.JobSamples(ctx, projectID, jobName, e.limit*2)
	if err != nil {
		return models.Estimate{}, err
	}
	return Estimate(samples, e.limit), nil
}
