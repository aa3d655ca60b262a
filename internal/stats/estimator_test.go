package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/refresh"
	"github.com/pipeboard/pipeboard/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	project int64
	job     string
	limit   int
	samples []models.DurationSample
	err     error
}

func (f *fakeSource) JobSamples(_ context.Context, projectID int64, jobName string, limit int) ([]models.DurationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.project, f.job, f.limit = projectID, jobName, limit
	return f.samples, f.err
}

func newEstimator(t *testing.T, src *fakeSource) (*Estimator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	tier := cache.NewTierCache[models.Estimate](cache.TierStatistics, 30*time.Minute, cache.TierOptions{
		Store:  store.New(t.TempDir()),
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return NewEstimator("gl", tier, src, 0, refresh.Options{Logger: slog.New(slog.DiscardHandler)}), clock
}

func TestEstimatorComputesAndCaches(t *testing.T) {
	src := &fakeSource{samples: samples(models.StatusSuccess, 5, 5, 5, 5, 50)}
	est, _ := newEstimator(t, src)

	res, err := est.Get(context.Background(), 42, "build:linux")
	require.NoError(t, err)
	require.NotNil(t, res.Value.Seconds)
	assert.InDelta(t, 5.0, *res.Value.Seconds, 1e-9)
	assert.Equal(t, int64(42), src.project)
	assert.Equal(t, "build:linux", src.job)
	assert.Equal(t, DefaultSampleLimit*2, src.limit)

	_, err = est.Get(context.Background(), 42, "build:linux")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "fresh estimate should not refetch")
}

func TestEstimatorPropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	est, _ := newEstimator(t, src)

	_, err := est.Get(context.Background(), 1, "test")
	assert.Error(t, err)
}

func TestEstimatorRefreshRecomputes(t *testing.T) {
	src := &fakeSource{samples: samples(models.StatusSuccess, 10)}
	est, _ := newEstimator(t, src)

	_, err := est.Get(context.Background(), 1, "test")
	require.NoError(t, err)

	src.mu.Lock()
	src.samples = samples(models.StatusSuccess, 10, 20)
	src.mu.Unlock()

	v, err := est.Refresh(context.Background(), 1, "test")
	require.NoError(t, err)
	require.NotNil(t, v.Seconds)
	assert.InDelta(t, 15.0, *v.Seconds, 1e-9)
}
