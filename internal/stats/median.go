// Package stats estimates job durations from their recent history.
//
// The estimate is the median, not the mean, of the last N representative
// completions, so a single unusually slow run does not skew it.
package stats

import (
	"sort"
	"time"

	"github.com/pipeboard/pipeboard/internal/models"
)

// DefaultSampleLimit is the number of most recent samples considered.
const DefaultSampleLimit = 10

// Median returns the median of values. ok is false for an empty slice.
// The input is not modified.
func Median(values []float64) (median float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// Representative reports whether a sample says anything about how long the job
// normally takes. Canceled, skipped and zero-duration runs do not.
func Representative(s models.DurationSample) bool {
	if s.Seconds <= 0 {
		return false
	}
	switch s.Status {
	case models.StatusCanceled, models.StatusSkipped:
		return false
	}
	return true
}

// Estimate computes the median duration over the limit most recent
// representative samples. limit <= 0 means DefaultSampleLimit.
// Samples without a finish time sort after those with one.
func Estimate(samples []models.DurationSample, limit int) models.Estimate {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}

	valid := make([]models.DurationSample, 0, len(samples))
	for _, s := range samples {
		if Representative(s) {
			valid = append(valid, s)
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return finishedAt(valid[i]).After(finishedAt(valid[j]))
	})
	if len(valid) > limit {
		valid = valid[:limit]
	}

	durations := make([]float64, len(valid))
	for i, s := range valid {
		durations[i] = s.Seconds
	}

	est := models.Estimate{SampleSize: len(durations)}
	if m, ok := Median(durations); ok {
		est.Seconds = &m
	}
	return est
}

func finishedAt(s models.DurationSample) time.Time {
	if s.FinishedAt == nil {
		return time.Time{}
	}
	return *s.FinishedAt
}

// Remaining returns how much longer a job that has been running for elapsed is
// expected to take. ok is false when there is no estimate. An overrunning job
// reports zero remaining.
func Remaining(est models.Estimate, elapsed time.Duration) (time.Duration, bool) {
	if est.Seconds == nil {
		return 0, false
	}
	total := time.Duration(*est.Seconds * float64(time.Second))
	if elapsed >= total {
		return 0, true
	}
	return total - elapsed, true
}
