package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBranchesKey(t *testing.T) {
	path, err := ParseBranchesKey("gl", BranchesKey("gl", "group/sub/app"))
	require.NoError(t, err)
	assert.Equal(t, "group/sub/app", path)

	_, err = ParseBranchesKey("gl", "other/group/app")
	assert.Error(t, err)
	_, err = ParseBranchesKey("gl", "gl/")
	assert.Error(t, err)
}

func TestParsePipelineKey(t *testing.T) {
	tests := []struct {
		branch string
		jobs   bool
	}{
		{"main", false},
		{"feature/login", true},
		{"release/2025.03", false},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			id, branch, jobs, err := ParsePipelineKey("gl", PipelineKey("gl", 42, tt.branch, tt.jobs))
			require.NoError(t, err)
			assert.Equal(t, int64(42), id)
			assert.Equal(t, tt.branch, branch)
			assert.Equal(t, tt.jobs, jobs)
		})
	}

	for _, bad := range []string{"gl/42", "gl/42:main", "gl/x:main:jobs", "gl/42:main:maybe", "gl/42::jobs", "other/42:main:jobs"} {
		_, _, _, err := ParsePipelineKey("gl", bad)
		assert.Error(t, err, bad)
	}
}

func TestParseStatisticsKey(t *testing.T) {
	id, job, err := ParseStatisticsKey("gl", StatisticsKey("gl", 7, "deploy:prod"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "deploy:prod", job)

	for _, bad := range []string{"other/7:x", "gl/abc:x", "gl/7", "gl/7:"} {
		_, _, err := ParseStatisticsKey("gl", bad)
		assert.Error(t, err, bad)
	}
}
