package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/store"
)

func TestDefaultTTLs(t *testing.T) {
	ttls := DefaultTTLs()
	assert.Equal(t, 1800*time.Second, ttls.Structure)
	assert.Equal(t, 300*time.Second, ttls.Branches)
	assert.Equal(t, 5*time.Second, ttls.Pipelines)
	assert.Equal(t, 1800*time.Second, ttls.Statistics)
	assert.Equal(t, ttls.Pipelines, ttls.For(TierPipelines))
}

func TestNewManagerAppliesDefaultTTLs(t *testing.T) {
	m, err := NewManager(Options{Logger: quietLogger()})
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, m.Structure.TTL())
	assert.Equal(t, 300*time.Second, m.Branches.TTL())
	assert.Equal(t, 5*time.Second, m.Pipelines.TTL())
	assert.Equal(t, 1800*time.Second, m.Statistics.TTL())
	assert.Nil(t, m.Store())
}

func TestManagerClearAll(t *testing.T) {
	st := store.New(t.TempDir())
	m, err := NewManager(Options{Store: st, Logger: quietLogger()})
	require.NoError(t, err)

	m.Structure.Write("gitlab", models.Structure{Server: "gitlab"})
	m.Pipelines.Write("gitlab/1:main:jobs", models.Pipeline{ID: 1})

	require.NoError(t, m.ClearAll())

	for _, s := range m.Status() {
		assert.Equal(t, 0, s.Entries, s.Tier.String())
	}
	assert.False(t, st.Exists("structure"))
	assert.False(t, st.Exists("pipelines"))
}

func TestManagerSetTTLs(t *testing.T) {
	m, err := NewManager(Options{Logger: quietLogger()})
	require.NoError(t, err)

	m.SetTTLs(TTLs{Structure: time.Hour, Branches: time.Minute, Pipelines: 0, Statistics: 2 * time.Hour})

	assert.Equal(t, time.Hour, m.Structure.TTL())
	assert.Equal(t, time.Minute, m.Branches.TTL())
	assert.Equal(t, time.Duration(0), m.Pipelines.TTL())
	assert.Equal(t, 2*time.Hour, m.Statistics.TTL())
}

func TestManagerStatusOrder(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	m, err := NewManager(Options{Clock: clock, Logger: quietLogger()})
	require.NoError(t, err)

	m.Pipelines.Write("a", models.Pipeline{})
	clock.Advance(time.Minute)

	status := m.Status()
	require.Len(t, status, 4)
	assert.Equal(t, TierStructure, status[0].Tier)
	assert.Equal(t, TierBranches, status[1].Tier)
	assert.Equal(t, TierPipelines, status[2].Tier)
	assert.Equal(t, TierStatistics, status[3].Tier)
	assert.Equal(t, 1, status[2].Stale)
}

func TestManagerClearUnknownTier(t *testing.T) {
	m, err := NewManager(Options{Logger: quietLogger()})
	require.NoError(t, err)
	assert.Error(t, m.Clear(Tier(99)))
}
