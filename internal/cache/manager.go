package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/store"
)

// TTLs holds the freshness duration of each tier.
type TTLs struct {
	Structure  time.Duration
	Branches   time.Duration
	Pipelines  time.Duration
	Statistics time.Duration
}

// DefaultTTLs returns the default tier TTLs.
func DefaultTTLs() TTLs {
	return TTLs{
		Structure:  1800 * time.Second,
		Branches:   300 * time.Second,
		Pipelines:  5 * time.Second,
		Statistics: 1800 * time.Second,
	}
}

// For returns the TTL configured for tier.
func (t TTLs) For(tier Tier) time.Duration {
	switch tier {
	case TierStructure:
		return t.Structure
	case TierBranches:
		return t.Branches
	case TierPipelines:
		return t.Pipelines
	case TierStatistics:
		return t.Statistics
	default:
		return 0
	}
}

// Options configures a Manager.
type Options struct {
	Store      *store.Store          // nil keeps all tiers in memory
	TTLs       TTLs                  // zero value means DefaultTTLs
	Clock      clockwork.Clock       // defaults to the real clock
	Logger     *slog.Logger          // defaults to slog.Default()
	Registerer prometheus.Registerer // optional metrics registry
}

// tier is the type-erased view of a TierCache used for bulk operations.
type tier interface {
	Tier() Tier
	Load() int
	Clear() error
	Status() TierStatus
	SetTTL(time.Duration)
}

// Manager owns the four cache tiers. It is constructed once at startup and
// passed to whoever needs the cache; it holds no global state.
type Manager struct {
	Structure  *TierCache[models.Structure]
	Branches   *TierCache[[]models.Branch]
	Pipelines  *TierCache[models.Pipeline]
	Statistics *TierCache[models.Estimate]

	store  *store.Store
	logger *slog.Logger
}

// NewManager creates the tiers. Call Load to warm them from disk.
func NewManager(opts Options) (*Manager, error) {
	if opts.TTLs == (TTLs{}) {
		opts.TTLs = DefaultTTLs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var metrics *Metrics
	if opts.Registerer != nil {
		var err error
		metrics, err = NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("registering cache metrics: %w", err)
		}
	}

	tierOpts := TierOptions{
		Store:   opts.Store,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: metrics,
	}

	return &Manager{
		Structure:  NewTierCache[models.Structure](TierStructure, opts.TTLs.Structure, tierOpts),
		Branches:   NewTierCache[[]models.Branch](TierBranches, opts.TTLs.Branches, tierOpts),
		Pipelines:  NewTierCache[models.Pipeline](TierPipelines, opts.TTLs.Pipelines, tierOpts),
		Statistics: NewTierCache[models.Estimate](TierStatistics, opts.TTLs.Statistics, tierOpts),
		store:      opts.Store,
		logger:     opts.Logger,
	}, nil
}

func (m *Manager) tiers() []tier {
	return []tier{m.Structure, m.Branches, m.Pipelines, m.Statistics}
}

func (m *Manager) lookup(t Tier) (tier, error) {
	for _, tc := range m.tiers() {
		if tc.Tier() == t {
			return tc, nil
		}
	}
	return nil, fmt.Errorf("unknown cache tier %d", int(t))
}

// Store returns the backing snapshot store, or nil for a memory-only manager.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Load warm-loads every tier from its snapshot.
func (m *Manager) Load() {
	for _, tc := range m.tiers() {
		n := tc.Load()
		m.logger.Debug("cache tier loaded", "tier", tc.Tier().String(), "entries", n)
	}
}

// Clear bulk-clears one tier.
func (m *Manager) Clear(t Tier) error {
	tc, err := m.lookup(t)
	if err != nil {
		return err
	}
	if err := tc.Clear(); err != nil {
		return fmt.Errorf("clearing %s cache: %w", t, err)
	}
	m.logger.Info("cache tier cleared", "tier", t.String())
	return nil
}

// ClearAll bulk-clears every tier.
func (m *Manager) ClearAll() error {
	for _, t := range AllTiers {
		if err := m.Clear(t); err != nil {
			return err
		}
	}
	return nil
}

// SetTTLs applies new TTLs to all tiers.
func (m *Manager) SetTTLs(ttls TTLs) {
	for _, tc := range m.tiers() {
		tc.SetTTL(ttls.For(tc.Tier()))
	}
}

// Status returns the status of every tier in display order.
func (m *Manager) Status() []TierStatus {
	out := make([]TierStatus, 0, len(AllTiers))
	for _, tc := range m.tiers() {
		out = append(out, tc.Status())
	}
	return out
}
