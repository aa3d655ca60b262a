// Package cache implements the tiered, stale-while-revalidate cache that sits
// between the dashboard and GitLab.
//
// # Tiers
//
// Four independent tiers each own a TTL, a key space and one snapshot file:
//
//   - Structure: groups and projects per server (default TTL 30m)
//   - Branches: branch list per project (default TTL 5m)
//   - Pipelines: latest pipeline per branch, with or without jobs (default TTL 5s)
//   - Statistics: median job duration estimates (default TTL 30m)
//
// Writing to one tier never affects another, even for identical key strings.
//
// # Staleness
//
// [Classify] sorts an entry into Absent, Fresh or Stale. Stale entries are
// still returned by [TierCache.Read]; it is the caller's job to refill them.
// The cache itself never fetches (see internal/refresh).
//
// # Persistence
//
// The in-memory map of each tier is authoritative. Every write persists a
// full snapshot of the tier through internal/store so a restart can warm-load
// it. A missing or corrupt snapshot loads as an empty tier.
package cache
