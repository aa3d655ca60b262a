package cache

import (
	"fmt"
	"strings"
)

// Tier identifies one of the independently-TTL'd cache namespaces.
type Tier int

const (
	TierStructure Tier = iota
	TierBranches
	TierPipelines
	TierStatistics
)

// AllTiers lists every tier in display order.
var AllTiers = []Tier{TierStructure, TierBranches, TierPipelines, TierStatistics}

func (t Tier) String() string {
	switch t {
	case TierStructure:
		return "structure"
	case TierBranches:
		return "branches"
	case TierPipelines:
		return "pipelines"
	case TierStatistics:
		return "statistics"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name. Accepts "pipeline" and "stats" as aliases.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "structure":
		return TierStructure, nil
	case "branches", "branch":
		return TierBranches, nil
	case "pipelines", "pipeline":
		return TierPipelines, nil
	case "statistics", "stats":
		return TierStatistics, nil
	default:
		return 0, fmt.Errorf("unknown cache tier %q (want structure, branches, pipelines or statistics)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
