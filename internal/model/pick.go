package model

import "strings"

// Tier is a quality label for a single opinion or a consensus decision.
type Tier string

const (
	TierCommon    Tier = "Common"
	TierUncommon  Tier = "Uncommon"
	TierRare      Tier = "Rare"
	TierElite     Tier = "Elite"
	TierLegendary Tier = "Legendary"
)

// ParseTier resolves a tier label case-insensitively. Unknown labels map to
// TierCommon.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legendary":
		return TierLegendary
	case "elite":
		return TierElite
	case "rare":
		return TierRare
	case "uncommon":
		return TierUncommon
	default:
		return TierCommon
	}
}

// Weight maps a tier to its sizing weight (Legendary 5 down to Common 1).
func (t Tier) Weight() float64 {
	switch ParseTier(string(t)) {
	case TierLegendary:
		return 5
	case TierElite:
		return 4
	case TierRare:
		return 3
	case TierUncommon:
		return 2
	default:
		return 1
	}
}

// TierForScore maps a 0-12 consensus quality score to a tier label.
func TierForScore(score float64) Tier {
	switch {
	case score >= 10:
		return TierLegendary
	case score >= 8:
		return TierElite
	case score >= 6:
		return TierRare
	case score >= 4:
		return TierUncommon
	default:
		return TierCommon
	}
}

// FactorSignal is a factor a source cites as a top reason for its pick, with
// the signed contribution it had in that source's model.
type FactorSignal struct {
	Key          string  `json:"key" yaml:"key"`
	Contribution float64 `json:"contribution" yaml:"contribution"`
}

// PickRecord is one source's terminal opinion on one entity. It is owned by
// the source and read-only to the consensus engine.
type PickRecord struct {
	Source      string         `json:"source" yaml:"source"`
	EntityID    string         `json:"entity_id" yaml:"entity_id"`
	Kind        DecisionKind   `json:"kind" yaml:"kind"`
	Selection   string         `json:"selection" yaml:"selection"`
	Line        *float64       `json:"line,omitempty" yaml:"line"`
	Units       int            `json:"units" yaml:"units"`
	Confidence  float64        `json:"confidence" yaml:"confidence"`
	Tier        Tier           `json:"tier,omitempty" yaml:"tier"`
	TierScore   float64        `json:"tier_score,omitempty" yaml:"tier_score"`
	TrackRecord float64        `json:"track_record,omitempty" yaml:"track_record"`
	TopFactors  []FactorSignal `json:"top_factors,omitempty" yaml:"top_factors"`
}
