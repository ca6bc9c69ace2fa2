package consensus

import (
	"math"
	"sort"

	"github.com/sells-group/pick-engine/internal/model"
)

// Strength grades the best opposing opinion.
type Strength string

const (
	StrengthNone     Strength = "NONE"
	StrengthWeak     Strength = "WEAK"
	StrengthModerate Strength = "MODERATE"
	StrengthStrong   Strength = "STRONG"
)

// CounterThesis is the strongest opinion on the opposing side.
type CounterThesis struct {
	Source    string   `json:"source"`
	Selection string   `json:"selection"`
	TierScore float64  `json:"tier_score"`
	Strength  Strength `json:"strength"`
}

// StrengthFor maps an individual tier score to a counter-thesis strength.
func StrengthFor(tierScore float64) Strength {
	switch {
	case tierScore >= 7:
		return StrengthStrong
	case tierScore >= 5:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// FindCounterThesis picks the disagreeing member with the highest tier score,
// breaking ties by source name. It returns nil when nobody disagrees.
func FindCounterThesis(disagreeing []member) *CounterThesis {
	var best *member
	for i := range disagreeing {
		m := &disagreeing[i]
		if best == nil || m.pick.TierScore > best.pick.TierScore ||
			(m.pick.TierScore == best.pick.TierScore && m.pick.Source < best.pick.Source) {
			best = m
		}
	}
	if best == nil {
		return nil
	}
	return &CounterThesis{
		Source:    best.pick.Source,
		Selection: best.side,
		TierScore: best.pick.TierScore,
		Strength:  StrengthFor(best.pick.TierScore),
	}
}

// FactorConfluence is how strongly the agreeing group cites one factor.
type FactorConfluence struct {
	Key       string   `json:"key"`
	CitedBy   int      `json:"cited_by"`
	Sources   []string `json:"sources"`
	SameSign  bool     `json:"same_sign"`
	Alignment float64  `json:"alignment"`
}

// Confluence ranks the factors cited by the agreeing group. Alignment is
// the citing share of the group, halved when citations disagree in sign.
func Confluence(agreeing []member) []FactorConfluence {
	type acc struct {
		sources []string
		signs   map[int]bool
	}
	byKey := make(map[string]*acc)
	for _, m := range agreeing {
		seen := make(map[string]bool)
		for _, f := range m.pick.TopFactors {
			if f.Key == "" || seen[f.Key] {
				continue
			}
			seen[f.Key] = true
			a, ok := byKey[f.Key]
			if !ok {
				a = &acc{signs: make(map[int]bool)}
				byKey[f.Key] = a
			}
			a.sources = append(a.sources, m.pick.Source)
			a.signs[sign(f.Contribution)] = true
		}
	}

	out := make([]FactorConfluence, 0, len(byKey))
	for key, a := range byKey {
		sort.Strings(a.sources)
		same := len(a.signs) == 1
		mult := 0.5
		if same {
			mult = 1.0
		}
		out = append(out, FactorConfluence{
			Key:       key,
			CitedBy:   len(a.sources),
			Sources:   a.sources,
			SameSign:  same,
			Alignment: float64(len(a.sources)) / float64(len(agreeing)) * mult,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alignment != out[j].Alignment {
			return out[i].Alignment > out[j].Alignment
		}
		if out[i].CitedBy != out[j].CitedBy {
			return out[i].CitedBy > out[j].CitedBy
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// MaxTrackRecord caps the track-record term of a member's sizing weight.
const MaxTrackRecord = 20.0

// CombinedWeight is a member's sizing weight: twice its tier weight plus a
// quarter of its track record, capped at MaxTrackRecord.
func CombinedWeight(p model.PickRecord) float64 {
	track := math.Max(0, math.Min(p.TrackRecord, MaxTrackRecord))
	return p.Tier.Weight()*2 + track/4
}

// Sizing is the breakdown behind a consensus unit size.
type Sizing struct {
	WeightedUnits float64 `json:"weighted_units"`
	Multiplier    float64 `json:"multiplier"`
	Penalty       float64 `json:"penalty"`
	Raw           float64 `json:"raw"`
	Units         int     `json:"units"`
	Confidence    float64 `json:"confidence"`
}

// SizeMultiplier scales units by how many sources agree.
func SizeMultiplier(agreeing int) float64 {
	switch {
	case agreeing >= 4:
		return 1.5
	case agreeing == 3:
		return 1.25
	default:
		return 1.0
	}
}

// ConflictPenalty is subtracted from the multiplied units.
func ConflictPenalty(ct *CounterThesis) float64 {
	if ct == nil {
		return 0
	}
	switch ct.Strength {
	case StrengthStrong:
		return 2
	case StrengthModerate:
		return 1
	case StrengthWeak:
		return 0.5
	default:
		return 0
	}
}

// Size computes units and confidence for an allowed agreeing group. Units
// are rounded half away from zero and clamped to [1, 5].
func Size(agreeing []member, ct *CounterThesis) Sizing {
	var unitSum, weightSum, confSum, tierSum float64
	for _, m := range agreeing {
		w := CombinedWeight(m.pick)
		unitSum += float64(m.pick.Units) * w
		weightSum += w

		tw := m.pick.Tier.Weight()
		confSum += m.pick.Confidence * tw
		tierSum += tw
	}

	s := Sizing{
		Multiplier: SizeMultiplier(len(agreeing)),
		Penalty:    ConflictPenalty(ct),
	}
	if weightSum > 0 {
		s.WeightedUnits = unitSum / weightSum
	}
	if tierSum > 0 {
		s.Confidence = confSum / tierSum
	}
	s.Raw = s.WeightedUnits*s.Multiplier - s.Penalty
	s.Units = int(math.Max(1, math.Min(5, math.Round(s.Raw))))
	return s
}

// Grade is the 0-12 quality score of a consensus decision.
type Grade struct {
	ConsensusStrength float64    `json:"consensus_strength"`
	TierQuality       float64    `json:"tier_quality"`
	FactorAlignment   float64    `json:"factor_alignment"`
	CounterWeakness   float64    `json:"counter_weakness"`
	History           float64    `json:"history"`
	Total             float64    `json:"total"`
	Tier              model.Tier `json:"tier"`
}

func consensusStrengthPoints(agreeing int) float64 {
	switch {
	case agreeing >= 4:
		return 3.0
	case agreeing == 3:
		return 2.0
	case agreeing == 2:
		return 1.0
	default:
		return 0.5
	}
}

func tierQualityPoints(avgTierScore float64) float64 {
	switch {
	case avgTierScore >= 7:
		return 3.0
	case avgTierScore >= 6:
		return 2.5
	case avgTierScore >= 5:
		return 2.0
	case avgTierScore >= 4:
		return 1.0
	default:
		return 0.5
	}
}

func factorAlignmentPoints(ranked []FactorConfluence, agreeing int) float64 {
	if len(ranked) == 0 {
		return 0.5
	}
	top := ranked[0]
	switch {
	case top.CitedBy == agreeing && top.Alignment >= 0.9:
		return 3.0
	case top.Alignment >= 0.75:
		return 2.0
	case top.Alignment >= 0.5:
		return 1.5
	case top.CitedBy >= 2:
		return 1.0
	default:
		return 0.5
	}
}

func counterWeaknessPoints(ct *CounterThesis) float64 {
	if ct == nil {
		return 2.0
	}
	switch ct.Strength {
	case StrengthWeak:
		return 1.5
	case StrengthModerate:
		return 1.0
	default:
		return 0
	}
}

// historyPoints scores the engine's own record once it has minSample
// resolved outcomes.
func historyPoints(stats model.OutcomeStats, minSample int) float64 {
	if stats.Resolved() < minSample || stats.Resolved() == 0 {
		return 0
	}
	switch rate := stats.WinRate(); {
	case rate >= 0.55:
		return 1.0
	case rate >= 0.52:
		return 0.5
	default:
		return 0
	}
}

// GradeDecision scores an allowed group on its five quality signals.
func GradeDecision(agreeing []member, ranked []FactorConfluence, ct *CounterThesis, stats model.OutcomeStats, minSample int) Grade {
	var tierScores float64
	for _, m := range agreeing {
		tierScores += m.pick.TierScore
	}
	avg := 0.0
	if len(agreeing) > 0 {
		avg = tierScores / float64(len(agreeing))
	}

	g := Grade{
		ConsensusStrength: consensusStrengthPoints(len(agreeing)),
		TierQuality:       tierQualityPoints(avg),
		FactorAlignment:   factorAlignmentPoints(ranked, len(agreeing)),
		CounterWeakness:   counterWeaknessPoints(ct),
		History:           historyPoints(stats, minSample),
	}
	g.Total = g.ConsensusStrength + g.TierQuality + g.FactorAlignment + g.CounterWeakness + g.History
	g.Tier = model.TierForScore(g.Total)
	return g
}
