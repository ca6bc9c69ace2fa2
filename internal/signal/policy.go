// Package signal turns weighted factor contributions into a bounded
// directional confidence.
package signal

import (
	"math"
	"strings"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// MaxConfidence is the upper bound of every confidence scalar.
const MaxConfidence = 5.0

// Policy names.
const (
	PolicySigned    = "signed"
	PolicyOverUnder = "over_under"
)

// Policy is a scoring strategy selected at configuration time.
type Policy interface {
	// Name identifies the policy in audit records.
	Name() string
	// Aggregate combines factors into a confidence result. weights overrides
	// each factor's own weight when it has an entry for the factor key.
	Aggregate(factors []model.Factor, weights map[string]float64) model.ConfidenceResult
}

// NewPolicy returns the policy registered under name. An empty name selects
// the signed-signal policy.
func NewPolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicySigned:
		return SignedSignal{}, nil
	case PolicyOverUnder, "overunder", "ensemble":
		return OverUnder{}, nil
	default:
		return nil, fault.Validation("signal: unknown policy %q", name)
	}
}

// SignedSignal normalizes weights to sum to one and scales the weighted sum of
// signals in [-1, 1] onto the confidence range.
type SignedSignal struct{}

// Name implements Policy.
func (SignedSignal) Name() string { return PolicySigned }

// Aggregate implements Policy.
func (SignedSignal) Aggregate(factors []model.Factor, weights map[string]float64) model.ConfidenceResult {
	raw := resolveWeights(factors, weights)
	norm := NormalizeWeights(raw)

	contribs := make([]model.Contribution, len(factors))
	var sum float64
	for i, f := range factors {
		s := clamp(f.Signal, -1, 1)
		v := norm[i] * s
		sum += v
		contribs[i] = model.Contribution{
			Key:              f.Key,
			Name:             f.Name,
			Weight:           raw[i],
			NormalizedWeight: norm[i],
			Signal:           s,
			Value:            v,
		}
	}

	lean := model.LeanA
	if sum < 0 {
		lean = model.LeanB
	}

	return model.ConfidenceResult{
		Policy:        PolicySigned,
		RawEdge:       sum,
		Magnitude:     math.Abs(sum),
		Confidence:    clamp(math.Abs(sum)*MaxConfidence, 0, MaxConfidence),
		Lean:          lean,
		Contributions: contribs,
	}
}

// OverUnder sums pre-weighted over and under scores. Factor scores already
// embed their weight, so weights only inform the audit breakdown.
type OverUnder struct{}

// Name implements Policy.
func (OverUnder) Name() string { return PolicyOverUnder }

// Aggregate implements Policy.
func (OverUnder) Aggregate(factors []model.Factor, weights map[string]float64) model.ConfidenceResult {
	raw := resolveWeights(factors, weights)
	norm := NormalizeWeights(raw)

	contribs := make([]model.Contribution, len(factors))
	var over, under float64
	for i, f := range factors {
		o := math.Max(f.OverScore, 0)
		u := math.Max(f.UnderScore, 0)
		over += o
		under += u
		contribs[i] = model.Contribution{
			Key:              f.Key,
			Name:             f.Name,
			Weight:           raw[i],
			NormalizedWeight: norm[i],
			OverScore:        o,
			UnderScore:       u,
			Value:            o - u,
		}
	}

	lean, top := model.LeanA, over
	if under > over {
		lean, top = model.LeanB, under
	}
	edge := over - under

	return model.ConfidenceResult{
		Policy:        PolicyOverUnder,
		RawEdge:       edge,
		Magnitude:     math.Abs(edge),
		Confidence:    clamp(top, 0, MaxConfidence),
		Lean:          lean,
		Contributions: contribs,
	}
}

func resolveWeights(factors []model.Factor, weights map[string]float64) []float64 {
	out := make([]float64, len(factors))
	for i, f := range factors {
		w := f.Weight
		if cw, ok := weights[f.Key]; ok {
			w = cw
		}
		if math.IsNaN(w) || w < 0 {
			w = 0
		}
		out[i] = w
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
