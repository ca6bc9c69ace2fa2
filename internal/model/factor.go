package model

import (
	"math"
	"sort"
)

// Lean is the side favored by an aggregated set of factors. A is OVER for
// totals and HOME for directional kinds; B is the opposite side.
type Lean string

const (
	LeanA Lean = "A"
	LeanB Lean = "B"
)

// Sign returns +1 for LeanA and -1 for LeanB.
func (l Lean) Sign() float64 {
	if l == LeanB {
		return -1
	}
	return 1
}

// FactorInput is what an upstream provider reports for one factor.
type FactorInput struct {
	Key            string   `json:"key" yaml:"key"`
	Name           string   `json:"name" yaml:"name"`
	Signal         float64  `json:"signal,omitempty" yaml:"signal"`
	OverScore      float64  `json:"over_score,omitempty" yaml:"over_score"`
	UnderScore     float64  `json:"under_score,omitempty" yaml:"under_score"`
	WeightOverride *float64 `json:"weight_override,omitempty" yaml:"weight"`
}

// Factor is one named, weighted signal about an entity. Factors are never
// mutated after the factor step computes them.
type Factor struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	Signal     float64 `json:"signal"`
	OverScore  float64 `json:"over_score,omitempty"`
	UnderScore float64 `json:"under_score,omitempty"`
	Weight     float64 `json:"weight"`
	Provider   string  `json:"provider,omitempty"`
	Capped     bool    `json:"capped,omitempty"`
	CapReason  string  `json:"cap_reason,omitempty"`
}

// Contribution is one factor's share of an aggregated confidence.
type Contribution struct {
	Key              string  `json:"key"`
	Name             string  `json:"name"`
	Weight           float64 `json:"weight"`
	NormalizedWeight float64 `json:"normalized_weight"`
	Signal           float64 `json:"signal,omitempty"`
	OverScore        float64 `json:"over_score,omitempty"`
	UnderScore       float64 `json:"under_score,omitempty"`
	Value            float64 `json:"value"`
}

// ConfidenceResult is the output of the signal aggregator. It is a pure
// function of its inputs and is never stored on its own.
type ConfidenceResult struct {
	Policy        string         `json:"policy"`
	RawEdge       float64        `json:"raw_edge"`
	Magnitude     float64        `json:"magnitude"`
	Confidence    float64        `json:"confidence"`
	Lean          Lean           `json:"lean"`
	Contributions []Contribution `json:"contributions"`
}

// TopContributions returns up to n contributions ordered by absolute value.
func (r *ConfidenceResult) TopContributions(n int) []Contribution {
	out := make([]Contribution, len(r.Contributions))
	copy(out, r.Contributions)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Value) > math.Abs(out[j].Value)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
