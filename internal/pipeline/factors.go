package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/signal"
)

// NormalizeFactors turns one provider's inputs into factors. Out-of-range
// signals and scores are clamped and flagged; non-finite values and keys
// missing from weights are rejected. A provider weight override replaces the
// configured weight. An empty weights map accepts any key.
func NormalizeFactors(provider string, inputs []model.FactorInput, weights map[string]float64, maxScore float64) ([]model.Factor, error) {
	out := make([]model.Factor, 0, len(inputs))
	for _, in := range inputs {
		key := strings.TrimSpace(in.Key)
		if key == "" {
			return nil, fault.Validation("pipeline: factor from %s is missing a key", provider)
		}
		configured, known := weights[key]
		if len(weights) > 0 && !known {
			return nil, fault.Validation("pipeline: unknown factor key %q from %s", key, provider)
		}
		for _, v := range []struct {
			field string
			val   float64
		}{{"signal", in.Signal}, {"over_score", in.OverScore}, {"under_score", in.UnderScore}} {
			if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
				return nil, fault.Validation("pipeline: factor %q %s is not finite", key, v.field)
			}
		}

		f := model.Factor{
			Key:        key,
			Name:       in.Name,
			Signal:     in.Signal,
			OverScore:  in.OverScore,
			UnderScore: in.UnderScore,
			Weight:     configured,
			Provider:   provider,
		}
		if f.Name == "" {
			f.Name = key
		}
		if in.WeightOverride != nil {
			w := *in.WeightOverride
			if math.IsNaN(w) || w < 0 || w > signal.MaxWeight {
				return nil, fault.Validation("pipeline: factor %q weight override %v outside [0, %.0f]", key, w, signal.MaxWeight)
			}
			f.Weight = w
		}

		var reasons []string
		if f.Signal < -1 || f.Signal > 1 {
			reasons = append(reasons, fmt.Sprintf("signal %.3f outside [-1, 1]", f.Signal))
			f.Signal = math.Max(-1, math.Min(1, f.Signal))
		}
		f.OverScore, reasons = capScore("over_score", f.OverScore, maxScore, reasons)
		f.UnderScore, reasons = capScore("under_score", f.UnderScore, maxScore, reasons)
		if len(reasons) > 0 {
			f.Capped = true
			f.CapReason = strings.Join(reasons, "; ")
		}
		out = append(out, f)
	}
	return out, nil
}

func capScore(field string, v, max float64, reasons []string) (float64, []string) {
	switch {
	case v < 0:
		return 0, append(reasons, fmt.Sprintf("%s %.3f below 0", field, v))
	case max > 0 && v > max:
		return max, append(reasons, fmt.Sprintf("%s %.3f above %.2f", field, v, max))
	}
	return v, reasons
}

// mergeFactors flattens per-provider batches into one list ordered by key.
// A key reported twice is rejected.
func mergeFactors(batches [][]model.Factor) ([]model.Factor, error) {
	all := make([]model.Factor, 0)
	seen := make(map[string]string)
	for _, batch := range batches {
		for _, f := range batch {
			if prev, dup := seen[f.Key]; dup {
				return nil, fault.Validation("pipeline: factor %q reported by both %s and %s", f.Key, prev, f.Provider)
			}
			seen[f.Key] = f.Provider
			all = append(all, f)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all, nil
}
