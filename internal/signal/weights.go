package signal

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/pick-engine/internal/fault"
)

// Epsilon is the tolerance allowed between a weight configuration's sum and
// the expected total.
const Epsilon = 0.01

// DefaultExpectedTotal is the sum percentage-style weight configs must reach.
const DefaultExpectedTotal = 100.0

// MaxWeight is the largest weight a single factor may carry.
const MaxWeight = 100.0

// NormalizeWeights scales ws so they sum to 1. Negative weights count as
// zero. A zero total yields all-zero weights so no direction is favored.
func NormalizeWeights(ws []float64) []float64 {
	out := make([]float64, len(ws))
	var total float64
	for _, w := range ws {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return out
	}
	for i, w := range ws {
		if w > 0 {
			out[i] = w / total
		}
	}
	return out
}

// WeightSum returns the sum of all configured weights.
func WeightSum(weights map[string]float64) float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	return sum
}

// ValidateWeights checks a weight configuration before it is accepted: every
// weight is finite and within [0, MaxWeight], and the weights sum to
// expectedTotal within Epsilon.
func ValidateWeights(weights map[string]float64, expectedTotal float64) error {
	if len(weights) == 0 {
		return fault.Validation("signal: no factor weights configured")
	}
	if expectedTotal <= 0 {
		expectedTotal = DefaultExpectedTotal
	}

	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		w := weights[k]
		switch {
		case strings.TrimSpace(k) == "":
			errs = append(errs, "empty factor key")
		case math.IsNaN(w) || math.IsInf(w, 0):
			errs = append(errs, fmt.Sprintf("%s: weight is not finite", k))
		case w < 0 || w > MaxWeight:
			errs = append(errs, fmt.Sprintf("%s: weight %.2f outside [0, %.0f]", k, w, MaxWeight))
		}
	}

	if sum := WeightSum(weights); math.Abs(sum-expectedTotal) > Epsilon {
		errs = append(errs, fmt.Sprintf("weights sum to %.4f, expected %.2f", sum, expectedTotal))
	}

	if len(errs) > 0 {
		return fault.Validation("signal: weight validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
