package signal

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/pick-engine/internal/model"
)

func TestNormalizedWeightsSumToOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("positive weights normalize to 1", prop.ForAll(
		func(ws []float64) bool {
			if len(ws) == 0 {
				return true
			}
			var sum float64
			for _, w := range NormalizeWeights(ws) {
				sum += w
			}
			return math.Abs(sum-1.0) <= 1e-9
		},
		gen.SliceOf(gen.Float64Range(0.001, 100)),
	))

	properties.TestingRun(t)
}

func TestConfidenceIsBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toFactors := func(signals, weights, scores []float64) []model.Factor {
		n := min(len(signals), len(weights), len(scores))
		out := make([]model.Factor, n)
		for i := 0; i < n; i++ {
			out[i] = model.Factor{
				Key:        string(rune('a' + i%26)),
				Signal:     signals[i],
				Weight:     weights[i],
				OverScore:  scores[i],
				UnderScore: scores[n-1-i],
			}
		}
		return out
	}

	for _, p := range []Policy{SignedSignal{}, OverUnder{}} {
		properties.Property(p.Name()+" confidence in [0, 5]", prop.ForAll(
			func(signals, weights, scores []float64) bool {
				res := p.Aggregate(toFactors(signals, weights, scores), nil)
				return res.Confidence >= 0 && res.Confidence <= MaxConfidence
			},
			gen.SliceOf(gen.Float64Range(-1, 1)),
			gen.SliceOf(gen.Float64Range(0, 100)),
			gen.SliceOf(gen.Float64Range(0, 10)),
		))
	}

	properties.TestingRun(t)
}
