package pipeline

import (
	"math"

	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/signal"
)

// Unit thresholds on the adjusted confidence. Below the last one is PASS.
var unitThresholds = []struct {
	min   float64
	units int
}{
	{4.5, 5},
	{4.0, 3},
	{3.5, 2},
	{2.5, 1},
}

// UnitsFor maps a 0-5 confidence to a risk size. Zero means PASS.
func UnitsFor(confidence float64) int {
	for _, t := range unitThresholds {
		if confidence >= t.min {
			return t.units
		}
	}
	return 0
}

// PredictedValue projects the aggregator's raw edge onto the market line.
func PredictedValue(line, rawEdge, scale float64) float64 {
	return line + rawEdge*scale
}

// AdjustForEdge moves base confidence by the gap between prediction and
// market. The edge factor is clamped to [-1, 1] and oriented toward lean, so
// a gap that agrees with the lean always raises confidence.
func AdjustForEdge(base, predicted, line float64, lean model.Lean, divisor, weight float64) model.EdgeAdjustment {
	pts := predicted - line
	factor := 0.0
	if divisor > 0 {
		factor = math.Max(-1, math.Min(1, pts/divisor))
	}
	oriented := factor * lean.Sign()
	return model.EdgeAdjustment{
		PredictedValue:     predicted,
		MarketLine:         line,
		EdgePoints:         pts,
		EdgeFactor:         factor,
		OrientedEdgeFactor: oriented,
		BaseConfidence:     base,
		AdjustedConfidence: math.Max(0, math.Min(signal.MaxConfidence, base+oriented*weight)),
	}
}

// Selection names the side a lean points at: OVER/UNDER for totals, the home
// or away team for directional kinds.
func Selection(kind model.DecisionKind, lean model.Lean, snap model.Snapshot) string {
	if !kind.Directional() {
		if lean == model.LeanB {
			return "UNDER"
		}
		return "OVER"
	}
	if lean == model.LeanB {
		if snap.AwayTeam != "" {
			return snap.AwayTeam
		}
		return "AWAY"
	}
	if snap.HomeTeam != "" {
		return snap.HomeTeam
	}
	return "HOME"
}
