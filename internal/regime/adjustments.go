package regime

import "github.com/atlas-desktop/portfolio-engine/pkg/types"

// Adjustment maps a detected regime onto optimizer-input changes. The
// mapping is a documented lookup, not an algorithm: bear markets tighten
// concentration caps and trim the target return, bull markets relax them,
// sideways markets change nothing.
type Adjustment struct {
	MaxWeightScale    float64 `json:"max_weight_scale"`
	TargetReturnScale float64 `json:"target_return_scale"`
}

var adjustments = map[types.Regime]Adjustment{
	types.RegimeBear:     {MaxWeightScale: 0.85, TargetReturnScale: 0.90},
	types.RegimeSideways: {MaxWeightScale: 1.00, TargetReturnScale: 1.00},
	types.RegimeBull:     {MaxWeightScale: 1.15, TargetReturnScale: 1.10},
}

// AdjustmentFor returns the constraint adjustment for a regime. Unknown
// regimes behave like sideways.
func AdjustmentFor(r types.Regime) Adjustment {
	if a, ok := adjustments[r]; ok {
		return a
	}
	return adjustments[types.RegimeSideways]
}

// Apply returns a copy of the constraints with the adjustment folded in.
// Only explicitly supplied caps are scaled; default bounds stay untouched,
// and scaled caps are clamped to [0, 1].
func (a Adjustment) Apply(cons *types.Constraints) *types.Constraints {
	if cons == nil {
		cons = &types.Constraints{LongOnly: true}
	}
	out := *cons

	if len(cons.MaxWeights) > 0 && a.MaxWeightScale != 1 {
		scaled := make(map[string]float64, len(cons.MaxWeights))
		for sym, w := range cons.MaxWeights {
			v := w * a.MaxWeightScale
			if v > 1 {
				v = 1
			}
			if v < 0 {
				v = 0
			}
			scaled[sym] = v
		}
		out.MaxWeights = scaled
	}

	if cons.TargetReturn != nil && a.TargetReturnScale != 1 {
		t := *cons.TargetReturn * a.TargetReturnScale
		out.TargetReturn = &t
	}
	return &out
}
