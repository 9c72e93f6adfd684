package optimizer

import (
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// validateConstraints checks feasibility before any solver runs. Bounds must
// admit a fully-invested portfolio, groups must be internally consistent,
// and a target return must lie inside the achievable band. Infeasibility is
// reported, never clamped.
func validateConstraints(model *types.RiskModel, cons *types.Constraints) error {
	lower, upper := cons.Bounds(model.Symbols)

	var sumLower, sumUpper float64
	for i := range lower {
		if lower[i] > upper[i] {
			return &types.InfeasibleConstraintsError{
				Reason: "lower bound above upper bound for " + model.Symbols[i],
				Value:  lower[i],
				Limit:  upper[i],
			}
		}
		sumLower += lower[i]
		sumUpper += upper[i]
	}
	if sumLower > 1+1e-12 {
		return &types.InfeasibleConstraintsError{Reason: "sum of lower bounds exceeds 1", Value: sumLower, Limit: 1}
	}
	if sumUpper < 1-1e-12 {
		return &types.InfeasibleConstraintsError{Reason: "sum of upper bounds below 1", Value: sumUpper, Limit: 1}
	}

	index := symbolIndex(model.Symbols)
	for _, g := range cons.Groups {
		if g.Lower > g.Upper {
			return &types.InfeasibleConstraintsError{
				Reason: "group " + g.Name + " lower bound above upper bound",
				Value:  g.Lower,
				Limit:  g.Upper,
			}
		}
		var memberUpper float64
		for _, sym := range g.Symbols {
			if i, ok := index[sym]; ok {
				memberUpper += upper[i]
			}
		}
		if g.Lower > memberUpper+1e-12 {
			return &types.InfeasibleConstraintsError{
				Reason: "group " + g.Name + " lower bound unreachable with member upper bounds",
				Value:  g.Lower,
				Limit:  memberUpper,
			}
		}
	}

	if cons.TargetReturn != nil {
		minRet, maxRet := achievableReturnRange(model.ExpectedReturns, lower, upper)
		target := *cons.TargetReturn
		if target > maxRet+1e-12 {
			return &types.InfeasibleConstraintsError{Reason: "target return above maximum achievable", Value: target, Limit: maxRet}
		}
		if target < minRet-1e-12 {
			return &types.InfeasibleConstraintsError{Reason: "target return below minimum achievable", Value: target, Limit: minRet}
		}
	}

	if cons.TurnoverLimit != nil && *cons.TurnoverLimit < 0 {
		return &types.InfeasibleConstraintsError{Reason: "negative turnover limit", Value: *cons.TurnoverLimit, Limit: 0}
	}

	return nil
}

// achievableReturnRange computes the extreme portfolio returns reachable
// under box bounds with full investment. Greedy allocation is exact for a
// linear objective over a box intersected with the budget simplex.
func achievableReturnRange(mu, lower, upper []float64) (minRet, maxRet float64) {
	maxRet = extremeReturn(mu, lower, upper, true)
	minRet = extremeReturn(mu, lower, upper, false)
	return minRet, maxRet
}

func extremeReturn(mu, lower, upper []float64, maximize bool) float64 {
	n := len(mu)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if maximize {
			return mu[order[a]] > mu[order[b]]
		}
		return mu[order[a]] < mu[order[b]]
	})

	weights := make([]float64, n)
	budget := 1.0
	for i := range weights {
		weights[i] = lower[i]
		budget -= lower[i]
	}
	for _, i := range order {
		if budget <= 0 {
			break
		}
		add := math.Min(budget, upper[i]-lower[i])
		weights[i] += add
		budget -= add
	}

	var ret float64
	for i, w := range weights {
		ret += mu[i] * w
	}
	return ret
}

// applyTurnoverCap enforces the one-way turnover limit Σ|w_i - cur_i|/2 by
// stepping from the minimum-turnover feasible portfolio toward the solution.
// Both endpoints lie in the box-bounded budget simplex, so every blend does
// too. When no bounded portfolio can reach the limit the conflict is
// reported, never clamped.
func applyTurnoverCap(weights []float64, symbols []string, cons *types.Constraints) ([]float64, error) {
	if cons == nil || cons.TurnoverLimit == nil || len(cons.CurrentWeights) == 0 {
		return weights, nil
	}
	current := make([]float64, len(symbols))
	for i, sym := range symbols {
		current[i] = cons.CurrentWeights[sym]
	}

	limit := *cons.TurnoverLimit
	if turnoverOf(weights, current) <= limit {
		return weights, nil
	}

	lower, upper := cons.Bounds(symbols)
	anchor := minTurnoverAnchor(current, lower, upper)
	if minTurn := turnoverOf(anchor, current); minTurn > limit+1e-9 {
		return nil, &types.InfeasibleConstraintsError{
			Reason: "turnover limit unreachable within bounds",
			Value:  minTurn,
			Limit:  limit,
		}
	}

	// Bisect the step length; turnover is convex along the segment with the
	// anchor under the limit and the solution over it.
	lo, hi := 0.0, 1.0
	blended := make([]float64, len(weights))
	for iter := 0; iter < 60; iter++ {
		mid := (lo + hi) / 2
		for i := range blended {
			blended[i] = anchor[i] + mid*(weights[i]-anchor[i])
		}
		if turnoverOf(blended, current) <= limit {
			lo = mid
		} else {
			hi = mid
		}
	}
	for i := range blended {
		blended[i] = anchor[i] + lo*(weights[i]-anchor[i])
	}
	return blended, nil
}

// minTurnoverAnchor is the fully-invested portfolio inside the box bounds
// closest to the current holdings in turnover. Clamping minimizes each
// per-asset distance; the budget residual costs the same wherever it lands,
// so a single deterministic pass settles it.
func minTurnoverAnchor(current, lower, upper []float64) []float64 {
	n := len(current)
	w := make([]float64, n)
	sum := 0.0
	for i := range w {
		w[i] = math.Min(upper[i], math.Max(lower[i], current[i]))
		sum += w[i]
	}
	if sum > 1 {
		surplus := sum - 1
		for i := 0; i < n && surplus > 1e-15; i++ {
			cut := math.Min(surplus, w[i]-lower[i])
			w[i] -= cut
			surplus -= cut
		}
	} else if sum < 1 {
		deficit := 1 - sum
		for i := 0; i < n && deficit > 1e-15; i++ {
			add := math.Min(deficit, upper[i]-w[i])
			w[i] += add
			deficit -= add
		}
	}
	return w
}

func turnoverOf(weights, current []float64) float64 {
	var t float64
	for i := range weights {
		t += math.Abs(weights[i] - current[i])
	}
	return t / 2
}

func symbolIndex(symbols []string) map[string]int {
	idx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		idx[s] = i
	}
	return idx
}
