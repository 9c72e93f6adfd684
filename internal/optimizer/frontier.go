package optimizer

import (
	"context"
	"math"
	"sync"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// frontierParallelism caps concurrent frontier solves. Each solve is
// independent, so points are computed fan-out and reassembled in target
// order.
const frontierParallelism = 4

// EfficientFrontier traces the frontier between the minimum-volatility
// return and the maximum achievable return under the supplied bounds. The
// resulting curve must be risk-monotonic in target return; a violation
// beyond round-off is reported as a FrontierConsistencyError.
func (o *Optimizer) EfficientFrontier(ctx context.Context, model *types.RiskModel, cons *types.Constraints, points int) ([]types.EfficientFrontierPoint, error) {
	if model == nil || model.NumAssets() == 0 {
		return nil, &types.InsufficientDataError{Observations: 0, Required: 1}
	}
	if points < 2 {
		points = 2
	}
	base := cloneConstraints(cons)
	base.TargetReturn = nil

	if err := validateConstraints(model, base); err != nil {
		return nil, err
	}

	if model.NumAssets() == 1 {
		w := []float64{1.0}
		ret := model.Return(w)
		vol := math.Sqrt(math.Max(model.Variance(w), 0))
		return []types.EfficientFrontierPoint{frontierPoint(ret, vol, w, base.RiskFreeRate)}, nil
	}

	minVol, err := o.Optimize(ctx, Request{Method: types.MethodMinVolatility, Model: model, Constraints: base})
	if err != nil {
		return nil, err
	}

	lower, upper := base.Bounds(model.Symbols)
	_, maxRet := achievableReturnRange(model.ExpectedReturns, lower, upper)

	lowRet := minVol.ExpectedReturn
	if maxRet < lowRet {
		maxRet = lowRet
	}

	targets := make([]float64, points)
	for i := range targets {
		frac := float64(i) / float64(points-1)
		targets[i] = lowRet + frac*(maxRet-lowRet)
	}

	out := make([]types.EfficientFrontierPoint, points)
	errs := make([]error, points)

	var wg sync.WaitGroup
	sem := make(chan struct{}, frontierParallelism)
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target float64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pointCons := cloneConstraints(base)
			pointCons.TargetReturn = &target
			res, err := o.Optimize(ctx, Request{Method: types.MethodMeanVariance, Model: model, Constraints: pointCons})
			if err != nil {
				if div, ok := err.(*types.SolverDivergenceError); ok && div.Best != nil {
					res = div.Best
				} else {
					errs[i] = err
					return
				}
			}
			out[i] = frontierPoint(res.ExpectedReturn, res.Volatility, res.Weights, base.RiskFreeRate)
		}(i, target)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	// Risk must not decrease as the target return rises.
	for i := 1; i < len(out); i++ {
		if out[i].Risk < out[i-1].Risk-1e-8 {
			return nil, &types.FrontierConsistencyError{
				Index:    i,
				Risk:     out[i].Risk,
				PrevRisk: out[i-1].Risk,
			}
		}
	}
	return out, nil
}

func frontierPoint(ret, vol float64, weights []float64, rf float64) types.EfficientFrontierPoint {
	sharpe := 0.0
	if vol > 0 {
		sharpe = (ret - rf) / vol
	}
	return types.EfficientFrontierPoint{
		Risk:    vol,
		Return:  ret,
		Sharpe:  sharpe,
		Weights: append([]float64(nil), weights...),
	}
}

func cloneConstraints(cons *types.Constraints) *types.Constraints {
	if cons == nil {
		return &types.Constraints{LongOnly: true}
	}
	clone := *cons
	if cons.TargetReturn != nil {
		t := *cons.TargetReturn
		clone.TargetReturn = &t
	}
	return &clone
}
