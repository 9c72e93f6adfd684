package optimizer

import (
	"context"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// solveMinVolatility minimizes portfolio variance subject to full investment.
// The unconstrained-bounds solution comes from the KKT system in closed form;
// refinement only runs when box or group constraints bind.
func (o *Optimizer) solveMinVolatility(ctx context.Context, model *types.RiskModel, cons *types.Constraints) ([]float64, int, types.SolverStatus, error) {
	n := model.NumAssets()
	p := o.problem(model, cons, []linearEq{onesConstraint(n)})

	if w, ok := solveEqualityQP(model.Covariance, p.eqs); ok && p.feasible(w, o.config.WeightSumTolerance) {
		return w, 0, types.StatusOptimal, nil
	}

	return o.refine(ctx, types.MethodMinVolatility, p, equalWeights(n))
}

// solveMeanVariance minimizes variance at the requested target return. With
// no target the problem degenerates to minimum volatility.
func (o *Optimizer) solveMeanVariance(ctx context.Context, model *types.RiskModel, cons *types.Constraints) ([]float64, int, types.SolverStatus, error) {
	if cons.TargetReturn == nil {
		return o.solveMinVolatility(ctx, model, cons)
	}

	n := model.NumAssets()
	eqs := []linearEq{
		onesConstraint(n),
		{a: append([]float64(nil), model.ExpectedReturns...), b: *cons.TargetReturn},
	}
	p := o.problem(model, cons, eqs)

	if w, ok := solveEqualityQP(model.Covariance, p.eqs); ok && p.feasible(w, o.config.WeightSumTolerance) {
		return w, 0, types.StatusOptimal, nil
	}

	return o.refine(ctx, types.MethodMeanVariance, p, equalWeights(n))
}

// problem assembles the box-constrained penalized form shared by the
// variance-based strategies.
func (o *Optimizer) problem(model *types.RiskModel, cons *types.Constraints, eqs []linearEq) *boxQP {
	lower, upper := cons.Bounds(model.Symbols)
	index := symbolIndex(model.Symbols)

	specs := make([]groupSpec, 0, len(cons.Groups))
	for _, g := range cons.Groups {
		indices := make([]int, 0, len(g.Symbols))
		for _, sym := range g.Symbols {
			if i, ok := index[sym]; ok {
				indices = append(indices, i)
			}
		}
		specs = append(specs, groupSpec{indices: indices, lower: g.Lower, upper: g.Upper})
	}

	return &boxQP{
		sigma:  model.Covariance,
		eqs:    eqs,
		groups: buildGroups(specs),
		lower:  lower,
		upper:  upper,
	}
}

// refine runs the penalty minimizer and maps its outcome onto the solver
// status contract: context cancellation yields the best iterate with a
// timeout status, failure to reach feasibility yields the best iterate
// together with a divergence error.
func (o *Optimizer) refine(ctx context.Context, method types.Method, p *boxQP, start []float64) ([]float64, int, types.SolverStatus, error) {
	w, iterations, converged := penaltyMinimize(ctx, p, start, o.config.MaxIterations, o.config.Tolerance)

	if ctx.Err() != nil {
		return w, iterations, types.StatusTimeout, nil
	}
	if !converged {
		err := &types.SolverDivergenceError{
			Method:     method,
			Iterations: iterations,
			Residual:   constraintResidual(p, w),
			Tolerance:  o.config.Tolerance,
		}
		return w, iterations, types.StatusMaxIterations, err
	}
	return w, iterations, types.StatusOptimal, nil
}

// constraintResidual measures the worst remaining violation, for diagnostics.
func constraintResidual(p *boxQP, w []float64) float64 {
	var worst float64
	for _, c := range p.eqs {
		if r := residual(c, w); r > worst {
			worst = r
		} else if -r > worst {
			worst = -r
		}
	}
	for _, g := range p.groups {
		v := groupViolation(g, w)
		if v < 0 {
			v = -v
		}
		if v > worst {
			worst = v
		}
	}
	return worst
}
