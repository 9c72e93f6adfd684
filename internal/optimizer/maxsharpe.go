package optimizer

import (
	"context"
	"math"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"gonum.org/v1/gonum/mat"
)

// solveMaxSharpe maximizes (μᵀw - rf)/σ(w). The fully-invested tangency
// portfolio is closed form, w ∝ Σ⁻¹(μ - rf·1), whenever the scaling keeps
// the budget positive; otherwise the ratio is maximized directly by
// projected gradient descent.
func (o *Optimizer) solveMaxSharpe(ctx context.Context, model *types.RiskModel, cons *types.Constraints) ([]float64, int, types.SolverStatus, error) {
	n := model.NumAssets()
	rf := cons.RiskFreeRate

	p := o.problem(model, cons, []linearEq{onesConstraint(n)})
	p.objective = func(w []float64) float64 { return negativeSharpe(model, rf, w) }
	p.gradient = func(w, grad []float64) { negativeSharpeGrad(model, rf, w, grad) }

	if w, ok := tangencyPortfolio(model, rf); ok && p.feasible(w, o.config.WeightSumTolerance) {
		return w, 0, types.StatusOptimal, nil
	}

	start := equalWeights(n)
	if w, ok := tangencyPortfolio(model, rf); ok {
		copy(start, w)
		p.project(start)
	}
	return o.refine(ctx, types.MethodMaxSharpe, p, start)
}

// tangencyPortfolio solves Σy = μ - rf·1 and normalizes. It fails when the
// system is singular or the excess-return budget Σy is not positive, which
// happens when every asset underperforms the risk-free rate.
func tangencyPortfolio(model *types.RiskModel, rf float64) ([]float64, bool) {
	n := model.NumAssets()
	excess := mat.NewVecDense(n, nil)
	for i, m := range model.ExpectedReturns {
		excess.SetVec(i, m-rf)
	}

	var y mat.VecDense
	if err := y.SolveVec(model.Covariance, excess); err != nil {
		return nil, false
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += y.AtVec(i)
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}

	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = y.AtVec(i) / sum
	}
	return w, true
}

func negativeSharpe(model *types.RiskModel, rf float64, w []float64) float64 {
	variance := model.Variance(w)
	if variance <= 0 {
		return 0
	}
	return -(model.Return(w) - rf) / math.Sqrt(variance)
}

// negativeSharpeGrad evaluates ∇(-Sharpe) = -μ/σ + (μᵀw - rf)·Σw/σ³.
func negativeSharpeGrad(model *types.RiskModel, rf float64, w, grad []float64) {
	n := len(w)
	variance := model.Variance(w)
	if variance <= 0 {
		for i := range grad {
			grad[i] = 0
		}
		return
	}
	sigma := math.Sqrt(variance)
	excess := model.Return(w) - rf

	for i := 0; i < n; i++ {
		var sw float64
		for j := 0; j < n; j++ {
			sw += model.Covariance.At(i, j) * w[j]
		}
		grad[i] = -model.ExpectedReturns[i]/sigma + excess*sw/(sigma*variance)
	}
}
