package optimizer

import (
	"context"
	"math"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"gonum.org/v1/gonum/mat"
)

// marketRiskAversion is the standard implied risk aversion used to back out
// equilibrium returns from the market portfolio.
const marketRiskAversion = 2.5

// solveBlackLitterman blends equilibrium returns implied by the market
// portfolio with investor views, then optimizes against the posterior. With
// a target return the posterior feeds a mean-variance solve, otherwise
// maximum Sharpe.
func (o *Optimizer) solveBlackLitterman(ctx context.Context, model *types.RiskModel, cons *types.Constraints, views []types.BLView, caps map[string]float64) ([]float64, int, types.SolverStatus, error) {
	marketWeights := marketPortfolio(model.Symbols, caps)
	prior := equilibriumReturns(model, marketWeights, cons.RiskFreeRate)

	posterior := prior
	posteriorCov := model.Covariance
	if len(views) > 0 {
		blendedMu, blendedCov, ok := blendViews(model, prior, views, o.config.Tau)
		if !ok {
			// Degenerate view covariance; the equilibrium prior stands.
			o.logger.Warn("black-litterman view blending failed, using equilibrium prior")
		} else {
			posterior = blendedMu
			posteriorCov = blendedCov
		}
	}

	posteriorModel := &types.RiskModel{
		Symbols:         model.Symbols,
		ExpectedReturns: posterior,
		Covariance:      posteriorCov,
		Shrinkage:       model.Shrinkage,
		ConditionNumber: model.ConditionNumber,
		Periods:         model.Periods,
		Annualized:      model.Annualized,
	}

	if cons.TargetReturn != nil {
		return o.solveMeanVariance(ctx, posteriorModel, cons)
	}
	return o.solveMaxSharpe(ctx, posteriorModel, cons)
}

// marketPortfolio normalizes market caps into prior weights, falling back to
// equal weighting when caps are absent or unusable.
func marketPortfolio(symbols []string, caps map[string]float64) []float64 {
	n := len(symbols)
	w := make([]float64, n)

	var total float64
	for _, sym := range symbols {
		if c := caps[sym]; c > 0 {
			total += c
		}
	}
	if total <= 0 {
		return equalWeights(n)
	}
	for i, sym := range symbols {
		w[i] = math.Max(0, caps[sym]) / total
	}
	return w
}

// equilibriumReturns computes π = δ·Σ·w_mkt + rf.
func equilibriumReturns(model *types.RiskModel, marketWeights []float64, rf float64) []float64 {
	n := model.NumAssets()
	pi := make([]float64, n)
	for i := 0; i < n; i++ {
		var sw float64
		for j := 0; j < n; j++ {
			sw += model.Covariance.At(i, j) * marketWeights[j]
		}
		pi[i] = marketRiskAversion*sw + rf
	}
	return pi
}

// blendViews applies the Black-Litterman master formula,
// μ = π + τΣPᵀ(PτΣPᵀ + Ω)⁻¹(q - Pπ), with Ω diagonal scaled by view
// confidence so that full-confidence views dominate the prior. The posterior
// covariance Σ + τΣ - τΣPᵀ(PτΣPᵀ + Ω)⁻¹PτΣ carries the residual estimation
// uncertainty of the blended mean.
func blendViews(model *types.RiskModel, prior []float64, views []types.BLView, tau float64) ([]float64, *mat.SymDense, bool) {
	n := model.NumAssets()
	k := len(views)
	index := symbolIndex(model.Symbols)

	pick := mat.NewDense(k, n, nil)
	q := mat.NewVecDense(k, nil)
	for vi, view := range views {
		for sym, weight := range view.Weights {
			if i, ok := index[sym]; ok {
				pick.Set(vi, i, weight)
			}
		}
		q.SetVec(vi, view.Value)
	}

	tauSigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			tauSigma.Set(i, j, tau*model.Covariance.At(i, j))
		}
	}

	var pts mat.Dense
	pts.Mul(pick, tauSigma) // P·τΣ, k×n

	var middle mat.Dense
	middle.Mul(&pts, pick.T()) // P·τΣ·Pᵀ, k×k

	for vi, view := range views {
		conf := math.Max(1e-4, math.Min(1, view.Confidence))
		// Low confidence inflates the view variance, high confidence
		// deflates it toward zero.
		omega := middle.At(vi, vi) * (1 - conf) / conf
		middle.Set(vi, vi, middle.At(vi, vi)+math.Max(omega, 1e-12))
	}

	// Mismatch between views and the prior.
	diff := mat.NewVecDense(k, nil)
	for vi := 0; vi < k; vi++ {
		var pp float64
		for i := 0; i < n; i++ {
			pp += pick.At(vi, i) * prior[i]
		}
		diff.SetVec(vi, q.AtVec(vi)-pp)
	}

	var adjust mat.VecDense
	if err := adjust.SolveVec(&middle, diff); err != nil {
		return nil, nil, false
	}

	posterior := make([]float64, n)
	for i := 0; i < n; i++ {
		v := prior[i]
		for vi := 0; vi < k; vi++ {
			v += pts.At(vi, i) * adjust.AtVec(vi)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, false
		}
		posterior[i] = v
	}

	// Correction (τΣPᵀ)(PτΣPᵀ + Ω)⁻¹(PτΣ) shrinks the extra τΣ uncertainty
	// along the view directions.
	var solved mat.Dense
	if err := solved.Solve(&middle, &pts); err != nil {
		return nil, nil, false
	}
	var correction mat.Dense
	correction.Mul(pts.T(), &solved)

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := model.Covariance.At(i, j) + tauSigma.At(i, j) -
				0.5*(correction.At(i, j)+correction.At(j, i))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, false
			}
			cov.SetSym(i, j, v)
		}
	}
	return posterior, cov, true
}
