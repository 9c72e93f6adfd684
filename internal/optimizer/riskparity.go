package optimizer

import (
	"context"
	"math"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// solveRiskParity equalizes the risk contributions RC_i = w_i·(Σw)_i using
// multiplicative updates. Each iterate is clamped to the box and
// renormalized, so every intermediate portfolio is feasible; dispersion of
// the contribution shares is the convergence measure.
func (o *Optimizer) solveRiskParity(ctx context.Context, model *types.RiskModel, cons *types.Constraints) ([]float64, int, types.SolverStatus, error) {
	n := model.NumAssets()
	lower, upper := cons.Bounds(model.Symbols)

	w := equalWeights(n)
	clampAndNormalize(w, lower, upper)

	best := append([]float64(nil), w...)
	bestDispersion := math.Inf(1)
	target := 1.0 / float64(n)

	iterations := 0
	for ; iterations < o.config.RiskParityIterations; iterations++ {
		select {
		case <-ctx.Done():
			return best, iterations, types.StatusTimeout, nil
		default:
		}

		shares, totalRisk := contributionShares(model, w)
		if totalRisk <= 0 {
			// Zero-risk model; equal weights are as balanced as it gets.
			return equalWeights(n), iterations, types.StatusOptimal, nil
		}

		dispersion := 0.0
		for _, s := range shares {
			if d := math.Abs(s - target); d > dispersion {
				dispersion = d
			}
		}
		if dispersion < bestDispersion {
			bestDispersion = dispersion
			copy(best, w)
		}
		if dispersion < o.config.RiskParityTolerance {
			return best, iterations, types.StatusOptimal, nil
		}

		// Shrink overweight contributors, grow underweight ones. The square
		// root damps the update enough to keep the iteration stable.
		for i := range w {
			share := math.Max(shares[i], 1e-12)
			w[i] *= math.Sqrt(target / share)
		}
		clampAndNormalize(w, lower, upper)
	}

	err := &types.SolverDivergenceError{
		Method:     types.MethodRiskParity,
		Iterations: iterations,
		Residual:   bestDispersion,
		Tolerance:  o.config.RiskParityTolerance,
	}
	return best, iterations, types.StatusMaxIterations, err
}

// contributionShares returns each asset's share of total portfolio risk and
// the total itself (wᵀΣw).
func contributionShares(model *types.RiskModel, w []float64) ([]float64, float64) {
	n := len(w)
	shares := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		var sw float64
		for j := 0; j < n; j++ {
			sw += model.Covariance.At(i, j) * w[j]
		}
		shares[i] = w[i] * sw
		total += shares[i]
	}
	if total > 0 {
		for i := range shares {
			shares[i] /= total
		}
	}
	return shares, total
}

func clampAndNormalize(w, lower, upper []float64) {
	var sum float64
	for i := range w {
		w[i] = math.Max(lower[i], math.Min(upper[i], w[i]))
		sum += w[i]
	}
	if sum > 0 {
		for i := range w {
			w[i] /= sum
		}
	}
}
