// Package riskmodel estimates the expected-return vector and regularized
// covariance matrix handed to the optimizers. Shrinkage absorbs most
// ill-conditioning before it ever becomes an error.
package riskmodel

import (
	"math"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// TradingPeriodsPerYear is the annualization base for daily data.
const TradingPeriodsPerYear = 252

// BuilderConfig configures the risk model builder.
type BuilderConfig struct {
	// Shrinkage overrides the Ledoit-Wolf estimate when non-nil; always
	// clamped to [0, 1].
	Shrinkage *float64
	// EigenvalueFloor clips eigenvalues below it after shrinkage.
	EigenvalueFloor float64
	// ConditionCeiling fails the build when exceeded post-regularization.
	ConditionCeiling float64
	// HalfLife applies exponential observation decay when > 0 (periods).
	HalfLife float64
	// Annualize scales mean by 252 and covariance by 252.
	Annualize bool
}

// DefaultBuilderConfig returns sensible defaults.
func DefaultBuilderConfig() *BuilderConfig {
	return &BuilderConfig{
		EigenvalueFloor:  1e-10,
		ConditionCeiling: 1e12,
	}
}

// Builder estimates risk models from aligned return series.
type Builder struct {
	logger *zap.Logger
	config *BuilderConfig
}

// NewBuilder creates a risk model builder.
func NewBuilder(logger *zap.Logger, config *BuilderConfig) *Builder {
	if config == nil {
		config = DefaultBuilderConfig()
	}
	return &Builder{logger: logger, config: config}
}

// Build computes the sample moments, applies shrinkage toward a scaled
// identity target, floors the eigenvalues, and verifies the condition
// number. The returned model is symmetric positive semi-definite.
func (b *Builder) Build(aligned *types.AlignedReturns) (*types.RiskModel, error) {
	n := aligned.NumAssets()
	T := aligned.NumPeriods()
	if n == 0 || T < 2 {
		sym := ""
		if n > 0 {
			sym = aligned.Symbols[0]
		}
		return nil, &types.InsufficientDataError{Symbol: sym, Observations: T, Required: 2}
	}

	weights := b.observationWeights(T)
	mu := weightedMeans(aligned.Series, weights)
	sample := weightedCovariance(aligned.Series, mu, weights)

	delta := b.shrinkageIntensity(aligned.Series, mu, sample, weights)
	shrunk := shrinkToward(sample, delta)

	// The condition number is judged on the shrunk matrix itself: the
	// eigenvalue floor guarantees PSD output but must not mask a model
	// that shrinkage failed to repair.
	floored, minEig, maxEig := floorEigenvalues(shrunk, b.config.EigenvalueFloor)

	cond := math.Inf(1)
	if minEig > 0 {
		cond = maxEig / minEig
	}
	if cond > b.config.ConditionCeiling {
		return nil, &types.SingularCovarianceError{ConditionNumber: cond, Ceiling: b.config.ConditionCeiling}
	}

	if b.config.Annualize {
		for i := range mu {
			mu[i] *= TradingPeriodsPerYear
		}
		floored.ScaleSym(TradingPeriodsPerYear, floored)
	}

	b.logger.Debug("risk model built",
		zap.Int("assets", n),
		zap.Int("periods", T),
		zap.Float64("shrinkage", delta),
		zap.Float64("condition_number", cond),
	)

	return &types.RiskModel{
		Symbols:         append([]string(nil), aligned.Symbols...),
		ExpectedReturns: mu,
		Covariance:      floored,
		Shrinkage:       delta,
		ConditionNumber: cond,
		Periods:         T,
		Annualized:      b.config.Annualize,
	}, nil
}

// observationWeights builds normalized per-period weights, most recent last.
func (b *Builder) observationWeights(T int) []float64 {
	w := make([]float64, T)
	if b.config.HalfLife <= 0 {
		for t := range w {
			w[t] = 1.0 / float64(T)
		}
		return w
	}
	lambda := math.Pow(0.5, 1.0/b.config.HalfLife)
	total := 0.0
	for t := 0; t < T; t++ {
		w[t] = math.Pow(lambda, float64(T-1-t))
		total += w[t]
	}
	for t := range w {
		w[t] /= total
	}
	return w
}

// shrinkageIntensity estimates δ with a Ledoit-Wolf style heuristic:
// the ratio of average estimation noise to the distance between the sample
// matrix and the scaled-identity target, clamped to [0, 1].
func (b *Builder) shrinkageIntensity(series [][]float64, mu []float64, sample *mat.SymDense, weights []float64) float64 {
	if b.config.Shrinkage != nil {
		return math.Max(0, math.Min(1, *b.config.Shrinkage))
	}

	n := len(series)
	T := len(weights)
	if n == 1 || T < 3 {
		return 0
	}

	avgVar := traceOf(sample) / float64(n)

	// Squared Frobenius distance between sample and target.
	var distSq float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := sample.At(i, j)
			if i == j {
				d -= avgVar
			}
			distSq += d * d
		}
	}
	if distSq <= 0 {
		return 0
	}

	// Average squared deviation of per-period outer products from the
	// sample covariance, scaled by the effective observation count.
	var noise float64
	for t := 0; t < T; t++ {
		for i := 0; i < n; i++ {
			di := series[i][t] - mu[i]
			for j := 0; j < n; j++ {
				dj := series[j][t] - mu[j]
				dev := di*dj - sample.At(i, j)
				noise += weights[t] * dev * dev
			}
		}
	}
	noise /= float64(T)

	return math.Max(0, math.Min(1, noise/distSq))
}

// shrinkToward blends (1-δ)·Σ + δ·(tr(Σ)/n)·I.
func shrinkToward(sample *mat.SymDense, delta float64) *mat.SymDense {
	n := sample.SymmetricDim()
	avgVar := traceOf(sample) / float64(n)
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - delta) * sample.At(i, j)
			if i == j {
				v += delta * avgVar
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// floorEigenvalues clips eigenvalues below the floor and reconstructs the
// matrix, guaranteeing positive semi-definiteness. The returned min and max
// are the eigenvalues of the input, before clipping, so the caller can judge
// conditioning on the unfloored spectrum.
func floorEigenvalues(m *mat.SymDense, floor float64) (*mat.SymDense, float64, float64) {
	n := m.SymmetricDim()

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		// Factorization failure on a finite symmetric matrix is pathological;
		// fall back to adding the floor on the diagonal.
		out := mat.NewSymDense(n, nil)
		out.CopySym(m)
		for i := 0; i < n; i++ {
			out.SetSym(i, i, out.At(i, i)+floor)
		}
		return out, floor, out.At(0, 0)
	}

	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	minEig, maxEig := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < minEig {
			minEig = v
		}
		if v > maxEig {
			maxEig = v
		}
	}
	for i, v := range values {
		if v < floor {
			values[i] = floor
		}
	}

	// Reconstruct V·diag(λ)·Vᵀ.
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vectors.At(i, j)*values[j])
		}
	}
	var dense mat.Dense
	dense.Mul(scaled, vectors.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// Average the off-diagonal pair to remove round-off asymmetry.
			out.SetSym(i, j, 0.5*(dense.At(i, j)+dense.At(j, i)))
		}
	}
	return out, minEig, maxEig
}

func weightedMeans(series [][]float64, weights []float64) []float64 {
	mu := make([]float64, len(series))
	for i, s := range series {
		var m float64
		for t, r := range s {
			m += weights[t] * r
		}
		mu[i] = m
	}
	return mu
}

func weightedCovariance(series [][]float64, mu []float64, weights []float64) *mat.SymDense {
	n := len(series)
	T := len(weights)
	out := mat.NewSymDense(n, nil)

	// Bessel-style correction for the weighted sample.
	var sumSq float64
	for _, w := range weights {
		sumSq += w * w
	}
	denom := 1 - sumSq
	if denom <= 0 {
		denom = 1
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var c float64
			for t := 0; t < T; t++ {
				c += weights[t] * (series[i][t] - mu[i]) * (series[j][t] - mu[j])
			}
			out.SetSym(i, j, c/denom)
		}
	}
	return out
}

func traceOf(m *mat.SymDense) float64 {
	var tr float64
	for i := 0; i < m.SymmetricDim(); i++ {
		tr += m.At(i, i)
	}
	return tr
}
