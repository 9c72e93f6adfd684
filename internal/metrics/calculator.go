// Package metrics computes performance and risk statistics for a weighted
// portfolio over aligned return series. Ratios carry an explicit Defined
// flag; zero volatility never silently becomes a zero ratio.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Config tunes the calculator.
type Config struct {
	// PeriodsPerYear is the annualization base, 252 for daily data.
	PeriodsPerYear float64
	// VaRConfidence is the tail confidence level for VaR and CVaR.
	VaRConfidence float64
	// MinAcceptableReturn is the per-period threshold for downside deviation.
	MinAcceptableReturn float64
	// RiskFreeRate is the annualized risk-free rate.
	RiskFreeRate float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PeriodsPerYear: 252,
		VaRConfidence:  0.95,
	}
}

// Calculator computes portfolio statistics.
type Calculator struct {
	logger *zap.Logger
	config *Config
}

// NewCalculator creates a metrics calculator.
func NewCalculator(logger *zap.Logger, config *Config) *Calculator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Calculator{logger: logger, config: config}
}

// Compute derives the full metrics set from a weight vector and aligned
// returns. A benchmark series of the same length enables beta and Treynor;
// pass nil to skip both.
func (c *Calculator) Compute(weights []float64, aligned *types.AlignedReturns, benchmark []float64) (*types.PerformanceMetrics, error) {
	T := aligned.NumPeriods()
	if T < 2 {
		return nil, &types.InsufficientDataError{Observations: T, Required: 2}
	}
	if len(weights) != aligned.NumAssets() {
		return nil, fmt.Errorf("weight vector length %d does not match asset count %d", len(weights), aligned.NumAssets())
	}

	portfolio := portfolioReturns(weights, aligned.Series, T)
	return c.fromReturns(portfolio, benchmark)
}

// fromReturns computes the metrics set directly from a portfolio return
// series.
func (c *Calculator) fromReturns(portfolio, benchmark []float64) (*types.PerformanceMetrics, error) {
	T := len(portfolio)
	if T < 2 {
		return nil, &types.InsufficientDataError{Observations: T, Required: 2}
	}

	mean := meanOf(portfolio)
	vol := stdDev(portfolio, mean)

	p := c.config.PeriodsPerYear
	annReturn := mean * p
	annVol := vol * math.Sqrt(p)

	m := &types.PerformanceMetrics{
		AnnualizedReturn:     annReturn,
		AnnualizedVolatility: annVol,
		VaRConfidence:        c.config.VaRConfidence,
	}

	if annVol > 0 {
		m.SharpeRatio = types.DefinedRatio((annReturn - c.config.RiskFreeRate) / annVol)
	}

	if dd := downsideDeviation(portfolio, c.config.MinAcceptableReturn); dd > 0 {
		annDownside := dd * math.Sqrt(p)
		m.SortinoRatio = types.DefinedRatio((annReturn - c.config.RiskFreeRate) / annDownside)
	}

	m.VaR, m.CVaR = historicalVaR(portfolio, c.config.VaRConfidence)
	m.MaxDrawdown = maxDrawdown(portfolio)

	if len(benchmark) == len(portfolio) && len(benchmark) >= 2 {
		if beta, ok := betaAgainst(portfolio, benchmark); ok {
			m.Beta = &beta
			if beta != 0 {
				m.TreynorRatio = types.DefinedRatio((annReturn - c.config.RiskFreeRate) / beta)
			}
		}
	}

	return m, nil
}

func portfolioReturns(weights []float64, series [][]float64, T int) []float64 {
	out := make([]float64, T)
	for t := 0; t < T; t++ {
		var r float64
		for i, w := range weights {
			r += w * series[i][t]
		}
		out[t] = r
	}
	return out
}

// historicalVaR returns the loss magnitudes at the configured confidence:
// VaR is the empirical tail quantile, CVaR the mean of returns at or below
// it. Both are positive for losses; CVaR is always at least as extreme.
func historicalVaR(returns []float64, confidence float64) (valueAtRisk, conditional float64) {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	quantile := sorted[idx]

	var tailSum float64
	tailCount := 0
	for _, r := range sorted {
		if r <= quantile {
			tailSum += r
			tailCount++
		}
	}
	tailMean := quantile
	if tailCount > 0 {
		tailMean = tailSum / float64(tailCount)
	}
	return -quantile, -tailMean
}

// maxDrawdown is the largest peak-to-trough decline of the compounded path.
func maxDrawdown(returns []float64) float64 {
	wealth := 1.0
	peak := 1.0
	var worst float64
	for _, r := range returns {
		wealth *= 1 + r
		if wealth > peak {
			peak = wealth
		}
		if peak > 0 {
			if dd := (peak - wealth) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func downsideDeviation(returns []float64, minAcceptable float64) float64 {
	var sumSq float64
	for _, r := range returns {
		if d := r - minAcceptable; d < 0 {
			sumSq += d * d
		}
	}
	return math.Sqrt(sumSq / float64(len(returns)))
}

func betaAgainst(portfolio, benchmark []float64) (float64, bool) {
	pm := meanOf(portfolio)
	bm := meanOf(benchmark)

	var cov, bVar float64
	for i := range portfolio {
		cov += (portfolio[i] - pm) * (benchmark[i] - bm)
		bVar += (benchmark[i] - bm) * (benchmark[i] - bm)
	}
	if bVar == 0 {
		return 0, false
	}
	return cov / bVar, true
}

func meanOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func stdDev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
