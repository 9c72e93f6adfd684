// Package optimizer provides the constrained portfolio optimization
// strategies. The method set is closed: every dispatch switches exhaustively
// over types.Method, and all strategies share the same contract of
// RiskModel + Constraints in, OptimizationResult out.
package optimizer

import (
	"context"
	"math"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Config tunes the iterative solvers. All solves are deterministic for
// identical inputs and tolerances.
type Config struct {
	// MaxIterations bounds every iterative refinement loop.
	MaxIterations int
	// Tolerance is the convergence threshold for gradient refinement.
	Tolerance float64
	// RiskParityIterations bounds the risk-contribution balancing loop.
	RiskParityIterations int
	// RiskParityTolerance is the contribution dispersion threshold.
	RiskParityTolerance float64
	// Tau is the Black-Litterman prior uncertainty scalar.
	Tau float64
	// WeightSumTolerance is the accepted deviation of Σw from 1.
	WeightSumTolerance float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:        5000,
		Tolerance:            1e-10,
		RiskParityIterations: 500,
		RiskParityTolerance:  1e-8,
		Tau:                  0.025,
		WeightSumTolerance:   1e-6,
	}
}

// Request describes one optimization solve.
type Request struct {
	Method      types.Method
	Model       *types.RiskModel
	Constraints *types.Constraints
	// Views and MarketCaps are consumed by black_litterman only.
	Views      []types.BLView
	MarketCaps map[string]float64
}

// Optimizer dispatches optimization requests to the strategy set.
type Optimizer struct {
	logger *zap.Logger
	config *Config
}

// New creates an optimizer.
func New(logger *zap.Logger, config *Config) *Optimizer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Optimizer{logger: logger, config: config}
}

// Optimize validates the request and runs the selected strategy. A
// *types.SolverDivergenceError is returned alongside the best iterate when
// an iterative method exhausts its budget; the result is then tagged with a
// non-optimal status rather than discarded.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*types.OptimizationResult, error) {
	start := time.Now()

	model := req.Model
	if model == nil || model.NumAssets() == 0 {
		return nil, &types.InsufficientDataError{Observations: 0, Required: 1}
	}
	cons := req.Constraints
	if cons == nil {
		cons = &types.Constraints{LongOnly: true}
	}

	if err := validateConstraints(model, cons); err != nil {
		return nil, err
	}

	// A single asset has exactly one feasible fully-invested portfolio.
	if model.NumAssets() == 1 {
		res := o.finalize(req.Method, model, cons, []float64{1.0}, types.StatusOptimal, 0, start)
		return res, nil
	}

	var (
		weights    []float64
		iterations int
		status     = types.StatusOptimal
		solveErr   error
	)

	switch req.Method {
	case types.MethodEqualWeight:
		weights = equalWeights(model.NumAssets())
	case types.MethodMinVolatility:
		weights, iterations, status, solveErr = o.solveMinVolatility(ctx, model, cons)
	case types.MethodMaxSharpe:
		weights, iterations, status, solveErr = o.solveMaxSharpe(ctx, model, cons)
	case types.MethodMeanVariance:
		weights, iterations, status, solveErr = o.solveMeanVariance(ctx, model, cons)
	case types.MethodBlackLitterman:
		weights, iterations, status, solveErr = o.solveBlackLitterman(ctx, model, cons, req.Views, req.MarketCaps)
	case types.MethodRiskParity:
		weights, iterations, status, solveErr = o.solveRiskParity(ctx, model, cons)
	default:
		return nil, &types.InfeasibleConstraintsError{Reason: "unknown optimization method " + string(req.Method)}
	}

	if solveErr != nil && weights == nil {
		return nil, solveErr
	}

	weights, capErr := applyTurnoverCap(weights, model.Symbols, cons)
	if capErr != nil {
		return nil, capErr
	}
	res := o.finalize(req.Method, model, cons, weights, status, iterations, start)

	if solveErr != nil {
		// Non-convergence carries the degraded result so callers can still
		// inspect the best iterate.
		if div, ok := solveErr.(*types.SolverDivergenceError); ok {
			div.Best = res
		}
		return res, solveErr
	}

	o.logger.Debug("optimization complete",
		zap.String("method", string(req.Method)),
		zap.Int("assets", model.NumAssets()),
		zap.Int("iterations", iterations),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// finalize normalizes residual round-off, computes the summary statistics,
// and freezes the result.
func (o *Optimizer) finalize(method types.Method, model *types.RiskModel, cons *types.Constraints, weights []float64, status types.SolverStatus, iterations int, start time.Time) *types.OptimizationResult {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum != 0 && math.Abs(sum-1) > o.config.WeightSumTolerance/10 {
		for i := range weights {
			weights[i] /= sum
		}
	}

	ret := model.Return(weights)
	vol := math.Sqrt(math.Max(model.Variance(weights), 0))
	sharpe := 0.0
	if vol > 0 {
		rf := 0.0
		if cons != nil {
			rf = cons.RiskFreeRate
		}
		sharpe = (ret - rf) / vol
	}

	bySymbol := make(map[string]float64, len(weights))
	for i, sym := range model.Symbols {
		bySymbol[sym] = weights[i]
	}

	return &types.OptimizationResult{
		Method:          method,
		Symbols:         append([]string(nil), model.Symbols...),
		Weights:         weights,
		WeightsBySymbol: bySymbol,
		ExpectedReturn:  ret,
		Volatility:      vol,
		SharpeRatio:     sharpe,
		Status:          status,
		Iterations:      iterations,
		Elapsed:         time.Since(start),
	}
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}
