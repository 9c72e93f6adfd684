// Package types provides the shared data model for the portfolio engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/mat"
)

// QualityScore grades the reliability of a supplied price history.
type QualityScore string

const (
	QualityExcellent QualityScore = "excellent"
	QualityGood      QualityScore = "good"
	QualityFair      QualityScore = "fair"
	QualityPoor      QualityScore = "poor"
)

// PricePoint is a single raw observation from the market data provider.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

// PriceHistory is the per-symbol payload supplied by the market data provider.
// The engine never fetches data itself; histories arrive through this type.
type PriceHistory struct {
	Symbol  string       `json:"symbol"`
	Points  []PricePoint `json:"points"`
	Quality QualityScore `json:"quality"`
	AsOf    time.Time    `json:"as_of"`
}

// ReturnSeries is an ordered periodic return series for one symbol.
// Timestamps are strictly increasing with no duplicates; the normalizer
// enforces this at construction and the series is immutable afterwards.
type ReturnSeries struct {
	Symbol     string      `json:"symbol"`
	Timestamps []time.Time `json:"timestamps"`
	Returns    []float64   `json:"returns"`
	Volumes    []float64   `json:"volumes,omitempty"`
}

// Len returns the number of observations.
func (s *ReturnSeries) Len() int { return len(s.Returns) }

// AlignedReturns holds return series for several symbols on a common date
// index. Series is indexed [symbol][period] following the Symbols ordering.
type AlignedReturns struct {
	Symbols    []string    `json:"symbols"`
	Timestamps []time.Time `json:"timestamps"`
	Series     [][]float64 `json:"series"`
	Volumes    [][]float64 `json:"volumes,omitempty"`
}

// NumAssets returns the number of aligned symbols.
func (a *AlignedReturns) NumAssets() int { return len(a.Symbols) }

// NumPeriods returns the number of aligned observations.
func (a *AlignedReturns) NumPeriods() int { return len(a.Timestamps) }

// SeriesFor returns the return series for one symbol, or nil if absent.
func (a *AlignedReturns) SeriesFor(symbol string) []float64 {
	for i, s := range a.Symbols {
		if s == symbol {
			return a.Series[i]
		}
	}
	return nil
}

// RiskModel is the regularized estimate handed to the optimizers.
// Covariance is symmetric positive semi-definite after shrinkage and the
// eigenvalue floor; a model is built fresh per optimization request.
type RiskModel struct {
	Symbols         []string      `json:"symbols"`
	ExpectedReturns []float64     `json:"expected_returns"`
	Covariance      *mat.SymDense `json:"-"`
	Shrinkage       float64       `json:"shrinkage"`
	ConditionNumber float64       `json:"condition_number"`
	Periods         int           `json:"periods"`
	Annualized      bool          `json:"annualized"`
}

// NumAssets returns the dimension of the model.
func (rm *RiskModel) NumAssets() int { return len(rm.Symbols) }

// Variance computes w'Σw for a weight vector.
func (rm *RiskModel) Variance(weights []float64) float64 {
	n := rm.NumAssets()
	var v float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v += weights[i] * weights[j] * rm.Covariance.At(i, j)
		}
	}
	return v
}

// Return computes μ'w for a weight vector.
func (rm *RiskModel) Return(weights []float64) float64 {
	var r float64
	for i, w := range weights {
		r += rm.ExpectedReturns[i] * w
	}
	return r
}

// GroupConstraint bounds the combined weight of a named group of symbols.
type GroupConstraint struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
	Lower   float64  `json:"lower"`
	Upper   float64  `json:"upper"`
}

// Constraints describes the feasible region for an optimization request.
// Per-symbol bounds default to [0, 1] when absent; LongOnly forces the lower
// bound floor to zero regardless of supplied minimums.
type Constraints struct {
	MinWeights     map[string]float64 `json:"min_weights,omitempty"`
	MaxWeights     map[string]float64 `json:"max_weights,omitempty"`
	Groups         []GroupConstraint  `json:"groups,omitempty"`
	TargetReturn   *float64           `json:"target_return,omitempty"`
	TurnoverLimit  *float64           `json:"turnover_limit,omitempty"`
	CurrentWeights map[string]float64 `json:"current_weights,omitempty"`
	LongOnly       bool               `json:"long_only"`
	RiskFreeRate   float64            `json:"risk_free_rate"`
}

// Bounds resolves the per-asset bounds in symbol order.
func (c *Constraints) Bounds(symbols []string) (lower, upper []float64) {
	n := len(symbols)
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i, sym := range symbols {
		lo, hi := 0.0, 1.0
		if c != nil {
			if v, ok := c.MinWeights[sym]; ok {
				lo = v
			}
			if v, ok := c.MaxWeights[sym]; ok {
				hi = v
			}
			if c.LongOnly && lo < 0 {
				lo = 0
			}
		}
		lower[i] = lo
		upper[i] = hi
	}
	return lower, upper
}

// Method identifies an optimization strategy. The set is closed: every
// consumer switches exhaustively over these values.
type Method string

const (
	MethodEqualWeight    Method = "equal_weight"
	MethodMinVolatility  Method = "min_volatility"
	MethodMaxSharpe      Method = "max_sharpe"
	MethodMeanVariance   Method = "mean_variance"
	MethodBlackLitterman Method = "black_litterman"
	MethodRiskParity     Method = "risk_parity"
)

// Methods lists every supported optimization method.
func Methods() []Method {
	return []Method{
		MethodEqualWeight,
		MethodMinVolatility,
		MethodMaxSharpe,
		MethodMeanVariance,
		MethodBlackLitterman,
		MethodRiskParity,
	}
}

// SolverStatus reports how a solve terminated.
type SolverStatus string

const (
	StatusOptimal       SolverStatus = "optimal"
	StatusMaxIterations SolverStatus = "max_iterations"
	StatusTimeout       SolverStatus = "timeout"
)

// OptimizationResult is the immutable outcome of one strategy solve.
// Weights sum to 1 within 1e-6 and follow the Symbols ordering.
type OptimizationResult struct {
	Method          Method             `json:"method"`
	Symbols         []string           `json:"symbols"`
	Weights         []float64          `json:"weights"`
	WeightsBySymbol map[string]float64 `json:"weights_by_symbol"`
	ExpectedReturn  float64            `json:"expected_return"`
	Volatility      float64            `json:"volatility"`
	SharpeRatio     float64            `json:"sharpe_ratio"`
	Status          SolverStatus       `json:"status"`
	Iterations      int                `json:"iterations"`
	Elapsed         time.Duration      `json:"elapsed"`
}

// Converged reports whether the solver reached its tolerance.
func (r *OptimizationResult) Converged() bool { return r.Status == StatusOptimal }

// EfficientFrontierPoint is one portfolio on the frontier curve.
type EfficientFrontierPoint struct {
	Risk    float64   `json:"risk"`
	Return  float64   `json:"return"`
	Sharpe  float64   `json:"sharpe"`
	Weights []float64 `json:"weights"`
}

// BLView is a single Black-Litterman investor view: the portfolio defined by
// Weights is expected to return Value with the given confidence in (0, 1].
type BLView struct {
	Weights    map[string]float64 `json:"weights"`
	Value      float64            `json:"value"`
	Confidence float64            `json:"confidence"`
}

// Regime is a latent market-condition state.
type Regime string

const (
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
	RegimeBull     Regime = "bull"
)

// RegimeState is the outcome of one regime inference call.
type RegimeState struct {
	Regime        Regime             `json:"regime"`
	Probabilities map[Regime]float64 `json:"probabilities"`
	Confidence    float64            `json:"confidence"`
	AsOf          time.Time          `json:"as_of"`
	Converged     bool               `json:"converged"`
}

// AnomalyCategory classifies a triggered anomaly rule.
type AnomalyCategory string

const (
	AnomalyVolatility  AnomalyCategory = "volatility"
	AnomalyVolume      AnomalyCategory = "volume"
	AnomalyPriceMove   AnomalyCategory = "price_move"
	AnomalyDrift       AnomalyCategory = "drift"
	AnomalyCorrelation AnomalyCategory = "correlation"
	AnomalyDataQuality AnomalyCategory = "data_quality"
)

// Severity grades an anomaly event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvent is emitted, never stored, by the anomaly detector. Value is
// the metric that fired the rule; Threshold is the limit it crossed.
type AnomalyEvent struct {
	Category  AnomalyCategory `json:"category"`
	Severity  Severity        `json:"severity"`
	Symbol    string          `json:"symbol,omitempty"`
	PairWith  string          `json:"pair_with,omitempty"`
	Value     float64         `json:"value"`
	Threshold float64         `json:"threshold"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message"`
}

// ForecastResult is the per-asset output of the forecasting module. The
// forecast covers a fixed horizon and expires after it.
type ForecastResult struct {
	Symbol            string             `json:"symbol"`
	Horizon           int                `json:"horizon"`
	PointForecast     float64            `json:"point_forecast"`
	LowerBound        float64            `json:"lower_bound"`
	UpperBound        float64            `json:"upper_bound"`
	Confidence        float64            `json:"confidence"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	AsOf              time.Time          `json:"as_of"`
}

// PerformanceMetrics is the output of the metrics calculator. Ratio fields
// carry an explicit Defined flag: zero volatility leaves a ratio undefined
// rather than silently zero.
type PerformanceMetrics struct {
	AnnualizedReturn     float64  `json:"annualized_return"`
	AnnualizedVolatility float64  `json:"annualized_volatility"`
	SharpeRatio          Ratio    `json:"sharpe_ratio"`
	SortinoRatio         Ratio    `json:"sortino_ratio"`
	TreynorRatio         Ratio    `json:"treynor_ratio"`
	VaR                  float64  `json:"var"`
	CVaR                 float64  `json:"cvar"`
	VaRConfidence        float64  `json:"var_confidence"`
	MaxDrawdown          float64  `json:"max_drawdown"`
	Beta                 *float64 `json:"beta,omitempty"`
}

// Ratio is a risk-adjusted ratio that may be undefined.
type Ratio struct {
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
}

// DefinedRatio builds a defined ratio value.
func DefinedRatio(v float64) Ratio { return Ratio{Value: v, Defined: true} }

// CompletionEvent is the plain data structure handed to the notification
// layer once the orchestrator finishes a request.
type CompletionEvent struct {
	RequestID      string        `json:"request_id"`
	Method         Method        `json:"method"`
	Symbols        []string      `json:"symbols"`
	Status         SolverStatus  `json:"status"`
	ExpectedReturn float64       `json:"expected_return"`
	Volatility     float64       `json:"volatility"`
	Warnings       int           `json:"warnings"`
	Elapsed        time.Duration `json:"elapsed"`
	Timestamp      time.Time     `json:"timestamp"`
}
