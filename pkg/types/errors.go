package types

// Engine error taxonomy. Every error carries the offending symbol, metric
// value, and threshold so callers can act without re-deriving context.

import "fmt"

// InsufficientDataError reports too few aligned observations for a symbol.
type InsufficientDataError struct {
	Symbol       string
	Observations int
	Required     int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %d aligned observations, need %d",
		e.Symbol, e.Observations, e.Required)
}

// DataQualityError reports excessive missingness in a raw price history.
type DataQualityError struct {
	Symbol          string
	MissingFraction float64
	MaxMissing      float64
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality for %s: %.1f%% of expected observations missing (limit %.1f%%)",
		e.Symbol, e.MissingFraction*100, e.MaxMissing*100)
}

// SingularCovarianceError reports an ill-conditioned risk model that
// shrinkage could not repair.
type SingularCovarianceError struct {
	ConditionNumber float64
	Ceiling         float64
}

func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("covariance matrix is singular: condition number %.3g exceeds ceiling %.3g",
		e.ConditionNumber, e.Ceiling)
}

// InfeasibleConstraintsError reports bounds or a target return that no
// weight vector can satisfy.
type InfeasibleConstraintsError struct {
	Reason string
	Value  float64
	Limit  float64
}

func (e *InfeasibleConstraintsError) Error() string {
	return fmt.Sprintf("infeasible constraints: %s (value %.6f, limit %.6f)", e.Reason, e.Value, e.Limit)
}

// SolverDivergenceError reports an iterative solve that hit its iteration
// ceiling or deadline before converging. Best holds the best iterate found;
// it is returned as a degraded result, never silently accepted as optimal.
type SolverDivergenceError struct {
	Method     Method
	Iterations int
	Residual   float64
	Tolerance  float64
	Best       *OptimizationResult
}

func (e *SolverDivergenceError) Error() string {
	return fmt.Sprintf("%s solver did not converge after %d iterations: residual %.3g, tolerance %.3g",
		e.Method, e.Iterations, e.Residual, e.Tolerance)
}

// FrontierConsistencyError reports a risk monotonicity violation on the
// efficient frontier. It indicates a modeling bug, not bad input.
type FrontierConsistencyError struct {
	Index    int
	Risk     float64
	PrevRisk float64
}

func (e *FrontierConsistencyError) Error() string {
	return fmt.Sprintf("efficient frontier not monotonic at point %d: risk %.6g below previous %.6g",
		e.Index, e.Risk, e.PrevRisk)
}

// InsufficientHistoryError reports a forecasting or regime window shorter
// than the minimum number of clean observations.
type InsufficientHistoryError struct {
	Symbol       string
	Observations int
	Required     int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s: %d clean observations, need %d",
		e.Symbol, e.Observations, e.Required)
}
