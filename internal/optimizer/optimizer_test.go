package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// markowitzModel is the classic three-security example: expected returns and
// covariance estimated from Markowitz's annual return data.
func markowitzModel() *types.RiskModel {
	return &types.RiskModel{
		Symbols:         []string{"A", "B", "C"},
		ExpectedReturns: []float64{0.062, 0.146, 0.128},
		Covariance: mat.NewSymDense(3, []float64{
			0.0146, 0.0187, 0.0145,
			0.0187, 0.0854, 0.0104,
			0.0145, 0.0104, 0.0289,
		}),
		Periods: 18,
	}
}

func diagonalModel() *types.RiskModel {
	return &types.RiskModel{
		Symbols:         []string{"A", "B", "C"},
		ExpectedReturns: []float64{0.08, 0.10, 0.12},
		Covariance: mat.NewSymDense(3, []float64{
			0.01, 0.002, 0.001,
			0.002, 0.04, 0.003,
			0.001, 0.003, 0.09,
		}),
		Periods: 252,
	}
}

func newTestOptimizer() *Optimizer {
	return New(zap.NewNop(), nil)
}

func checkWeights(t *testing.T, res *types.OptimizationResult, cons *types.Constraints) {
	t.Helper()
	var sum float64
	lower, upper := cons.Bounds(res.Symbols)
	for i, w := range res.Weights {
		sum += w
		if w < lower[i]-1e-6 || w > upper[i]+1e-6 {
			t.Errorf("weight %d = %v outside bounds [%v, %v]", i, w, lower[i], upper[i])
		}
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
}

func TestEqualWeight(t *testing.T) {
	o := newTestOptimizer()
	cons := &types.Constraints{LongOnly: true}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodEqualWeight, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)
	for i, w := range res.Weights {
		if math.Abs(w-1.0/3) > 1e-12 {
			t.Errorf("weight %d = %v, want 1/3", i, w)
		}
	}
}

func TestSingleAssetAllMethods(t *testing.T) {
	model := &types.RiskModel{
		Symbols:         []string{"A"},
		ExpectedReturns: []float64{0.08},
		Covariance:      mat.NewSymDense(1, []float64{0.04}),
		Periods:         252,
	}
	o := newTestOptimizer()
	for _, method := range types.Methods() {
		res, err := o.Optimize(context.Background(), Request{Method: method, Model: model})
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if len(res.Weights) != 1 || math.Abs(res.Weights[0]-1) > 1e-12 {
			t.Errorf("%s: weights = %v, want [1]", method, res.Weights)
		}
		if math.Abs(res.Volatility-0.2) > 1e-12 {
			t.Errorf("%s: volatility = %v, want 0.2", method, res.Volatility)
		}
		if res.Status != types.StatusOptimal {
			t.Errorf("%s: status = %v", method, res.Status)
		}
	}
}

func TestMeanVarianceTargetReturn(t *testing.T) {
	o := newTestOptimizer()
	target := 0.10
	cons := &types.Constraints{LongOnly: true, TargetReturn: &target}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)

	if math.Abs(res.ExpectedReturn-target) > 1e-8 {
		t.Errorf("return = %v, want %v", res.ExpectedReturn, target)
	}

	// Analytic solution of the equality-constrained program.
	want := []float64{0.452594, 0.103957, 0.443449}
	for i, w := range res.Weights {
		if math.Abs(w-want[i]) > 1e-4 {
			t.Errorf("weight %d = %v, want %v", i, w, want[i])
		}
	}
}

func TestMeanVarianceRoundTrip(t *testing.T) {
	o := newTestOptimizer()
	target := 0.10
	cons := &types.Constraints{LongOnly: true, TargetReturn: &target}
	first, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("first solve: %v", err)
	}

	again := first.ExpectedReturn
	cons2 := &types.Constraints{LongOnly: true, TargetReturn: &again}
	second, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons2})
	if err != nil {
		t.Fatalf("second solve: %v", err)
	}
	for i := range first.Weights {
		if math.Abs(first.Weights[i]-second.Weights[i]) > 1e-8 {
			t.Errorf("weight %d drifted: %v vs %v", i, first.Weights[i], second.Weights[i])
		}
	}
}

func TestMinVolatilityDominatesFeasiblePortfolios(t *testing.T) {
	o := newTestOptimizer()
	model := markowitzModel()
	cons := &types.Constraints{LongOnly: true}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodMinVolatility, Model: model, Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)

	minVar := model.Variance(res.Weights)
	candidates := [][]float64{
		{1.0 / 3, 1.0 / 3, 1.0 / 3},
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{0.5, 0.25, 0.25},
		{0.8, 0.1, 0.1},
	}
	for _, c := range candidates {
		if v := model.Variance(c); minVar > v+1e-8 {
			t.Errorf("min-vol variance %v exceeds feasible portfolio variance %v (%v)", minVar, v, c)
		}
	}
}

func TestMaxSharpeDominates(t *testing.T) {
	o := newTestOptimizer()
	model := markowitzModel()
	cons := &types.Constraints{LongOnly: true}

	maxSharpe, err := o.Optimize(context.Background(), Request{Method: types.MethodMaxSharpe, Model: model, Constraints: cons})
	if err != nil {
		t.Fatalf("max sharpe: %v", err)
	}
	checkWeights(t, maxSharpe, cons)

	minVol, err := o.Optimize(context.Background(), Request{Method: types.MethodMinVolatility, Model: model, Constraints: cons})
	if err != nil {
		t.Fatalf("min vol: %v", err)
	}
	eq, err := o.Optimize(context.Background(), Request{Method: types.MethodEqualWeight, Model: model, Constraints: cons})
	if err != nil {
		t.Fatalf("equal weight: %v", err)
	}

	if maxSharpe.SharpeRatio < minVol.SharpeRatio-1e-6 {
		t.Errorf("max-sharpe ratio %v below min-vol ratio %v", maxSharpe.SharpeRatio, minVol.SharpeRatio)
	}
	if maxSharpe.SharpeRatio < eq.SharpeRatio-1e-6 {
		t.Errorf("max-sharpe ratio %v below equal-weight ratio %v", maxSharpe.SharpeRatio, eq.SharpeRatio)
	}
}

func TestRiskParityEqualContributions(t *testing.T) {
	o := newTestOptimizer()
	model := diagonalModel()
	cons := &types.Constraints{LongOnly: true}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodRiskParity, Model: model, Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)

	shares, total := contributionShares(model, res.Weights)
	if total <= 0 {
		t.Fatalf("non-positive total risk %v", total)
	}
	for i, s := range shares {
		if math.Abs(s-1.0/3) > 1e-6 {
			t.Errorf("risk contribution %d = %v, want 1/3", i, s)
		}
	}
}

func TestRiskParityDivergenceKeepsBestIterate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskParityIterations = 1
	o := New(zap.NewNop(), cfg)

	res, err := o.Optimize(context.Background(), Request{Method: types.MethodRiskParity, Model: diagonalModel()})
	if err == nil {
		t.Fatal("expected divergence error")
	}
	var div *types.SolverDivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("error type = %T", err)
	}
	if res == nil || div.Best == nil {
		t.Fatal("degraded result missing")
	}
	if res.Status != types.StatusMaxIterations {
		t.Errorf("status = %v, want %v", res.Status, types.StatusMaxIterations)
	}
}

func TestUpperBoundBinds(t *testing.T) {
	o := newTestOptimizer()
	target := 0.10
	cons := &types.Constraints{
		LongOnly:     true,
		TargetReturn: &target,
		MaxWeights:   map[string]float64{"A": 0.4},
	}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)
	if res.WeightsBySymbol["A"] > 0.4+1e-6 {
		t.Errorf("weight A = %v exceeds cap", res.WeightsBySymbol["A"])
	}
	if math.Abs(res.ExpectedReturn-target) > 1e-6 {
		t.Errorf("return = %v, want %v", res.ExpectedReturn, target)
	}
}

func TestGroupConstraintBinds(t *testing.T) {
	o := newTestOptimizer()
	target := 0.10
	cons := &types.Constraints{
		LongOnly:     true,
		TargetReturn: &target,
		Groups: []types.GroupConstraint{
			{Name: "cyclical", Symbols: []string{"A", "C"}, Lower: 0, Upper: 0.7},
		},
	}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)

	groupSum := res.WeightsBySymbol["A"] + res.WeightsBySymbol["C"]
	if groupSum > 0.7+1e-6 {
		t.Errorf("group weight %v exceeds cap 0.7", groupSum)
	}
	if math.Abs(res.ExpectedReturn-target) > 1e-6 {
		t.Errorf("return = %v, want %v", res.ExpectedReturn, target)
	}
}

func TestInfeasibleBounds(t *testing.T) {
	o := newTestOptimizer()
	cons := &types.Constraints{
		LongOnly:   true,
		MaxWeights: map[string]float64{"A": 0.2, "B": 0.2, "C": 0.2},
	}
	_, err := o.Optimize(context.Background(), Request{Method: types.MethodMinVolatility, Model: markowitzModel(), Constraints: cons})
	var infeasible *types.InfeasibleConstraintsError
	if !errors.As(err, &infeasible) {
		t.Fatalf("error = %v, want InfeasibleConstraintsError", err)
	}
}

func TestInfeasibleTargetReturn(t *testing.T) {
	o := newTestOptimizer()
	target := 0.20 // above the best single asset at 0.146
	cons := &types.Constraints{LongOnly: true, TargetReturn: &target}
	_, err := o.Optimize(context.Background(), Request{Method: types.MethodMeanVariance, Model: markowitzModel(), Constraints: cons})
	var infeasible *types.InfeasibleConstraintsError
	if !errors.As(err, &infeasible) {
		t.Fatalf("error = %v, want InfeasibleConstraintsError", err)
	}
}

func TestTurnoverCap(t *testing.T) {
	o := newTestOptimizer()
	limit := 0.1
	cons := &types.Constraints{
		LongOnly:       true,
		TurnoverLimit:  &limit,
		CurrentWeights: map[string]float64{"A": 1, "B": 0, "C": 0},
	}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodEqualWeight, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	var turnover float64
	for i, sym := range res.Symbols {
		turnover += math.Abs(res.Weights[i] - cons.CurrentWeights[sym])
	}
	turnover /= 2
	if turnover > limit+1e-9 {
		t.Errorf("turnover %v exceeds limit %v", turnover, limit)
	}
}

func TestTurnoverCapRespectsBounds(t *testing.T) {
	o := newTestOptimizer()
	limit := 0.05
	cons := &types.Constraints{
		LongOnly:       true,
		MaxWeights:     map[string]float64{"A": 0.60, "B": 0.60, "C": 0.60},
		TurnoverLimit:  &limit,
		CurrentWeights: map[string]float64{"A": 0.50, "B": 0.30, "C": 0.20},
	}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodMinVolatility, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)
	var turnover float64
	for i, sym := range res.Symbols {
		turnover += math.Abs(res.Weights[i] - cons.CurrentWeights[sym])
	}
	turnover /= 2
	if turnover > limit+1e-9 {
		t.Errorf("turnover %v exceeds limit %v", turnover, limit)
	}
}

func TestTurnoverCapBoundConflictReported(t *testing.T) {
	o := newTestOptimizer()
	// Capping A at 0.40 forces at least 0.60 of turnover away from an
	// all-A book, so a 0.05 limit cannot be met inside the bounds.
	limit := 0.05
	cons := &types.Constraints{
		LongOnly:       true,
		MaxWeights:     map[string]float64{"A": 0.40},
		TurnoverLimit:  &limit,
		CurrentWeights: map[string]float64{"A": 1},
	}
	_, err := o.Optimize(context.Background(), Request{Method: types.MethodMinVolatility, Model: markowitzModel(), Constraints: cons})
	var infeasible *types.InfeasibleConstraintsError
	if !errors.As(err, &infeasible) {
		t.Fatalf("error = %v, want InfeasibleConstraintsError", err)
	}
	if infeasible.Value < 0.6-1e-9 {
		t.Errorf("reported minimum turnover = %v, want at least 0.6", infeasible.Value)
	}
}

func TestBlackLittermanUniformPriorIsEqualWeight(t *testing.T) {
	// With a uniform market portfolio and no views, the implied equilibrium
	// returns price equal weighting as the tangency portfolio.
	o := newTestOptimizer()
	cons := &types.Constraints{LongOnly: true}
	res, err := o.Optimize(context.Background(), Request{Method: types.MethodBlackLitterman, Model: markowitzModel(), Constraints: cons})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)
	for i, w := range res.Weights {
		if math.Abs(w-1.0/3) > 1e-8 {
			t.Errorf("weight %d = %v, want 1/3", i, w)
		}
	}
}

func TestBlackLittermanViewTiltsWeights(t *testing.T) {
	o := newTestOptimizer()
	cons := &types.Constraints{LongOnly: true}
	views := []types.BLView{
		{Weights: map[string]float64{"B": 1}, Value: 0.5, Confidence: 0.99},
	}
	res, err := o.Optimize(context.Background(), Request{
		Method:      types.MethodBlackLitterman,
		Model:       markowitzModel(),
		Constraints: cons,
		Views:       views,
	})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	checkWeights(t, res, cons)
	if res.WeightsBySymbol["B"] <= 1.0/3 {
		t.Errorf("bullish view on B did not raise its weight: %v", res.WeightsBySymbol["B"])
	}
}

func TestBlackLittermanPosteriorCovariance(t *testing.T) {
	model := markowitzModel()
	tau := 0.025
	prior := equilibriumReturns(model, equalWeights(3), 0)
	views := []types.BLView{
		{Weights: map[string]float64{"B": 1}, Value: 0.20, Confidence: 0.5},
	}

	mu, cov, ok := blendViews(model, prior, views, tau)
	if !ok {
		t.Fatal("view blending failed")
	}
	if math.Abs(mu[1]-prior[1]) < 1e-9 {
		t.Error("view left the posterior mean unchanged")
	}

	// Views add at most τΣ of uncertainty and the correction term never
	// pushes a variance below the prior covariance.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(cov.At(i, j)-cov.At(j, i)) > 1e-12 {
				t.Errorf("posterior covariance asymmetric at (%d,%d)", i, j)
			}
		}
		base := model.Covariance.At(i, i)
		if cov.At(i, i) < base-1e-12 || cov.At(i, i) > base*(1+tau)+1e-12 {
			t.Errorf("posterior variance %d = %v outside [%v, %v]", i, cov.At(i, i), base, base*(1+tau))
		}
	}
}

func TestEfficientFrontierMonotonic(t *testing.T) {
	o := newTestOptimizer()
	cons := &types.Constraints{LongOnly: true}
	points, err := o.EfficientFrontier(context.Background(), markowitzModel(), cons, 8)
	if err != nil {
		t.Fatalf("EfficientFrontier: %v", err)
	}
	if len(points) != 8 {
		t.Fatalf("got %d points, want 8", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Risk < points[i-1].Risk-1e-8 {
			t.Errorf("risk decreased at point %d: %v < %v", i, points[i].Risk, points[i-1].Risk)
		}
		if points[i].Return < points[i-1].Return-1e-8 {
			t.Errorf("return decreased at point %d: %v < %v", i, points[i].Return, points[i-1].Return)
		}
	}
}

func TestCanceledContextReturnsBestIterate(t *testing.T) {
	o := newTestOptimizer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Optimize(ctx, Request{Method: types.MethodRiskParity, Model: diagonalModel()})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.Status != types.StatusTimeout {
		t.Errorf("status = %v, want %v", res.Status, types.StatusTimeout)
	}
	var sum float64
	for _, w := range res.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v", sum)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	o := newTestOptimizer()
	_, err := o.Optimize(context.Background(), Request{Method: types.Method("momentum"), Model: markowitzModel()})
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}
