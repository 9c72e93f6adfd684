package regime

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// syntheticFeatures builds a three-phase sequence: a low-momentum block, a
// flat block, and a high-momentum block, with deterministic wobble so the
// phases are distinguishable but not degenerate.
func syntheticFeatures(perPhase int) [][]float64 {
	var out [][]float64
	phases := []struct {
		momentum float64
		vol      float64
	}{
		{-2.0, 1.5},
		{0.0, 0.5},
		{2.0, 0.8},
	}
	for p, phase := range phases {
		for t := 0; t < perPhase; t++ {
			wobble := 0.2 * math.Sin(float64(p*perPhase+t))
			out = append(out, []float64{
				phase.momentum + wobble,
				phase.vol + 0.1*math.Cos(float64(t)),
				0.3 * wobble,
				-0.2 * wobble,
			})
		}
	}
	return out
}

func newTestDetector() *Detector {
	cfg := DefaultConfig()
	cfg.MinObservations = 60
	return NewDetector(zap.NewNop(), cfg)
}

func TestFitAndInferProbabilitySimplex(t *testing.T) {
	d := newTestDetector()
	features := syntheticFeatures(100)

	model, err := d.Fit(context.Background(), features)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	state, err := d.Infer(model, features)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	var sum float64
	for regime, p := range state.Probabilities {
		if p < 0 {
			t.Errorf("probability for %s is negative: %v", regime, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	if state.Confidence != state.Probabilities[state.Regime] {
		t.Errorf("confidence %v does not match arg-max probability %v", state.Confidence, state.Probabilities[state.Regime])
	}
}

func TestInferIdentifiesBullTail(t *testing.T) {
	d := newTestDetector()
	features := syntheticFeatures(100)

	model, err := d.Fit(context.Background(), features)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// The sequence ends deep in the high-momentum phase.
	state, err := d.Infer(model, features)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if state.Regime != types.RegimeBull {
		t.Errorf("regime = %s, want %s (probabilities %v)", state.Regime, types.RegimeBull, state.Probabilities)
	}
}

func TestFitDeterministic(t *testing.T) {
	d := newTestDetector()
	features := syntheticFeatures(100)

	first, err := d.Fit(context.Background(), features)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	second, err := d.Fit(context.Background(), features)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if first.LogLikelihood != second.LogLikelihood {
		t.Errorf("log-likelihood differs: %v vs %v", first.LogLikelihood, second.LogLikelihood)
	}
	for i := range first.Transition {
		for j := range first.Transition[i] {
			if first.Transition[i][j] != second.Transition[i][j] {
				t.Fatalf("transition[%d][%d] differs: %v vs %v", i, j, first.Transition[i][j], second.Transition[i][j])
			}
		}
	}
}

func TestFitRejectsShortHistory(t *testing.T) {
	d := NewDetector(zap.NewNop(), nil)
	_, err := d.Fit(context.Background(), syntheticFeatures(10))
	var short *types.InsufficientHistoryError
	if !errors.As(err, &short) {
		t.Fatalf("error = %v, want InsufficientHistoryError", err)
	}
}

func TestFitCancellationReturnsPartialModel(t *testing.T) {
	d := newTestDetector()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model, err := d.Fit(ctx, syntheticFeatures(100))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model.Converged {
		t.Error("canceled fit must not report convergence")
	}
	if model == nil || len(model.Means) != numStates {
		t.Fatalf("partial model missing: %+v", model)
	}
}

func TestBuildFeaturesShape(t *testing.T) {
	returns := make([]float64, 120)
	for i := range returns {
		returns[i] = 0.01 * math.Sin(float64(i)/5)
	}
	features := BuildFeatures(returns, nil, nil, nil)
	want := 120 - DefaultFeatureConfig().VolatilityWindow
	if len(features) != want {
		t.Fatalf("got %d feature rows, want %d", len(features), want)
	}
	for _, row := range features {
		if len(row) != 4 {
			t.Fatalf("feature row has %d dims, want 4", len(row))
		}
	}
}

func TestAdjustmentLookup(t *testing.T) {
	target := 0.10
	cons := &types.Constraints{
		LongOnly:     true,
		MaxWeights:   map[string]float64{"A": 0.5},
		TargetReturn: &target,
	}

	bear := AdjustmentFor(types.RegimeBear).Apply(cons)
	if bear.MaxWeights["A"] >= 0.5 {
		t.Errorf("bear adjustment did not tighten cap: %v", bear.MaxWeights["A"])
	}
	if *bear.TargetReturn >= target {
		t.Errorf("bear adjustment did not trim target: %v", *bear.TargetReturn)
	}

	sideways := AdjustmentFor(types.RegimeSideways).Apply(cons)
	if sideways.MaxWeights["A"] != 0.5 || *sideways.TargetReturn != target {
		t.Error("sideways adjustment must be a no-op")
	}

	if *cons.TargetReturn != target || cons.MaxWeights["A"] != 0.5 {
		t.Error("original constraints were mutated")
	}
}
