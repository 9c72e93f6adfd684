package riskmodel

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

func alignedFrom(series ...[]float64) *types.AlignedReturns {
	symbols := make([]string, len(series))
	for i := range symbols {
		symbols[i] = string(rune('A' + i))
	}
	T := len(series[0])
	ts := make([]time.Time, T)
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for t := range ts {
		ts[t] = base.AddDate(0, 0, t)
	}
	return &types.AlignedReturns{Symbols: symbols, Timestamps: ts, Series: series}
}

func newTestBuilder(cfg *BuilderConfig) *Builder {
	return NewBuilder(zap.NewNop(), cfg)
}

func floatPtr(v float64) *float64 { return &v }

func TestSampleMomentsMatchHandComputedValues(t *testing.T) {
	b := newTestBuilder(&BuilderConfig{
		Shrinkage:        floatPtr(0),
		EigenvalueFloor:  0,
		ConditionCeiling: 1e12,
	})
	model, err := b.Build(alignedFrom(
		[]float64{0.01, 0.02, 0.03},
		[]float64{0.02, 0.00, 0.04},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if math.Abs(model.ExpectedReturns[0]-0.02) > 1e-15 || math.Abs(model.ExpectedReturns[1]-0.02) > 1e-15 {
		t.Errorf("means = %v, want [0.02 0.02]", model.ExpectedReturns)
	}
	// Unbiased sample moments under equal observation weights.
	if got := model.Covariance.At(0, 0); math.Abs(got-1e-4) > 1e-12 {
		t.Errorf("var(A) = %v, want 1e-4", got)
	}
	if got := model.Covariance.At(1, 1); math.Abs(got-4e-4) > 1e-12 {
		t.Errorf("var(B) = %v, want 4e-4", got)
	}
	if got := model.Covariance.At(0, 1); math.Abs(got-1e-4) > 1e-12 {
		t.Errorf("cov(A,B) = %v, want 1e-4", got)
	}
	if model.Covariance.At(0, 1) != model.Covariance.At(1, 0) {
		t.Error("covariance is not symmetric")
	}
}

func TestPerfectlyCorrelatedPairWithoutShrinkageFails(t *testing.T) {
	a := make([]float64, 50)
	bSeries := make([]float64, 50)
	for i := range a {
		a[i] = 0.01 * math.Sin(float64(i)/3)
		bSeries[i] = 2 * a[i] // exact linear dependence
	}

	b := newTestBuilder(&BuilderConfig{
		Shrinkage:        floatPtr(0),
		EigenvalueFloor:  1e-10,
		ConditionCeiling: 1e12,
	})
	_, err := b.Build(alignedFrom(a, bSeries))
	var singular *types.SingularCovarianceError
	if !errors.As(err, &singular) {
		t.Fatalf("error = %v, want SingularCovarianceError", err)
	}
	if singular.ConditionNumber <= singular.Ceiling {
		t.Errorf("condition number %v should exceed ceiling %v", singular.ConditionNumber, singular.Ceiling)
	}
}

func TestShrinkageRepairsCorrelatedPair(t *testing.T) {
	a := make([]float64, 50)
	bSeries := make([]float64, 50)
	for i := range a {
		a[i] = 0.01 * math.Sin(float64(i)/3)
		bSeries[i] = 2 * a[i]
	}

	b := newTestBuilder(&BuilderConfig{
		Shrinkage:        floatPtr(0.5),
		EigenvalueFloor:  1e-10,
		ConditionCeiling: 1e12,
	})
	model, err := b.Build(alignedFrom(a, bSeries))
	if err != nil {
		t.Fatalf("Build with shrinkage: %v", err)
	}
	if model.Shrinkage != 0.5 {
		t.Errorf("shrinkage = %v, want 0.5", model.Shrinkage)
	}
	if model.ConditionNumber > 1e12 {
		t.Errorf("condition number still %v after shrinkage", model.ConditionNumber)
	}
}

func TestModelIsPositiveSemiDefinite(t *testing.T) {
	b := newTestBuilder(nil)
	model, err := b.Build(alignedFrom(
		[]float64{0.01, -0.02, 0.03, 0.00, 0.02, -0.01},
		[]float64{0.02, 0.01, -0.01, 0.03, -0.02, 0.00},
		[]float64{-0.01, 0.02, 0.01, -0.02, 0.03, 0.01},
	))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	probes := [][]float64{
		{1, 0, 0},
		{0.2, 0.3, 0.5},
		{1, -1, 0},
		{-0.5, 1, -0.5},
	}
	for _, w := range probes {
		if v := model.Variance(w); v < 0 {
			t.Errorf("variance for %v is negative: %v", w, v)
		}
	}
}

func TestAnnualizationScalesMoments(t *testing.T) {
	series := [][]float64{
		{0.01, 0.02, 0.03, 0.00, 0.02},
		{0.02, 0.00, 0.04, 0.01, 0.03},
	}

	daily, err := newTestBuilder(&BuilderConfig{Shrinkage: floatPtr(0), EigenvalueFloor: 1e-12, ConditionCeiling: 1e12}).
		Build(alignedFrom(series[0], series[1]))
	if err != nil {
		t.Fatalf("Build daily: %v", err)
	}
	annual, err := newTestBuilder(&BuilderConfig{Shrinkage: floatPtr(0), EigenvalueFloor: 1e-12, ConditionCeiling: 1e12, Annualize: true}).
		Build(alignedFrom(series[0], series[1]))
	if err != nil {
		t.Fatalf("Build annualized: %v", err)
	}

	for i := range daily.ExpectedReturns {
		want := daily.ExpectedReturns[i] * TradingPeriodsPerYear
		if math.Abs(annual.ExpectedReturns[i]-want) > 1e-12 {
			t.Errorf("annualized mean[%d] = %v, want %v", i, annual.ExpectedReturns[i], want)
		}
	}
	want := daily.Covariance.At(0, 1) * TradingPeriodsPerYear
	if math.Abs(annual.Covariance.At(0, 1)-want) > 1e-12 {
		t.Errorf("annualized cov = %v, want %v", annual.Covariance.At(0, 1), want)
	}
	if !annual.Annualized || daily.Annualized {
		t.Error("Annualized flag not set correctly")
	}
}

func TestHalfLifeWeightsRecentObservations(t *testing.T) {
	// The series jumps to a higher level in its second half; decayed means
	// must sit closer to the recent level than the flat mean does.
	series := make([]float64, 100)
	for i := range series {
		if i < 50 {
			series[i] = 0.00
		} else {
			series[i] = 0.02
		}
	}
	other := make([]float64, 100)
	for i := range other {
		other[i] = 0.01 + 0.001*math.Sin(float64(i))
	}

	flat, err := newTestBuilder(nil).Build(alignedFrom(series, other))
	if err != nil {
		t.Fatalf("Build flat: %v", err)
	}
	decayed, err := newTestBuilder(&BuilderConfig{
		EigenvalueFloor:  1e-10,
		ConditionCeiling: 1e12,
		HalfLife:         10,
	}).Build(alignedFrom(series, other))
	if err != nil {
		t.Fatalf("Build decayed: %v", err)
	}

	if decayed.ExpectedReturns[0] <= flat.ExpectedReturns[0] {
		t.Errorf("decayed mean %v should exceed flat mean %v", decayed.ExpectedReturns[0], flat.ExpectedReturns[0])
	}
	if decayed.ExpectedReturns[0] < 0.019 {
		t.Errorf("decayed mean %v should be close to the recent level 0.02", decayed.ExpectedReturns[0])
	}
}

func TestShortHistoryRejected(t *testing.T) {
	b := newTestBuilder(nil)
	_, err := b.Build(alignedFrom([]float64{0.01}))
	var short *types.InsufficientDataError
	if !errors.As(err, &short) {
		t.Fatalf("error = %v, want InsufficientDataError", err)
	}
}
