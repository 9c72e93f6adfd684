// Package orchestrator wires the engine components into one synchronous
// pipeline: normalize, estimate, optionally adapt to the detected regime,
// solve, measure, and side-check for anomalies. The orchestrator holds no
// request state; everything a call needs travels in the Request and
// everything it learns comes back in the Response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/portfolio-engine/internal/anomaly"
	"github.com/atlas-desktop/portfolio-engine/internal/forecast"
	"github.com/atlas-desktop/portfolio-engine/internal/metrics"
	"github.com/atlas-desktop/portfolio-engine/internal/modelcache"
	"github.com/atlas-desktop/portfolio-engine/internal/optimizer"
	"github.com/atlas-desktop/portfolio-engine/internal/regime"
	"github.com/atlas-desktop/portfolio-engine/internal/riskmodel"
	"github.com/atlas-desktop/portfolio-engine/internal/series"
	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config assembles the sub-component configurations. Nil sub-configs take
// that component's defaults.
type Config struct {
	Normalizer *series.NormalizerConfig
	RiskModel  *riskmodel.BuilderConfig
	Optimizer  *optimizer.Config
	Metrics    *metrics.Config
	Regime     *regime.Config
	Anomaly    *anomaly.Config
	Forecast   *forecast.Config

	// AdaptToRegime folds the detected regime into the constraints before
	// solving. The unadjusted constraints remain the fallback.
	AdaptToRegime bool
	// RunForecasts attaches per-symbol return forecasts to the response.
	RunForecasts bool
	// ScanAnomalies attaches anomaly events and warnings to the response.
	ScanAnomalies bool
}

// DefaultConfig enables the full pipeline.
func DefaultConfig() *Config {
	return &Config{
		AdaptToRegime: true,
		RunForecasts:  false,
		ScanAnomalies: true,
	}
}

// Request is one optimization run over caller-supplied histories.
type Request struct {
	// RequestID is assigned when empty.
	RequestID   string               `json:"request_id"`
	Method      types.Method         `json:"method"`
	Histories   []types.PriceHistory `json:"histories"`
	Constraints *types.Constraints   `json:"constraints"`
	Views       []types.BLView       `json:"views,omitempty"`
	MarketCaps  map[string]float64   `json:"market_caps,omitempty"`
}

// Response carries the solve outcome plus every side artifact the pipeline
// produced. Warnings never suppress the result.
type Response struct {
	RequestID string                    `json:"request_id"`
	Result    *types.OptimizationResult `json:"result"`
	Metrics   *types.PerformanceMetrics `json:"metrics,omitempty"`
	Regime    *types.RegimeState        `json:"regime,omitempty"`
	Forecasts []*types.ForecastResult   `json:"forecasts,omitempty"`
	Anomalies []types.AnomalyEvent      `json:"anomalies,omitempty"`
	Quality   []*series.QualityReport   `json:"quality,omitempty"`
	Warnings  []string                  `json:"warnings,omitempty"`
	Event     types.CompletionEvent     `json:"event"`
}

// Orchestrator owns the engine components and the fitted-model cache.
type Orchestrator struct {
	logger *zap.Logger
	config *Config

	normalizer *series.Normalizer
	builder    *riskmodel.Builder
	optimizer  *optimizer.Optimizer
	calculator *metrics.Calculator
	detector   *regime.Detector
	scanner    *anomaly.Detector
	forecaster *forecast.Forecaster
	cache      *modelcache.Cache
}

// New creates an orchestrator with its component set.
func New(logger *zap.Logger, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		logger:     logger,
		config:     config,
		normalizer: series.NewNormalizer(logger, config.Normalizer),
		builder:    riskmodel.NewBuilder(logger, config.RiskModel),
		optimizer:  optimizer.New(logger, config.Optimizer),
		calculator: metrics.NewCalculator(logger, config.Metrics),
		detector:   regime.NewDetector(logger, config.Regime),
		scanner:    anomaly.NewDetector(logger, config.Anomaly),
		forecaster: forecast.NewForecaster(logger, config.Forecast),
		cache:      modelcache.New(logger),
	}
}

// Optimize runs the full pipeline. A *types.SolverDivergenceError from the
// solver degrades to a warning because the best iterate is still returned;
// every other error aborts the run.
func (o *Orchestrator) Optimize(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := o.logger.With(zap.String("request_id", req.RequestID))

	resp := &Response{RequestID: req.RequestID}

	aligned, reports, err := o.normalizer.Normalize(req.Histories)
	resp.Quality = reports
	if err != nil {
		return nil, err
	}

	model, err := o.builder.Build(aligned)
	if err != nil {
		return nil, err
	}

	cons := req.Constraints
	if cons == nil {
		cons = &types.Constraints{LongOnly: true}
	}

	if o.config.AdaptToRegime {
		if state := o.detectRegime(ctx, aligned, logger); state != nil {
			resp.Regime = state
			cons = regime.AdjustmentFor(state.Regime).Apply(cons)
		}
	}

	result, solveErr := o.optimizer.Optimize(ctx, optimizer.Request{
		Method:      req.Method,
		Model:       model,
		Constraints: cons,
		Views:       req.Views,
		MarketCaps:  req.MarketCaps,
	})

	var div *types.SolverDivergenceError
	switch {
	case solveErr == nil:
	case errors.As(solveErr, &div) && result != nil:
		resp.Warnings = append(resp.Warnings, fmt.Sprintf(
			"solver did not converge after %d iterations (residual %.2e); returning best iterate",
			div.Iterations, div.Residual,
		))
	case resp.Regime != nil && req.Constraints != cons:
		// The regime adjustment may have made a feasible request infeasible.
		// Retry with the caller's own constraints before giving up.
		logger.Warn("regime-adjusted constraints failed, retrying unadjusted", zap.Error(solveErr))
		resp.Warnings = append(resp.Warnings, "regime adjustment discarded: "+solveErr.Error())
		result, solveErr = o.optimizer.Optimize(ctx, optimizer.Request{
			Method:      req.Method,
			Model:       model,
			Constraints: req.Constraints,
			Views:       req.Views,
			MarketCaps:  req.MarketCaps,
		})
		if solveErr != nil {
			if errors.As(solveErr, &div) && result != nil {
				resp.Warnings = append(resp.Warnings, "solver did not converge; returning best iterate")
			} else {
				return nil, solveErr
			}
		}
	default:
		return nil, solveErr
	}
	resp.Result = result

	if m, err := o.calculator.Compute(result.Weights, aligned, nil); err != nil {
		resp.Warnings = append(resp.Warnings, "metrics unavailable: "+err.Error())
	} else {
		resp.Metrics = m
	}

	if o.config.RunForecasts {
		forecasts, warnings := o.runForecasts(ctx, aligned, reports, resp.Regime)
		resp.Forecasts = forecasts
		resp.Warnings = append(resp.Warnings, warnings...)
	}

	if o.config.ScanAnomalies {
		resp.Anomalies = o.scanner.Scan(aligned)
		if len(cons.CurrentWeights) > 0 {
			asOf := aligned.Timestamps[len(aligned.Timestamps)-1]
			resp.Anomalies = append(resp.Anomalies,
				o.scanner.CheckAllocationDrift(cons.CurrentWeights, result.WeightsBySymbol, asOf)...)
		}
		for _, ev := range resp.Anomalies {
			resp.Warnings = append(resp.Warnings, ev.Message)
		}
	}

	resp.Event = types.CompletionEvent{
		RequestID:      req.RequestID,
		Method:         req.Method,
		Symbols:        result.Symbols,
		Status:         result.Status,
		ExpectedReturn: result.ExpectedReturn,
		Volatility:     result.Volatility,
		Warnings:       len(resp.Warnings),
		Elapsed:        time.Since(start),
		Timestamp:      time.Now().UTC(),
	}

	logger.Info("optimization run complete",
		zap.String("method", string(req.Method)),
		zap.Int("assets", len(result.Symbols)),
		zap.String("status", string(result.Status)),
		zap.Int("warnings", len(resp.Warnings)),
		zap.Duration("elapsed", resp.Event.Elapsed),
	)
	return resp, nil
}

// Frontier normalizes the histories and traces the efficient frontier.
func (o *Orchestrator) Frontier(ctx context.Context, req Request, points int) ([]types.EfficientFrontierPoint, error) {
	aligned, _, err := o.normalizer.Normalize(req.Histories)
	if err != nil {
		return nil, err
	}
	model, err := o.builder.Build(aligned)
	if err != nil {
		return nil, err
	}
	return o.optimizer.EfficientFrontier(ctx, model, req.Constraints, points)
}

// detectRegime fits (or reuses) the HMM over the cross-sectional mean return
// and infers the current state. Failures here degrade to no adjustment.
func (o *Orchestrator) detectRegime(ctx context.Context, aligned *types.AlignedReturns, logger *zap.Logger) *types.RegimeState {
	features := regime.BuildFeatures(crossSectionalMean(aligned), nil, nil, nil)
	if len(features) == 0 {
		return nil
	}

	key := modelcache.Key{
		Symbols: aligned.Symbols,
		Window:  aligned.NumPeriods(),
		AsOf:    aligned.Timestamps[len(aligned.Timestamps)-1],
	}

	var model *regime.Model
	if cached, ok := o.cache.Get(key); ok {
		model = cached.(*regime.Model)
	} else {
		fitted, err := o.detector.Fit(ctx, features)
		if err != nil {
			logger.Debug("regime detection skipped", zap.Error(err))
			return nil
		}
		o.cache.Put(key, fitted)
		model = fitted
	}

	state, err := o.detector.Infer(model, features)
	if err != nil {
		logger.Debug("regime inference failed", zap.Error(err))
		return nil
	}
	return state
}

// Forecast normalizes the histories and produces per-symbol forecasts. The
// returned warnings name symbols that were skipped.
func (o *Orchestrator) Forecast(ctx context.Context, histories []types.PriceHistory) ([]*types.ForecastResult, []string, error) {
	aligned, reports, err := o.normalizer.Normalize(histories)
	if err != nil {
		return nil, nil, err
	}
	state := o.detectRegime(ctx, aligned, o.logger)
	forecasts, warnings := o.runForecasts(ctx, aligned, reports, state)
	return forecasts, warnings, nil
}

// DetectRegime normalizes the histories and infers the current market state.
func (o *Orchestrator) DetectRegime(ctx context.Context, histories []types.PriceHistory) (*types.RegimeState, error) {
	aligned, _, err := o.normalizer.Normalize(histories)
	if err != nil {
		return nil, err
	}
	features := regime.BuildFeatures(crossSectionalMean(aligned), nil, nil, nil)
	model, err := o.detector.Fit(ctx, features)
	if err != nil {
		return nil, err
	}
	return o.detector.Infer(model, features)
}

// ScanAnomalies normalizes the histories and runs every anomaly rule,
// including the data-quality and staleness checks.
func (o *Orchestrator) ScanAnomalies(histories []types.PriceHistory, now time.Time) ([]types.AnomalyEvent, error) {
	aligned, _, err := o.normalizer.Normalize(histories)
	if err != nil {
		return nil, err
	}
	byRef := make([]*types.PriceHistory, len(histories))
	for i := range histories {
		byRef[i] = &histories[i]
	}
	events := o.scanner.Scan(aligned)
	events = append(events, o.scanner.CheckDataQuality(byRef, now)...)
	return events, nil
}

// runForecasts produces per-symbol forecasts; symbols with too little
// history turn into warnings rather than failures.
func (o *Orchestrator) runForecasts(ctx context.Context, aligned *types.AlignedReturns, reports []*series.QualityReport, state *types.RegimeState) ([]*types.ForecastResult, []string) {
	quality := make(map[string]float64, len(reports))
	for _, r := range reports {
		quality[r.Symbol] = float64(r.Score) / 100
	}
	regimeConfidence := 0.0
	if state != nil {
		regimeConfidence = state.Confidence
	}

	out := make([]*types.ForecastResult, 0, aligned.NumAssets())
	var warnings []string
	for i, sym := range aligned.Symbols {
		in := forecast.Inputs{
			Symbol:           sym,
			Returns:          aligned.Series[i],
			DataQuality:      quality[sym],
			RegimeConfidence: regimeConfidence,
		}
		if i < len(aligned.Volumes) {
			in.Volumes = aligned.Volumes[i]
		}
		fc, err := o.forecaster.Forecast(ctx, in)
		if err != nil {
			warnings = append(warnings, "forecast skipped for "+sym+": "+err.Error())
			continue
		}
		out = append(out, fc)
	}
	return out, warnings
}

// InvalidateSymbol drops cached models that include the symbol. Callers use
// it when fresh history arrives for that symbol.
func (o *Orchestrator) InvalidateSymbol(symbol string) int {
	return o.cache.InvalidateSymbol(symbol)
}

// crossSectionalMean is the equal-weighted market proxy used for regime
// features.
func crossSectionalMean(aligned *types.AlignedReturns) []float64 {
	T := aligned.NumPeriods()
	n := aligned.NumAssets()
	out := make([]float64, T)
	for t := 0; t < T; t++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += aligned.Series[i][t]
		}
		out[t] = sum / float64(n)
	}
	return out
}
