// Package forecast produces per-asset horizon return forecasts from a
// trailing feature window. The model is a linear sequence regressor over
// standardized features, trained by gradient descent with early stopping on
// a chronological validation split. Training is fully deterministic: weights
// start at zero and the split is by time, never by shuffle.
package forecast

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Feature group labels reported in the importance map.
const (
	GroupReturns    = "returns"
	GroupVolume     = "volume"
	GroupVolatility = "volatility"
	GroupTechnical  = "technical"
	GroupSentiment  = "sentiment"
)

// featureGroups maps feature index to group label.
var featureGroups = []string{
	GroupReturns, GroupReturns, GroupReturns,
	GroupVolume,
	GroupVolatility,
	GroupTechnical,
	GroupSentiment,
}

const numFeatures = 7

// Config tunes the forecaster.
type Config struct {
	// Window is the trailing observation window used for training.
	Window int
	// Horizon is the forecast horizon in periods.
	Horizon int
	// MinObservations is the shortest accepted clean series.
	MinObservations int
	// LearningRate, MaxEpochs, and Patience drive gradient descent with
	// early stopping on validation loss.
	LearningRate float64
	MaxEpochs    int
	Patience     int
	// ValidationFraction is the chronological tail held out for validation.
	ValidationFraction float64
	// MinValidation is the smallest held-out sample that supports a
	// confidence estimate; below it confidence is floored at zero.
	MinValidation int
}

// DefaultConfig returns sensible defaults for daily data.
func DefaultConfig() *Config {
	return &Config{
		Window:             252,
		Horizon:            30,
		MinObservations:    252,
		LearningRate:       0.05,
		MaxEpochs:          500,
		Patience:           25,
		ValidationFraction: 0.2,
		MinValidation:      5,
	}
}

// Inputs is one forecasting request. Returns is required; everything else
// degrades gracefully when absent.
type Inputs struct {
	Symbol  string
	Returns []float64
	Volumes []float64
	// Sentiment is an optional external score in [-1, 1].
	Sentiment *float64
	// DataQuality in [0, 1] feeds the confidence blend.
	DataQuality float64
	// RecentAnomalies is the anomaly count over the recent window.
	RecentAnomalies int
	// RegimeConfidence in [0, 1] feeds the confidence blend.
	RegimeConfidence float64
}

// Forecaster trains and evaluates the sequence regressor.
type Forecaster struct {
	logger *zap.Logger
	config *Config
}

// NewForecaster creates a forecaster.
func NewForecaster(logger *zap.Logger, config *Config) *Forecaster {
	if config == nil {
		config = DefaultConfig()
	}
	return &Forecaster{logger: logger, config: config}
}

// Forecast trains on the trailing window and predicts the cumulative return
// over the configured horizon. Confidence blends validation accuracy (40%),
// data quality (30%), market stability (20%), and regime confidence (10%).
// Cancellation stops training early and forecasts with the best weights
// found so far.
func (f *Forecaster) Forecast(ctx context.Context, in Inputs) (*types.ForecastResult, error) {
	if len(in.Returns) < f.config.MinObservations {
		return nil, &types.InsufficientHistoryError{
			Symbol:       in.Symbol,
			Observations: len(in.Returns),
			Required:     f.config.MinObservations,
		}
	}

	returns := in.Returns
	if len(returns) > f.config.Window+f.config.Horizon {
		returns = returns[len(returns)-f.config.Window-f.config.Horizon:]
	}
	volumes := tailOf(in.Volumes, len(returns))

	features, targets := buildTrainingSet(returns, volumes, in.Sentiment, f.config.Horizon)
	if len(features) < 10 {
		return nil, &types.InsufficientHistoryError{
			Symbol:       in.Symbol,
			Observations: len(features),
			Required:     10,
		}
	}

	split := len(features) - int(float64(len(features))*f.config.ValidationFraction)
	if split < 1 {
		split = 1
	}
	trainX, trainY := features[:split], targets[:split]
	valX, valY := features[split:], targets[split:]

	scaler := fitScaler(trainX)
	model := f.train(ctx, scaler.apply(trainX), trainY, scaler.apply(valX), valY)

	// Forecast from the most recent feature row.
	latest := latestFeatures(returns, volumes, in.Sentiment)
	point := model.predict(scaler.applyRow(latest))

	lower, upper := residualInterval(model, scaler.apply(valX), valY, point)

	confidence := f.blendConfidence(model, len(valY), in)

	importance := groupImportance(model.weights, scaler.stds)

	f.logger.Debug("forecast produced",
		zap.String("symbol", in.Symbol),
		zap.Float64("point", point),
		zap.Float64("confidence", confidence),
		zap.Int("train_samples", len(trainY)),
		zap.Int("validation_samples", len(valY)),
	)

	return &types.ForecastResult{
		Symbol:            in.Symbol,
		Horizon:           f.config.Horizon,
		PointForecast:     point,
		LowerBound:        lower,
		UpperBound:        upper,
		Confidence:        confidence,
		FeatureImportance: importance,
		AsOf:              time.Now().UTC(),
	}, nil
}

// linearModel is the trained regressor.
type linearModel struct {
	weights []float64
	bias    float64
	valRMSE float64
	// baseRMSE is the validation error of always predicting the train mean,
	// the skill baseline.
	baseRMSE float64
	hasVal   bool
}

func (m *linearModel) predict(x []float64) float64 {
	v := m.bias
	for i, w := range m.weights {
		v += w * x[i]
	}
	return v
}

// train runs full-batch gradient descent with early stopping on validation
// loss. Weights start at zero, so training is deterministic.
func (f *Forecaster) train(ctx context.Context, trainX [][]float64, trainY []float64, valX [][]float64, valY []float64) *linearModel {
	model := &linearModel{weights: make([]float64, numFeatures)}

	bestWeights := make([]float64, numFeatures)
	bestBias := 0.0
	bestVal := math.Inf(1)
	sinceBest := 0

	n := float64(len(trainY))
	grad := make([]float64, numFeatures)

	for epoch := 0; epoch < f.config.MaxEpochs; epoch++ {
		select {
		case <-ctx.Done():
			epoch = f.config.MaxEpochs // stop; best weights already tracked
		default:
		}
		if epoch >= f.config.MaxEpochs {
			break
		}

		for i := range grad {
			grad[i] = 0
		}
		var biasGrad float64
		for s, x := range trainX {
			err := model.predict(x) - trainY[s]
			for i := range grad {
				grad[i] += err * x[i]
			}
			biasGrad += err
		}
		for i := range grad {
			model.weights[i] -= f.config.LearningRate * 2 * grad[i] / n
		}
		model.bias -= f.config.LearningRate * 2 * biasGrad / n

		score := rmse(model, trainX, trainY)
		if len(valY) > 0 {
			score = rmse(model, valX, valY)
		}
		if score < bestVal {
			bestVal = score
			copy(bestWeights, model.weights)
			bestBias = model.bias
			sinceBest = 0
		} else {
			sinceBest++
			if sinceBest > f.config.Patience {
				break
			}
		}
	}

	copy(model.weights, bestWeights)
	model.bias = bestBias

	if len(valY) > 0 {
		model.valRMSE = rmse(model, valX, valY)
		model.baseRMSE = baselineRMSE(trainY, valY)
		model.hasVal = true
	}
	return model
}

// blendConfidence combines the documented components. Too little held-out
// data floors the whole score at zero rather than erroring.
func (f *Forecaster) blendConfidence(model *linearModel, valCount int, in Inputs) float64 {
	if !model.hasVal || valCount < f.config.MinValidation {
		return 0
	}

	validation := 0.0
	if model.baseRMSE > 0 {
		validation = clamp01(1 - model.valRMSE/model.baseRMSE)
	}
	quality := clamp01(in.DataQuality)
	stability := clamp01(1 - float64(in.RecentAnomalies)/10)
	regime := clamp01(in.RegimeConfidence)

	return clamp01(0.4*validation + 0.3*quality + 0.2*stability + 0.1*regime)
}

// buildTrainingSet pairs each feature row with the realized cumulative
// return over the following horizon.
func buildTrainingSet(returns, volumes []float64, sentiment *float64, horizon int) ([][]float64, []float64) {
	warmup := 60
	var features [][]float64
	var targets []float64
	for t := warmup; t+horizon < len(returns); t++ {
		features = append(features, featureRow(returns[:t+1], volumes, sentiment))

		cum := 1.0
		for k := t + 1; k <= t+horizon; k++ {
			cum *= 1 + returns[k]
		}
		targets = append(targets, cum-1)
	}
	return features, targets
}

func latestFeatures(returns, volumes []float64, sentiment *float64) []float64 {
	return featureRow(returns, volumes, sentiment)
}

// featureRow computes the observation vector as of the last element of the
// return slice.
func featureRow(returns, volumes []float64, sentiment *float64) []float64 {
	t := len(returns)

	row := make([]float64, numFeatures)
	row[0] = meanTail(returns, 5)
	row[1] = meanTail(returns, 20)
	row[2] = sumTail(returns, 60)

	if len(volumes) >= t && t >= 21 {
		vols := volumes[:t]
		ma := meanTail(vols[:len(vols)-1], 20)
		if ma > 0 {
			row[3] = vols[len(vols)-1]/ma - 1
		}
	}

	row[4] = stdTail(returns, 20)
	// Moving-average crossover: short trend against long trend.
	row[5] = meanTail(returns, 5) - meanTail(returns, 20)
	if sentiment != nil {
		row[6] = *sentiment
	}
	return row
}

// residualInterval derives the confidence band from validation residual
// quantiles, falling back to a symmetric band when validation is empty.
func residualInterval(model *linearModel, valX [][]float64, valY []float64, point float64) (float64, float64) {
	if len(valY) >= 5 {
		residuals := make([]float64, len(valY))
		for i, x := range valX {
			residuals[i] = valY[i] - model.predict(x)
		}
		sort.Float64s(residuals)
		lo := residuals[int(0.05*float64(len(residuals)))]
		hi := residuals[int(math.Min(0.95*float64(len(residuals)), float64(len(residuals)-1)))]
		// A one-sided residual distribution must not invert the band around
		// the point forecast.
		return math.Min(point+lo, point), math.Max(point+hi, point)
	}
	spread := 2 * model.valRMSE
	if spread == 0 {
		spread = 0.05
	}
	return point - spread, point + spread
}

// groupImportance sums |weight|·std by feature group and normalizes to 1.
func groupImportance(weights, stds []float64) map[string]float64 {
	out := map[string]float64{
		GroupReturns:    0,
		GroupVolume:     0,
		GroupVolatility: 0,
		GroupTechnical:  0,
		GroupSentiment:  0,
	}
	var total float64
	for i, w := range weights {
		contribution := math.Abs(w)
		if i < len(stds) && stds[i] > 0 {
			contribution *= stds[i]
		}
		out[featureGroups[i]] += contribution
		total += contribution
	}
	if total == 0 {
		for k := range out {
			out[k] = 1.0 / float64(len(out))
		}
		return out
	}
	for k := range out {
		out[k] /= total
	}
	return out
}

// scaler standardizes features by train-split statistics.
type scaler struct {
	means []float64
	stds  []float64
}

func fitScaler(rows [][]float64) *scaler {
	s := &scaler{means: make([]float64, numFeatures), stds: make([]float64, numFeatures)}
	if len(rows) == 0 {
		return s
	}
	for d := 0; d < numFeatures; d++ {
		var sum float64
		for _, r := range rows {
			sum += r[d]
		}
		s.means[d] = sum / float64(len(rows))

		var sq float64
		for _, r := range rows {
			diff := r[d] - s.means[d]
			sq += diff * diff
		}
		s.stds[d] = math.Sqrt(sq / float64(len(rows)))
	}
	return s
}

func (s *scaler) apply(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = s.applyRow(r)
	}
	return out
}

func (s *scaler) applyRow(row []float64) []float64 {
	out := make([]float64, numFeatures)
	for d := 0; d < numFeatures; d++ {
		if s.stds[d] > 1e-12 {
			out[d] = (row[d] - s.means[d]) / s.stds[d]
		}
	}
	return out
}

func rmse(m *linearModel, xs [][]float64, ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	var sq float64
	for i, x := range xs {
		err := m.predict(x) - ys[i]
		sq += err * err
	}
	return math.Sqrt(sq / float64(len(ys)))
}

func baselineRMSE(trainY, valY []float64) float64 {
	var mean float64
	for _, y := range trainY {
		mean += y
	}
	mean /= float64(len(trainY))

	var sq float64
	for _, y := range valY {
		diff := y - mean
		sq += diff * diff
	}
	return math.Sqrt(sq / float64(len(valY)))
}

func meanTail(xs []float64, n int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if n > len(xs) {
		n = len(xs)
	}
	var sum float64
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	return sum / float64(n)
}

func sumTail(xs []float64, n int) float64 {
	if n > len(xs) {
		n = len(xs)
	}
	var sum float64
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	return sum
}

func stdTail(xs []float64, n int) float64 {
	if n > len(xs) {
		n = len(xs)
	}
	tail := xs[len(xs)-n:]
	if len(tail) < 2 {
		return 0
	}
	mean := meanTail(tail, len(tail))
	var sq float64
	for _, x := range tail {
		diff := x - mean
		sq += diff * diff
	}
	return math.Sqrt(sq / float64(len(tail)-1))
}

func tailOf(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
