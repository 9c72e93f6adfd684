package regime

import "math"

// FeatureConfig controls the observation vector construction.
type FeatureConfig struct {
	// MomentumWindow is the lookback for cumulative momentum, in periods.
	MomentumWindow int
	// VolatilityWindow is the lookback for realized volatility.
	VolatilityWindow int
	// ZScoreWindow is the trailing history used to standardize each feature.
	ZScoreWindow int
}

// DefaultFeatureConfig returns sensible defaults for daily data.
func DefaultFeatureConfig() *FeatureConfig {
	return &FeatureConfig{
		MomentumWindow:   20,
		VolatilityWindow: 60,
		ZScoreWindow:     252,
	}
}

// BuildFeatures derives the 4-dimensional observation sequence from a return
// series plus optional volatility-index and yield-spread series. Aux series
// must align with returns when supplied; a nil aux series contributes a
// neutral feature. The first max(momentum, volatility) periods are consumed
// as warm-up, and every feature is z-scored against its trailing history.
func BuildFeatures(returns, volIndex, yieldSpread []float64, cfg *FeatureConfig) [][]float64 {
	if cfg == nil {
		cfg = DefaultFeatureConfig()
	}
	warmup := cfg.MomentumWindow
	if cfg.VolatilityWindow > warmup {
		warmup = cfg.VolatilityWindow
	}
	if len(returns) <= warmup {
		return nil
	}

	T := len(returns) - warmup
	raw := make([][]float64, T)
	for t := 0; t < T; t++ {
		i := t + warmup

		momentum := 0.0
		for k := i - cfg.MomentumWindow; k < i; k++ {
			momentum += returns[k]
		}

		vol := windowStd(returns[i-cfg.VolatilityWindow : i])

		volRatio := 0.0
		if volIndex != nil && i < len(volIndex) {
			volRatio = volIndex[i]
		}
		spread := 0.0
		if yieldSpread != nil && i < len(yieldSpread) {
			spread = yieldSpread[i]
		}

		raw[t] = []float64{momentum, vol, volRatio, spread}
	}

	return zscoreColumns(raw, cfg.ZScoreWindow)
}

// zscoreColumns standardizes each feature against its trailing window. The
// window grows from the start of the sequence until it reaches its cap.
func zscoreColumns(raw [][]float64, window int) [][]float64 {
	T := len(raw)
	if T == 0 {
		return nil
	}
	dims := len(raw[0])
	out := make([][]float64, T)
	for t := 0; t < T; t++ {
		out[t] = make([]float64, dims)
		start := 0
		if window > 0 && t+1 > window {
			start = t + 1 - window
		}
		for d := 0; d < dims; d++ {
			var sum float64
			count := t + 1 - start
			for k := start; k <= t; k++ {
				sum += raw[k][d]
			}
			mean := sum / float64(count)

			var sq float64
			for k := start; k <= t; k++ {
				diff := raw[k][d] - mean
				sq += diff * diff
			}
			std := math.Sqrt(sq / float64(count))
			if std > 1e-12 {
				out[t][d] = (raw[t][d] - mean) / std
			}
		}
	}
	return out
}

func windowStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}
