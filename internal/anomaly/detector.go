// Package anomaly provides stateless, threshold-based checks over normalized
// return series and allocation state. Every rule is independently evaluable
// and emits events; nothing is stored and no rule suppresses another.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// Config holds the rule thresholds.
type Config struct {
	// VolatilityWindow is the short realized-volatility lookback.
	VolatilityWindow int
	// VolatilityHistory is the trailing distribution the short vol is
	// ranked against.
	VolatilityHistory int
	// VolatilityPercentile is the rank that triggers the volatility rule.
	VolatilityPercentile float64
	// VolumeWindow is the moving-average window for the volume rule.
	VolumeWindow int
	// VolumeMultiple triggers when current volume exceeds it times the MA.
	VolumeMultiple float64
	// PriceMoveThreshold is the single-day move magnitude counted as large.
	PriceMoveThreshold float64
	// PriceMoveWindow and PriceMoveCount trigger when at least Count large
	// moves occur within Window days.
	PriceMoveWindow int
	PriceMoveCount  int
	// DriftThreshold triggers on per-holding |current - target| weight gap.
	DriftThreshold float64
	// CorrelationDelta triggers on recent-vs-historical correlation change.
	CorrelationDelta float64
	// CorrelationRecentWindow is the short correlation lookback.
	CorrelationRecentWindow int
	// StaleAfter marks price histories older than this as stale.
	StaleAfter time.Duration
}

// DefaultConfig returns the documented rule thresholds.
func DefaultConfig() *Config {
	return &Config{
		VolatilityWindow:        20,
		VolatilityHistory:       252,
		VolatilityPercentile:    0.95,
		VolumeWindow:            20,
		VolumeMultiple:          3,
		PriceMoveThreshold:      0.05,
		PriceMoveWindow:         5,
		PriceMoveCount:          2,
		DriftThreshold:          0.05,
		CorrelationDelta:        0.30,
		CorrelationRecentWindow: 30,
		StaleAfter:              5 * 24 * time.Hour,
	}
}

// Detector evaluates the rule set.
type Detector struct {
	logger *zap.Logger
	config *Config
}

// NewDetector creates an anomaly detector.
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{logger: logger, config: config}
}

// Scan evaluates the per-series and cross-series rules against the latest
// state of the aligned returns. Rules that lack enough history are skipped,
// never errored.
func (d *Detector) Scan(aligned *types.AlignedReturns) []types.AnomalyEvent {
	if aligned == nil || aligned.NumPeriods() == 0 {
		return nil
	}
	asOf := aligned.Timestamps[aligned.NumPeriods()-1]

	var events []types.AnomalyEvent
	for i, sym := range aligned.Symbols {
		series := aligned.Series[i]
		if ev, ok := d.volatilityAnomaly(sym, series, asOf); ok {
			events = append(events, ev)
		}
		if aligned.Volumes != nil && i < len(aligned.Volumes) {
			if ev, ok := d.volumeAnomaly(sym, aligned.Volumes[i], asOf); ok {
				events = append(events, ev)
			}
		}
		if ev, ok := d.priceMoveAnomaly(sym, series, asOf); ok {
			events = append(events, ev)
		}
	}
	events = append(events, d.correlationAnomalies(aligned, asOf)...)

	if len(events) > 0 {
		d.logger.Debug("anomalies detected", zap.Int("count", len(events)))
	}
	return events
}

// CheckAllocationDrift compares current holdings against target weights.
func (d *Detector) CheckAllocationDrift(current, target map[string]float64, asOf time.Time) []types.AnomalyEvent {
	symbols := make([]string, 0, len(target))
	for sym := range target {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var events []types.AnomalyEvent
	for _, sym := range symbols {
		gap := math.Abs(current[sym] - target[sym])
		if gap > d.config.DriftThreshold {
			events = append(events, types.AnomalyEvent{
				Category:  types.AnomalyDrift,
				Severity:  severityFor(gap, d.config.DriftThreshold),
				Symbol:    sym,
				Value:     gap,
				Threshold: d.config.DriftThreshold,
				Timestamp: asOf,
				Message:   fmt.Sprintf("%s allocation drifted %.2f%% from target", sym, gap*100),
			})
		}
	}
	return events
}

// CheckDataQuality flags poor-quality or stale price histories. The engine
// still computes over them; the caller decides whether to proceed.
func (d *Detector) CheckDataQuality(histories []*types.PriceHistory, now time.Time) []types.AnomalyEvent {
	var events []types.AnomalyEvent
	for _, h := range histories {
		if h.Quality == types.QualityPoor {
			events = append(events, types.AnomalyEvent{
				Category:  types.AnomalyDataQuality,
				Severity:  types.SeverityMedium,
				Symbol:    h.Symbol,
				Value:     0,
				Threshold: 0,
				Timestamp: now,
				Message:   fmt.Sprintf("%s price history graded poor by the provider", h.Symbol),
			})
		}
		age := now.Sub(h.AsOf)
		if age > d.config.StaleAfter {
			events = append(events, types.AnomalyEvent{
				Category:  types.AnomalyDataQuality,
				Severity:  types.SeverityMedium,
				Symbol:    h.Symbol,
				Value:     age.Hours() / 24,
				Threshold: d.config.StaleAfter.Hours() / 24,
				Timestamp: now,
				Message:   fmt.Sprintf("%s price history is %.1f days old", h.Symbol, age.Hours()/24),
			})
		}
	}
	return events
}

// volatilityAnomaly fires when the trailing short-window volatility exceeds
// the configured percentile of its own trailing distribution.
func (d *Detector) volatilityAnomaly(symbol string, series []float64, asOf time.Time) (types.AnomalyEvent, bool) {
	w := d.config.VolatilityWindow
	if len(series) < 2*w+10 {
		return types.AnomalyEvent{}, false
	}

	current := realizedVol(series[len(series)-w:])

	// Rolling short-window vols over the trailing history, excluding the
	// current window.
	histStart := len(series) - d.config.VolatilityHistory - w
	if histStart < 0 {
		histStart = 0
	}
	var history []float64
	for s := histStart; s+w <= len(series)-w; s++ {
		history = append(history, realizedVol(series[s:s+w]))
	}
	if len(history) < 30 {
		return types.AnomalyEvent{}, false
	}

	sort.Float64s(history)
	idx := int(math.Ceil(d.config.VolatilityPercentile*float64(len(history)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(history) {
		idx = len(history) - 1
	}
	threshold := history[idx]

	if current <= threshold {
		return types.AnomalyEvent{}, false
	}
	return types.AnomalyEvent{
		Category:  types.AnomalyVolatility,
		Severity:  severityFor(current, threshold),
		Symbol:    symbol,
		Value:     current,
		Threshold: threshold,
		Timestamp: asOf,
		Message:   fmt.Sprintf("%s trailing volatility %.4f above its %.0fth percentile %.4f", symbol, current, d.config.VolatilityPercentile*100, threshold),
	}, true
}

// volumeAnomaly fires when the latest volume exceeds the configured multiple
// of its moving average over the preceding window.
func (d *Detector) volumeAnomaly(symbol string, volumes []float64, asOf time.Time) (types.AnomalyEvent, bool) {
	w := d.config.VolumeWindow
	if len(volumes) < w+1 {
		return types.AnomalyEvent{}, false
	}
	current := volumes[len(volumes)-1]

	var ma float64
	for _, v := range volumes[len(volumes)-1-w : len(volumes)-1] {
		ma += v
	}
	ma /= float64(w)
	if ma <= 0 {
		return types.AnomalyEvent{}, false
	}

	ratio := current / ma
	if ratio <= d.config.VolumeMultiple {
		return types.AnomalyEvent{}, false
	}
	return types.AnomalyEvent{
		Category:  types.AnomalyVolume,
		Severity:  severityFor(ratio, d.config.VolumeMultiple),
		Symbol:    symbol,
		Value:     ratio,
		Threshold: d.config.VolumeMultiple,
		Timestamp: asOf,
		Message:   fmt.Sprintf("%s volume %.1fx its %d-day average", symbol, ratio, w),
	}, true
}

// priceMoveAnomaly fires when enough large daily moves cluster in the
// trailing window.
func (d *Detector) priceMoveAnomaly(symbol string, series []float64, asOf time.Time) (types.AnomalyEvent, bool) {
	w := d.config.PriceMoveWindow
	if len(series) < w {
		return types.AnomalyEvent{}, false
	}

	count := 0
	largest := 0.0
	for _, r := range series[len(series)-w:] {
		if math.Abs(r) > d.config.PriceMoveThreshold {
			count++
			if math.Abs(r) > largest {
				largest = math.Abs(r)
			}
		}
	}
	if count < d.config.PriceMoveCount {
		return types.AnomalyEvent{}, false
	}
	return types.AnomalyEvent{
		Category:  types.AnomalyPriceMove,
		Severity:  severityFor(largest, d.config.PriceMoveThreshold),
		Symbol:    symbol,
		Value:     float64(count),
		Threshold: float64(d.config.PriceMoveCount),
		Timestamp: asOf,
		Message:   fmt.Sprintf("%s had %d moves over %.0f%% within %d days", symbol, count, d.config.PriceMoveThreshold*100, w),
	}, true
}

// correlationAnomalies fires per asset pair when the recent-window
// correlation departs from the historical correlation by more than the
// configured delta.
func (d *Detector) correlationAnomalies(aligned *types.AlignedReturns, asOf time.Time) []types.AnomalyEvent {
	recent := d.config.CorrelationRecentWindow
	T := aligned.NumPeriods()
	if T < 2*recent {
		return nil
	}

	var events []types.AnomalyEvent
	n := aligned.NumAssets()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			histCorr, ok1 := correlation(aligned.Series[i][:T-recent], aligned.Series[j][:T-recent])
			recentCorr, ok2 := correlation(aligned.Series[i][T-recent:], aligned.Series[j][T-recent:])
			if !ok1 || !ok2 {
				continue
			}
			delta := math.Abs(recentCorr - histCorr)
			if delta <= d.config.CorrelationDelta {
				continue
			}
			events = append(events, types.AnomalyEvent{
				Category:  types.AnomalyCorrelation,
				Severity:  severityFor(delta, d.config.CorrelationDelta),
				Symbol:    aligned.Symbols[i],
				PairWith:  aligned.Symbols[j],
				Value:     delta,
				Threshold: d.config.CorrelationDelta,
				Timestamp: asOf,
				Message:   fmt.Sprintf("%s/%s correlation moved %.2f from its historical level", aligned.Symbols[i], aligned.Symbols[j], delta),
			})
		}
	}
	return events
}

// severityFor grades by how far the value exceeds its threshold.
func severityFor(value, threshold float64) types.Severity {
	if threshold == 0 {
		return types.SeverityMedium
	}
	ratio := value / threshold
	switch {
	case ratio >= 2:
		return types.SeverityHigh
	case ratio >= 1.3:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func realizedVol(xs []float64) float64 {
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
		diff := x - mean
		sq += diff * diff
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

func correlation(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) < 3 {
		return 0, false
	}
	var ma, mb float64
	for i := range a {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(len(a))
	mb /= float64(len(b))

	var cov, va, vb float64
	for i := range a {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}
