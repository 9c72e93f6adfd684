// Package series converts raw price histories into aligned, validated
// periodic return series. Every downstream component consumes its output.
package series

import (
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlignMode selects how dates are joined across symbols.
type AlignMode string

const (
	// AlignInner keeps only dates present for every symbol.
	AlignInner AlignMode = "inner"
	// AlignForwardFill keeps the union of dates and forward-fills gaps up to
	// MaxFillGap periods. A symbol with a longer gap is rejected.
	AlignForwardFill AlignMode = "forward_fill"
)

// NormalizerConfig configures the normalizer.
type NormalizerConfig struct {
	Mode            AlignMode
	MaxFillGap      int     // longest gap forward-fill may bridge
	MaxMissing      float64 // rejected above this fraction of missing observations
	MinObservations int     // per-symbol floor after alignment
	LogReturns      bool    // log returns instead of simple returns
}

// DefaultNormalizerConfig returns sensible defaults.
func DefaultNormalizerConfig() *NormalizerConfig {
	return &NormalizerConfig{
		Mode:            AlignInner,
		MaxFillGap:      7,
		MaxMissing:      0.20,
		MinObservations: 2,
	}
}

// Normalizer builds aligned return series from raw price histories.
type Normalizer struct {
	logger *zap.Logger
	config *NormalizerConfig
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *zap.Logger, config *NormalizerConfig) *Normalizer {
	if config == nil {
		config = DefaultNormalizerConfig()
	}
	return &Normalizer{logger: logger, config: config}
}

// Normalize validates, aligns, and converts the supplied histories into one
// AlignedReturns block plus a per-symbol quality report. The output is
// immutable once built and scoped to the request.
func (n *Normalizer) Normalize(histories []types.PriceHistory) (*types.AlignedReturns, []*QualityReport, error) {
	if len(histories) == 0 {
		return nil, nil, &types.InsufficientDataError{Symbol: "", Observations: 0, Required: n.config.MinObservations}
	}

	cleaned := make([]cleanHistory, 0, len(histories))
	reports := make([]*QualityReport, 0, len(histories))

	for _, h := range histories {
		ch, report := n.clean(h)
		reports = append(reports, report)

		if len(ch.points) < n.config.MinObservations+1 {
			return nil, reports, &types.InsufficientDataError{
				Symbol:       h.Symbol,
				Observations: maxInt(0, len(ch.points)-1),
				Required:     n.config.MinObservations,
			}
		}
		if report.MissingFraction > n.config.MaxMissing {
			return nil, reports, &types.DataQualityError{
				Symbol:          h.Symbol,
				MissingFraction: report.MissingFraction,
				MaxMissing:      n.config.MaxMissing,
			}
		}
		cleaned = append(cleaned, ch)
	}

	var (
		index []time.Time
		err   error
	)
	switch n.config.Mode {
	case AlignForwardFill:
		index, cleaned, err = n.unionIndex(cleaned)
	default:
		index = intersectIndex(cleaned)
	}
	if err != nil {
		return nil, reports, err
	}

	// Returns need one more price than observations.
	if len(index) < n.config.MinObservations+1 {
		shortest := histories[0].Symbol
		if len(cleaned) > 0 {
			shortest = cleaned[shortestOf(cleaned)].symbol
		}
		return nil, reports, &types.InsufficientDataError{
			Symbol:       shortest,
			Observations: maxInt(0, len(index)-1),
			Required:     n.config.MinObservations,
		}
	}

	aligned := &types.AlignedReturns{
		Symbols:    make([]string, len(cleaned)),
		Timestamps: index[1:],
		Series:     make([][]float64, len(cleaned)),
		Volumes:    make([][]float64, len(cleaned)),
	}

	for i, ch := range cleaned {
		prices, volumes := ch.onIndex(index)
		returns := make([]float64, len(index)-1)
		for t := 1; t < len(index); t++ {
			returns[t-1] = periodicReturn(prices[t-1], prices[t], n.config.LogReturns)
		}
		aligned.Symbols[i] = ch.symbol
		aligned.Series[i] = returns
		aligned.Volumes[i] = volumes[1:]
	}

	n.logger.Debug("normalized return series",
		zap.Int("symbols", len(aligned.Symbols)),
		zap.Int("periods", aligned.NumPeriods()),
		zap.String("mode", string(n.config.Mode)),
	)

	return aligned, reports, nil
}

// cleanHistory is a sorted, de-duplicated price history.
type cleanHistory struct {
	symbol string
	points []types.PricePoint
	byDate map[int64]int
}

func (ch cleanHistory) onIndex(index []time.Time) (prices []float64, volumes []float64) {
	prices = make([]float64, len(index))
	volumes = make([]float64, len(index))
	lastIdx := -1
	for t, ts := range index {
		if i, ok := ch.byDate[ts.Unix()]; ok {
			lastIdx = i
		}
		// Gaps here were already validated; lastIdx is never -1 past the
		// symbol's first indexed date.
		p := ch.points[maxInt(lastIdx, 0)]
		prices[t], _ = p.Price.Float64()
		volumes[t], _ = p.Volume.Float64()
	}
	return prices, volumes
}

// clean sorts, drops duplicates and non-positive prices, and scores quality.
func (n *Normalizer) clean(h types.PriceHistory) (cleanHistory, *QualityReport) {
	points := make([]types.PricePoint, len(h.Points))
	copy(points, h.Points)
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	report := &QualityReport{Symbol: h.Symbol, RawObservations: len(h.Points), Quality: h.Quality}

	kept := points[:0]
	seen := make(map[int64]bool, len(points))
	for _, p := range points {
		key := p.Timestamp.Unix()
		if seen[key] {
			report.Duplicates++
			continue
		}
		if p.Price.LessThanOrEqual(decimal.Zero) {
			report.InvalidPrices++
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}

	byDate := make(map[int64]int, len(kept))
	for i, p := range kept {
		byDate[p.Timestamp.Unix()] = i
	}

	report.CleanObservations = len(kept)
	report.score(kept)

	return cleanHistory{symbol: h.Symbol, points: kept, byDate: byDate}, report
}

// intersectIndex returns the dates present in every history, ascending.
func intersectIndex(histories []cleanHistory) []time.Time {
	if len(histories) == 0 {
		return nil
	}
	var index []time.Time
	for _, p := range histories[0].points {
		present := true
		for _, other := range histories[1:] {
			if _, ok := other.byDate[p.Timestamp.Unix()]; !ok {
				present = false
				break
			}
		}
		if present {
			index = append(index, p.Timestamp)
		}
	}
	return index
}

// unionIndex returns the union of all dates and validates that no symbol
// needs a forward-fill longer than MaxFillGap periods.
func (n *Normalizer) unionIndex(histories []cleanHistory) ([]time.Time, []cleanHistory, error) {
	seen := make(map[int64]time.Time)
	for _, ch := range histories {
		for _, p := range ch.points {
			seen[p.Timestamp.Unix()] = p.Timestamp
		}
	}
	index := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		index = append(index, ts)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })

	for _, ch := range histories {
		gap := 0
		started := false
		for _, ts := range index {
			if _, ok := ch.byDate[ts.Unix()]; ok {
				started = true
				gap = 0
				continue
			}
			if !started {
				continue
			}
			gap++
			if gap > n.config.MaxFillGap {
				return nil, nil, &types.DataQualityError{
					Symbol:          ch.symbol,
					MissingFraction: float64(gap) / float64(len(index)),
					MaxMissing:      float64(n.config.MaxFillGap) / float64(len(index)),
				}
			}
		}
	}

	// Trim leading dates that precede some symbol's first observation, so
	// forward-fill always has a value to carry.
	start := 0
	for _, ch := range histories {
		first := ch.points[0].Timestamp
		for start < len(index) && index[start].Before(first) {
			start++
		}
	}
	return index[start:], histories, nil
}

func periodicReturn(prev, cur float64, log bool) float64 {
	if prev == 0 {
		return 0
	}
	if log {
		return logReturn(prev, cur)
	}
	return cur/prev - 1
}

func shortestOf(histories []cleanHistory) int {
	best := 0
	for i, ch := range histories {
		if len(ch.points) < len(histories[best].points) {
			best = i
		}
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
