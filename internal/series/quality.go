package series

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// QualityReport summarizes the per-symbol data validation performed while
// normalizing. It is attached to results as a warning source; only the
// thresholds in NormalizerConfig turn problems into errors.
type QualityReport struct {
	Symbol            string             `json:"symbol"`
	Quality           types.QualityScore `json:"quality"`
	RawObservations   int                `json:"raw_observations"`
	CleanObservations int                `json:"clean_observations"`
	Duplicates        int                `json:"duplicates"`
	InvalidPrices     int                `json:"invalid_prices"`
	GapCount          int                `json:"gap_count"`
	LongestGap        int                `json:"longest_gap"`
	MissingFraction   float64            `json:"missing_fraction"`
	Score             int                `json:"score"` // 0-100
	StartDate         time.Time          `json:"start_date"`
	EndDate           time.Time          `json:"end_date"`
}

// score fills the gap statistics and the 0-100 score from cleaned points.
func (r *QualityReport) score(points []types.PricePoint) {
	if len(points) == 0 {
		r.Score = 0
		r.MissingFraction = 1
		return
	}

	r.StartDate = points[0].Timestamp
	r.EndDate = points[len(points)-1].Timestamp

	// Expected cadence is the median of observed intervals; anything over
	// 1.5x the cadence counts as a gap.
	if len(points) >= 3 {
		intervals := make([]time.Duration, 0, len(points)-1)
		for i := 1; i < len(points); i++ {
			intervals = append(intervals, points[i].Timestamp.Sub(points[i-1].Timestamp))
		}
		sorted := make([]time.Duration, len(intervals))
		copy(sorted, intervals)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		cadence := sorted[len(sorted)/2]

		missing := 0
		for _, iv := range intervals {
			if cadence > 0 && iv > cadence+cadence/2 {
				r.GapCount++
				skipped := int(iv/cadence) - 1
				missing += skipped
				if skipped > r.LongestGap {
					r.LongestGap = skipped
				}
			}
		}
		expected := len(points) + missing
		if expected > 0 {
			r.MissingFraction = float64(missing+r.Duplicates+r.InvalidPrices) / float64(expected)
		}
	}

	penalty := 10.0*float64(r.InvalidPrices) + 5.0*float64(r.Duplicates) + 2.0*float64(r.GapCount)
	normalized := penalty / math.Max(1, float64(len(points))/100) * 10
	r.Score = int(math.Max(0, math.Min(100, 100-normalized)))
}

// Usable reports whether the series passed validation comfortably.
func (r *QualityReport) Usable() bool { return r.Score >= 70 }

func logReturn(prev, cur float64) float64 {
	return math.Log(cur / prev)
}
