package metrics

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

// SimulatorConfig configures the Monte Carlo simulator.
type SimulatorConfig struct {
	NumSimulations int
	Horizon        int // periods per simulated path
	Seed           int64
	Confidence     float64
}

// DefaultSimulatorConfig returns sensible defaults. The seed is fixed so
// simulated risk figures are reproducible across runs.
func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		NumSimulations: 2000,
		Horizon:        21,
		Seed:           42,
		Confidence:     0.95,
	}
}

// Simulator estimates forward-looking VaR and CVaR by sampling portfolio
// return paths from the risk model's normal approximation.
type Simulator struct {
	logger *zap.Logger
	config *SimulatorConfig
	rng    *rand.Rand
	mu     sync.Mutex
}

// NewSimulator creates a Monte Carlo simulator.
func NewSimulator(logger *zap.Logger, config *SimulatorConfig) *Simulator {
	if config == nil {
		config = DefaultSimulatorConfig()
	}
	return &Simulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// SimulatedRisk holds the tail statistics of the simulated horizon returns.
type SimulatedRisk struct {
	VaR        float64 `json:"var"`
	CVaR       float64 `json:"cvar"`
	MeanReturn float64 `json:"mean_return"`
	WorstPath  float64 `json:"worst_path"`
	Paths      int     `json:"paths"`
}

// Simulate compounds NumSimulations paths of Horizon periods, each period
// drawn from N(μ_p, σ_p²) with the portfolio moments implied by the model
// and weights. The rng is guarded so concurrent callers stay deterministic
// in aggregate.
func (s *Simulator) Simulate(model *types.RiskModel, weights []float64) (*SimulatedRisk, error) {
	if model == nil || model.NumAssets() == 0 || len(weights) != model.NumAssets() {
		return nil, &types.InsufficientDataError{Observations: 0, Required: 1}
	}

	mu := model.Return(weights)
	sigma := math.Sqrt(math.Max(model.Variance(weights), 0))

	s.mu.Lock()
	defer s.mu.Unlock()

	finals := make([]float64, s.config.NumSimulations)
	for i := range finals {
		wealth := 1.0
		for t := 0; t < s.config.Horizon; t++ {
			r := mu + sigma*s.rng.NormFloat64()
			wealth *= 1 + r
		}
		finals[i] = wealth - 1
	}

	sort.Float64s(finals)
	idx := int(math.Floor((1 - s.config.Confidence) * float64(len(finals))))
	if idx >= len(finals) {
		idx = len(finals) - 1
	}
	quantile := finals[idx]

	var tailSum float64
	tailCount := 0
	for _, r := range finals {
		if r <= quantile {
			tailSum += r
			tailCount++
		}
	}
	tailMean := quantile
	if tailCount > 0 {
		tailMean = tailSum / float64(tailCount)
	}

	return &SimulatedRisk{
		VaR:        -quantile,
		CVaR:       -tailMean,
		MeanReturn: meanOf(finals),
		WorstPath:  finals[0],
		Paths:      len(finals),
	}, nil
}
