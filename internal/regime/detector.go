// Package regime detects latent market regimes with a 3-state hidden Markov
// model over standardized market features. Fitting is deterministic: the
// initial parameters come from momentum terciles, never from random draws,
// so identical inputs always produce identical models.
package regime

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
	"go.uber.org/zap"
)

const numStates = 3

// Config tunes the detector.
type Config struct {
	// MaxIterations bounds the Baum-Welch loop.
	MaxIterations int
	// Tolerance is the log-likelihood improvement threshold.
	Tolerance float64
	// MinObservations is the shortest feature sequence accepted for fitting.
	MinObservations int
	// VarianceFloor keeps emission variances away from zero.
	VarianceFloor float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:   100,
		Tolerance:       1e-6,
		MinObservations: 252,
		VarianceFloor:   1e-4,
	}
}

// Model holds fitted HMM parameters. States are unordered internally; the
// bear/sideways/bull labels come from ranking states by mean momentum.
type Model struct {
	Transition    [][]float64 `json:"transition"`
	Means         [][]float64 `json:"means"`
	Variances     [][]float64 `json:"variances"`
	Initial       []float64   `json:"initial"`
	LogLikelihood float64     `json:"log_likelihood"`
	Iterations    int         `json:"iterations"`
	Converged     bool        `json:"converged"`
}

// Detector fits and queries regime models.
type Detector struct {
	logger *zap.Logger
	config *Config
}

// NewDetector creates a regime detector.
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{logger: logger, config: config}
}

// Fit runs Baum-Welch over the feature sequence until the log-likelihood
// improvement drops below tolerance or the iteration ceiling is reached.
// Cancellation between iterations returns the model fitted so far with
// Converged false.
func (d *Detector) Fit(ctx context.Context, features [][]float64) (*Model, error) {
	T := len(features)
	if T < d.config.MinObservations {
		return nil, &types.InsufficientHistoryError{Observations: T, Required: d.config.MinObservations}
	}

	model := d.initialModel(features)
	prevLL := math.Inf(-1)

	for iter := 0; iter < d.config.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			model.Iterations = iter
			model.Converged = false
			return model, nil
		default:
		}

		ll := d.emStep(model, features)
		model.LogLikelihood = ll
		model.Iterations = iter + 1

		if iter > 0 && ll-prevLL < d.config.Tolerance {
			model.Converged = true
			break
		}
		prevLL = ll
	}

	d.logger.Debug("regime model fitted",
		zap.Int("observations", T),
		zap.Int("iterations", model.Iterations),
		zap.Bool("converged", model.Converged),
		zap.Float64("log_likelihood", model.LogLikelihood),
	)
	return model, nil
}

// Infer runs forward filtering with the fitted parameters and reports the
// state distribution at the final observation.
func (d *Detector) Infer(model *Model, features [][]float64) (*types.RegimeState, error) {
	if len(features) == 0 {
		return nil, &types.InsufficientHistoryError{Observations: 0, Required: 1}
	}

	alpha, _ := forward(model, features)
	last := alpha[len(alpha)-1]

	order := statesByMomentum(model)
	labels := []types.Regime{types.RegimeBear, types.RegimeSideways, types.RegimeBull}

	probs := make(map[types.Regime]float64, numStates)
	bestRegime := types.RegimeSideways
	bestProb := -1.0
	for rank, state := range order {
		p := last[state]
		probs[labels[rank]] = p
		if p > bestProb {
			bestProb = p
			bestRegime = labels[rank]
		}
	}

	return &types.RegimeState{
		Regime:        bestRegime,
		Probabilities: probs,
		Confidence:    bestProb,
		AsOf:          time.Now().UTC(),
		Converged:     model.Converged,
	}, nil
}

// initialModel seeds the EM from momentum terciles: the lowest-momentum
// bucket initializes one state, the middle and highest buckets the others.
// The transition matrix starts diagonal-heavy.
func (d *Detector) initialModel(features [][]float64) *Model {
	T := len(features)
	dims := len(features[0])

	order := make([]int, T)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return features[order[a]][0] < features[order[b]][0]
	})

	model := &Model{
		Transition: make([][]float64, numStates),
		Means:      make([][]float64, numStates),
		Variances:  make([][]float64, numStates),
		Initial:    make([]float64, numStates),
	}

	for j := 0; j < numStates; j++ {
		model.Initial[j] = 1.0 / numStates
		model.Transition[j] = make([]float64, numStates)
		for k := 0; k < numStates; k++ {
			if j == k {
				model.Transition[j][k] = 0.8
			} else {
				model.Transition[j][k] = 0.1
			}
		}

		lo := j * T / numStates
		hi := (j + 1) * T / numStates
		bucket := order[lo:hi]

		model.Means[j] = make([]float64, dims)
		model.Variances[j] = make([]float64, dims)
		for dim := 0; dim < dims; dim++ {
			var sum float64
			for _, t := range bucket {
				sum += features[t][dim]
			}
			mean := sum / float64(len(bucket))
			var sq float64
			for _, t := range bucket {
				diff := features[t][dim] - mean
				sq += diff * diff
			}
			model.Means[j][dim] = mean
			model.Variances[j][dim] = math.Max(sq/float64(len(bucket)), 1e-2)
		}
	}
	return model
}

// emStep performs one expectation-maximization pass and returns the
// log-likelihood of the data under the pre-update parameters.
func (d *Detector) emStep(model *Model, features [][]float64) float64 {
	T := len(features)
	dims := len(features[0])

	alpha, logLikelihood := forward(model, features)
	beta := backward(model, features)

	// State occupancy.
	gamma := make([][]float64, T)
	for t := 0; t < T; t++ {
		gamma[t] = make([]float64, numStates)
		var norm float64
		for j := 0; j < numStates; j++ {
			gamma[t][j] = alpha[t][j] * beta[t][j]
			norm += gamma[t][j]
		}
		if norm > 0 {
			for j := 0; j < numStates; j++ {
				gamma[t][j] /= norm
			}
		}
	}

	// Expected transition counts.
	transNum := make([][]float64, numStates)
	transDen := make([]float64, numStates)
	for i := 0; i < numStates; i++ {
		transNum[i] = make([]float64, numStates)
	}
	xi := make([][]float64, numStates)
	for i := range xi {
		xi[i] = make([]float64, numStates)
	}
	for t := 0; t < T-1; t++ {
		var norm float64
		for i := 0; i < numStates; i++ {
			for j := 0; j < numStates; j++ {
				v := alpha[t][i] * model.Transition[i][j] * emission(model, j, features[t+1]) * beta[t+1][j]
				xi[i][j] = v
				norm += v
			}
		}
		if norm <= 0 {
			continue
		}
		for i := 0; i < numStates; i++ {
			for j := 0; j < numStates; j++ {
				transNum[i][j] += xi[i][j] / norm
			}
			transDen[i] += gamma[t][i]
		}
	}

	// M-step.
	copy(model.Initial, gamma[0])
	for i := 0; i < numStates; i++ {
		if transDen[i] > 0 {
			for j := 0; j < numStates; j++ {
				model.Transition[i][j] = transNum[i][j] / transDen[i]
			}
		}
		normalizeRow(model.Transition[i])
	}

	for j := 0; j < numStates; j++ {
		var occupancy float64
		for t := 0; t < T; t++ {
			occupancy += gamma[t][j]
		}
		if occupancy <= 0 {
			continue
		}
		for dim := 0; dim < dims; dim++ {
			var mean float64
			for t := 0; t < T; t++ {
				mean += gamma[t][j] * features[t][dim]
			}
			mean /= occupancy

			var variance float64
			for t := 0; t < T; t++ {
				diff := features[t][dim] - mean
				variance += gamma[t][j] * diff * diff
			}
			variance /= occupancy

			model.Means[j][dim] = mean
			model.Variances[j][dim] = math.Max(variance, d.config.VarianceFloor)
		}
	}

	return logLikelihood
}

// forward runs the scaled forward pass. Each row of the returned matrix is
// normalized to sum to 1, so the final row is the filtered state
// distribution. The second return value is the sequence log-likelihood.
func forward(model *Model, features [][]float64) ([][]float64, float64) {
	T := len(features)
	alpha := make([][]float64, T)
	logLikelihood := 0.0

	alpha[0] = make([]float64, numStates)
	var norm float64
	for j := 0; j < numStates; j++ {
		alpha[0][j] = model.Initial[j] * emission(model, j, features[0])
		norm += alpha[0][j]
	}
	logLikelihood += safeLog(norm)
	scaleRow(alpha[0], norm)

	for t := 1; t < T; t++ {
		alpha[t] = make([]float64, numStates)
		norm = 0
		for j := 0; j < numStates; j++ {
			var acc float64
			for i := 0; i < numStates; i++ {
				acc += alpha[t-1][i] * model.Transition[i][j]
			}
			alpha[t][j] = acc * emission(model, j, features[t])
			norm += alpha[t][j]
		}
		logLikelihood += safeLog(norm)
		scaleRow(alpha[t], norm)
	}
	return alpha, logLikelihood
}

// backward runs the scaled backward pass, normalizing each row to keep the
// recursion in range. Only ratios of beta values matter downstream.
func backward(model *Model, features [][]float64) [][]float64 {
	T := len(features)
	beta := make([][]float64, T)
	beta[T-1] = []float64{1, 1, 1}

	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, numStates)
		var norm float64
		for i := 0; i < numStates; i++ {
			var acc float64
			for j := 0; j < numStates; j++ {
				acc += model.Transition[i][j] * emission(model, j, features[t+1]) * beta[t+1][j]
			}
			beta[t][i] = acc
			norm += acc
		}
		scaleRow(beta[t], norm)
	}
	return beta
}

// emission is the diagonal-Gaussian observation density for one state.
func emission(model *Model, state int, obs []float64) float64 {
	p := 1.0
	for d, v := range obs {
		variance := model.Variances[state][d]
		diff := v - model.Means[state][d]
		p *= math.Exp(-diff*diff/(2*variance)) / math.Sqrt(2*math.Pi*variance)
	}
	if p < 1e-300 {
		p = 1e-300
	}
	return p
}

// statesByMomentum ranks internal states by their mean momentum feature,
// lowest first. The ranking maps states onto bear, sideways, bull.
func statesByMomentum(model *Model) []int {
	order := []int{0, 1, 2}
	sort.SliceStable(order, func(a, b int) bool {
		return model.Means[order[a]][0] < model.Means[order[b]][0]
	})
	return order
}

func normalizeRow(row []float64) {
	var sum float64
	for _, v := range row {
		sum += v
	}
	if sum <= 0 {
		for i := range row {
			row[i] = 1.0 / float64(len(row))
		}
		return
	}
	for i := range row {
		row[i] /= sum
	}
}

func scaleRow(row []float64, norm float64) {
	if norm <= 0 {
		return
	}
	for i := range row {
		row[i] /= norm
	}
}

func safeLog(v float64) float64 {
	if v <= 0 {
		return -700
	}
	return math.Log(v)
}
