package optimizer

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// tieBreakRidge is the infinitesimal pull toward equal weighting that makes
// solutions unique when multiple weight vectors tie on the objective.
const tieBreakRidge = 1e-9

// linearEq is one equality constraint aᵀw = b.
type linearEq struct {
	a []float64
	b float64
}

// groupRange bounds the combined weight of a set of asset indices.
type groupRange struct {
	indices []int
	lower   float64
	upper   float64
}

// solveEqualityQP solves min wᵀ(Σ+εI)w - 2ε·eqᵀw subject to the supplied
// equality constraints via the KKT system. The ε ridge is the documented
// tie-breaker toward equal weights; it leaves well-posed problems unchanged
// to within round-off. Bounds are not enforced here.
func solveEqualityQP(sigma *mat.SymDense, eqs []linearEq) ([]float64, bool) {
	n := sigma.SymmetricDim()
	m := len(eqs)
	dim := n + m

	kkt := mat.NewDense(dim, dim, nil)
	rhs := mat.NewVecDense(dim, nil)

	eq := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := 2 * sigma.At(i, j)
			if i == j {
				v += 2 * tieBreakRidge
			}
			kkt.Set(i, j, v)
		}
		rhs.SetVec(i, 2*tieBreakRidge*eq)
	}
	for k, c := range eqs {
		for i := 0; i < n; i++ {
			kkt.Set(i, n+k, c.a[i])
			kkt.Set(n+k, i, c.a[i])
		}
		rhs.SetVec(n+k, c.b)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(kkt, rhs); err != nil {
		return nil, false
	}

	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = sol.AtVec(i)
		if math.IsNaN(w[i]) || math.IsInf(w[i], 0) {
			return nil, false
		}
	}
	return w, true
}

// boxQP is the penalized form handed to the smooth minimizer: the base
// objective plus quadratic penalties for equality constraints, group range
// violations, and box violations. All penalty terms are C¹, so quasi-Newton
// methods apply directly.
type boxQP struct {
	sigma  *mat.SymDense
	eqs    []linearEq
	groups []groupRange
	lower  []float64
	upper  []float64
	// objective and gradient of the unpenalized base; when nil the
	// quadratic form wᵀΣw with the equal-weight ridge is used.
	objective func(w []float64) float64
	gradient  func(w, grad []float64)
}

func (p *boxQP) f(w []float64) float64 {
	if p.objective != nil {
		return p.objective(w)
	}
	n := len(w)
	var v float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v += w[i] * w[j] * p.sigma.At(i, j)
		}
	}
	eq := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		d := w[i] - eq
		v += tieBreakRidge * d * d
	}
	return v
}

func (p *boxQP) fGrad(w, grad []float64) {
	if p.gradient != nil {
		p.gradient(w, grad)
		return
	}
	n := len(w)
	eq := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		g := 2 * tieBreakRidge * (w[i] - eq)
		for j := 0; j < n; j++ {
			g += 2 * p.sigma.At(i, j) * w[j]
		}
		grad[i] = g
	}
}

func (p *boxQP) penalized(w []float64, penalty float64) float64 {
	v := p.f(w)
	for _, c := range p.eqs {
		r := residual(c, w)
		v += penalty * r * r
	}
	for _, g := range p.groups {
		if viol := groupViolation(g, w); viol != 0 {
			v += penalty * viol * viol
		}
	}
	for i := range w {
		if d := boxViolation(w[i], p.lower[i], p.upper[i]); d != 0 {
			v += penalty * d * d
		}
	}
	return v
}

func (p *boxQP) penalizedGrad(w, grad []float64, penalty float64) {
	p.fGrad(w, grad)
	for _, c := range p.eqs {
		r := residual(c, w)
		for i := range grad {
			grad[i] += 2 * penalty * r * c.a[i]
		}
	}
	for _, g := range p.groups {
		viol := groupViolation(g, w)
		if viol == 0 {
			continue
		}
		for _, i := range g.indices {
			grad[i] += 2 * penalty * viol
		}
	}
	for i := range w {
		if d := boxViolation(w[i], p.lower[i], p.upper[i]); d != 0 {
			grad[i] += 2 * penalty * d
		}
	}
}

func residual(c linearEq, w []float64) float64 {
	var s float64
	for i, a := range c.a {
		s += a * w[i]
	}
	return s - c.b
}

// boxViolation is positive above the upper bound, negative below the lower.
func boxViolation(v, lower, upper float64) float64 {
	if v > upper {
		return v - upper
	}
	if v < lower {
		return v - lower
	}
	return 0
}

// groupViolation is positive above the upper bound, negative below the
// lower bound, zero inside.
func groupViolation(g groupRange, w []float64) float64 {
	var s float64
	for _, i := range g.indices {
		s += w[i]
	}
	if s > g.upper {
		return s - g.upper
	}
	if s < g.lower {
		return s - g.lower
	}
	return 0
}

// feasible reports whether w satisfies the box, equality, and group
// constraints within tolerance.
func (p *boxQP) feasible(w []float64, tol float64) bool {
	for i := range w {
		if w[i] < p.lower[i]-tol || w[i] > p.upper[i]+tol {
			return false
		}
	}
	for _, c := range p.eqs {
		if math.Abs(residual(c, w)) > tol {
			return false
		}
	}
	for _, g := range p.groups {
		if math.Abs(groupViolation(g, w)) > tol {
			return false
		}
	}
	return true
}

func (p *boxQP) project(w []float64) {
	for i := range w {
		w[i] = math.Max(p.lower[i], math.Min(p.upper[i], w[i]))
	}
}

// penaltyMinimize drives the penalized objective through escalating penalty
// rounds, warm-starting each round from the previous solution. BFGS runs
// first with the analytic gradient; Nelder-Mead is the derivative-free
// fallback when the line search fails. The best iterate across rounds is
// always returned, ranked by the stiffest penalty.
func penaltyMinimize(ctx context.Context, p *boxQP, start []float64, maxIter int, tol float64) (best []float64, iterations int, converged bool) {
	n := len(start)
	w := make([]float64, n)
	copy(w, start)

	best = make([]float64, n)
	copy(best, w)
	bestVal := p.penalized(w, 1e8)

	penalties := []float64{1e4, 1e6, 1e8}
	perRound := maxIter / len(penalties)
	if perRound < 1 {
		perRound = 1
	}

	for _, penalty := range penalties {
		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				return p.penalized(x, penalty)
			},
			Grad: func(grad, x []float64) {
				p.penalizedGrad(x, grad, penalty)
			},
			Status: func() (optimize.Status, error) {
				select {
				case <-ctx.Done():
					return optimize.NotTerminated, ctx.Err()
				default:
					return optimize.NotTerminated, nil
				}
			},
		}
		settings := &optimize.Settings{
			MajorIterations:   perRound,
			GradientThreshold: tol,
		}

		result, err := optimize.Minimize(problem, w, settings, &optimize.BFGS{})
		if err != nil && ctx.Err() == nil {
			result, _ = optimize.Minimize(problem, w, settings, &optimize.NelderMead{})
		}
		if result != nil {
			iterations += result.Stats.MajorIterations
			copy(w, result.X)
			if val := p.penalized(w, 1e8); val < bestVal {
				bestVal = val
				copy(best, w)
			}
		}
		if ctx.Err() != nil {
			return best, iterations, false
		}
	}

	// Clip the hairline box violations the hinge penalty leaves behind.
	p.project(best)
	converged = p.feasible(best, 1e-6)
	return best, iterations, converged
}

// buildGroups resolves group constraints onto model indices.
func buildGroups(groups []groupSpec) []groupRange {
	out := make([]groupRange, 0, len(groups))
	for _, g := range groups {
		if len(g.indices) == 0 {
			continue
		}
		out = append(out, groupRange{indices: g.indices, lower: g.lower, upper: g.upper})
	}
	return out
}

type groupSpec struct {
	indices []int
	lower   float64
	upper   float64
}

func onesConstraint(n int) linearEq {
	a := make([]float64, n)
	for i := range a {
		a[i] = 1
	}
	return linearEq{a: a, b: 1}
}
