// Copyright 2024 zinbwave Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package zinb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/juju/errors"
	"github.com/zinbwave-io/zinbwave/base/log"
	"github.com/zinbwave-io/zinbwave/base/parallel"
	"github.com/zinbwave-io/zinbwave/base/progress"
	"github.com/zinbwave-io/zinbwave/model"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// hessianJitter stabilizes Cholesky factorizations of nearly singular
// Hessians; the damped-step safeguard rejects any resulting bad direction.
const hessianJitter = 1e-8

type FitConfig struct {
	Jobs                    int
	Verbose                 int
	ComputeNormalizedValues bool
	ComputeResiduals        bool
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Jobs:    1,
		Verbose: 10,
	}
}

func (config *FitConfig) SetJobs(jobs int) *FitConfig {
	config.Jobs = jobs
	return config
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}

func (config *FitConfig) SetNormalizedValues(enabled bool) *FitConfig {
	config.ComputeNormalizedValues = enabled
	return config
}

func (config *FitConfig) SetResiduals(enabled bool) *FitConfig {
	config.ComputeResiduals = enabled
	return config
}

// DiagnosticKind labels non-fatal conditions observed during fitting.
type DiagnosticKind string

const (
	// DiagDegenerateDispersion marks a gene whose dispersion optimum sits on
	// a configured bound, typically a gene with all-zero counts.
	DiagDegenerateDispersion DiagnosticKind = "DegenerateDispersion"
	// DiagClampedPredictor reports that at least one linear predictor was
	// clamped before exponentiation.
	DiagClampedPredictor DiagnosticKind = "ClampedPredictor"
	// DiagNonConvergence reports that the iteration limit was reached before
	// the tolerance was met.
	DiagNonConvergence DiagnosticKind = "NonConvergence"
	// DiagCancelled reports that the fit stopped early because the context
	// was cancelled; the returned parameters are the best found so far.
	DiagCancelled DiagnosticKind = "Cancelled"
)

// Diagnostic is a non-fatal warning attached to a FitResult.
type Diagnostic struct {
	Kind    DiagnosticKind
	Gene    int // -1 when the diagnostic is not tied to a gene
	Message string
}

// FitResult holds the converged model with its diagnostics and derived
// output matrices. The observational weight matrix is always attached;
// normalized values and residuals only when requested in the FitConfig.
type FitResult struct {
	Model         *ZinbModel
	LogLikelihood []float64 // penalized log-likelihood, one entry per outer iteration plus the initial value
	Iterations    int
	Converged     bool
	Diagnostics   []Diagnostic

	Weights          [][]float64
	NormalizedValues [][]float64
	Residuals        [][]float64
}

// Fit maximizes the ridge-penalized ZINB log-likelihood by block-coordinate
// ascent. Each outer iteration refreshes the posterior zero memberships and
// then updates, in order: per-gene dispersions, mean-model coefficients
// (per gene, then per cell), zero-inflation coefficients (per gene, then
// per cell), and the latent factors (per cell). Updates within a block run
// on a worker pool over disjoint genes or cells; blocks are separated by
// barriers and the context is only checked between them, so an interrupted
// fit always returns a consistent parameter state.
func (m *ZinbModel) Fit(ctx context.Context, config *FitConfig) (*FitResult, error) {
	if m.Invalid() {
		return nil, errors.New("fit called on a cleared or uninitialized model")
	}
	if config == nil {
		config = NewFitConfig()
	}
	jobs := config.Jobs
	if jobs < 1 {
		jobs = 1
	}
	verbose := config.Verbose
	if verbose < 1 {
		verbose = 1
	}
	n, numGenes := m.counts.NumCells(), m.counts.NumGenes()
	nIterations := m.Params.GetInt(model.NIterations, 50)
	tolerance := m.Params.GetFloat64(model.Tolerance, 1e-4)
	log.Logger().Info("fit zinb",
		zap.Int("n_genes", numGenes),
		zap.Int("n_cells", n),
		zap.Int("n_factors", m.nFactors),
		zap.Float64("epsilon", m.epsilon),
		zap.Any("params", m.GetParams()),
		zap.Any("config", config))

	rho := newMatrix(numGenes, n)
	clamped := atomic.NewBool(false)
	degenerate := make([]bool, numGenes)
	blocks := []func(){
		func() { m.updateDispersionBlock(rho, degenerate, jobs) },
		func() { m.updateMeanGeneBlock(rho, clamped, jobs) },
		func() { m.updateMeanCellBlock(rho, clamped, jobs) },
		func() { m.updateZeroGeneBlock(rho, clamped, jobs) },
		func() { m.updateZeroCellBlock(rho, clamped, jobs) },
		func() { m.updateFactorBlock(rho, clamped, jobs) },
	}

	logLik := m.PenalizedLogLikelihood(jobs)
	trace := []float64{logLik}
	converged := false
	cancelled := false
	_, span := progress.Start(ctx, "ZinbModel.Fit", nIterations)
	for iter := 1; iter <= nIterations && !cancelled; iter++ {
		fitStart := time.Now()
		m.estimatePosterior(rho, jobs)
		for _, block := range blocks {
			if ctx != nil && ctx.Err() != nil {
				cancelled = true
				break
			}
			block()
		}
		if cancelled {
			break
		}
		next := m.PenalizedLogLikelihood(jobs)
		trace = append(trace, next)
		if iter%verbose == 0 || iter == nIterations {
			log.Logger().Debug(fmt.Sprintf("fit zinb %v/%v", iter, nIterations),
				zap.String("fit_time", time.Since(fitStart).String()),
				zap.Float64("penalized_log_likelihood", next))
		}
		span.Add(1)
		if math.Abs(next-logLik) <= tolerance*(math.Abs(logLik)+1) {
			logLik = next
			converged = true
			break
		}
		logLik = next
	}
	span.End()

	result := &FitResult{
		Model:         m,
		LogLikelihood: trace,
		Iterations:    len(trace) - 1,
		Converged:     converged,
	}
	for j, hit := range degenerate {
		if hit {
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Kind:    DiagDegenerateDispersion,
				Gene:    j,
				Message: fmt.Sprintf("dispersion of gene %d pinned at bound", j),
			})
		}
	}
	if clamped.Load() {
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Kind:    DiagClampedPredictor,
			Gene:    -1,
			Message: "one or more linear predictors were clamped",
		})
	}
	if cancelled {
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Kind:    DiagCancelled,
			Gene:    -1,
			Message: "fit cancelled, returning best parameters so far",
		})
	} else if !converged {
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Kind:    DiagNonConvergence,
			Gene:    -1,
			Message: fmt.Sprintf("tolerance %v not reached within %d iterations", tolerance, nIterations),
		})
	}

	result.Weights = m.ObservationWeights()
	if config.ComputeNormalizedValues {
		result.NormalizedValues = m.NormalizedValues()
	}
	if config.ComputeResiduals {
		result.Residuals = m.DevianceResiduals()
	}
	log.Logger().Info("fit zinb complete",
		zap.Int("iterations", result.Iterations),
		zap.Bool("converged", result.Converged),
		zap.Int("diagnostics", len(result.Diagnostics)),
		zap.Float64("penalized_log_likelihood", logLik))
	return result, nil
}

// estimatePosterior fills rho with the posterior probability that each
// observed zero is structural. Entries with non-zero counts get zero.
func (m *ZinbModel) estimatePosterior(rho [][]float64, jobs int) {
	n := m.counts.NumCells()
	_ = parallel.Parallel(m.counts.NumGenes(), jobs, func(_, j int) error {
		theta := math.Exp(m.LogTheta[j])
		for i := 0; i < n; i++ {
			if m.counts.At(j, i) > 0 {
				rho[j][i] = 0
				continue
			}
			mu := expClamped(m.meanLinear(i, j))
			pi := logistic(m.zeroLinear(i, j))
			rho[j][i] = posteriorZero(mu, theta, pi)
		}
		return nil
	})
}

// updateDispersionBlock maximizes the membership-weighted negative binomial
// log-likelihood of each gene over the log dispersion by golden-section
// search. Genes whose optimum sits on a bound are flagged as degenerate.
func (m *ZinbModel) updateDispersionBlock(rho [][]float64, degenerate []bool, jobs int) {
	n := m.counts.NumCells()
	_ = parallel.Parallel(m.counts.NumGenes(), jobs, func(_, j int) error {
		mu := make([]float64, n)
		for i := 0; i < n; i++ {
			mu[i] = expClamped(m.meanLinear(i, j))
		}
		f := func(logTheta float64) float64 {
			theta := math.Exp(logTheta)
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += (1 - rho[j][i]) * nbLogProb(m.counts.At(j, i), mu[i], theta)
			}
			return sum
		}
		// golden-section search over the bounded log-dispersion interval
		const ratio = 0.6180339887498949
		a, b := logThetaMin, logThetaMax
		c, d := b-ratio*(b-a), a+ratio*(b-a)
		fc, fd := f(c), f(d)
		for it := 0; it < 40; it++ {
			if fc > fd {
				b, d, fd = d, c, fc
				c = b - ratio*(b-a)
				fc = f(c)
			} else {
				a, c, fc = c, d, fd
				d = a + ratio*(b-a)
				fd = f(d)
			}
		}
		logTheta := (a + b) / 2
		if f(logTheta) >= f(m.LogTheta[j])-objectiveSlack {
			m.LogTheta[j] = logTheta
		}
		if m.LogTheta[j] >= logThetaMax-1e-3 || m.LogTheta[j] <= logThetaMin+1e-3 {
			degenerate[j] = true
		}
		return nil
	})
}

// updateMeanGeneBlock updates the sample coefficients and loadings of the
// mean model, one gene at a time.
func (m *ZinbModel) updateMeanGeneBlock(rho [][]float64, clamped *atomic.Bool, jobs int) {
	n := m.counts.NumCells()
	p, k := len(m.X[0]), m.nFactors
	_ = parallel.Parallel(m.counts.NumGenes(), jobs, func(_, j int) error {
		d := p + k
		theta := math.Exp(m.LogTheta[j])
		cur := make([]float64, d)
		copy(cur, m.BetaMu[j])
		copy(cur[p:], m.AlphaMu[j])
		offset := make([]float64, n)
		for i := 0; i < n; i++ {
			offset[i] = floats.Dot(m.V[j], m.GammaMu[i])
		}
		eta := func(i int, u []float64) float64 {
			return offset[i] + floats.Dot(m.X[i], u[:p]) + floats.Dot(m.W[i], u[p:])
		}
		objective := func(u []float64) float64 {
			sum := 0.0
			for i := 0; i < n; i++ {
				e, _ := clampLinear(eta(i, u))
				sum += (1 - rho[j][i]) * nbLogProb(m.counts.At(j, i), math.Exp(e), theta)
			}
			for f := p; f < d; f++ {
				sum -= 0.5 * m.epsilon * u[f] * u[f]
			}
			return sum
		}
		grad := make([]float64, d)
		hess := mat.NewSymDense(d, nil)
		z := make([]float64, d)
		for i := 0; i < n; i++ {
			e, cl := clampLinear(eta(i, cur))
			if cl {
				clamped.Store(true)
			}
			mu := math.Exp(e)
			w := 1 - rho[j][i]
			gi := w * theta * (m.counts.At(j, i) - mu) / (mu + theta)
			hi := w * mu * theta / (mu + theta)
			copy(z, m.X[i])
			copy(z[p:], m.W[i])
			accumulate(grad, hess, z, gi, hi)
		}
		ridge(grad, hess, cur, p, d, m.epsilon)
		next := dampedNewton(cur, grad, hess, objective)
		copy(m.BetaMu[j], next[:p])
		copy(m.AlphaMu[j], next[p:])
		return nil
	})
}

// updateMeanCellBlock updates the gene-covariate coefficients of the mean
// model, one cell at a time.
func (m *ZinbModel) updateMeanCellBlock(rho [][]float64, clamped *atomic.Bool, jobs int) {
	numGenes := m.counts.NumGenes()
	q := len(m.V[0])
	_ = parallel.Parallel(m.counts.NumCells(), jobs, func(_, i int) error {
		cur := append([]float64(nil), m.GammaMu[i]...)
		offset := make([]float64, numGenes)
		for j := 0; j < numGenes; j++ {
			offset[j] = floats.Dot(m.X[i], m.BetaMu[j]) + floats.Dot(m.W[i], m.AlphaMu[j])
		}
		objective := func(u []float64) float64 {
			sum := 0.0
			for j := 0; j < numGenes; j++ {
				e, _ := clampLinear(offset[j] + floats.Dot(m.V[j], u))
				sum += (1 - rho[j][i]) * nbLogProb(m.counts.At(j, i), math.Exp(e), math.Exp(m.LogTheta[j]))
			}
			return sum
		}
		grad := make([]float64, q)
		hess := mat.NewSymDense(q, nil)
		for j := 0; j < numGenes; j++ {
			theta := math.Exp(m.LogTheta[j])
			e, cl := clampLinear(offset[j] + floats.Dot(m.V[j], cur))
			if cl {
				clamped.Store(true)
			}
			mu := math.Exp(e)
			w := 1 - rho[j][i]
			gi := w * theta * (m.counts.At(j, i) - mu) / (mu + theta)
			hi := w * mu * theta / (mu + theta)
			accumulate(grad, hess, m.V[j], gi, hi)
		}
		ridge(grad, hess, cur, q, q, 0)
		copy(m.GammaMu[i], dampedNewton(cur, grad, hess, objective))
		return nil
	})
}

// updateZeroGeneBlock updates the sample coefficients and loadings of the
// zero-inflation model, one gene at a time, by weighted logistic regression
// against the posterior memberships.
func (m *ZinbModel) updateZeroGeneBlock(rho [][]float64, clamped *atomic.Bool, jobs int) {
	n := m.counts.NumCells()
	p, k := len(m.X[0]), m.nFactors
	_ = parallel.Parallel(m.counts.NumGenes(), jobs, func(_, j int) error {
		d := p + k
		cur := make([]float64, d)
		copy(cur, m.BetaPi[j])
		copy(cur[p:], m.AlphaPi[j])
		offset := make([]float64, n)
		for i := 0; i < n; i++ {
			offset[i] = floats.Dot(m.V[j], m.GammaPi[i])
		}
		eta := func(i int, u []float64) float64 {
			return offset[i] + floats.Dot(m.X[i], u[:p]) + floats.Dot(m.W[i], u[p:])
		}
		objective := func(u []float64) float64 {
			sum := 0.0
			for i := 0; i < n; i++ {
				pi := logistic(eta(i, u))
				r := rho[j][i]
				sum += r*math.Log(pi) + (1-r)*math.Log(1-pi)
			}
			for f := p; f < d; f++ {
				sum -= 0.5 * m.epsilon * u[f] * u[f]
			}
			return sum
		}
		grad := make([]float64, d)
		hess := mat.NewSymDense(d, nil)
		z := make([]float64, d)
		for i := 0; i < n; i++ {
			e, cl := clampLinear(eta(i, cur))
			if cl {
				clamped.Store(true)
			}
			pi := 1 / (1 + math.Exp(-e))
			copy(z, m.X[i])
			copy(z[p:], m.W[i])
			accumulate(grad, hess, z, rho[j][i]-pi, pi*(1-pi))
		}
		ridge(grad, hess, cur, p, d, m.epsilon)
		next := dampedNewton(cur, grad, hess, objective)
		copy(m.BetaPi[j], next[:p])
		copy(m.AlphaPi[j], next[p:])
		return nil
	})
}

// updateZeroCellBlock updates the gene-covariate coefficients of the
// zero-inflation model, one cell at a time.
func (m *ZinbModel) updateZeroCellBlock(rho [][]float64, clamped *atomic.Bool, jobs int) {
	numGenes := m.counts.NumGenes()
	q := len(m.V[0])
	_ = parallel.Parallel(m.counts.NumCells(), jobs, func(_, i int) error {
		cur := append([]float64(nil), m.GammaPi[i]...)
		offset := make([]float64, numGenes)
		for j := 0; j < numGenes; j++ {
			offset[j] = floats.Dot(m.X[i], m.BetaPi[j]) + floats.Dot(m.W[i], m.AlphaPi[j])
		}
		objective := func(u []float64) float64 {
			sum := 0.0
			for j := 0; j < numGenes; j++ {
				pi := logistic(offset[j] + floats.Dot(m.V[j], u))
				r := rho[j][i]
				sum += r*math.Log(pi) + (1-r)*math.Log(1-pi)
			}
			return sum
		}
		grad := make([]float64, q)
		hess := mat.NewSymDense(q, nil)
		for j := 0; j < numGenes; j++ {
			e, cl := clampLinear(offset[j] + floats.Dot(m.V[j], cur))
			if cl {
				clamped.Store(true)
			}
			pi := 1 / (1 + math.Exp(-e))
			accumulate(grad, hess, m.V[j], rho[j][i]-pi, pi*(1-pi))
		}
		ridge(grad, hess, cur, q, q, 0)
		copy(m.GammaPi[i], dampedNewton(cur, grad, hess, objective))
		return nil
	})
}

// updateFactorBlock updates the latent factor vector of each cell, holding
// all loadings fixed. The update combines the mean-model and
// zero-inflation terms of every gene with the ridge penalty.
func (m *ZinbModel) updateFactorBlock(rho [][]float64, clamped *atomic.Bool, jobs int) {
	numGenes := m.counts.NumGenes()
	k := m.nFactors
	_ = parallel.Parallel(m.counts.NumCells(), jobs, func(_, i int) error {
		cur := append([]float64(nil), m.W[i]...)
		muOffset := make([]float64, numGenes)
		piOffset := make([]float64, numGenes)
		for j := 0; j < numGenes; j++ {
			muOffset[j] = floats.Dot(m.X[i], m.BetaMu[j]) + floats.Dot(m.V[j], m.GammaMu[i])
			piOffset[j] = floats.Dot(m.X[i], m.BetaPi[j]) + floats.Dot(m.V[j], m.GammaPi[i])
		}
		objective := func(w []float64) float64 {
			sum := 0.0
			for j := 0; j < numGenes; j++ {
				theta := math.Exp(m.LogTheta[j])
				e, _ := clampLinear(muOffset[j] + floats.Dot(m.AlphaMu[j], w))
				pi := logistic(piOffset[j] + floats.Dot(m.AlphaPi[j], w))
				r := rho[j][i]
				sum += (1-r)*nbLogProb(m.counts.At(j, i), math.Exp(e), theta) +
					r*math.Log(pi) + (1-r)*math.Log(1-pi)
			}
			return sum - 0.5*m.epsilon*floats.Dot(w, w)
		}
		grad := make([]float64, k)
		hess := mat.NewSymDense(k, nil)
		for j := 0; j < numGenes; j++ {
			theta := math.Exp(m.LogTheta[j])
			e, cl := clampLinear(muOffset[j] + floats.Dot(m.AlphaMu[j], cur))
			if cl {
				clamped.Store(true)
			}
			mu := math.Exp(e)
			pi := logistic(piOffset[j] + floats.Dot(m.AlphaPi[j], cur))
			w := 1 - rho[j][i]
			accumulate(grad, hess, m.AlphaMu[j], w*theta*(m.counts.At(j, i)-mu)/(mu+theta), w*mu*theta/(mu+theta))
			accumulate(grad, hess, m.AlphaPi[j], rho[j][i]-pi, pi*(1-pi))
		}
		ridge(grad, hess, cur, 0, k, m.epsilon)
		copy(m.W[i], dampedNewton(cur, grad, hess, objective))
		return nil
	})
}

// accumulate adds a per-observation score and Fisher information
// contribution for the design row z.
func accumulate(grad []float64, hess *mat.SymDense, z []float64, score, info float64) {
	for a := 0; a < len(z); a++ {
		grad[a] += score * z[a]
		for b := a; b < len(z); b++ {
			hess.SetSym(a, b, hess.At(a, b)+info*z[a]*z[b])
		}
	}
}

// ridge applies the L2 penalty to coordinates [from, to) of the gradient
// and Hessian at the current value, plus a small jitter on the whole
// diagonal.
func ridge(grad []float64, hess *mat.SymDense, cur []float64, from, to int, epsilon float64) {
	for f := from; f < to; f++ {
		grad[f] -= epsilon * cur[f]
		hess.SetSym(f, f, hess.At(f, f)+epsilon)
	}
	for a := 0; a < len(grad); a++ {
		hess.SetSym(a, a, hess.At(a, a)+hessianJitter)
	}
}

// dampedNewton solves for the Newton direction and applies it with step
// halving: a candidate is accepted only if the objective does not decrease
// beyond numerical tolerance, and after maxHalvings failed shrinks the
// current value is kept.
func dampedNewton(cur, grad []float64, hess *mat.SymDense, objective func([]float64) float64) []float64 {
	var chol mat.Cholesky
	if !chol.Factorize(hess) {
		return cur
	}
	step := mat.NewVecDense(len(grad), nil)
	if err := chol.SolveVecTo(step, mat.NewVecDense(len(grad), grad)); err != nil {
		return cur
	}
	current := objective(cur)
	threshold := current - objectiveSlack*(math.Abs(current)+1)
	candidate := make([]float64, len(cur))
	scale := 1.0
	for h := 0; h <= maxHalvings; h++ {
		for a := range cur {
			candidate[a] = cur[a] + scale*step.AtVec(a)
		}
		if value := objective(candidate); !math.IsNaN(value) && value >= threshold {
			return candidate
		}
		scale /= 2
	}
	return cur
}
