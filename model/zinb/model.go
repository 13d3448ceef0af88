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

// Package zinb fits zero-inflated negative binomial factor models
// (ZINB-WaVE) to matrices of non-negative integer counts. Each count is
// modeled as a negative binomial with gene-specific dispersion, mixed with a
// point mass at zero, and both the log mean and the zero-inflation logit are
// linear in sample-level covariates, gene-level covariates and K latent
// factors shared between the two parts of the model.
package zinb

import (
	"math"

	"github.com/zinbwave-io/zinbwave/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ZinbModel is a zero-inflated negative binomial factor model. For cell i
// and gene j the count is negative binomial with dispersion exp(LogTheta_j)
// and mean
//
//	mu_ij = exp(X_i·BetaMu_j + V_j·GammaMu_i + W_i·AlphaMu_j)
//
// mixed with a point mass at zero of probability
//
//	pi_ij = logistic(X_i·BetaPi_j + V_j·GammaPi_i + W_i·AlphaPi_j)
//
// The parameter blocks are mutated in place by Fit and must be treated as
// read-only once fitting has returned.
//
// Hyper-parameters:
//
//	NFactors    - The number of latent factors K. Default is 2.
//	Epsilon     - The ridge penalty on W, AlphaMu and AlphaPi. Default is
//	              the number of genes.
//	NIterations - The maximum number of outer iterations. Default is 50.
//	Tolerance   - The relative log-likelihood improvement below which the
//	              fit stops. Default is 1e-4.
//	RandomState - The random seed. Default is 0.
//	InitMethod  - "svd" initializes W from a low-rank approximation of the
//	              log counts, "random" from seeded Gaussian noise. Default
//	              is "svd".
//	InitStdDev  - The standard deviation of random initial factors.
//	              Default is 0.1.
type ZinbModel struct {
	model.BaseModel

	counts *CountMatrix
	X      [][]float64 // sample design, one row per cell
	V      [][]float64 // gene design, one row per gene

	// Hyper parameters
	nFactors   int
	epsilon    float64
	initMethod string
	initStdDev float64

	// Model parameters
	BetaMu   [][]float64 // mean-model sample coefficients, one row per gene
	BetaPi   [][]float64 // zero-inflation sample coefficients, one row per gene
	GammaMu  [][]float64 // mean-model gene-covariate coefficients, one row per cell
	GammaPi  [][]float64 // zero-inflation gene-covariate coefficients, one row per cell
	AlphaMu  [][]float64 // mean-model loadings, one row per gene
	AlphaPi  [][]float64 // zero-inflation loadings, one row per gene
	W        [][]float64 // latent factors, one row per cell
	LogTheta []float64   // log dispersion, one entry per gene
}

// NewZinbModel builds and initializes a model for a count matrix and
// optional covariate tables. The sample design X defaults to an
// intercept-only column when sampleCovariates is nil, and the gene design V
// defaults likewise for geneCovariates. Structural problems (dimension
// mismatches, rank-deficient designs, an infeasible number of factors) are
// reported here, before any optimization runs.
func NewZinbModel(counts *CountMatrix, sampleCovariates, geneCovariates *Covariates, params model.Params) (*ZinbModel, error) {
	if counts == nil {
		return nil, errInvalidInput("count matrix is nil")
	}
	m := new(ZinbModel)
	m.SetParams(params)
	m.counts = counts

	n, numGenes := counts.NumCells(), counts.NumGenes()
	if m.nFactors < 1 || m.nFactors >= min(n, numGenes) {
		return nil, errInvalidDesign("%d latent factors infeasible for %d genes and %d cells",
			m.nFactors, numGenes, n)
	}
	m.epsilon = m.Params.GetFloat64(model.Epsilon, float64(numGenes))
	if m.epsilon < 0 {
		return nil, errInvalidDesign("negative penalty %v", m.epsilon)
	}

	var err error
	if m.X, err = buildDesign("sample", n, sampleCovariates); err != nil {
		return nil, err
	}
	if m.V, err = buildDesign("gene", numGenes, geneCovariates); err != nil {
		return nil, err
	}
	if err = checkFullRank("sample design matrix", m.X); err != nil {
		return nil, err
	}
	if err = checkFullRank("gene design matrix", m.V); err != nil {
		return nil, err
	}

	m.init()
	return m, nil
}

// SetParams sets hyper-parameters of the model.
func (m *ZinbModel) SetParams(params model.Params) {
	m.BaseModel.SetParams(params)
	m.nFactors = m.Params.GetInt(model.NFactors, 2)
	m.epsilon = -1 // resolved against the count matrix in NewZinbModel
	m.initMethod = m.Params.GetString(model.InitMethod, "svd")
	m.initStdDev = m.Params.GetFloat64(model.InitStdDev, 0.1)
}

// init allocates the parameter blocks and fills in starting values: BetaMu
// by per-gene least squares of log1p counts on X, W (and AlphaMu under SVD
// initialization) from the residual of that regression, everything else
// zero. Dispersion starts at one.
func (m *ZinbModel) init() {
	n, numGenes := m.counts.NumCells(), m.counts.NumGenes()
	p, q, k := len(m.X[0]), len(m.V[0]), m.nFactors

	m.BetaMu = newMatrix(numGenes, p)
	m.BetaPi = newMatrix(numGenes, p)
	m.GammaMu = newMatrix(n, q)
	m.GammaPi = newMatrix(n, q)
	m.AlphaMu = newMatrix(numGenes, k)
	m.AlphaPi = newMatrix(numGenes, k)
	m.W = newMatrix(n, k)
	m.LogTheta = make([]float64, numGenes)

	// Least squares of log1p counts on the sample design.
	logCounts := mat.NewDense(n, numGenes, nil)
	for j := 0; j < numGenes; j++ {
		for i := 0; i < n; i++ {
			logCounts.Set(i, j, math.Log1p(m.counts.At(j, i)))
		}
	}
	design := mat.NewDense(n, p, nil)
	for i, row := range m.X {
		design.SetRow(i, row)
	}
	var beta mat.Dense
	if err := beta.Solve(design, logCounts); err == nil {
		for j := 0; j < numGenes; j++ {
			for a := 0; a < p; a++ {
				m.BetaMu[j][a] = beta.At(a, j)
			}
		}
	}

	if m.initMethod == "random" {
		m.W = m.GetRandomGenerator().NormalMatrix(n, k, 0, m.initStdDev)
		return
	}

	// Low-rank approximation of the regression residual.
	var residual mat.Dense
	residual.Mul(design, &beta)
	residual.Sub(logCounts, &residual)
	var svd mat.SVD
	if !svd.Factorize(&residual, mat.SVDThin) {
		m.W = m.GetRandomGenerator().NormalMatrix(n, k, 0, m.initStdDev)
		return
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	for f := 0; f < k; f++ {
		scale := math.Sqrt(values[f])
		for i := 0; i < n; i++ {
			m.W[i][f] = u.At(i, f) * scale
		}
		for j := 0; j < numGenes; j++ {
			m.AlphaMu[j][f] = v.At(j, f) * scale
		}
	}
}

// NumCells returns the number of cells.
func (m *ZinbModel) NumCells() int {
	return m.counts.NumCells()
}

// NumGenes returns the number of genes.
func (m *ZinbModel) NumGenes() int {
	return m.counts.NumGenes()
}

// NumFactors returns the number of latent factors K.
func (m *ZinbModel) NumFactors() int {
	return m.nFactors
}

// Epsilon returns the resolved ridge penalty strength.
func (m *ZinbModel) Epsilon() float64 {
	return m.epsilon
}

// Counts returns the count matrix the model was built for.
func (m *ZinbModel) Counts() *CountMatrix {
	return m.counts
}

// meanLinear is the linear predictor of the log mean for cell i and gene j.
func (m *ZinbModel) meanLinear(i, j int) float64 {
	return floats.Dot(m.X[i], m.BetaMu[j]) +
		floats.Dot(m.V[j], m.GammaMu[i]) +
		floats.Dot(m.W[i], m.AlphaMu[j])
}

// zeroLinear is the linear predictor of the zero-inflation logit for cell i
// and gene j.
func (m *ZinbModel) zeroLinear(i, j int) float64 {
	return floats.Dot(m.X[i], m.BetaPi[j]) +
		floats.Dot(m.V[j], m.GammaPi[i]) +
		floats.Dot(m.W[i], m.AlphaPi[j])
}

// Mean returns the fitted negative binomial mean for cell i and gene j.
func (m *ZinbModel) Mean(i, j int) float64 {
	return expClamped(m.meanLinear(i, j))
}

// ZeroProbability returns the fitted structural-zero probability for cell i
// and gene j. It always lies strictly between 0 and 1.
func (m *ZinbModel) ZeroProbability(i, j int) float64 {
	return logistic(m.zeroLinear(i, j))
}

// Theta returns the dispersion of gene j. It is strictly positive.
func (m *ZinbModel) Theta(j int) float64 {
	return math.Exp(m.LogTheta[j])
}

// LatentFactors returns a copy of the cells-by-K latent factor matrix W,
// the primary low-dimensional embedding.
func (m *ZinbModel) LatentFactors() [][]float64 {
	return copyMatrix(m.W)
}

// LatentFactor returns a copy of the latent factor vector of one cell.
func (m *ZinbModel) LatentFactor(cell int) []float64 {
	return append([]float64(nil), m.W[cell]...)
}

// MeanLoadings returns a copy of the genes-by-K mean-model loadings.
func (m *ZinbModel) MeanLoadings() [][]float64 {
	return copyMatrix(m.AlphaMu)
}

// ZeroInflationLoadings returns a copy of the genes-by-K zero-inflation
// loadings.
func (m *ZinbModel) ZeroInflationLoadings() [][]float64 {
	return copyMatrix(m.AlphaPi)
}

// Dispersion returns a copy of the per-gene dispersion vector.
func (m *ZinbModel) Dispersion() []float64 {
	theta := make([]float64, len(m.LogTheta))
	for j, logTheta := range m.LogTheta {
		theta[j] = math.Exp(logTheta)
	}
	return theta
}

// Clear drops the model parameters.
func (m *ZinbModel) Clear() {
	m.counts = nil
	m.BetaMu, m.BetaPi = nil, nil
	m.GammaMu, m.GammaPi = nil, nil
	m.AlphaMu, m.AlphaPi = nil, nil
	m.W = nil
	m.LogTheta = nil
}

// Invalid reports whether the model has been cleared or never initialized.
func (m *ZinbModel) Invalid() bool {
	return m == nil || m.counts == nil || m.W == nil || m.LogTheta == nil
}

func newMatrix(rows, cols int) [][]float64 {
	ret := make([][]float64, rows)
	for i := range ret {
		ret[i] = make([]float64, cols)
	}
	return ret
}

func copyMatrix(src [][]float64) [][]float64 {
	ret := make([][]float64, len(src))
	for i, row := range src {
		ret[i] = append([]float64(nil), row...)
	}
	return ret
}
