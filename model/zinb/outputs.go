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
	"math"
)

const (
	// varianceFloor keeps Pearson denominators away from zero.
	varianceFloor = 1e-12

	// normalizedClip bounds normalized values for numerical stability.
	normalizedClip = 1e6
)

// FittedMean returns the fitted mixture mean (1-pi)*mu for every entry,
// genes by cells.
func (m *ZinbModel) FittedMean() [][]float64 {
	return m.entrywise(func(y, mu, theta, pi float64) float64 {
		return (1 - pi) * mu
	})
}

// ZeroProbabilities returns the fitted structural-zero probability for
// every entry, genes by cells.
func (m *ZinbModel) ZeroProbabilities() [][]float64 {
	return m.entrywise(func(y, mu, theta, pi float64) float64 {
		return pi
	})
}

// NormalizedValues returns Pearson-type normalized counts: the observed
// count minus the fitted mixture mean, divided by the fitted mixture
// standard deviation. The negative binomial variance mu + mu^2/theta is
// inflated by the zero mass. Values are clipped for numerical stability.
func (m *ZinbModel) NormalizedValues() [][]float64 {
	return m.entrywise(func(y, mu, theta, pi float64) float64 {
		mean := (1 - pi) * mu
		variance := (1 - pi) * mu * (1 + mu/theta + pi*mu)
		value := (y - mean) / math.Sqrt(math.Max(variance, varianceFloor))
		return math.Max(-normalizedClip, math.Min(normalizedClip, value))
	})
}

// DevianceResiduals returns the signed square root of the per-entry
// deviance between the observed count and the fitted mixture. The
// saturated log-likelihood is zero for observed zeros (a pure structural
// zero reproduces them exactly) and the negative binomial at mu equal to
// the count otherwise.
func (m *ZinbModel) DevianceResiduals() [][]float64 {
	return m.entrywise(func(y, mu, theta, pi float64) float64 {
		saturated := 0.0
		if y > 0 {
			saturated = nbLogProb(y, y, theta)
		}
		deviance := 2 * (saturated - zinbLogProb(y, mu, theta, pi))
		if deviance < 0 {
			deviance = 0
		}
		residual := math.Sqrt(deviance)
		if y < (1-pi)*mu {
			residual = -residual
		}
		return residual
	})
}

// ObservationWeights returns, for every entry, the posterior probability
// that the observation originates from the negative binomial component.
// Non-zero counts have weight exactly 1; observed zeros get a weight in
// [0, 1] that down-weights likely structural zeros. The matrix can be
// passed unmodified to downstream differential-expression procedures that
// accept per-observation weights.
func (m *ZinbModel) ObservationWeights() [][]float64 {
	return m.entrywise(func(y, mu, theta, pi float64) float64 {
		if y > 0 {
			return 1
		}
		return 1 - posteriorZero(mu, theta, pi)
	})
}

// entrywise evaluates f on the observed count and the fitted mu, theta and
// pi of every entry, returning a genes-by-cells matrix.
func (m *ZinbModel) entrywise(f func(y, mu, theta, pi float64) float64) [][]float64 {
	numGenes, n := m.counts.NumGenes(), m.counts.NumCells()
	ret := newMatrix(numGenes, n)
	for j := 0; j < numGenes; j++ {
		theta := math.Exp(m.LogTheta[j])
		for i := 0; i < n; i++ {
			mu := expClamped(m.meanLinear(i, j))
			pi := logistic(m.zeroLinear(i, j))
			ret[j][i] = f(m.counts.At(j, i), mu, theta, pi)
		}
	}
	return ret
}
