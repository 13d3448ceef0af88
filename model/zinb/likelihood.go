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

	"github.com/zinbwave-io/zinbwave/base/parallel"
)

const (
	// maxLinear bounds linear predictors before exponentiation; values
	// beyond it are clamped and recorded as a diagnostic.
	maxLinear = 30.0

	// logThetaMin and logThetaMax confine the log dispersion. A gene whose
	// optimum sits on either bound is flagged as degenerate.
	logThetaMin = -10.0
	logThetaMax = 10.0

	// maxHalvings is the number of times a rejected Newton step is shrunk
	// before reverting to the previous parameter value.
	maxHalvings = 8

	// objectiveSlack absorbs round-off when comparing objective values.
	objectiveSlack = 1e-10

	batchSize = 16
)

// clampLinear confines a linear predictor to [-maxLinear, maxLinear] and
// reports whether it was out of range.
func clampLinear(x float64) (float64, bool) {
	if x > maxLinear {
		return maxLinear, true
	}
	if x < -maxLinear {
		return -maxLinear, true
	}
	return x, false
}

func expClamped(x float64) float64 {
	x, _ = clampLinear(x)
	return math.Exp(x)
}

// logistic maps a logit to a probability. The clamp keeps the result
// strictly inside (0, 1).
func logistic(x float64) float64 {
	x, _ = clampLinear(x)
	return 1 / (1 + math.Exp(-x))
}

// nbLogProb is the negative binomial log probability of count y with mean
// mu and dispersion theta.
func nbLogProb(y, mu, theta float64) float64 {
	logRatio := math.Log(theta / (theta + mu))
	lg1, _ := math.Lgamma(y + theta)
	lg2, _ := math.Lgamma(theta)
	lg3, _ := math.Lgamma(y + 1)
	ll := lg1 - lg2 - lg3 + theta*logRatio
	if y > 0 {
		ll += y * math.Log(mu/(theta+mu))
	}
	return ll
}

// nbLogProbZero is the negative binomial log probability of observing zero.
func nbLogProbZero(mu, theta float64) float64 {
	return theta * math.Log(theta/(theta+mu))
}

// zinbLogProb is the log probability of count y under the zero-inflated
// mixture with zero-inflation probability pi.
func zinbLogProb(y, mu, theta, pi float64) float64 {
	if y > 0 {
		return math.Log(1-pi) + nbLogProb(y, mu, theta)
	}
	return math.Log(pi + (1-pi)*math.Exp(nbLogProbZero(mu, theta)))
}

// posteriorZero is the posterior probability that an observed zero comes
// from the structural zero component rather than the count component.
func posteriorZero(mu, theta, pi float64) float64 {
	nbZero := math.Exp(nbLogProbZero(mu, theta))
	return pi / (pi + (1-pi)*nbZero)
}

// penalty is the ridge term subtracted from the log-likelihood:
// epsilon/2 times the squared norm of W, AlphaMu and AlphaPi. Without it
// the model is overparameterized, since any invertible transform of W can
// be absorbed by the loadings.
func (m *ZinbModel) penalty() float64 {
	sum := 0.0
	for _, row := range m.W {
		for _, v := range row {
			sum += v * v
		}
	}
	for _, row := range m.AlphaMu {
		for _, v := range row {
			sum += v * v
		}
	}
	for _, row := range m.AlphaPi {
		for _, v := range row {
			sum += v * v
		}
	}
	return 0.5 * m.epsilon * sum
}

// PenalizedLogLikelihood is the objective maximized by Fit: the ZINB
// log-likelihood over all matrix entries minus the ridge penalty. Partial
// sums are accumulated per gene batch and merged in a fixed order, so the
// result does not depend on the number of workers.
func (m *ZinbModel) PenalizedLogLikelihood(jobs int) float64 {
	n, numGenes := m.counts.NumCells(), m.counts.NumGenes()
	if jobs < 1 {
		jobs = 1
	}
	numBatches := (numGenes + batchSize - 1) / batchSize
	partial := make([]float64, numBatches)
	_ = parallel.BatchParallel(numGenes, jobs, batchSize, func(_, beginJobId, endJobId int) error {
		// Accumulate per aligned batch even when a worker receives a wider
		// range, so the grouping of additions is identical for any number
		// of workers.
		for begin := beginJobId; begin < endJobId; begin += batchSize {
			end := min(begin+batchSize, endJobId)
			sum := 0.0
			for j := begin; j < end; j++ {
				theta := math.Exp(m.LogTheta[j])
				for i := 0; i < n; i++ {
					mu := expClamped(m.meanLinear(i, j))
					pi := logistic(m.zeroLinear(i, j))
					sum += zinbLogProb(m.counts.At(j, i), mu, theta, pi)
				}
			}
			partial[begin/batchSize] = sum
		}
		return nil
	})
	total := 0.0
	for _, s := range partial {
		total += s
	}
	return total - m.penalty()
}
