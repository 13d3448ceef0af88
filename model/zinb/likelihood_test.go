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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zinbwave-io/zinbwave/model"
)

func TestClampLinear(t *testing.T) {
	v, clamped := clampLinear(1.5)
	assert.Equal(t, 1.5, v)
	assert.False(t, clamped)
	v, clamped = clampLinear(100)
	assert.Equal(t, maxLinear, v)
	assert.True(t, clamped)
	v, clamped = clampLinear(-100)
	assert.Equal(t, -maxLinear, v)
	assert.True(t, clamped)
}

func TestLogistic(t *testing.T) {
	assert.Equal(t, 0.5, logistic(0))
	// clamping keeps the result strictly inside (0, 1)
	assert.Greater(t, logistic(-1e9), 0.0)
	assert.Less(t, logistic(1e9), 1.0)
	assert.InDelta(t, 1/(1+math.Exp(-2)), logistic(2), 1e-12)
}

func TestNbLogProb(t *testing.T) {
	// with large theta the negative binomial approaches Poisson
	mu, y := 3.0, 2.0
	poisson := y*math.Log(mu) - mu - math.Log(2)
	assert.InDelta(t, poisson, nbLogProb(y, mu, 1e6), 1e-4)
	// zero-count shortcut agrees with the general form
	assert.InDelta(t, nbLogProb(0, 2.5, 1.5), nbLogProbZero(2.5, 1.5), 1e-12)
	// log probabilities are non-positive
	assert.LessOrEqual(t, nbLogProb(5, 2, 1), 0.0)
}

func TestZinbLogProb(t *testing.T) {
	mu, theta, pi := 4.0, 2.0, 0.3
	// observed zero mixes the point mass and the count component
	expected := math.Log(pi + (1-pi)*math.Exp(nbLogProbZero(mu, theta)))
	assert.InDelta(t, expected, zinbLogProb(0, mu, theta, pi), 1e-12)
	// positive counts only come from the count component
	expected = math.Log(1-pi) + nbLogProb(3, mu, theta)
	assert.InDelta(t, expected, zinbLogProb(3, mu, theta, pi), 1e-12)
	// probabilities over counts 0..N nearly sum to one
	total := 0.0
	for y := 0.0; y < 500; y++ {
		total += math.Exp(zinbLogProb(y, mu, theta, pi))
	}
	assert.InDelta(t, 1.0, total, 1e-6)
}

func TestPosteriorZero(t *testing.T) {
	// no zero inflation, no structural zeros
	assert.Equal(t, 0.0, posteriorZero(2, 1, 0))
	// a large mean makes a sampling zero implausible
	assert.Greater(t, posteriorZero(100, 1000, 0.1), 0.99)
	// bounded
	rho := posteriorZero(3, 2, 0.4)
	assert.Greater(t, rho, 0.0)
	assert.Less(t, rho, 1.0)
}

func TestPenalizedLogLikelihood_WorkerIndependence(t *testing.T) {
	counts := zinbCounts(t, 50, 12, 6, 2, 0.3, 19)
	m, err := NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 3})
	assert.NoError(t, err)
	serial := m.PenalizedLogLikelihood(1)
	assert.False(t, math.IsNaN(serial))
	for _, jobs := range []int{2, 4, 8} {
		assert.Equal(t, serial, m.PenalizedLogLikelihood(jobs))
	}
}

func TestPenalty(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 23)
	m, err := NewZinbModel(counts, nil, nil, model.Params{
		model.NFactors: 2,
		model.Epsilon:  10.0,
	})
	assert.NoError(t, err)
	sum := 0.0
	for _, block := range [][][]float64{m.W, m.AlphaMu, m.AlphaPi} {
		for _, row := range block {
			for _, v := range row {
				sum += v * v
			}
		}
	}
	assert.InDelta(t, 0.5*10.0*sum, m.penalty(), 1e-12)
}
