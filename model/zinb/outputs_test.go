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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zinbwave-io/zinbwave/model"
)

func fittedModel(t *testing.T) (*ZinbModel, *CountMatrix) {
	t.Helper()
	counts := zinbCounts(t, 25, 8, 6, 2, 0.3, 5)
	m, err := NewZinbModel(counts, nil, nil, model.Params{
		model.NFactors:    2,
		model.NIterations: 15,
	})
	assert.NoError(t, err)
	_, err = m.Fit(context.Background(), newFitConfig())
	assert.NoError(t, err)
	return m, counts
}

func TestObservationWeights(t *testing.T) {
	m, counts := fittedModel(t)
	weights := m.ObservationWeights()
	assert.Equal(t, counts.NumGenes(), len(weights))
	for j, row := range weights {
		assert.Equal(t, counts.NumCells(), len(row))
		for i, w := range row {
			assert.GreaterOrEqual(t, w, 0.0)
			assert.LessOrEqual(t, w, 1.0)
			if counts.At(j, i) > 0 {
				assert.Equal(t, 1.0, w)
			}
		}
	}
}

func TestNormalizedValues(t *testing.T) {
	m, counts := fittedModel(t)
	normalized := m.NormalizedValues()
	means := m.FittedMean()
	for j := range normalized {
		for i, v := range normalized[j] {
			assert.False(t, math.IsNaN(v))
			assert.LessOrEqual(t, math.Abs(v), normalizedClip)
			// sign matches the sign of the raw residual
			raw := counts.At(j, i) - means[j][i]
			if raw > 0 {
				assert.Greater(t, v, 0.0)
			} else if raw < 0 {
				assert.Less(t, v, 0.0)
			}
		}
	}
}

func TestDevianceResiduals(t *testing.T) {
	m, counts := fittedModel(t)
	residuals := m.DevianceResiduals()
	means := m.FittedMean()
	for j := range residuals {
		for i, r := range residuals[j] {
			assert.False(t, math.IsNaN(r))
			assert.False(t, math.IsInf(r, 0))
			// counts below the fitted mean get negative residuals
			if counts.At(j, i) < means[j][i] {
				assert.LessOrEqual(t, r, 0.0)
			} else {
				assert.GreaterOrEqual(t, r, 0.0)
			}
		}
	}
}

func TestZeroProbabilities(t *testing.T) {
	m, _ := fittedModel(t)
	probabilities := m.ZeroProbabilities()
	for _, row := range probabilities {
		for _, pi := range row {
			assert.Greater(t, pi, 0.0)
			assert.Less(t, pi, 1.0)
		}
	}
}

func TestFittedMean(t *testing.T) {
	m, counts := fittedModel(t)
	means := m.FittedMean()
	assert.Equal(t, counts.NumGenes(), len(means))
	for _, row := range means {
		assert.Equal(t, counts.NumCells(), len(row))
		for _, mu := range row {
			assert.GreaterOrEqual(t, mu, 0.0)
			assert.False(t, math.IsInf(mu, 0))
		}
	}
}
