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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zinbwave-io/zinbwave/model"
)

func TestNewZinbModel_Defaults(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	m, err := NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 2})
	assert.NoError(t, err)
	// intercept-only designs
	assert.Equal(t, 5, len(m.X))
	assert.Equal(t, []float64{1}, m.X[0])
	assert.Equal(t, 20, len(m.V))
	assert.Equal(t, []float64{1}, m.V[0])
	// epsilon defaults to the number of genes
	assert.Equal(t, 20.0, m.Epsilon())
	assert.Equal(t, 2, m.NumFactors())
	assert.Equal(t, 20, m.NumGenes())
	assert.Equal(t, 5, m.NumCells())
	// parameter blocks allocated
	assert.Equal(t, 20, len(m.BetaMu))
	assert.Equal(t, 5, len(m.W))
	assert.Equal(t, 2, len(m.W[0]))
	assert.Equal(t, 20, len(m.LogTheta))
}

func TestNewZinbModel_WithCovariates(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	sampleCovariates, err := NewCovariates([]string{"batch"}, [][]float64{{0}, {1}, {0}, {1}, {0}})
	assert.NoError(t, err)
	m, err := NewZinbModel(counts, sampleCovariates, nil, model.Params{model.NFactors: 2})
	assert.NoError(t, err)
	// intercept column plus the covariate
	assert.Equal(t, []float64{1, 0}, m.X[0])
	assert.Equal(t, []float64{1, 1}, m.X[1])
}

func TestNewZinbModel_RankDeficient(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	// two identical columns make the design rank deficient
	duplicated, err := NewCovariates([]string{"coverage", "depth"}, [][]float64{
		{1.5, 1.5}, {2.5, 2.5}, {0.5, 0.5}, {1.0, 1.0}, {2.0, 2.0},
	})
	assert.NoError(t, err)
	var invalidDesign *InvalidDesignError
	_, err = NewZinbModel(counts, duplicated, nil, model.Params{model.NFactors: 2})
	assert.ErrorAs(t, err, &invalidDesign)
}

func TestNewZinbModel_TooManyFactors(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	var invalidDesign *InvalidDesignError
	// K equal to the number of cells
	_, err := NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 5})
	assert.ErrorAs(t, err, &invalidDesign)
	_, err = NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 0})
	assert.ErrorAs(t, err, &invalidDesign)
}

func TestNewZinbModel_NegativeEpsilon(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	var invalidDesign *InvalidDesignError
	_, err := NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 2, model.Epsilon: -1.0})
	assert.ErrorAs(t, err, &invalidDesign)
}

func TestNewZinbModel_MismatchedCovariates(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	short, err := NewCovariates([]string{"batch"}, [][]float64{{0}, {1}})
	assert.NoError(t, err)
	var invalidInput *InvalidInputError
	_, err = NewZinbModel(counts, short, nil, model.Params{model.NFactors: 2})
	assert.ErrorAs(t, err, &invalidInput)
}

func TestZinbModel_Clear(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	m, err := NewZinbModel(counts, nil, nil, model.Params{model.NFactors: 2})
	assert.NoError(t, err)
	assert.False(t, m.Invalid())
	m.Clear()
	assert.True(t, m.Invalid())
}

func TestZinbModel_RandomInit(t *testing.T) {
	counts := poissonCounts(t, 20, 5, 5, 1)
	m, err := NewZinbModel(counts, nil, nil, model.Params{
		model.NFactors:   2,
		model.InitMethod: "random",
	})
	assert.NoError(t, err)
	nonZero := false
	for _, row := range m.W {
		for _, v := range row {
			if v != 0 {
				nonZero = true
			}
		}
	}
	assert.True(t, nonZero)
	// loadings start at zero under random initialization
	for _, row := range m.AlphaMu {
		assert.Equal(t, []float64{0, 0}, row)
	}
}
