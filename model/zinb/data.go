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

	"github.com/samber/lo"
)

// CountMatrix holds a genes (rows) by cells (columns) matrix of non-negative
// integer counts. It is immutable after construction: the model never writes
// to it and callers must not either.
type CountMatrix struct {
	numGenes int
	numCells int
	values   [][]float64
}

// NewCountMatrix validates and wraps a genes-by-cells count matrix. Values
// must be non-negative integers; rows must all have the same length.
func NewCountMatrix(values [][]float64) (*CountMatrix, error) {
	if len(values) == 0 || len(values[0]) == 0 {
		return nil, errInvalidInput("count matrix is empty")
	}
	numCells := len(values[0])
	rows := make([][]float64, len(values))
	for j, row := range values {
		if len(row) != numCells {
			return nil, errInvalidInput("gene %d has %d cells, expected %d", j, len(row), numCells)
		}
		for i, y := range row {
			if math.IsNaN(y) || math.IsInf(y, 0) || y < 0 || y != math.Trunc(y) {
				return nil, errInvalidInput("count for gene %d, cell %d is %v, expected a non-negative integer", j, i, y)
			}
		}
		rows[j] = append([]float64(nil), row...)
	}
	return &CountMatrix{
		numGenes: len(values),
		numCells: numCells,
		values:   rows,
	}, nil
}

// NumGenes returns the number of genes (rows).
func (m *CountMatrix) NumGenes() int {
	return m.numGenes
}

// NumCells returns the number of cells (columns).
func (m *CountMatrix) NumCells() int {
	return m.numCells
}

// At returns the count for a gene and a cell.
func (m *CountMatrix) At(gene, cell int) float64 {
	return m.values[gene][cell]
}

// Gene returns the counts of one gene across all cells. The returned slice
// is owned by the matrix and must not be modified.
func (m *CountMatrix) Gene(gene int) []float64 {
	return m.values[gene]
}

// Covariates is an ordered collection of named regressor columns, one row
// per cell (sample covariates) or one row per gene (gene covariates).
type Covariates struct {
	names []string
	rows  [][]float64
}

// NewCovariates validates and wraps a covariate table.
func NewCovariates(names []string, rows [][]float64) (*Covariates, error) {
	if len(names) == 0 {
		return nil, errInvalidInput("covariate table has no columns")
	}
	if dup := lo.FindDuplicates(names); len(dup) > 0 {
		return nil, errInvalidInput("duplicated covariate names: %v", dup)
	}
	copied := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, errInvalidInput("covariate row %d has %d values, expected %d", i, len(row), len(names))
		}
		for k, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errInvalidInput("covariate %q is %v in row %d", names[k], v, i)
			}
		}
		copied[i] = append([]float64(nil), row...)
	}
	return &Covariates{names: append([]string(nil), names...), rows: copied}, nil
}

// Names returns the column names.
func (c *Covariates) Names() []string {
	return append([]string(nil), c.names...)
}

// NumRows returns the number of rows.
func (c *Covariates) NumRows() int {
	return len(c.rows)
}

// NumColumns returns the number of columns.
func (c *Covariates) NumColumns() int {
	return len(c.names)
}
