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

	"gonum.org/v1/gonum/mat"
)

// buildDesign assembles a design matrix with numRows rows from an optional
// covariate table. Without covariates the design is a single intercept
// column; otherwise the covariate columns follow a leading intercept column,
// mirroring the default of formula interfaces.
func buildDesign(name string, numRows int, covariates *Covariates) ([][]float64, error) {
	if covariates == nil {
		design := make([][]float64, numRows)
		for i := range design {
			design[i] = []float64{1}
		}
		return design, nil
	}
	if covariates.NumRows() != numRows {
		return nil, errInvalidInput("%s covariates have %d rows, expected %d", name, covariates.NumRows(), numRows)
	}
	design := make([][]float64, numRows)
	for i := range design {
		design[i] = make([]float64, 1+covariates.NumColumns())
		design[i][0] = 1
		copy(design[i][1:], covariates.rows[i])
	}
	return design, nil
}

// checkFullRank verifies that the design matrix has full column rank. Rank
// is determined from the singular values, with the usual cutoff relative to
// the largest one.
func checkFullRank(name string, design [][]float64) error {
	rows := len(design)
	cols := len(design[0])
	if rows < cols {
		return errInvalidDesign("%s has %d columns but only %d rows", name, cols, rows)
	}
	flat := make([]float64, 0, rows*cols)
	for _, row := range design {
		flat = append(flat, row...)
	}
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(rows, cols, flat), mat.SVDNone) {
		return errInvalidDesign("singular value decomposition of %s failed", name)
	}
	values := svd.Values(nil)
	cutoff := float64(rows) * 2.220446049250313e-16 * values[0]
	rank := 0
	for _, v := range values {
		if v > cutoff && !math.IsNaN(v) {
			rank++
		}
	}
	if rank < cols {
		return errInvalidDesign("%s is rank deficient: rank %d < %d columns", name, rank, cols)
	}
	return nil
}
