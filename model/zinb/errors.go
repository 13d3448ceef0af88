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

import "fmt"

// InvalidInputError reports structurally invalid inputs: negative or
// fractional counts, or covariate tables whose dimensions do not match the
// count matrix. It is returned before any optimization work begins.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Message
}

func errInvalidInput(format string, args ...interface{}) error {
	return &InvalidInputError{Message: fmt.Sprintf(format, args...)}
}

// InvalidDesignError reports an unusable model specification: a
// rank-deficient design matrix, a negative penalty, or a number of latent
// factors incompatible with the matrix dimensions.
type InvalidDesignError struct {
	Message string
}

func (e *InvalidDesignError) Error() string {
	return "invalid design: " + e.Message
}

func errInvalidDesign(format string, args ...interface{}) error {
	return &InvalidDesignError{Message: fmt.Sprintf(format, args...)}
}
