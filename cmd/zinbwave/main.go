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

package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/zinbwave-io/zinbwave/base/log"
	"github.com/zinbwave-io/zinbwave/model"
	"github.com/zinbwave-io/zinbwave/model/zinb"
	"go.uber.org/zap"
)

const version = "0.1.0"

var mainCommand = &cobra.Command{
	Use:   "zinbwave",
	Short: "Fit zero-inflated negative binomial factor models to count matrices.",
	Run: func(cmd *cobra.Command, args []string) {
		// Show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println("zinbwave version", version)
			return
		}

		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)

		countsPath, _ := cmd.PersistentFlags().GetString("counts")
		if countsPath == "" {
			log.Logger().Fatal("--counts is required")
		}
		counts, err := loadCounts(countsPath)
		if err != nil {
			log.Logger().Fatal("failed to load count matrix", zap.Error(err))
		}
		sampleCovariates, err := loadCovariatesFlag(cmd, "sample-covariates")
		if err != nil {
			log.Logger().Fatal("failed to load sample covariates", zap.Error(err))
		}
		geneCovariates, err := loadCovariatesFlag(cmd, "gene-covariates")
		if err != nil {
			log.Logger().Fatal("failed to load gene covariates", zap.Error(err))
		}

		factors, _ := cmd.PersistentFlags().GetInt("factors")
		epsilon, _ := cmd.PersistentFlags().GetFloat64("epsilon")
		iterations, _ := cmd.PersistentFlags().GetInt("iterations")
		tolerance, _ := cmd.PersistentFlags().GetFloat64("tolerance")
		seed, _ := cmd.PersistentFlags().GetInt64("seed")
		initMethod, _ := cmd.PersistentFlags().GetString("init")
		params := model.Params{
			model.NFactors:    factors,
			model.NIterations: iterations,
			model.Tolerance:   tolerance,
			model.RandomState: seed,
			model.InitMethod:  initMethod,
		}
		if cmd.PersistentFlags().Changed("epsilon") {
			params[model.Epsilon] = epsilon
		}
		m, err := zinb.NewZinbModel(counts, sampleCovariates, geneCovariates, params)
		if err != nil {
			log.Logger().Fatal("failed to build model", zap.Error(err))
		}

		jobs, _ := cmd.PersistentFlags().GetInt("jobs")
		normalized, _ := cmd.PersistentFlags().GetBool("normalized")
		residuals, _ := cmd.PersistentFlags().GetBool("residuals")
		config := zinb.NewFitConfig().
			SetJobs(jobs).
			SetVerbose(1).
			SetNormalizedValues(normalized).
			SetResiduals(residuals)
		result, err := m.Fit(context.Background(), config)
		if err != nil {
			log.Logger().Fatal("fit failed", zap.Error(err))
		}
		for _, diagnostic := range result.Diagnostics {
			log.Logger().Warn("fit diagnostic",
				zap.String("kind", string(diagnostic.Kind)),
				zap.Int("gene", diagnostic.Gene),
				zap.String("message", diagnostic.Message))
		}

		outputDir, _ := cmd.PersistentFlags().GetString("output")
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			log.Logger().Fatal("failed to create output directory", zap.Error(err))
		}
		outputs := map[string][][]float64{
			"w.csv":       result.Model.LatentFactors(),
			"weights.csv": result.Weights,
		}
		if normalized {
			outputs["normalized.csv"] = result.NormalizedValues
		}
		if residuals {
			outputs["residuals.csv"] = result.Residuals
		}
		for name, matrix := range outputs {
			if err := writeMatrix(filepath.Join(outputDir, name), matrix); err != nil {
				log.Logger().Fatal("failed to write output", zap.String("file", name), zap.Error(err))
			}
		}
		log.Logger().Info("done",
			zap.Int("iterations", result.Iterations),
			zap.Bool("converged", result.Converged),
			zap.String("output", outputDir))
	},
}

func init() {
	mainCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	mainCommand.PersistentFlags().BoolP("version", "v", false, "zinbwave version")
	mainCommand.PersistentFlags().String("counts", "", "path of the count matrix CSV (rows are genes, columns are cells)")
	mainCommand.PersistentFlags().String("sample-covariates", "", "path of the cell-level covariate CSV (header row of names)")
	mainCommand.PersistentFlags().String("gene-covariates", "", "path of the gene-level covariate CSV (header row of names)")
	mainCommand.PersistentFlags().Int("factors", 2, "number of latent factors")
	mainCommand.PersistentFlags().Float64("epsilon", 0, "ridge penalty strength (defaults to the number of genes)")
	mainCommand.PersistentFlags().Int("iterations", 50, "maximum number of outer iterations")
	mainCommand.PersistentFlags().Float64("tolerance", 1e-4, "relative log-likelihood improvement threshold")
	mainCommand.PersistentFlags().Int64("seed", 0, "random seed")
	mainCommand.PersistentFlags().String("init", "svd", "factor initialization: svd or random")
	mainCommand.PersistentFlags().Int("jobs", runtime.NumCPU(), "number of parallel workers")
	mainCommand.PersistentFlags().Bool("normalized", false, "write the normalized value matrix")
	mainCommand.PersistentFlags().Bool("residuals", false, "write the deviance residual matrix")
	mainCommand.PersistentFlags().String("output", ".", "output directory")
	log.AddFlags(mainCommand.PersistentFlags())
}

func loadCounts(path string) (*zinb.CountMatrix, error) {
	values, err := loadMatrix(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	counts, err := zinb.NewCountMatrix(values)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return counts, nil
}

func loadCovariatesFlag(cmd *cobra.Command, flag string) (*zinb.Covariates, error) {
	path, _ := cmd.PersistentFlags().GetString(flag)
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(records) < 2 {
		return nil, errors.Errorf("%s: expected a header row and at least one data row", path)
	}
	rows := make([][]float64, len(records)-1)
	for i, record := range records[1:] {
		rows[i] = make([]float64, len(record))
		for k, field := range record {
			if rows[i][k], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	covariates, err := zinb.NewCovariates(records[0], rows)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return covariates, nil
}

func loadMatrix(path string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.Trace(err)
	}
	values := make([][]float64, len(records))
	for i, record := range records {
		values[i] = make([]float64, len(record))
		for k, field := range record {
			if values[i][k], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	return values, nil
}

func writeMatrix(path string, matrix [][]float64) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer file.Close()
	writer := csv.NewWriter(file)
	bar := progressbar.Default(int64(len(matrix)), filepath.Base(path))
	for _, row := range matrix {
		record := make([]string, len(row))
		for k, value := range row {
			record[k] = strconv.FormatFloat(value, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return errors.Trace(err)
		}
		_ = bar.Add(1)
	}
	writer.Flush()
	return errors.Trace(writer.Error())
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
