// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/guregu/null.v3"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// covariateTable holds per-participant numeric covariates (principal
// components, age, etc.) for adjusted association testing.
type covariateTable struct {
	names []string
	rows  map[string][]float64
}

// loadCovariateTable reads a tab-delimited covariate table: first
// column is the participant id, every other column must parse as a
// float. Unlike phenotype cells, a non-numeric covariate is a fatal
// load error -- an adjusted model with silently missing covariates
// would not be comparable across phenotypes.
func loadCovariateTable(fnm string) (*covariateTable, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	table := &covariateTable{rows: map[string][]float64{}}
	lineNum := 0
	for _, tsv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		if len(tsv) == 0 {
			continue
		}
		split := strings.Split(strings.TrimSuffix(string(tsv), "\r"), "\t")
		if lineNum == 1 {
			if len(split) < 2 {
				return nil, fmt.Errorf("%w: %s: header has %d columns, need an id column plus at least one covariate", ErrDataFormat, fnm, len(split))
			}
			table.names = split[1:]
			continue
		}
		if len(split) != len(table.names)+1 {
			return nil, fmt.Errorf("%w: %s line %d: %d fields != %d", ErrDataFormat, fnm, lineNum, len(split), len(table.names)+1)
		}
		id := split[0]
		if _, dup := table.rows[id]; dup {
			return nil, fmt.Errorf("%w: %s line %d: duplicate participant id %q", ErrDataFormat, fnm, lineNum, id)
		}
		row := make([]float64, len(table.names))
		for i, cell := range split[1:] {
			row[i], err = strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: cannot parse covariate %s value %q", ErrDataFormat, fnm, lineNum, table.names[i], cell)
			}
		}
		table.rows[id] = row
	}
	if table.names == nil {
		return nil, fmt.Errorf("%w: %s: no header row", ErrDataFormat, fnm)
	}
	return table, nil
}

func normalize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 {
		std = 1
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// adjustedPvalue computes a covariate-adjusted association p-value
// for one phenotype: a likelihood-ratio test between the logistic
// model outcome ~ covariates and outcome ~ haplotype + covariates,
// fitted on the same rows that survived the missingness filter and
// carry a covariate vector. Singular or otherwise unsolvable fits
// recover to not-computable for this phenotype only.
func adjustedPvalue(name string, subjects []subject) (result null.Float) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			log.Warnf("phenotype %s: adjusted model did not converge", name)
			result = null.Float{}
		}
	}()

	var outcome, constants, exposure []statmodel.Dtype
	var covars [][]statmodel.Dtype
	for _, s := range subjects {
		v, ok := s.phenos[name]
		if !ok || (v != 0 && v != 1) || s.cov == nil {
			continue
		}
		outcome = append(outcome, v)
		constants = append(constants, 1)
		if s.h1 {
			exposure = append(exposure, 1)
		} else {
			exposure = append(exposure, 0)
		}
		if covars == nil {
			covars = make([][]statmodel.Dtype, len(s.cov))
		}
		for i, c := range s.cov {
			covars[i] = append(covars[i], c)
		}
	}
	if len(outcome) < 2 {
		return null.Float{}
	}
	covNames := make([]string, len(covars))
	for i := range covars {
		normalize(covars[i])
		covNames[i] = fmt.Sprintf("cov%d", i)
	}

	logLike := func(data [][]statmodel.Dtype, names []string) float64 {
		dataset := statmodel.NewDataset(data, names)
		model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
		if err != nil {
			panic(err)
		}
		return model.Fit().LogLike()
	}

	nullData := append([][]statmodel.Dtype{outcome, constants}, covars...)
	nullNames := append([]string{"outcome", "constants"}, covNames...)
	altData := append([][]statmodel.Dtype{outcome, constants, exposure}, covars...)
	altNames := append([]string{"outcome", "constants", "haplotype"}, covNames...)

	logNull := logLike(nullData, nullNames)
	logAlt := logLike(altData, altNames)
	p := chisquared.Survival(-2 * (logNull - logAlt))
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return null.Float{}
	}
	return null.FloatFrom(p)
}

// writeAdjustedResults writes the covariate-adjusted p-values to a
// companion file, in the same order as the main results table, so the
// main table's column contract stays untouched.
func writeAdjustedResults(fnm string, sorted []associationResult, pvalues map[string]null.Float) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	_, err = fmt.Fprintln(w, "Phenotype\tGLM_P_Value")
	if err != nil {
		return err
	}
	for _, r := range sorted {
		_, err = fmt.Fprintf(w, "%s\t%s\n", r.Phenotype, formatStat(pvalues[r.Phenotype]))
		if err != nil {
			return err
		}
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	log.Infof("wrote adjusted p-values to %s", fnm)
	return nil
}
