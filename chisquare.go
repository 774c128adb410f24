// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var chisquared = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

// survival is the upper tail probability of the 1-df chi-squared
// distribution, indirected so tests can substitute a failing
// implementation.
var survival = chisquared.Survival

var (
	errEmptyTable  = errors.New("contingency table is empty")
	errZeroMargin  = errors.New("contingency table has a zero row or column margin")
	errNumericTest = errors.New("chi-squared statistic is not finite")
)

// contingency2x2 is a count table with fixed row order [H1, H2] and
// fixed column order [control, case]. Combinations absent from the
// data are simply left at count 0, so the shape is always 2x2.
type contingency2x2 struct {
	N [2][2]int // [row][col]
}

func (t *contingency2x2) Add(h1 bool, isCase bool) {
	row, col := 1, 0
	if h1 {
		row = 0
	}
	if isCase {
		col = 1
	}
	t.N[row][col]++
}

func (t *contingency2x2) Total() int {
	return t.N[0][0] + t.N[0][1] + t.N[1][0] + t.N[1][1]
}

// LowCount reports whether any cell is below the conventional
// chi-squared reliability threshold of 5. This is a quality caveat,
// not a reason to skip the test.
func (t *contingency2x2) LowCount() bool {
	for _, row := range t.N {
		for _, n := range row {
			if n < 5 {
				return true
			}
		}
	}
	return false
}

// pearsonChi2 computes the uncorrected Pearson chi-squared statistic
// (1 degree of freedom) and its p-value for a 2x2 table. An all-zero
// table and a table with a zero row or column margin are reported as
// distinct errors; neither is ever returned as a zero statistic.
func pearsonChi2(t contingency2x2) (stat, p float64, err error) {
	n := t.Total()
	if n == 0 {
		return 0, 0, errEmptyTable
	}
	var rowsum, colsum [2]int
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			rowsum[i] += t.N[i][j]
			colsum[j] += t.N[i][j]
		}
	}
	if rowsum[0] == 0 || rowsum[1] == 0 || colsum[0] == 0 || colsum[1] == 0 {
		return 0, 0, errZeroMargin
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			exp := float64(rowsum[i]) * float64(colsum[j]) / float64(n)
			d := float64(t.N[i][j]) - exp
			stat += d * d / exp
		}
	}
	if math.IsNaN(stat) || math.IsInf(stat, 0) {
		return 0, 0, errNumericTest
	}
	return stat, survival(stat), nil
}

// phiCoefficient is the effect size sqrt(chi2/n) for a 2x2 table.
func phiCoefficient(stat float64, n int) (float64, bool) {
	if n <= 0 || math.IsNaN(stat) {
		return 0, false
	}
	return math.Sqrt(stat / float64(n)), true
}
