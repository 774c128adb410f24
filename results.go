// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

// associationResult is the outcome of testing one phenotype against
// haplotype group. The three statistical fields are tagged optionals:
// "not computable" stays distinct from a computed zero all the way to
// serialization, where it renders as a literal NA.
type associationResult struct {
	Phenotype  string
	H1Cases    int
	H1Controls int
	H2Cases    int
	H2Controls int
	Total      int
	Chi2       null.Float
	Phi        null.Float
	P          null.Float

	// LowCount marks a table with a cell below 5: reported, but
	// only as an operator-visible caveat.
	LowCount bool
}

var resultsColumns = []string{
	"Phenotype",
	"H1_Cases",
	"H1_Controls",
	"H2_Cases",
	"H2_Controls",
	"Total_Compared",
	"Chi2_Stat",
	"Phi_Coefficient",
	"P_Value",
}

// sortResults orders by ascending p-value with not-computable values
// last. Ties (including NA/NA) break on phenotype name so reruns on
// identical input produce byte-identical output.
func sortResults(results []associationResult) {
	sort.Slice(results, func(i, j int) bool {
		pi, pj := results[i].P, results[j].P
		switch {
		case pi.Valid && !pj.Valid:
			return true
		case !pi.Valid && pj.Valid:
			return false
		case pi.Valid && pj.Valid && pi.Float64 != pj.Float64:
			return pi.Float64 < pj.Float64
		default:
			return results[i].Phenotype < results[j].Phenotype
		}
	})
}

// formatStat renders a statistical field in 4-significant-digit
// scientific notation, or NA when not computable -- never 0, never an
// empty string.
func formatStat(v null.Float) string {
	if !v.Valid {
		return "NA"
	}
	return fmt.Sprintf("%.3e", v.Float64)
}

// writeResults serializes the (already sorted) result set as a
// tab-delimited table. The header row is always written, so a run
// with zero results still produces a well-formed file. The output is
// staged in a temp file and renamed into place, leaving no partial
// file behind on error.
func writeResults(fnm string, results []associationResult) error {
	tmp, err := os.CreateTemp(filepath.Dir(fnm), filepath.Base(fnm)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := bufio.NewWriter(tmp)
	_, err = fmt.Fprintln(w, strings.Join(resultsColumns, "\t"))
	if err != nil {
		return err
	}
	for _, r := range results {
		_, err = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Phenotype, r.H1Cases, r.H1Controls, r.H2Cases, r.H2Controls, r.Total,
			formatStat(r.Chi2), formatStat(r.Phi), formatStat(r.P))
		if err != nil {
			return err
		}
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	err = os.Rename(tmp.Name(), fnm)
	if err != nil {
		return fmt.Errorf("rename %s: %w", fnm, err)
	}
	log.Infof("wrote %d association results to %s", len(results), fnm)
	return nil
}
