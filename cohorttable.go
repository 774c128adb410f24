// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrDataFormat is wrapped by all fatal load-time errors: malformed
// headers, missing required columns, non-binary consensus flags, and
// duplicate participant ids.
var ErrDataFormat = errors.New("invalid data format")

// consensusCall is one participant's homozygosity determination for
// the two haplotype groups. The flags are independent: both can be
// false (undetermined), and both can be true (ambiguous).
type consensusCall struct {
	H1 bool
	H2 bool
}

var consensusHeader = []string{"person_id", "is_consensus_h1", "is_consensus_h2"}

// loadConsensusTable reads a tab-delimited consensus status table.
// The header must contain exactly the identity column plus the two
// flag columns, and every flag value must parse as 0 or 1 -- anything
// else fails the whole load rather than skipping the record.
func loadConsensusTable(fnm string) (map[string]consensusCall, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	calls := map[string]consensusCall{}
	lineNum := 0
	sawHeader := false
	for _, tsv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		if len(tsv) == 0 {
			continue
		}
		split := strings.Split(strings.TrimSuffix(string(tsv), "\r"), "\t")
		if lineNum == 1 {
			if len(split) != len(consensusHeader) {
				return nil, fmt.Errorf("%w: %s: expected %d columns %v in header, got %d: %q", ErrDataFormat, fnm, len(consensusHeader), consensusHeader, len(split), tsv)
			}
			for i, want := range consensusHeader {
				if split[i] != want {
					return nil, fmt.Errorf("%w: %s: expected column %d to be %q, got %q", ErrDataFormat, fnm, i, want, split[i])
				}
			}
			sawHeader = true
			continue
		}
		if len(split) != len(consensusHeader) {
			return nil, fmt.Errorf("%w: %s line %d: %d fields != %d: %q", ErrDataFormat, fnm, lineNum, len(split), len(consensusHeader), tsv)
		}
		id := split[0]
		if _, dup := calls[id]; dup {
			return nil, fmt.Errorf("%w: %s line %d: duplicate participant id %q", ErrDataFormat, fnm, lineNum, id)
		}
		var call consensusCall
		for i, flag := range []*bool{&call.H1, &call.H2} {
			v, err := strconv.Atoi(split[i+1])
			if err != nil || (v != 0 && v != 1) {
				return nil, fmt.Errorf("%w: %s line %d: %s value %q is not 0 or 1", ErrDataFormat, fnm, lineNum, consensusHeader[i+1], split[i+1])
			}
			*flag = v == 1
		}
		calls[id] = call
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: %s: no header row", ErrDataFormat, fnm)
	}
	return calls, nil
}

// phenotypeTable maps participant id -> phenotype name -> binary
// value. Missing values are simply absent from the inner map.
// Phenotype names keep the column order of the source file so that
// iteration (and logging) is deterministic.
type phenotypeTable struct {
	names []string
	rows  map[string]map[string]float64
}

// loadPhenotypeTable reads a tab-delimited phenotype table. The first
// column, whatever its header says, is the participant id; every
// other column is a phenotype. Cell values are coerced to float64;
// empty cells, "NA", and anything else unparseable become missing
// values, never errors.
func loadPhenotypeTable(fnm string) (*phenotypeTable, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	table := &phenotypeTable{rows: map[string]map[string]float64{}}
	lineNum := 0
	for _, tsv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		if len(tsv) == 0 {
			continue
		}
		split := strings.Split(strings.TrimSuffix(string(tsv), "\r"), "\t")
		if lineNum == 1 {
			if len(split) < 2 {
				return nil, fmt.Errorf("%w: %s: header has %d columns, need an id column plus at least one phenotype: %q", ErrDataFormat, fnm, len(split), tsv)
			}
			seen := map[string]bool{}
			for _, name := range split[1:] {
				if name == "" || seen[name] {
					return nil, fmt.Errorf("%w: %s: empty or duplicate phenotype column %q in header", ErrDataFormat, fnm, name)
				}
				seen[name] = true
				table.names = append(table.names, name)
			}
			continue
		}
		if len(split) != len(table.names)+1 {
			return nil, fmt.Errorf("%w: %s line %d: %d fields != %d", ErrDataFormat, fnm, lineNum, len(split), len(table.names)+1)
		}
		id := split[0]
		if _, dup := table.rows[id]; dup {
			return nil, fmt.Errorf("%w: %s line %d: duplicate participant id %q", ErrDataFormat, fnm, lineNum, id)
		}
		values := map[string]float64{}
		for i, name := range table.names {
			cell := split[i+1]
			if cell == "" || cell == "NA" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				continue
			}
			values[name] = v
		}
		table.rows[id] = values
	}
	if table.names == nil {
		return nil, fmt.Errorf("%w: %s: no header row", ErrDataFormat, fnm)
	}
	return table, nil
}

// cohortRow is one analyzable participant: present in both sources.
type cohortRow struct {
	id     string
	call   consensusCall
	phenos map[string]float64
}

// mergeCohort inner-joins the consensus and phenotype tables on
// participant id. Participants present in only one source are
// dropped; the drop counts are logged so an empty result downstream
// is distinguishable from a merge bug. Rows come back sorted by id.
func mergeCohort(calls map[string]consensusCall, phenos *phenotypeTable) []cohortRow {
	var rows []cohortRow
	for id, call := range calls {
		if values, ok := phenos.rows[id]; ok {
			rows = append(rows, cohortRow{id: id, call: call, phenos: values})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	if d := len(calls) - len(rows); d > 0 {
		log.Warnf("dropped %d participants with consensus status but no phenotype record", d)
	}
	if d := len(phenos.rows) - len(rows); d > 0 {
		log.Warnf("dropped %d participants with phenotype record but no consensus status", d)
	}
	log.Infof("merged cohort: %d participants (%d consensus, %d phenotype)", len(rows), len(calls), len(phenos.rows))
	return rows
}
