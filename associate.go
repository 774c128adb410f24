// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"regexp"
	"runtime"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

type associator struct {
	threads        int
	matchPhenotype string
}

// subject is one member of the comparable population: a determined
// haplotype label plus that participant's phenotype values, and the
// participant's covariate vector when covariate-adjusted testing is
// enabled.
type subject struct {
	id     string
	h1     bool
	phenos map[string]float64
	cov    []float64
}

func (cmd *associator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *associator) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	consensusFilename := flags.String("consensus", "", "consensus status `table` (person_id, is_consensus_h1, is_consensus_h2)")
	phenotypeFilename := flags.String("phenotypes", "", "phenotype `table` (person_id plus one binary column per phenotype)")
	covariatesFilename := flags.String("covariates", "", "optional covariate `table` for logistic-regression adjusted p-values")
	outputFilename := flags.String("o", "results.tsv", "output `filename`")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "number of phenotypes to test concurrently")
	flags.StringVar(&cmd.matchPhenotype, "match-phenotype", "", "only test phenotype columns matching `regexp`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *consensusFilename == "" || *phenotypeFilename == "" {
		return fmt.Errorf("must provide -consensus and -phenotypes")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "hapassoc associate",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4 << 30,
			VCPUs:       cmd.threads,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(consensusFilename, phenotypeFilename, covariatesFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"associate", "-local=true",
			"-pprof=:6060",
			"-consensus=" + *consensusFilename,
			"-phenotypes=" + *phenotypeFilename,
			"-covariates=" + *covariatesFilename,
			"-threads=" + fmt.Sprintf("%d", cmd.threads),
			"-match-phenotype=" + cmd.matchPhenotype,
			"-o=/mnt/output/results.tsv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/results.tsv")
		return nil
	}

	matchPhenotype, err := regexp.Compile(cmd.matchPhenotype)
	if err != nil {
		return fmt.Errorf("-match-phenotype: invalid regexp: %q", cmd.matchPhenotype)
	}

	calls, err := loadConsensusTable(*consensusFilename)
	if err != nil {
		return err
	}
	phenos, err := loadPhenotypeTable(*phenotypeFilename)
	if err != nil {
		return err
	}
	var covs *covariateTable
	if *covariatesFilename != "" {
		covs, err = loadCovariateTable(*covariatesFilename)
		if err != nil {
			return err
		}
	}

	cohort := mergeCohort(calls, phenos)
	if len(cohort) == 0 {
		log.Warn("merged cohort is empty; writing header-only results")
		return writeResults(*outputFilename, nil)
	}

	subjects := comparablePopulation(cohort, covs)
	if len(subjects) == 0 {
		log.Warn("no participants with a determined haplotype call; writing header-only results")
		return writeResults(*outputFilename, nil)
	}

	names := make([]string, 0, len(phenos.names))
	for _, name := range phenos.names {
		if matchPhenotype.MatchString(name) {
			names = append(names, name)
		}
	}

	results := make([]*associationResult, len(names))
	glmP := make([]null.Float, len(names))
	workers := throttle{Max: cmd.threads}
	for i, name := range names {
		i, name := i, name
		workers.Go(func() error {
			res := cmd.testPhenotype(name, subjects)
			if res != nil && covs != nil {
				glmP[i] = adjustedPvalue(name, subjects)
			}
			results[i] = res
			return nil
		})
	}
	if err := workers.Wait(); err != nil {
		return err
	}

	var usable, degraded, skipped int
	var sorted []associationResult
	glmByName := map[string]null.Float{}
	for i, res := range results {
		if res == nil {
			skipped++
			continue
		}
		if res.P.Valid {
			usable++
		} else {
			degraded++
		}
		sorted = append(sorted, *res)
		glmByName[res.Phenotype] = glmP[i]
	}
	sortResults(sorted)
	log.Infof("%d of %d phenotypes produced a usable statistical result (%d degraded, %d skipped)", usable, len(names), degraded, skipped)

	err = writeResults(*outputFilename, sorted)
	if err != nil {
		return err
	}
	if covs != nil {
		err = writeAdjustedResults(*outputFilename+".glm.tsv", sorted, glmByName)
		if err != nil {
			return err
		}
	}
	return nil
}

// comparablePopulation applies the haplotype filter once, before any
// per-phenotype work: keep participants with at least one consensus
// flag set, and label them H1 if is_consensus_h1 is set, else H2.
// A participant consistent with both groups therefore gets labeled
// H1 -- a fixed tie-break, deliberately loud in the logs, not a data
// error.
func comparablePopulation(cohort []cohortRow, covs *covariateTable) []subject {
	var subjects []subject
	ambiguous := 0
	for _, row := range cohort {
		if !row.call.H1 && !row.call.H2 {
			continue
		}
		if row.call.H1 && row.call.H2 {
			ambiguous++
		}
		s := subject{id: row.id, h1: row.call.H1, phenos: row.phenos}
		if covs != nil {
			s.cov = covs.rows[row.id]
		}
		subjects = append(subjects, s)
	}
	if ambiguous > 0 {
		log.Warnf("%d participants are homozygous-consistent with both haplotype groups; labeling them H1", ambiguous)
	}
	log.Infof("comparable population: %d of %d merged participants have a determined haplotype call", len(subjects), len(cohort))
	return subjects
}

// testPhenotype runs the filter/tabulate/test sequence for a single
// phenotype. A nil return means the phenotype is skipped entirely (no
// valid 2x2 comparison); a result with null statistical fields means
// the counts were computable but the test was not. A panic while
// processing this phenotype is converted to a best-effort result so
// it can never abort the remaining phenotypes.
func (cmd *associator) testPhenotype(name string, subjects []subject) (res *associationResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("phenotype %s: unexpected error: %v", name, r)
			if res == nil {
				res = &associationResult{Phenotype: name}
			}
			res.Chi2, res.Phi, res.P = null.Float{}, null.Float{}, null.Float{}
		}
	}()

	var tbl contingency2x2
	distinct := map[float64]bool{}
	n := 0
	for _, s := range subjects {
		v, ok := s.phenos[name]
		if !ok || (v != 0 && v != 1) {
			continue
		}
		distinct[v] = true
		tbl.Add(s.h1, v == 1)
		n++
	}
	if len(distinct) < 2 {
		log.Infof("phenotype %s: skipped, %d distinct outcome values among %d comparable participants", name, len(distinct), n)
		return nil
	}
	if n < 2 {
		log.Infof("phenotype %s: skipped, only %d comparable participants", name, n)
		return nil
	}

	res = &associationResult{
		Phenotype:  name,
		H1Cases:    tbl.N[0][1],
		H1Controls: tbl.N[0][0],
		H2Cases:    tbl.N[1][1],
		H2Controls: tbl.N[1][0],
		Total:      n,
	}
	if tbl.LowCount() {
		res.LowCount = true
		log.Warnf("phenotype %s: contingency cell below 5, chi-squared approximation may be unreliable", name)
	}
	stat, p, err := pearsonChi2(tbl)
	if err != nil {
		log.Warnf("phenotype %s: test not computable: %s", name, err)
		return res
	}
	res.Chi2 = null.FloatFrom(stat)
	res.P = null.FloatFrom(p)
	if phi, ok := phiCoefficient(stat, tbl.Total()); ok {
		res.Phi = null.FloatFrom(phi)
	}
	return res
}
