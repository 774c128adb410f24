// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/check.v1"
)

type associateSuite struct{}

var _ = check.Suite(&associateSuite{})

// buildCohortFixture writes a consensus table and a phenotype table for
// 50 determined participants: s01..s25 are H1 (s01 consistent with
// both groups), s26..s50 are H2. Four phenotype columns cover the
// interesting cases: a strong association, a perfectly proportional
// table, a column with no controls, and a column with no data. Three
// extra participants exercise the filters: s51 has no determined
// haplotype, s52 has no phenotype record, s53 has no consensus status.
func buildCohortFixture(c *check.C) (consensusFilename, phenotypeFilename string) {
	dir := c.MkDir()
	var consensus, pheno strings.Builder
	consensus.WriteString("person_id\tis_consensus_h1\tis_consensus_h2\n")
	pheno.WriteString("person_id\td_assoc\td_null\td_allcase\td_allmiss\n")
	for i := 1; i <= 50; i++ {
		id := fmt.Sprintf("s%02d", i)
		switch {
		case i == 1:
			consensus.WriteString(id + "\t1\t1\n")
		case i <= 25:
			consensus.WriteString(id + "\t1\t0\n")
		default:
			consensus.WriteString(id + "\t0\t1\n")
		}
		assoc := "0"
		if i <= 20 || (i >= 26 && i <= 30) {
			assoc = "1"
		}
		null := "NA"
		switch {
		case i <= 3 || i == 26 || i == 27:
			null = "1"
		case i <= 6 || i == 28 || i == 29:
			null = "0"
		}
		pheno.WriteString(id + "\t" + assoc + "\t" + null + "\t1\tNA\n")
	}
	consensus.WriteString("s51\t0\t0\n")
	consensus.WriteString("s52\t1\t0\n")
	pheno.WriteString("s51\t1\t1\t1\tNA\n")
	pheno.WriteString("s53\t0\t0\t1\tNA\n")

	consensusFilename = filepath.Join(dir, "consensus.tsv")
	c.Assert(os.WriteFile(consensusFilename, []byte(consensus.String()), 0666), check.IsNil)
	phenotypeFilename = filepath.Join(dir, "phenotypes.tsv")
	c.Assert(os.WriteFile(phenotypeFilename, []byte(pheno.String()), 0666), check.IsNil)
	return
}

func runAssociate(c *check.C, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	exited := (&associator{}).RunCommand("hapassoc", append([]string{"-local=true"}, args...), nil, &stdout, &stderr)
	return exited, stdout.String(), stderr.String()
}

func (s *associateSuite) TestAssociate(c *check.C) {
	consensusFilename, phenotypeFilename := buildCohortFixture(c)
	outFilename := filepath.Join(c.MkDir(), "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf, err := os.ReadFile(outFilename)
	c.Assert(err, check.IsNil)
	// d_assoc: [[20 cases, 5 controls], [5, 20]] => chi2 18,
	// phi 0.6. d_null: proportional table => chi2 0, p 1, sorted
	// after d_assoc. d_allcase and d_allmiss produce no row.
	// The ambiguous participant s01 is counted in the H1 row.
	c.Check(string(buf), check.Equals, `Phenotype	H1_Cases	H1_Controls	H2_Cases	H2_Controls	Total_Compared	Chi2_Stat	Phi_Coefficient	P_Value
d_assoc	20	5	5	20	50	1.800e+01	6.000e-01	2.209e-05
d_null	3	3	2	2	10	0.000e+00	0.000e+00	1.000e+00
`)

	// reruns on identical input are byte-identical
	outFilename2 := filepath.Join(c.MkDir(), "results.tsv")
	exited, _, stderr = runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+outFilename2)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf2, err := os.ReadFile(outFilename2)
	c.Assert(err, check.IsNil)
	c.Check(bytes.Equal(buf, buf2), check.Equals, true)
}

func (s *associateSuite) TestAssociateMatchPhenotype(c *check.C) {
	consensusFilename, phenotypeFilename := buildCohortFixture(c)
	outFilename := filepath.Join(c.MkDir(), "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-match-phenotype=^d_null$",
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf, err := os.ReadFile(outFilename)
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Assert(lines, check.HasLen, 2)
	c.Check(strings.HasPrefix(lines[1], "d_null\t"), check.Equals, true)
}

func (s *associateSuite) TestAssociateZeroMargin(c *check.C) {
	dir := c.MkDir()
	consensusFilename := filepath.Join(dir, "consensus.tsv")
	c.Assert(os.WriteFile(consensusFilename, []byte(`person_id	is_consensus_h1	is_consensus_h2
p1	1	0
p2	1	0
p3	1	0
`), 0666), check.IsNil)
	phenotypeFilename := filepath.Join(dir, "phenotypes.tsv")
	c.Assert(os.WriteFile(phenotypeFilename, []byte(`person_id	d
p1	1
p2	1
p3	0
`), 0666), check.IsNil)
	outFilename := filepath.Join(dir, "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf, err := os.ReadFile(outFilename)
	c.Assert(err, check.IsNil)
	// both outcome values are present but every participant is H1,
	// so the counts are reported and the test statistics are not
	c.Check(strings.Split(string(buf), "\n")[1], check.Equals, "d\t2\t1\t0\t0\t3\tNA\tNA\tNA")
}

func (s *associateSuite) TestAssociateEmptyCohort(c *check.C) {
	dir := c.MkDir()
	consensusFilename := filepath.Join(dir, "consensus.tsv")
	c.Assert(os.WriteFile(consensusFilename, []byte("person_id\tis_consensus_h1\tis_consensus_h2\np1\t1\t0\n"), 0666), check.IsNil)
	phenotypeFilename := filepath.Join(dir, "phenotypes.tsv")
	c.Assert(os.WriteFile(phenotypeFilename, []byte("person_id\td\np2\t1\n"), 0666), check.IsNil)
	outFilename := filepath.Join(dir, "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf, err := os.ReadFile(outFilename)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, strings.Join(resultsColumns, "\t")+"\n")
}

func (s *associateSuite) TestAssociateBadConsensus(c *check.C) {
	dir := c.MkDir()
	consensusFilename := filepath.Join(dir, "consensus.tsv")
	c.Assert(os.WriteFile(consensusFilename, []byte("person_id\tis_consensus_h1\tis_consensus_h2\np1\t5\t0\n"), 0666), check.IsNil)
	phenotypeFilename := filepath.Join(dir, "phenotypes.tsv")
	c.Assert(os.WriteFile(phenotypeFilename, []byte("person_id\td\np1\t1\n"), 0666), check.IsNil)
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+filepath.Join(dir, "results.tsv"))
	c.Check(exited, check.Equals, 1)
	c.Check(stderr, check.Matches, `(?s).*not 0 or 1.*`)
}

func (s *associateSuite) TestAssociateWithCovariates(c *check.C) {
	consensusFilename, phenotypeFilename := buildCohortFixture(c)
	dir := c.MkDir()
	var cov strings.Builder
	cov.WriteString("person_id\tage\tpc1\n")
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&cov, "s%02d\t%d\t%g\n", i, 40+i%17, float64(i%7)/10)
	}
	covariatesFilename := filepath.Join(dir, "covariates.tsv")
	c.Assert(os.WriteFile(covariatesFilename, []byte(cov.String()), 0666), check.IsNil)

	outFilename := filepath.Join(dir, "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-covariates="+covariatesFilename,
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))

	buf, err := os.ReadFile(outFilename + ".glm.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Assert(lines, check.HasLen, 3)
	c.Check(lines[0], check.Equals, "Phenotype\tGLM_P_Value")
	c.Check(strings.HasPrefix(lines[1], "d_assoc\t"), check.Equals, true)
	c.Check(strings.HasPrefix(lines[2], "d_null\t"), check.Equals, true)
	c.Check(lines[1], check.Not(check.Matches), `.*\tNA`)
}

func (s *associateSuite) TestStatisticFailureIsolation(c *check.C) {
	defer func(orig func(float64) float64) { survival = orig }(survival)
	survival = func(float64) float64 { panic("induced numerical failure") }

	// unit level: the failing phenotype keeps its known counts and
	// reports all statistics as not computable
	subjects := []subject{
		{id: "p1", h1: true, phenos: map[string]float64{"d": 1}},
		{id: "p2", h1: true, phenos: map[string]float64{"d": 0}},
		{id: "p3", h1: false, phenos: map[string]float64{"d": 1}},
		{id: "p4", h1: false, phenos: map[string]float64{"d": 0}},
	}
	res := (&associator{}).testPhenotype("d", subjects)
	c.Assert(res, check.NotNil)
	c.Check(res.Phenotype, check.Equals, "d")
	c.Check(res.H1Cases, check.Equals, 1)
	c.Check(res.H1Controls, check.Equals, 1)
	c.Check(res.H2Cases, check.Equals, 1)
	c.Check(res.H2Controls, check.Equals, 1)
	c.Check(res.Total, check.Equals, 4)
	c.Check(res.Chi2.Valid, check.Equals, false)
	c.Check(res.Phi.Valid, check.Equals, false)
	c.Check(res.P.Valid, check.Equals, false)

	// command level: a failure in one phenotype's statistic never
	// aborts the rest of the batch
	consensusFilename, phenotypeFilename := buildCohortFixture(c)
	outFilename := filepath.Join(c.MkDir(), "results.tsv")
	exited, _, stderr := runAssociate(c,
		"-consensus="+consensusFilename,
		"-phenotypes="+phenotypeFilename,
		"-o="+outFilename)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	buf, err := os.ReadFile(outFilename)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `Phenotype	H1_Cases	H1_Controls	H2_Cases	H2_Controls	Total_Compared	Chi2_Stat	Phi_Coefficient	P_Value
d_assoc	20	5	5	20	50	NA	NA	NA
d_null	3	3	2	2	10	NA	NA	NA
`)
}

func (s *associateSuite) TestComparablePopulation(c *check.C) {
	cohort := []cohortRow{
		{id: "p1", call: consensusCall{H1: true}},
		{id: "p2", call: consensusCall{H2: true}},
		{id: "p3", call: consensusCall{}},
		{id: "p4", call: consensusCall{H1: true, H2: true}},
	}
	subjects := comparablePopulation(cohort, nil)
	c.Assert(subjects, check.HasLen, 3)
	c.Check(subjects[0].id, check.Equals, "p1")
	c.Check(subjects[0].h1, check.Equals, true)
	c.Check(subjects[1].id, check.Equals, "p2")
	c.Check(subjects[1].h1, check.Equals, false)
	c.Check(subjects[2].id, check.Equals, "p4")
	c.Check(subjects[2].h1, check.Equals, true)
}
