// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type consensusSuite struct{}

var _ = check.Suite(&consensusSuite{})

func (s *consensusSuite) TestConsensusCommand(c *check.C) {
	dir := c.MkDir()
	participantsFilename := filepath.Join(dir, "participants.tsv")
	c.Assert(os.WriteFile(participantsFilename, []byte("p1\np2\np3\np4\np5\n"), 0666), check.IsNil)
	sitesFilename := filepath.Join(dir, "sites.tsv")
	c.Assert(os.WriteFile(sitesFilename, []byte(`pos	h1_allele	h2_allele
101	A	G
205	T	C
`), 0666), check.IsNil)
	// p1 homozygous H1 at both sites, p2 homozygous H2 at both, p3
	// heterozygous at the second site, p4 missing the second site,
	// p5 has no genotype records at all. p6 is genotyped but not in
	// the participant list. One malformed record is skipped.
	genotypesFilename := filepath.Join(dir, "genotypes.tsv")
	c.Assert(os.WriteFile(genotypesFilename, []byte(`person_id	pos	allele1	allele2
p1	101	A	A
p1	205	T	T
p2	101	G	G
p2	205	C	C
p3	101	A	A
p3	205	T	C
p4	101	A	A
junk
p6	101	A	A
p6	205	T	T
`), 0666), check.IsNil)

	var stdout, stderr bytes.Buffer
	exited := (&consensusExtractor{}).RunCommand("hapassoc", []string{"-local=true",
		"-participants=" + participantsFilename,
		"-sites=" + sitesFilename,
		"-genotypes=" + genotypesFilename,
		"-output-dir=" + dir,
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	buf, err := os.ReadFile(filepath.Join(dir, "consensus.tsv"))
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `person_id	is_consensus_h1	is_consensus_h2
p1	1	0
p2	0	1
p3	0	0
p4	0	0
p5	0	0
`)
}

func (s *consensusSuite) TestAmbiguousSites(c *check.C) {
	// when a site's two defining alleles are identical, a
	// homozygous participant is consensus for both groups
	sites := []siteDef{{pos: "101", h1: "A", h2: "A"}}
	genotypesFilename := writeTestFile(c, "genotypes.tsv", "person_id\tpos\tallele1\tallele2\np1\t101\tA\tA\n")
	calls, err := (&consensusExtractor{}).computeConsensus([]string{"p1"}, sites, genotypesFilename)
	c.Assert(err, check.IsNil)
	c.Check(calls["p1"], check.Equals, consensusCall{H1: true, H2: true})
}

func (s *consensusSuite) TestGenotypesBadHeader(c *check.C) {
	genotypesFilename := writeTestFile(c, "genotypes.tsv", "sample\tpos\tallele1\tallele2\np1\t101\tA\tA\n")
	_, err := (&consensusExtractor{}).computeConsensus([]string{"p1"}, []siteDef{{pos: "101", h1: "A", h2: "G"}}, genotypesFilename)
	c.Check(errors.Is(err, ErrDataFormat), check.Equals, true)
}

func (s *consensusSuite) TestLoadParticipantList(c *check.C) {
	fnm := writeTestFile(c, "participants.tsv", "p3\np1\n\np2\n")
	ids, err := loadParticipantList(fnm)
	c.Assert(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"p1", "p2", "p3"})

	fnm = writeTestFile(c, "participants.tsv", "p1\np2\np1\n")
	_, err = loadParticipantList(fnm)
	c.Check(errors.Is(err, ErrDataFormat), check.Equals, true)
}

func (s *consensusSuite) TestLoadSiteDefs(c *check.C) {
	fnm := writeTestFile(c, "sites.tsv", "pos\th1_allele\th2_allele\n101\tA\tG\n205\tT\tC\n")
	sites, err := loadSiteDefs(fnm)
	c.Assert(err, check.IsNil)
	c.Check(sites, check.DeepEquals, []siteDef{
		{pos: "101", h1: "A", h2: "G"},
		{pos: "205", h1: "T", h2: "C"},
	})

	for _, content := range []string{
		"position\th1_allele\th2_allele\n101\tA\tG\n",
		"pos\th1_allele\th2_allele\n101\tA\tG\n101\tT\tC\n",
		"pos\th1_allele\th2_allele\n101\tA\n",
		"pos\th1_allele\th2_allele\n",
	} {
		fnm := writeTestFile(c, "sites.tsv", content)
		_, err := loadSiteDefs(fnm)
		c.Check(errors.Is(err, ErrDataFormat), check.Equals, true, check.Commentf("content %q: %v", content, err))
	}
}

func (s *consensusSuite) TestBatchSlice(c *check.C) {
	in := []string{"a", "b", "c", "d", "e", "f", "g"}
	b := batchArgs{batches: 3, batch: 0}
	c.Check(b.Slice(in), check.DeepEquals, []string{"a", "b", "c"})
	b.batch = 1
	c.Check(b.Slice(in), check.DeepEquals, []string{"d", "e", "f"})
	b.batch = 2
	c.Check(b.Slice(in), check.DeepEquals, []string{"g"})
	b.batch = -1
	c.Check(b.Slice(in), check.DeepEquals, in)
}
