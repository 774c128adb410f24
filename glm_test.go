// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestLoadCovariateTable(c *check.C) {
	fnm := writeTestFile(c, "covariates.tsv", `person_id	age	pc1
p1	63	0.12
p2	41	-0.5
`)
	table, err := loadCovariateTable(fnm)
	c.Assert(err, check.IsNil)
	c.Check(table.names, check.DeepEquals, []string{"age", "pc1"})
	c.Check(table.rows, check.DeepEquals, map[string][]float64{
		"p1": {63, 0.12},
		"p2": {41, -0.5},
	})
}

func (s *glmSuite) TestLoadCovariateTableErrors(c *check.C) {
	for _, content := range []string{
		"person_id\n",
		"person_id\tage\np1\tNA\n",
		"person_id\tage\np1\t63\np1\t41\n",
		"person_id\tage\np1\t63\t0.12\n",
	} {
		fnm := writeTestFile(c, "covariates.tsv", content)
		_, err := loadCovariateTable(fnm)
		c.Check(errors.Is(err, ErrDataFormat), check.Equals, true, check.Commentf("content %q: %v", content, err))
	}
}

func (s *glmSuite) TestNormalize(c *check.C) {
	a := []float64{1, 2, 3, 4}
	normalize(a)
	var sum float64
	for _, x := range a {
		sum += x
	}
	nearlyEqual(c, sum, 0, 1e-12)
	c.Check(a[0] < a[1] && a[1] < a[2] && a[2] < a[3], check.Equals, true)

	constant := []float64{7, 7, 7}
	normalize(constant)
	c.Check(constant, check.DeepEquals, []float64{0, 0, 0})
}

func (s *glmSuite) TestAdjustedPvalue(c *check.C) {
	// strong but imperfect association: H1 15 cases / 5 controls,
	// H2 5 cases / 15 controls, plus a covariate unrelated to the
	// outcome
	var subjects []subject
	for i := 0; i < 40; i++ {
		h1 := i < 20
		outcome := 0.0
		if (h1 && i < 15) || (!h1 && i < 25) {
			outcome = 1
		}
		subjects = append(subjects, subject{
			id:     "p",
			h1:     h1,
			phenos: map[string]float64{"d": outcome},
			cov:    []float64{float64(i % 7), float64(i%3) - 1},
		})
	}
	p := adjustedPvalue("d", subjects)
	c.Assert(p.Valid, check.Equals, true)
	c.Check(p.Float64 > 0, check.Equals, true)
	c.Check(p.Float64 < 0.05, check.Equals, true)
	c.Check(math.IsNaN(p.Float64), check.Equals, false)
}

func (s *glmSuite) TestAdjustedPvalueSingularFit(c *check.C) {
	// two identical covariate columns make the model matrix exactly
	// singular; the fit blows up and must come back not-computable
	// instead of taking the whole run down
	var subjects []subject
	for i := 0; i < 40; i++ {
		h1 := i < 20
		outcome := 0.0
		if (h1 && i < 15) || (!h1 && i < 25) {
			outcome = 1
		}
		x := float64(i % 5)
		subjects = append(subjects, subject{
			id:     "p",
			h1:     h1,
			phenos: map[string]float64{"d": outcome},
			cov:    []float64{x, x},
		})
	}
	c.Check(adjustedPvalue("d", subjects).Valid, check.Equals, false)
}

func (s *glmSuite) TestAdjustedPvalueNoData(c *check.C) {
	// no covariate vectors at all: nothing to fit
	subjects := []subject{
		{id: "p1", h1: true, phenos: map[string]float64{"d": 1}},
		{id: "p2", h1: false, phenos: map[string]float64{"d": 0}},
	}
	c.Check(adjustedPvalue("d", subjects).Valid, check.Equals, false)

	// only one usable row
	subjects[0].cov = []float64{1}
	c.Check(adjustedPvalue("d", subjects).Valid, check.Equals, false)
}
