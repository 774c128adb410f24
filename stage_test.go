// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type stageSuite struct{}

var _ = check.Suite(&stageSuite{})

func (s *stageSuite) TestParseGSPath(c *check.C) {
	bucket, key, err := parseGSPath("gs://my-bucket/cohort/chr17.vcf.gz")
	c.Assert(err, check.IsNil)
	c.Check(bucket, check.Equals, "my-bucket")
	c.Check(key, check.Equals, "cohort/chr17.vcf.gz")

	for _, p := range []string{"gs://", "gs://bucket", "gs://bucket/", "gs:///key"} {
		_, _, err := parseGSPath(p)
		c.Check(err, check.NotNil, check.Commentf("path %q", p))
	}
}

func (s *stageSuite) TestStageLocalFile(c *check.C) {
	srcDir, dstDir := c.MkDir(), c.MkDir()
	src := filepath.Join(srcDir, "cohort.vcf.gz")
	c.Assert(os.WriteFile(src, []byte("hello\n"), 0666), check.IsNil)

	dst, err := (&stager{}).stageOne(src, dstDir)
	c.Assert(err, check.IsNil)
	c.Check(dst, check.Equals, filepath.Join(dstDir, "cohort.vcf.gz"))
	buf, err := os.ReadFile(dst)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "hello\n")
	_, err = os.Stat(dst + ".partial")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *stageSuite) TestStageSkipsExisting(c *check.C) {
	srcDir, dstDir := c.MkDir(), c.MkDir()
	src := filepath.Join(srcDir, "cohort.vcf.gz")
	c.Assert(os.WriteFile(src, []byte("hello\n"), 0666), check.IsNil)
	// a same-size file is already in place: the copy is skipped,
	// so the sentinel content survives
	dst := filepath.Join(dstDir, "cohort.vcf.gz")
	c.Assert(os.WriteFile(dst, []byte("HELLO\n"), 0666), check.IsNil)

	got, err := (&stager{}).stageOne(src, dstDir)
	c.Assert(err, check.IsNil)
	c.Check(got, check.Equals, dst)
	buf, err := os.ReadFile(dst)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "HELLO\n")
}
