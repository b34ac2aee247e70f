// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bytes"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type cnvSuite struct{}

var _ = check.Suite(&cnvSuite{})

// Rounding to 3 decimals never flips an entry between zero and
// non-zero.
func (s *cnvSuite) TestRound3PreservesZeroness(c *check.C) {
	c.Check(round3(0), check.Equals, 0.0)
	c.Check(round3(2), check.Equals, 2.0)
	c.Check(round3(1.23456), check.Equals, 1.235)
	c.Check(round3(0.0004), check.Equals, 0.001)
	c.Check(round3(-0.0004), check.Equals, -0.001)
	c.Check(round3(1e-12), check.Equals, 0.001)
	for _, v := range []float64{0, 1e-9, 0.0005, 0.123, 7, 1234.5678} {
		c.Check(round3(v) != 0, check.Equals, v != 0)
		c.Check(round3(-v) != 0, check.Equals, v != 0)
	}
}

func exportMatrix(c *check.C) (*CountMatrix, string) {
	m := denseMatrix(c,
		[]string{"g1", "g2"},
		[]string{"ref1", "ref2", "tum1", "tum2"},
		[][]float64{
			{5, 0, 9, 0},
			{0, 3, 0, 7},
		})
	m.Meta.SetString("cell_type", []string{"Tcell", "Tcell", "malignant", "malignant"})
	dir := c.MkDir()
	filename := dir + "/snap.gob"
	c.Assert(WriteSnapshot(m, filename, nil), check.IsNil)
	return m, dir
}

// An empty reference group fails before any output file is written.
func (s *cnvSuite) TestEmptyReferenceGroup(c *check.C) {
	_, dir := exportMatrix(c)
	var stderr bytes.Buffer
	exited := (&cnvExportCmd{}).RunCommand("cnv-export", []string{
		"-i", dir + "/snap.gob",
		"-label-column", "cell_type",
		"-ref-types", "Bcell",
		"-counts-out", dir + "/counts.tsv",
		"-annotations-out", dir + "/annotations.tsv",
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(strings.TrimSpace(stderr.String()), check.Matches, `empty cell group:.*`)
	_, err := os.Stat(dir + "/counts.tsv")
	c.Check(os.IsNotExist(err), check.Equals, true)
	_, err = os.Stat(dir + "/annotations.tsv")
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *cnvSuite) TestExportBundle(c *check.C) {
	_, dir := exportMatrix(c)
	exited := (&cnvExportCmd{}).RunCommand("cnv-export", []string{
		"-i", dir + "/snap.gob",
		"-label-column", "cell_type",
		"-ref-types", "Tcell",
		"-counts-out", dir + "/counts.tsv",
		"-annotations-out", dir + "/annotations.tsv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	counts, err := os.ReadFile(dir + "/counts.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(counts), "\n"), "\n")
	c.Assert(lines, check.HasLen, 3)
	c.Check(lines[0], check.Equals, "\tref1\tref2\ttum1\ttum2")
	c.Check(lines[1], check.Equals, "g1\t5\t0\t9\t0")
	c.Check(lines[2], check.Equals, "g2\t0\t3\t0\t7")

	ann, err := os.ReadFile(dir + "/annotations.tsv")
	c.Assert(err, check.IsNil)
	c.Check(string(ann), check.Equals, "ref1\tTcell\nref2\tTcell\ntum1\tmalignant\ntum2\tmalignant\n")
}

func (s *cnvSuite) TestCheckCNVInput(c *check.C) {
	dir := c.MkDir()
	writeFile(c, dir+"/counts.tsv", "\tc1\nc g\t1\n")
	writeFile(c, dir+"/order.tsv", "g1\tchr1\t1\t100\n")
	writeFile(c, dir+"/ann.tsv", "c1\tTcell\nc2\tmalignant\n")

	c.Check(checkCNVInput(dir+"/counts.tsv", dir+"/ann.tsv", dir+"/order.tsv", []string{"Tcell"}), check.IsNil)
	c.Check(checkCNVInput(dir+"/counts.tsv", dir+"/ann.tsv", dir+"/order.tsv", []string{"Bcell"}),
		check.ErrorMatches, `empty cell group:.*no cells in reference groups.*`)
	c.Check(checkCNVInput(dir+"/counts.tsv", dir+"/ann.tsv", dir+"/order.tsv", []string{"Tcell", "malignant"}),
		check.ErrorMatches, `empty cell group:.*no observation cells`)
	c.Check(checkCNVInput(dir+"/missing.tsv", dir+"/ann.tsv", dir+"/order.tsv", []string{"Tcell"}), check.NotNil)
}
