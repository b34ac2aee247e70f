// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"errors"
	"fmt"

	"gopkg.in/check.v1"
)

type qcSuite struct{}

var _ = check.Suite(&qcSuite{})

// Bounds are strict: genes_detected equal to either bound, or
// mito_fraction equal to the cap, drops the cell.
func (s *qcSuite) TestStrictBounds(c *check.C) {
	genes := []string{"MT-ND1", "g1", "g2", "g3", "g4"}
	cells := []string{"atMin", "aboveMin", "atMax", "belowMax", "atMitoCap", "belowMitoCap"}
	m := denseMatrix(c, genes, cells, [][]float64{
		//  atMin aboveMin atMax belowMax atMitoCap belowMitoCap
		{0, 0, 0, 0, 3, 2},   // MT-ND1
		{5, 5, 1, 1, 10, 10}, // g1
		{5, 5, 1, 1, 7, 8},   // g2
		{0, 5, 1, 1, 0, 0},   // g3
		{0, 0, 1, 0, 0, 0},   // g4
	})
	q := qcThresholds{MinGenes: 2, MaxGenes: 4, MaxMito: 0.15, MitoPrefix: "MT-"}
	// atMin: 2 detected genes (== MinGenes) → dropped
	// aboveMin: 3 detected → kept
	// atMax: 4 detected (== MaxGenes) → dropped
	// belowMax: 3 detected → kept
	// atMitoCap: 3/20 = 0.15 → dropped
	// belowMitoCap: 2/20 = 0.10, 3 detected → kept
	out, err := q.Apply(m)
	c.Assert(err, check.IsNil)
	c.Check(out.Cells, check.DeepEquals, []string{"aboveMin", "belowMax", "belowMitoCap"})
	c.Check(out.Stage, check.Equals, "qc")
	for _, cell := range out.Cells {
		i := out.CellIndex()[cell]
		gd := out.Meta.Floats["genes_detected"][i]
		c.Check(int(gd) > q.MinGenes, check.Equals, true)
		c.Check(int(gd) < q.MaxGenes, check.Equals, true)
		c.Check(out.Meta.Floats["mito_fraction"][i] < q.MaxMito, check.Equals, true)
	}
}

func (s *qcSuite) TestMetricsAttached(c *check.C) {
	m := denseMatrix(c,
		[]string{"MT-ND1", "g1"},
		[]string{"c1", "c2", "c3"},
		[][]float64{
			{1, 0, 0},
			{9, 4, 2},
		})
	q := qcThresholds{MinGenes: 0, MaxGenes: 10, MaxMito: 1, MitoPrefix: "MT-"}
	out, err := q.Apply(m)
	c.Assert(err, check.IsNil)
	c.Check(out.Meta.Floats["total_counts"], check.DeepEquals, []float64{10, 4, 2})
	c.Check(out.Meta.Floats["genes_detected"], check.DeepEquals, []float64{2, 1, 1})
	c.Check(out.Meta.Floats["mito_fraction"], check.DeepEquals, []float64{0.1, 0, 0})
}

// 6000 cells at the documented default bounds (200, 6000, 0.15): the
// 100 cells with 150 detected genes are removed, nothing else.
func (s *qcSuite) TestDefaultBoundsScenario(c *check.C) {
	const ncells = 6000
	const lowQuality = 100
	genes := make([]string, 250)
	for g := range genes {
		genes[g] = fmt.Sprintf("G%03d", g)
	}
	cells := make([]string, ncells)
	var raw Coo
	for i := range cells {
		cells[i] = fmt.Sprintf("cell%04d", i)
		detected := 250
		if i < lowQuality {
			detected = 150
		}
		for g := 0; g < detected; g++ {
			raw.GeneIdx = append(raw.GeneIdx, int32(g))
			raw.CellIdx = append(raw.CellIdx, int32(i))
			raw.Value = append(raw.Value, 1)
		}
	}
	m, err := NewCountMatrix(genes, cells, raw)
	c.Assert(err, check.IsNil)
	q := qcThresholds{MinGenes: 200, MaxGenes: 6000, MaxMito: 0.15, MitoPrefix: "MT-"}
	out, err := q.Apply(m)
	c.Assert(err, check.IsNil)
	c.Check(len(out.Cells), check.Equals, ncells-lowQuality)
	c.Check(out.Cells[0], check.Equals, fmt.Sprintf("cell%04d", lowQuality))
}

func (s *qcSuite) TestNoSurvivors(c *check.C) {
	m := denseMatrix(c, []string{"g1"}, []string{"c1"}, [][]float64{{5}})
	q := qcThresholds{MinGenes: 200, MaxGenes: 6000, MaxMito: 0.15, MitoPrefix: "MT-"}
	_, err := q.Apply(m)
	c.Check(err, check.ErrorMatches, `configuration error: no cells pass QC bounds.*`)
	c.Check(errors.Is(err, ErrConfig), check.Equals, true)
}
