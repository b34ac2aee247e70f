// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"fmt"

	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

// twoBlobs builds a container whose cells form two well-separated
// groups in component space: cells 0..9 near the origin, 10..19 far
// away.
func twoBlobs(c *check.C) *CountMatrix {
	ncells := 20
	cells := make([]string, ncells)
	m := &CountMatrix{
		Stage: "pca",
		Genes: []string{"g1"},
		Cells: cells,
		Meta:  NewMetadata(ncells),
	}
	m.PCAComponents = 3
	m.PCA = make([]float64, ncells*3)
	for i := range cells {
		cells[i] = fmt.Sprintf("cell%02d", i)
		base := 0.0
		if i >= 10 {
			base = 100
		}
		m.PCA[i*3] = base + float64(i%10)*0.01
		m.PCA[i*3+1] = base - float64(i%10)*0.01
		m.PCA[i*3+2] = 1000 // noise axis, must be excluded below
	}
	return m
}

func (s *clusterSuite) TestBuildNeighborsStaysWithinBlob(c *check.C) {
	m := twoBlobs(c)
	c.Assert(buildNeighbors(m, 2, 3), check.IsNil)
	c.Assert(m.Neighbors, check.HasLen, 20)
	for i, nbrs := range m.Neighbors {
		c.Assert(nbrs, check.HasLen, 3)
		for _, j := range nbrs {
			c.Check(int(j) != i, check.Equals, true)
			c.Check((i < 10) == (int(j) < 10), check.Equals, true)
		}
	}
	c.Check(m.NeighborComponents, check.Equals, 2)
}

func (s *clusterSuite) TestBuildNeighborsValidatesConfig(c *check.C) {
	m := twoBlobs(c)
	c.Check(buildNeighbors(m, 0, 3), check.ErrorMatches, `configuration error:.*`)
	c.Check(buildNeighbors(m, 4, 3), check.ErrorMatches, `configuration error:.*`)
	c.Check(buildNeighbors(m, 2, 20), check.ErrorMatches, `configuration error:.*`)
	m.PCA = nil
	c.Check(buildNeighbors(m, 2, 3), check.ErrorMatches, `configuration error:.*run pca first`)
}

// With k=9 each blob is a 10-cell clique, so the modularity optimum
// is one community per blob and the partition can be asserted exactly.
func (s *clusterSuite) TestClusterCells(c *check.C) {
	m := twoBlobs(c)
	c.Assert(buildNeighbors(m, 2, 9), check.IsNil)
	n, err := clusterCells(m, 1.0, 1)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 2)
	want := make([]int, 20)
	for i := 10; i < 20; i++ {
		want[i] = 1
	}
	c.Check(m.Meta.Ints["cluster"], check.DeepEquals, want)
}

// A sparser graph may split a blob into more communities, but no
// community may span both blobs.
func (s *clusterSuite) TestClusterKeepsBlobsApart(c *check.C) {
	m := twoBlobs(c)
	c.Assert(buildNeighbors(m, 2, 3), check.IsNil)
	n, err := clusterCells(m, 1.0, 1)
	c.Assert(err, check.IsNil)
	c.Check(n >= 2, check.Equals, true)
	assigned := m.Meta.Ints["cluster"]
	blobOf := make(map[int]bool, n)
	for i, cl := range assigned {
		c.Check(cl >= 0 && cl < n, check.Equals, true)
		if prev, ok := blobOf[cl]; ok {
			c.Check(prev, check.Equals, i >= 10)
		} else {
			blobOf[cl] = i >= 10
		}
	}
}

// Same seed, same partition.
func (s *clusterSuite) TestClusterDeterministicWithSeed(c *check.C) {
	m1 := twoBlobs(c)
	c.Assert(buildNeighbors(m1, 2, 3), check.IsNil)
	_, err := clusterCells(m1, 1.0, 42)
	c.Assert(err, check.IsNil)

	m2 := twoBlobs(c)
	c.Assert(buildNeighbors(m2, 2, 3), check.IsNil)
	_, err = clusterCells(m2, 1.0, 42)
	c.Assert(err, check.IsNil)

	c.Check(m1.Meta.Ints["cluster"], check.DeepEquals, m2.Meta.Ints["cluster"])
}

func (s *clusterSuite) TestEmbedCells(c *check.C) {
	m := twoBlobs(c)
	c.Assert(buildNeighbors(m, 2, 3), check.IsNil)
	c.Assert(embedCells(m, 20, 1), check.IsNil)
	c.Assert(m.Embedding, check.HasLen, 40)
}
