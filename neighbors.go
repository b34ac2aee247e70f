// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"flag"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
)

// neighborsCmd builds a k-nearest-neighbor graph over cells in the
// space of the first K principal components. K is a required,
// explicit choice made from the pca variance curve.
type neighborsCmd struct{}

func (cmd *neighborsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output snapshot `file`")
	useComponents := flags.Int("use-components", 0, "number of leading components `K` to use (required; choose from the pca variance curve)")
	k := flags.Int("k", 15, "neighbors per cell")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	m, err := ReadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	err = buildNeighbors(m, *useComponents, *k)
	if err != nil {
		return 1
	}
	log.Infof("built %d-NN graph over %d cells in %d components", *k, len(m.Cells), *useComponents)
	m.Stage = "neighbors"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// buildNeighbors finds, for each cell, the k nearest other cells by
// Euclidean distance in the first useComponents score dimensions.
func buildNeighbors(m *CountMatrix, useComponents, k int) error {
	if m.PCA == nil {
		return fmt.Errorf("%w: snapshot (stage %q) has no components; run pca first", ErrConfig, m.Stage)
	}
	if useComponents < 1 || useComponents > m.PCAComponents {
		return fmt.Errorf("%w: -use-components must be in 1..%d", ErrConfig, m.PCAComponents)
	}
	ncells := len(m.Cells)
	if k < 1 || k >= ncells {
		return fmt.Errorf("%w: -k must be in 1..%d", ErrConfig, ncells-1)
	}
	type candidate struct {
		idx  int32
		dist float64
	}
	m.Neighbors = make([][]int32, ncells)
	cand := make([]candidate, 0, ncells)
	for i := 0; i < ncells; i++ {
		cand = cand[:0]
		pi := m.PCA[i*m.PCAComponents : i*m.PCAComponents+useComponents]
		for j := 0; j < ncells; j++ {
			if j == i {
				continue
			}
			pj := m.PCA[j*m.PCAComponents : j*m.PCAComponents+useComponents]
			d := 0.0
			for dim, x := range pi {
				diff := x - pj[dim]
				d += diff * diff
			}
			cand = append(cand, candidate{int32(j), d})
		}
		sort.Slice(cand, func(a, b int) bool {
			if cand[a].dist != cand[b].dist {
				return cand[a].dist < cand[b].dist
			}
			return cand[a].idx < cand[b].idx
		})
		nbrs := make([]int32, k)
		for n := 0; n < k; n++ {
			nbrs[n] = cand[n].idx
		}
		m.Neighbors[i] = nbrs
	}
	m.NeighborComponents = useComponents
	return nil
}

// neighborGraph converts the stored adjacency lists into an
// undirected gonum graph with one node per cell.
func neighborGraph(m *CountMatrix) (*simple.UndirectedGraph, error) {
	if m.Neighbors == nil {
		return nil, fmt.Errorf("%w: snapshot (stage %q) has no neighbor graph; run neighbors first", ErrConfig, m.Stage)
	}
	g := simple.NewUndirectedGraph()
	for i := range m.Cells {
		g.AddNode(simple.Node(i))
	}
	for i, nbrs := range m.Neighbors {
		for _, j := range nbrs {
			if int64(i) == int64(j) {
				continue
			}
			g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
		}
	}
	return g, nil
}
