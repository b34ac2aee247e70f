// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/layout"
)

// embedCmd computes a 2D force-directed layout of the neighbor graph
// for visualization. Coordinates go into the snapshot and optionally
// a TSV keyed by cell name.
type embedCmd struct{}

func (cmd *embedCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	coordsFilename := flags.String("coords-out", "", "also write cell_name/x/y TSV to `file`")
	updates := flags.Int("updates", 100, "layout iterations")
	seed := flags.Uint64("seed", 1, "random `seed`; the layout is stochastic, so runs are only reproducible with a fixed seed")
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
	err = embedCells(m, *updates, *seed)
	if err != nil {
		return 1
	}
	log.Infof("laid out %d cells", len(m.Cells))
	if *coordsFilename != "" {
		err = writeCoords(m, *coordsFilename, stdout)
		if err != nil {
			return 1
		}
	}
	m.Stage = "embed"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func embedCells(m *CountMatrix, updates int, seed uint64) error {
	g, err := neighborGraph(m)
	if err != nil {
		return err
	}
	eades := layout.EadesR2{Repulsion: 1, Rate: 0.05, Updates: updates, Theta: 0.2, Src: rand.NewSource(seed)}
	optimizer := layout.NewOptimizerR2(g, eades.Update)
	for optimizer.Update() {
	}
	m.Embedding = make([]float64, 2*len(m.Cells))
	for i := range m.Cells {
		v := optimizer.Coord2(int64(i))
		m.Embedding[2*i] = v.X
		m.Embedding[2*i+1] = v.Y
	}
	return nil
}

func writeCoords(m *CountMatrix, filename string, stdout io.Writer) error {
	f, err := openWriter(filename, stdout)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	fmt.Fprintf(bufw, "cell_name\tx\ty\n")
	for i, cell := range m.Cells {
		fmt.Fprintf(bufw, "%s\t%.6g\t%.6g\n", cell, m.Embedding[2*i], m.Embedding[2*i+1])
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
