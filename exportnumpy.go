// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	"github.com/kshedden/gonpy"
)

// exportNumpy writes one of the container's matrices as a .npy array
// for downstream plotting or modelling outside this pipeline.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	field := flags.String("field", "values", "matrix to export: raw, values, pca, or embedding")
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
	var data []float64
	var rows, cols int
	switch *field {
	case "raw":
		rows, cols = len(m.Genes), len(m.Cells)
		data = make([]float64, rows*cols)
		for i, v := range m.Raw.Value {
			data[int(m.Raw.GeneIdx[i])*cols+int(m.Raw.CellIdx[i])] = v
		}
	case "values":
		rows, cols, data = len(m.Genes), len(m.Cells), m.Values
	case "pca":
		rows, cols, data = len(m.Cells), m.PCAComponents, m.PCA
	case "embedding":
		rows, cols, data = len(m.Cells), 2, m.Embedding
	default:
		err = fmt.Errorf("%w: unknown -field %q", ErrConfig, *field)
		return 2
	}
	if data == nil {
		err = fmt.Errorf("%w: snapshot (stage %q) has no %s matrix", ErrConfig, m.Stage, *field)
		return 1
	}

	output, err := openWriter(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(data)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
