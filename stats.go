// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
)

type statsCmd struct{}

func (cmd *statsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output `file`")
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
	output, err := openWriter(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	defer output.Close()
	err = doStats(m, output)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func doStats(m *CountMatrix, output io.Writer) error {
	var ret struct {
		Stage               string
		Genes               int
		Cells               int
		NonZeroEntries      int
		TotalCountQuartiles []float64
		Normalized          bool
		PCAComponents       int   `json:",omitempty"`
		ClusterSizes        []int `json:",omitempty"`
		MetadataColumns     []string
	}
	ret.Stage = m.Stage
	ret.Genes = len(m.Genes)
	ret.Cells = len(m.Cells)
	ret.NonZeroEntries = len(m.Raw.Value)
	ret.Normalized = m.Values != nil
	ret.PCAComponents = m.PCAComponents
	ret.MetadataColumns = m.Meta.Columns()

	totals := m.TotalCounts()
	sort.Float64s(totals)
	for _, q := range []float64{0, 0.25, 0.5, 0.75, 1} {
		idx := int(q * float64(len(totals)-1))
		ret.TotalCountQuartiles = append(ret.TotalCountQuartiles, totals[idx])
	}

	if clusters, ok := m.Meta.Ints["cluster"]; ok {
		for _, cl := range clusters {
			for len(ret.ClusterSizes) <= cl {
				ret.ClusterSizes = append(ret.ClusterSizes, 0)
			}
			ret.ClusterSizes[cl]++
		}
	}
	return json.NewEncoder(output).Encode(ret)
}
