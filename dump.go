// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"strings"
)

// dumpCmd prints a human-readable summary of a snapshot for
// debugging.
type dumpCmd struct{}

func (cmd *dumpCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	cells := flags.Int("cells", 10, "show the first `N` cells")
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
	bufw := bufio.NewWriter(stdout)
	fmt.Fprintf(bufw, "stage %q: %d genes × %d cells, %d nonzero entries\n", m.Stage, len(m.Genes), len(m.Cells), len(m.Raw.Value))
	fmt.Fprintf(bufw, "normalized %v, components %d, neighbors %v, embedding %v\n", m.Values != nil, m.PCAComponents, m.Neighbors != nil, m.Embedding != nil)
	fmt.Fprintf(bufw, "metadata columns: %s\n", strings.Join(m.Meta.Columns(), ", "))
	for i, cell := range m.Cells {
		if i >= *cells {
			fmt.Fprintf(bufw, "... %d more cells\n", len(m.Cells)-i)
			break
		}
		fmt.Fprintf(bufw, "cell %d: %q", i, cell)
		if col, ok := m.Meta.Strings["cell_type"]; ok {
			fmt.Fprintf(bufw, " type %q", col[i])
		}
		if col, ok := m.Meta.Ints["cluster"]; ok {
			fmt.Fprintf(bufw, " cluster %d", col[i])
		}
		if col, ok := m.Meta.Strings["label"]; ok {
			fmt.Fprintf(bufw, " label %q", col[i])
		}
		fmt.Fprintln(bufw)
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
