// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"flag"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// qcThresholds bounds cell quality metrics. All three bounds are
// strict: a cell survives only if
// MinGenes < genes_detected < MaxGenes and mito_fraction < MaxMito.
type qcThresholds struct {
	MinGenes   int
	MaxGenes   int
	MaxMito    float64
	MitoPrefix string
}

func (q *qcThresholds) Flags(flags *flag.FlagSet) {
	flags.IntVar(&q.MinGenes, "min-genes", 200, "drop cells with `N` or fewer detected genes")
	flags.IntVar(&q.MaxGenes, "max-genes", 6000, "drop cells with `N` or more detected genes")
	flags.Float64Var(&q.MaxMito, "max-mito", 0.15, "drop cells with mitochondrial count fraction ≥ `F`")
	flags.StringVar(&q.MitoPrefix, "mito-prefix", "MT-", "gene name `prefix` counted as mitochondrial")
}

// Apply computes per-cell QC metrics, attaches them to metadata, and
// returns a new container holding only the passing cells. Dropped
// cells are gone for all downstream stages.
func (q *qcThresholds) Apply(m *CountMatrix) (*CountMatrix, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	ncells := len(m.Cells)
	genesDetected := make([]float64, ncells)
	totals := make([]float64, ncells)
	mito := make([]float64, ncells)
	for i, v := range m.Raw.Value {
		c := m.Raw.CellIdx[i]
		if v > 0 {
			genesDetected[c]++
		}
		totals[c] += v
		if strings.HasPrefix(m.Genes[m.Raw.GeneIdx[i]], q.MitoPrefix) {
			mito[c] += v
		}
	}
	mitoFraction := make([]float64, ncells)
	for c := range mitoFraction {
		if totals[c] > 0 {
			mitoFraction[c] = mito[c] / totals[c]
		}
	}
	m.Meta.SetFloat("genes_detected", genesDetected)
	m.Meta.SetFloat("total_counts", totals)
	m.Meta.SetFloat("mito_fraction", mitoFraction)

	var keep []int
	for c := range m.Cells {
		if int(genesDetected[c]) > q.MinGenes && int(genesDetected[c]) < q.MaxGenes && mitoFraction[c] < q.MaxMito {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: no cells pass QC bounds (%d, %d, %g)", ErrConfig, q.MinGenes, q.MaxGenes, q.MaxMito)
	}
	out := m.SubsetCells(keep)
	out.Stage = "qc"
	return out, nil
}

type qcCmd struct {
	thresholds qcThresholds
}

func (cmd *qcCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.thresholds.Flags(flags)
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
	before := len(m.Cells)
	m, err = cmd.thresholds.Apply(m)
	if err != nil {
		return 1
	}
	log.Infof("qc kept %d of %d cells", len(m.Cells), before)
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}
