// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// pcaCmd projects cells into component space. The matrix is
// genes×cells, so columns are the samples nlp's PCA expects. The
// variance-explained curve goes to a TSV for manual elbow
// inspection; the component cutoff used downstream is always an
// explicit flag on later stages, never inferred here.
type pcaCmd struct{}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	components := flags.Int("components", 50, "number of principal components")
	varianceFilename := flags.String("variance-out", "", "write explained-variance curve TSV to `file` for elbow selection")
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
	if m.Values == nil {
		err = fmt.Errorf("%w: snapshot (stage %q) has no normalized values; run normalize first", ErrConfig, m.Stage)
		return 1
	}
	log.Infof("fitting %d components over %d genes × %d cells", *components, len(m.Genes), len(m.Cells))
	err = fitPCA(m, *components)
	if err != nil {
		return 1
	}
	if *varianceFilename != "" {
		err = writeVarianceCurve(m, *varianceFilename, stdout)
		if err != nil {
			return 1
		}
	}
	m.Stage = "pca"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// fitPCA stores cells×components scores and the per-component share
// of total variance.
func fitPCA(m *CountMatrix, components int) error {
	if max := min(len(m.Genes), len(m.Cells)); components > max {
		return fmt.Errorf("%w: %d components exceeds min(genes, cells) = %d", ErrConfig, components, max)
	}
	mtx := m.ValuesDense()
	transformer := nlp.NewPCA(components)
	transformer.Fit(mtx)
	reduced, err := transformer.Transform(mtx)
	if err != nil {
		return fmt.Errorf("pca transform: %w", err)
	}
	ncells := len(m.Cells)
	m.PCAComponents = components
	m.PCA = make([]float64, ncells*components)
	for k := 0; k < components; k++ {
		for c := 0; c < ncells; c++ {
			m.PCA[c*components+k] = reduced.At(k, c)
		}
	}

	// Fraction of total variance per component: component score
	// variance over the summed per-gene variance of the input.
	total := 0.0
	row := make([]float64, ncells)
	for g := range m.Genes {
		copy(row, m.Values[g*ncells:(g+1)*ncells])
		total += stat.Variance(row, nil)
	}
	m.ExplainedVar = make([]float64, components)
	scores := make([]float64, ncells)
	for k := 0; k < components; k++ {
		for c := 0; c < ncells; c++ {
			scores[c] = m.PCA[c*components+k]
		}
		if total > 0 {
			m.ExplainedVar[k] = stat.Variance(scores, nil) / total
		}
	}
	return nil
}

func writeVarianceCurve(m *CountMatrix, filename string, stdout io.Writer) error {
	f, err := openWriter(filename, stdout)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	fmt.Fprintf(bufw, "component\tvariance_fraction\tcumulative\n")
	cum := 0.0
	for k, v := range m.ExplainedVar {
		cum += v
		fmt.Fprintf(bufw, "%d\t%.6g\t%.6g\n", k+1, v, cum)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
