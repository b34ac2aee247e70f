// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// cnvExportCmd snapshots the raw counts of a reference-vs-observation
// cell split for external copy-number inference: a tab-delimited
// count submatrix (3-decimal rounding, zero entries stay exactly
// zero) and a two-column cell/group annotation table. One-way export;
// nothing comes back into the container.
type cnvExportCmd struct {
	labelColumn string
	refTypes    string
	obsTypes    string
}

func (cmd *cnvExportCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	countsFilename := flags.String("counts-out", "counts.tsv", "output count submatrix `file`")
	annotationsFilename := flags.String("annotations-out", "annotations.tsv", "output cell group annotation `file`")
	flags.StringVar(&cmd.labelColumn, "label-column", "label", "metadata `column` holding cell-type labels (falls back to cell_type)")
	flags.StringVar(&cmd.refTypes, "ref-types", "", "comma-separated labels forming the copy-number-normal reference group (required)")
	flags.StringVar(&cmd.obsTypes, "obs-types", "", "comma-separated labels forming the observation group (default: every non-reference label)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.refTypes == "" {
		fmt.Fprintln(stderr, "cannot export without -ref-types argument")
		return 2
	}

	m, err := ReadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	ref, obs, err := cmd.split(m)
	if err != nil {
		return 1
	}
	log.Infof("exporting %d reference + %d observation cells", len(ref), len(obs))
	err = writeCNVBundle(m, cmd.labels(m), append(ref, obs...), *countsFilename, *annotationsFilename)
	if err != nil {
		return 1
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (cmd *cnvExportCmd) labels(m *CountMatrix) []string {
	if col, ok := m.Meta.Strings[cmd.labelColumn]; ok {
		return col
	}
	return m.Meta.Strings["cell_type"]
}

// split partitions cell indexes into reference and observation
// groups by label. Either group empty is ErrEmptyGroup, surfaced
// before any output file exists so the external inference step never
// runs on a meaningless bundle.
func (cmd *cnvExportCmd) split(m *CountMatrix) (ref, obs []int, err error) {
	labels := cmd.labels(m)
	if labels == nil {
		return nil, nil, fmt.Errorf("%w: no metadata column %q or cell_type", ErrConfig, cmd.labelColumn)
	}
	isRef := map[string]bool{}
	for _, t := range splitList(cmd.refTypes) {
		isRef[t] = true
	}
	var isObs map[string]bool
	if cmd.obsTypes != "" {
		isObs = map[string]bool{}
		for _, t := range splitList(cmd.obsTypes) {
			if isRef[t] {
				return nil, nil, fmt.Errorf("%w: label %q is in both -ref-types and -obs-types", ErrConfig, t)
			}
			isObs[t] = true
		}
	}
	for c, label := range labels {
		switch {
		case isRef[label]:
			ref = append(ref, c)
		case isObs == nil && label != "":
			obs = append(obs, c)
		case isObs != nil && isObs[label]:
			obs = append(obs, c)
		}
	}
	if len(ref) == 0 {
		return nil, nil, fmt.Errorf("%w: no cells labeled %s in column %q", ErrEmptyGroup, cmd.refTypes, cmd.labelColumn)
	}
	if len(obs) == 0 {
		return nil, nil, fmt.Errorf("%w: no observation cells in column %q", ErrEmptyGroup, cmd.labelColumn)
	}
	return ref, obs, nil
}

// round3 rounds to 3 decimal digits without ever flipping an entry
// between zero and non-zero.
func round3(v float64) float64 {
	if v == 0 {
		return 0
	}
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return math.Copysign(0.001, v)
	}
	return r
}

func formatCount(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(round3(v), 'f', -1, 64)
}

func writeCNVBundle(m *CountMatrix, labels []string, cells []int, countsFilename, annotationsFilename string) error {
	counts, err := os.OpenFile(countsFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer counts.Close()
	bufw := bufio.NewWriterSize(counts, 1<<20)
	for _, c := range cells {
		fmt.Fprintf(bufw, "\t%s", m.Cells[c])
	}
	fmt.Fprintln(bufw)
	// Dense row per gene; the external tool does not read sparse
	// input.
	ncells := len(m.Cells)
	row := make([]float64, ncells)
	byGene := make([][]int, len(m.Genes))
	for i := range m.Raw.Value {
		g := m.Raw.GeneIdx[i]
		byGene[g] = append(byGene[g], i)
	}
	for g, gene := range m.Genes {
		for i := range row {
			row[i] = 0
		}
		for _, i := range byGene[g] {
			row[m.Raw.CellIdx[i]] = m.Raw.Value[i]
		}
		fmt.Fprintf(bufw, "%s", gene)
		for _, c := range cells {
			fmt.Fprintf(bufw, "\t%s", formatCount(row[c]))
		}
		fmt.Fprintln(bufw)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = counts.Close()
	if err != nil {
		return err
	}

	ann, err := os.OpenFile(annotationsFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer ann.Close()
	bufw = bufio.NewWriter(ann)
	for _, c := range cells {
		fmt.Fprintf(bufw, "%s\t%s\n", m.Cells[c], labels[c])
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return ann.Close()
}

// cnvRunCmd invokes the external HMM-based CNV inference program as
// an opaque batch job. A non-zero exit propagates; malformed input
// (missing files, empty reference group) fails before the program
// starts.
type cnvRunCmd struct{}

func (cmd *cnvRunCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	countsFilename := flags.String("counts", "counts.tsv", "count submatrix `file` from cnv-export")
	annotationsFilename := flags.String("annotations", "annotations.tsv", "cell group annotation `file` from cnv-export")
	geneOrderFilename := flags.String("gene-order", "", "genomic position reference `file` (required)")
	outDir := flags.String("out-dir", "cnv", "output `directory` for result matrices and plots")
	refNames := flags.String("ref", "", "comma-separated reference group `names` (required)")
	cutoff := flags.Float64("cutoff", 0.1, "minimum average read count detection threshold")
	denoise := flags.Bool("denoise", true, "apply denoising to the inferred matrix")
	clusterByGroups := flags.Bool("cluster-by-groups", true, "cluster observation cells within their annotation groups")
	program := flags.String("prog", "infercnv", "external inference `program` to invoke")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *geneOrderFilename == "" || *refNames == "" {
		fmt.Fprintln(stderr, "cannot run inference without -gene-order and -ref arguments")
		return 2
	}

	err = checkCNVInput(*countsFilename, *annotationsFilename, *geneOrderFilename, splitList(*refNames))
	if err != nil {
		return 1
	}
	execArgs := []string{
		"--raw_counts_matrix", *countsFilename,
		"--annotations_file", *annotationsFilename,
		"--gene_order_file", *geneOrderFilename,
		"--ref_group_names", *refNames,
		"--cutoff", strconv.FormatFloat(*cutoff, 'g', -1, 64),
		"--out_dir", *outDir,
	}
	if *denoise {
		execArgs = append(execArgs, "--denoise")
	}
	if *clusterByGroups {
		execArgs = append(execArgs, "--cluster_by_groups")
	}
	log.Infof("running %s %s", *program, strings.Join(execArgs, " "))
	external := exec.Command(*program, execArgs...)
	external.Stdout = stdout
	external.Stderr = stderr
	err = external.Run()
	if err != nil {
		err = fmt.Errorf("%s: %w", *program, err)
		return 1
	}
	fmt.Fprintln(stdout, *outDir)
	return 0
}

// checkCNVInput validates the exported bundle: the annotation table
// must give the reference names at least one cell and leave at least
// one observation cell.
func checkCNVInput(countsFilename, annotationsFilename, geneOrderFilename string, refNames []string) error {
	for _, filename := range []string{countsFilename, annotationsFilename, geneOrderFilename} {
		if _, err := os.Stat(filename); err != nil {
			return err
		}
	}
	f, err := os.Open(annotationsFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	isRef := map[string]bool{}
	for _, name := range refNames {
		isRef[name] = true
	}
	nref, nobs := 0, 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 2 {
			return fmt.Errorf("%s: malformed annotation line %q", annotationsFilename, scanner.Text())
		}
		if isRef[fields[1]] {
			nref++
		} else {
			nobs++
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if nref == 0 {
		return fmt.Errorf("%w: %s has no cells in reference groups %v", ErrEmptyGroup, annotationsFilename, refNames)
	}
	if nobs == 0 {
		return fmt.Errorf("%w: %s has no observation cells", ErrEmptyGroup, annotationsFilename)
	}
	return nil
}
