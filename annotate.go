// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// clusterLabel is one cluster's assignment in the annotate report.
type clusterLabel struct {
	Cluster int
	Label   string
	Cells   int
	Score   float64
	// TiedWith lists other labels whose cluster-average score
	// equalled the winner's. Non-empty means the tie-break rule
	// fired: the previous label was kept if it was among the tied
	// candidates, otherwise the first candidate in sorted order won.
	TiedWith []string
}

// annotateCmd assigns one cell-type label per cluster: the marker set
// whose score_<set> column has the highest cluster-average value.
// Ties are reported, never silently resolved.
type annotateCmd struct{}

func (cmd *annotateCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	reportFilename := flags.String("report", "", "write per-cluster assignment TSV to `file` (default stderr)")
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
	report, err := annotateClusters(m)
	if err != nil {
		return 1
	}
	if *reportFilename != "" {
		err = writeAnnotateReport(report, *reportFilename, stdout)
	} else {
		err = writeAnnotateReport(report, "-", stderr)
	}
	if err != nil {
		return 1
	}
	m.Stage = "annotate"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// annotateClusters writes the winning label per cluster into the
// "label" metadata column. On a tied top score the previous label is
// kept when it is one of the tied candidates; either way the tie is
// reported, not silently resolved.
func annotateClusters(m *CountMatrix) ([]clusterLabel, error) {
	clusters, ok := m.Meta.Ints["cluster"]
	if !ok {
		return nil, fmt.Errorf("%w: no cluster assignment; run cluster first", ErrConfig)
	}
	var setNames []string
	for col := range m.Meta.Floats {
		if name, found := strings.CutPrefix(col, "score_"); found {
			setNames = append(setNames, name)
		}
	}
	if len(setNames) == 0 {
		return nil, fmt.Errorf("%w: no score_ columns; run score first", ErrConfig)
	}
	sort.Strings(setNames)

	nclusters := 0
	for _, cl := range clusters {
		if cl >= nclusters {
			nclusters = cl + 1
		}
	}
	size := make([]int, nclusters)
	for _, cl := range clusters {
		size[cl]++
	}

	prior := m.Meta.Strings["label"]
	labels := make([]string, len(m.Cells))
	var report []clusterLabel
	for cl := 0; cl < nclusters; cl++ {
		if size[cl] == 0 {
			continue
		}
		best, tied := -1.0, []string(nil)
		for _, name := range setNames {
			scores := m.Meta.Floats["score_"+name]
			mean := 0.0
			for c, cluster := range clusters {
				if cluster == cl {
					mean += scores[c]
				}
			}
			mean /= float64(size[cl])
			switch {
			case len(tied) == 0 || mean > best:
				best, tied = mean, []string{name}
			case mean == best:
				tied = append(tied, name)
			}
		}
		entry := clusterLabel{Cluster: cl, Cells: size[cl], Score: best, Label: tied[0]}
		if len(tied) > 1 {
			if keep := clusterPriorLabel(prior, clusters, cl); keep != "" && contains(tied, keep) {
				entry.Label = keep
			}
			for _, name := range tied {
				if name != entry.Label {
					entry.TiedWith = append(entry.TiedWith, name)
				}
			}
			log.Warnf("cluster %d: tied top score %g between %v; keeping %q", cl, best, tied, entry.Label)
		}
		for c, cluster := range clusters {
			if cluster == cl {
				labels[c] = entry.Label
			}
		}
		report = append(report, entry)
	}
	m.Meta.SetString("label", labels)
	return report, nil
}

// clusterPriorLabel returns the label most of the cluster's cells
// already carry, or "" if none do.
func clusterPriorLabel(prior []string, clusters []int, cl int) string {
	if prior == nil {
		return ""
	}
	votes := map[string]int{}
	for c, cluster := range clusters {
		if cluster == cl && prior[c] != "" {
			votes[prior[c]]++
		}
	}
	winner, n := "", 0
	for label, v := range votes {
		if v > n || (v == n && label < winner) {
			winner, n = label, v
		}
	}
	return winner
}

func contains(names []string, want string) bool {
	for _, name := range names {
		if name == want {
			return true
		}
	}
	return false
}

func writeAnnotateReport(report []clusterLabel, filename string, stdout io.Writer) error {
	f, err := openWriter(filename, stdout)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	fmt.Fprintf(bufw, "cluster\tlabel\tcells\tscore\ttied_with\n")
	for _, entry := range report {
		fmt.Fprintf(bufw, "%d\t%s\t%d\t%.6g\t%s\n", entry.Cluster, entry.Label, entry.Cells, entry.Score, strings.Join(entry.TiedWith, ","))
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}
