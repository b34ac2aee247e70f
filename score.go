// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// MarkerSets maps cell-type name to an ordered list of marker gene
// symbols. Curated input, read-only.
type MarkerSets map[string][]string

// ReadMarkerSets loads marker sets from a YAML file of the form
//
//	Tcell: [CD3D, CD3E, CD2]
//	Bcell: [CD79A, MS4A1]
func ReadMarkerSets(filename string) (MarkerSets, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var sets MarkerSets
	err = yaml.Unmarshal(buf, &sets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: %s: no marker sets", ErrConfig, filename)
	}
	for name, genes := range sets {
		if len(genes) == 0 {
			return nil, fmt.Errorf("%w: %s: marker set %q is empty", ErrConfig, filename, name)
		}
	}
	return sets, nil
}

// Names returns the set names, sorted.
func (sets MarkerSets) Names() []string {
	var names []string
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scoreCmd attaches one score_<set> metadata column per marker set:
// the mean normalized expression of the set's genes in each cell,
// background-corrected against control genes drawn from matching
// average-expression bins.
type scoreCmd struct{}

func (cmd *scoreCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	markersFilename := flags.String("markers", "", "marker gene sets YAML `file`")
	bins := flags.Int("bins", 25, "average-expression bins for control gene matching")
	controls := flags.Int("controls", 50, "control genes drawn per marker gene")
	seed := flags.Int64("seed", 1, "random `seed` for control gene draws")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *markersFilename == "" {
		fmt.Fprintln(stderr, "cannot score without -markers argument")
		return 2
	}

	sets, err := ReadMarkerSets(*markersFilename)
	if err != nil {
		return 1
	}
	m, err := ReadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	if m.Values == nil {
		err = fmt.Errorf("%w: snapshot (stage %q) has no normalized values; run normalize first", ErrConfig, m.Stage)
		return 1
	}
	err = scoreMarkerSets(m, sets, *bins, *controls, *seed)
	if err != nil {
		return 1
	}
	m.Stage = "score"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func scoreMarkerSets(m *CountMatrix, sets MarkerSets, nbins, ncontrols int, seed int64) error {
	binOf := expressionBins(m, nbins)
	geneIdx := map[string][]int{}
	for g, name := range m.Genes {
		geneIdx[name] = append(geneIdx[name], g)
	}
	rng := rand.New(rand.NewSource(seed))
	for _, name := range sets.Names() {
		var members []int
		for _, gene := range sets[name] {
			members = append(members, geneIdx[gene]...)
		}
		if len(members) == 0 {
			return fmt.Errorf("%w: marker set %q: none of its %d genes are present in the expression matrix", ErrConfig, name, len(sets[name]))
		}
		if missing := len(sets[name]) - presentCount(sets[name], geneIdx); missing > 0 {
			log.Warnf("marker set %q: %d of %d genes absent from matrix", name, missing, len(sets[name]))
		}
		m.Meta.SetFloat("score_"+name, moduleScore(m, members, binOf, ncontrols, rng))
	}
	return nil
}

func presentCount(genes []string, geneIdx map[string][]int) int {
	n := 0
	for _, gene := range genes {
		if len(geneIdx[gene]) > 0 {
			n++
		}
	}
	return n
}

// expressionBins orders genes by mean normalized expression and
// splits them into nbins near-equal groups. binOf[g] holds the gene
// indexes sharing gene g's bin.
func expressionBins(m *CountMatrix, nbins int) [][]int {
	ncells := len(m.Cells)
	ngenes := len(m.Genes)
	means := make([]float64, ngenes)
	for g := 0; g < ngenes; g++ {
		sum := 0.0
		for _, v := range m.Values[g*ncells : (g+1)*ncells] {
			sum += v
		}
		means[g] = sum / float64(ncells)
	}
	order := make([]int, ngenes)
	for g := range order {
		order[g] = g
	}
	sort.Slice(order, func(i, j int) bool {
		if means[order[i]] != means[order[j]] {
			return means[order[i]] < means[order[j]]
		}
		return order[i] < order[j]
	})
	if nbins > ngenes {
		nbins = ngenes
	}
	binOf := make([][]int, ngenes)
	for b := 0; b < nbins; b++ {
		lo := b * ngenes / nbins
		hi := (b + 1) * ngenes / nbins
		bin := order[lo:hi]
		for _, g := range bin {
			binOf[g] = bin
		}
	}
	return binOf
}

// moduleScore is the per-cell mean expression over member genes minus
// the mean over control genes sampled (without replacement) from each
// member's expression bin.
func moduleScore(m *CountMatrix, members []int, binOf [][]int, ncontrols int, rng *rand.Rand) []float64 {
	ncells := len(m.Cells)
	score := make([]float64, ncells)
	for _, g := range members {
		for c, v := range m.Values[g*ncells : (g+1)*ncells] {
			score[c] += v
		}
	}
	for c := range score {
		score[c] /= float64(len(members))
	}

	ctrl := make([]float64, ncells)
	nctrl := 0
	for _, g := range members {
		bin := binOf[g]
		n := ncontrols
		if n > len(bin) {
			n = len(bin)
		}
		for _, pick := range rng.Perm(len(bin))[:n] {
			cg := bin[pick]
			for c, v := range m.Values[cg*ncells : (cg+1)*ncells] {
				ctrl[c] += v
			}
			nctrl++
		}
	}
	if nctrl > 0 {
		for c := range score {
			score[c] -= ctrl[c] / float64(nctrl)
		}
	}
	return score
}
