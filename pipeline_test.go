// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// writeTestInputs builds a synthetic dataset: 20 "A" cells expressing
// A1/A2, 20 "B" cells expressing B1/B2, and one low-quality cell that
// QC must drop.
func writeTestInputs(c *check.C, dir string) {
	genes := []string{"A1", "A2", "B1", "B2", "MT-ND1", "F1", "F2", "F3", "F4", "F5"}
	writeFile(c, dir+"/genes.txt", strings.Join(genes, "\n")+"\n")

	var cells bytes.Buffer
	var meta bytes.Buffer
	fmt.Fprintln(&cells, "cell_name")
	fmt.Fprintln(&meta, "cell_name,cell_type")
	type entry struct{ gene, cell, count int }
	var entries []entry
	cellIdx := 0
	addCell := func(name, ctype string, counts map[int]int) {
		fmt.Fprintln(&cells, name)
		fmt.Fprintf(&meta, "%s,%s\n", name, ctype)
		for g, v := range counts {
			entries = append(entries, entry{g, cellIdx, v})
		}
		cellIdx++
	}
	for i := 0; i < 20; i++ {
		addCell(fmt.Sprintf("cellA%02d", i), "immune", map[int]int{
			0: 20 + i%3, // A1
			1: 18,       // A2
			4: 1,        // MT-ND1
			5: 5 + i%2,  // F1
			6: 3,        // F2
		})
	}
	for i := 0; i < 20; i++ {
		addCell(fmt.Sprintf("cellB%02d", i), "tumor", map[int]int{
			2: 20 + i%3, // B1
			3: 18,       // B2
			4: 1,        // MT-ND1
			7: 5 + i%2,  // F3
			8: 3,        // F4
		})
	}
	addCell("lowq", "immune", map[int]int{0: 1, 4: 1})
	writeFile(c, dir+"/cells.csv", cells.String())
	writeFile(c, dir+"/meta.csv", meta.String())

	var mtx bytes.Buffer
	fmt.Fprintln(&mtx, "%%MatrixMarket matrix coordinate integer general")
	fmt.Fprintf(&mtx, "%d %d %d\n", len(genes), cellIdx, len(entries))
	for _, e := range entries {
		fmt.Fprintf(&mtx, "%d %d %d\n", e.gene+1, e.cell+1, e.count)
	}
	writeFile(c, dir+"/counts.mtx", mtx.String())

	writeFile(c, dir+"/markers.yaml", "A: [A1, A2]\nB: [B1, B2]\n")
}

func (s *pipelineSuite) TestPipeline(c *check.C) {
	dir := c.MkDir()
	writeTestInputs(c, dir)

	c.Log("=== load ===")
	exited := (&loadCmd{}).RunCommand("load", []string{
		"-genes", dir + "/genes.txt",
		"-cells", dir + "/cells.csv",
		"-meta", dir + "/meta.csv",
		"-o", dir + "/raw.gob",
		dir + "/counts.mtx",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== qc ===")
	exited = (&qcCmd{}).RunCommand("qc", []string{
		"-i", dir + "/raw.gob",
		"-o", dir + "/qc.gob.gz",
		"-min-genes", "2",
		"-max-genes", "9",
		"-max-mito", "0.5",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	m, err := ReadSnapshot(dir+"/qc.gob.gz", nil)
	c.Assert(err, check.IsNil)
	c.Check(m.Cells, check.HasLen, 40)

	c.Log("=== normalize ===")
	exited = (&normalizeCmd{}).RunCommand("normalize", []string{
		"-i", dir + "/qc.gob.gz",
		"-o", dir + "/norm.gob",
		"-regress", "mito_fraction",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== pca ===")
	exited = (&pcaCmd{}).RunCommand("pca", []string{
		"-i", dir + "/norm.gob",
		"-o", dir + "/pca.gob",
		"-components", "3",
		"-variance-out", dir + "/variance.tsv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	variance, err := os.ReadFile(dir + "/variance.tsv")
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(variance), "\n"), check.Equals, 4)

	c.Log("=== neighbors ===")
	exited = (&neighborsCmd{}).RunCommand("neighbors", []string{
		"-i", dir + "/pca.gob",
		"-o", dir + "/nn.gob",
		"-use-components", "2",
		"-k", "5",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== cluster ===")
	exited = (&clusterCmd{}).RunCommand("cluster", []string{
		"-i", dir + "/nn.gob",
		"-o", dir + "/clustered.gob",
		"-seed", "1",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== embed ===")
	exited = (&embedCmd{}).RunCommand("embed", []string{
		"-i", dir + "/clustered.gob",
		"-o", dir + "/embedded.gob",
		"-updates", "20",
		"-coords-out", dir + "/coords.tsv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== score ===")
	exited = (&scoreCmd{}).RunCommand("score", []string{
		"-i", dir + "/embedded.gob",
		"-o", dir + "/scored.gob",
		"-markers", dir + "/markers.yaml",
		"-bins", "1",
		"-controls", "10",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	c.Log("=== annotate ===")
	exited = (&annotateCmd{}).RunCommand("annotate", []string{
		"-i", dir + "/scored.gob",
		"-o", dir + "/annotated.gob",
		"-report", dir + "/labels.tsv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	m, err = ReadSnapshot(dir+"/annotated.gob", nil)
	c.Assert(err, check.IsNil)
	labels := m.Meta.Strings["label"]
	c.Assert(labels, check.HasLen, 40)
	for i, cell := range m.Cells {
		if strings.HasPrefix(cell, "cellA") {
			c.Check(labels[i], check.Equals, "A")
		} else {
			c.Check(labels[i], check.Equals, "B")
		}
	}

	c.Log("=== cnv-export ===")
	exited = (&cnvExportCmd{}).RunCommand("cnv-export", []string{
		"-i", dir + "/annotated.gob",
		"-ref-types", "A",
		"-counts-out", dir + "/cnv-counts.tsv",
		"-annotations-out", dir + "/cnv-annotations.tsv",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	counts, err := os.ReadFile(dir + "/cnv-counts.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimRight(string(counts), "\n"), "\n")
	c.Assert(lines, check.HasLen, 11)
	c.Check(strings.Count(lines[0], "\t"), check.Equals, 40)
	ann, err := os.ReadFile(dir + "/cnv-annotations.tsv")
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(ann), "\n"), check.Equals, 40)
	c.Check(checkCNVInput(dir+"/cnv-counts.tsv", dir+"/cnv-annotations.tsv", dir+"/cnv-counts.tsv", []string{"A"}), check.IsNil)

	c.Log("=== stats ===")
	var statsOut bytes.Buffer
	exited = (&statsCmd{}).RunCommand("stats", []string{
		"-i", dir + "/annotated.gob",
	}, nil, &statsOut, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	var summary struct {
		Stage        string
		Genes, Cells int
		ClusterSizes []int
	}
	c.Assert(json.Unmarshal(statsOut.Bytes(), &summary), check.IsNil)
	c.Check(summary.Stage, check.Equals, "annotate")
	c.Check(summary.Genes, check.Equals, 10)
	c.Check(summary.Cells, check.Equals, 40)
	total := 0
	for _, n := range summary.ClusterSizes {
		total += n
	}
	c.Check(total, check.Equals, 40)

	c.Log("=== export-numpy ===")
	exited = (&exportNumpy{}).RunCommand("export-numpy", []string{
		"-i", dir + "/annotated.gob",
		"-o", dir + "/pca.npy",
		"-field", "pca",
	}, nil, os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	npy, err := os.Stat(dir + "/pca.npy")
	c.Assert(err, check.IsNil)
	c.Check(npy.Size() > 0, check.Equals, true)

	c.Log("=== dump ===")
	var dumpOut bytes.Buffer
	exited = (&dumpCmd{}).RunCommand("dump", []string{
		"-i", dir + "/annotated.gob",
	}, nil, &dumpOut, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	c.Check(strings.Contains(dumpOut.String(), "40 cells"), check.Equals, true)
}

func (s *pipelineSuite) TestLoadRejectsShapeMismatch(c *check.C) {
	dir := c.MkDir()
	writeTestInputs(c, dir)
	writeFile(c, dir+"/bad.mtx", "%%MatrixMarket matrix coordinate integer general\n3 2 1\n1 1 5\n")
	var stderr bytes.Buffer
	exited := (&loadCmd{}).RunCommand("load", []string{
		"-genes", dir + "/genes.txt",
		"-cells", dir + "/cells.csv",
		"-meta", dir + "/meta.csv",
		"-o", dir + "/raw.gob",
		dir + "/bad.mtx",
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), "dimension mismatch"), check.Equals, true)
	c.Check(strings.Contains(stderr.String(), "bad.mtx"), check.Equals, true)
}

func (s *pipelineSuite) TestLoadRejectsDuplicateEntry(c *check.C) {
	dir := c.MkDir()
	writeTestInputs(c, dir)
	writeFile(c, dir+"/dup.mtx", "%%MatrixMarket matrix coordinate integer general\n10 41 2\n1 1 5\n1 1 3\n")
	var stderr bytes.Buffer
	exited := (&loadCmd{}).RunCommand("load", []string{
		"-genes", dir + "/genes.txt",
		"-cells", dir + "/cells.csv",
		"-meta", dir + "/meta.csv",
		"-o", dir + "/raw.gob",
		dir + "/dup.mtx",
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), "duplicate entry (1,1)"), check.Equals, true)
	c.Check(strings.Contains(stderr.String(), "dup.mtx"), check.Equals, true)
}

func (s *pipelineSuite) TestLoadRejectsMissingMetadataColumn(c *check.C) {
	dir := c.MkDir()
	writeTestInputs(c, dir)
	writeFile(c, dir+"/meta-notype.csv", "cell_name,flavor\ncellA00,x\n")
	var stderr bytes.Buffer
	exited := (&loadCmd{}).RunCommand("load", []string{
		"-genes", dir + "/genes.txt",
		"-cells", dir + "/cells.csv",
		"-meta", dir + "/meta-notype.csv",
		"-o", dir + "/raw.gob",
		dir + "/counts.mtx",
	}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(strings.Contains(stderr.String(), `missing required column "cell_type"`), check.Equals, true)
}
