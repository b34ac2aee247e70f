// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// loadCmd reads a gene list, a cell list, a cell metadata table and a
// MatrixMarket counts file into one container snapshot. Matrix rows
// are genes, columns are cells; column order follows the cell list.
type loadCmd struct {
	genesFilename  string
	cellsFilename  string
	metaFilename   string
	outputFilename string
}

func (cmd *loadCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.genesFilename, "genes", "", "gene identifier list, one per line (`file`, .gz ok)")
	flags.StringVar(&cmd.cellsFilename, "cells", "", "cell list with header row (`file`)")
	flags.StringVar(&cmd.metaFilename, "meta", "", "cell metadata table with cell_name and cell_type columns (`file`)")
	flags.StringVar(&cmd.outputFilename, "o", "-", "output snapshot `file`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.genesFilename == "" || cmd.cellsFilename == "" || cmd.metaFilename == "" {
		fmt.Fprintln(stderr, "cannot load without -genes, -cells, and -meta arguments")
		return 2
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s [options] counts.mtx\n", prog)
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	m, err := cmd.load(flags.Arg(0), stdin)
	if err != nil {
		return 1
	}
	log.Infof("loaded %d genes × %d cells, %d nonzero entries", len(m.Genes), len(m.Cells), len(m.Raw.Value))
	err = WriteSnapshot(m, cmd.outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *loadCmd) load(countsFilename string, stdin io.Reader) (*CountMatrix, error) {
	genes, err := readGeneList(cmd.genesFilename, stdin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.genesFilename, err)
	}
	cells, err := readCellList(cmd.cellsFilename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.cellsFilename, err)
	}
	raw, err := readMatrixMarket(countsFilename, len(genes), len(cells))
	if err != nil {
		return nil, err
	}
	m, err := NewCountMatrix(genes, cells, raw)
	if err != nil {
		return nil, err
	}
	err = attachMetadata(m, cmd.metaFilename)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func readGeneList(filename string, stdin io.Reader) ([]string, error) {
	f, err := open(filename, stdin)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var genes []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			genes = append(genes, id)
		}
	}
	return genes, scanner.Err()
}

// readTable reads a delimited table with a header row, sniffing tab
// vs. comma from the header.
func readTable(filename string) (header []string, rows [][]string, err error) {
	f, err := open(filename, nil)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	first, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	sep := ','
	if strings.ContainsRune(first, '\t') {
		sep = '\t'
	}
	rdr := csv.NewReader(io.MultiReader(strings.NewReader(first), br))
	rdr.Comma = sep
	all, err := rdr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("%w: empty table", ErrConfig)
	}
	return all[0], all[1:], nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

func readCellList(filename string) ([]string, error) {
	header, rows, err := readTable(filename)
	if err != nil {
		return nil, err
	}
	col := columnIndex(header, "cell_name")
	if col < 0 {
		col = 0
	}
	cells := make([]string, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, row[col])
	}
	return cells, nil
}

// attachMetadata joins the metadata table onto m by cell_name and
// attaches cell_type plus any extra columns as string metadata.
func attachMetadata(m *CountMatrix, filename string) error {
	header, rows, err := readTable(filename)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	nameCol := columnIndex(header, "cell_name")
	typeCol := columnIndex(header, "cell_type")
	if nameCol < 0 {
		return fmt.Errorf("%w: %s: missing required column %q", ErrConfig, filename, "cell_name")
	}
	if typeCol < 0 {
		return fmt.Errorf("%w: %s: missing required column %q", ErrConfig, filename, "cell_type")
	}
	byName := make(map[string][]string, len(rows))
	for _, row := range rows {
		byName[row[nameCol]] = row
	}
	missing := 0
	for col, colName := range header {
		if col == nameCol {
			continue
		}
		vals := make([]string, len(m.Cells))
		for i, cell := range m.Cells {
			row, ok := byName[cell]
			if !ok || col >= len(row) {
				if col == typeCol {
					missing++
				}
				continue
			}
			vals[i] = row[col]
		}
		m.Meta.SetString(colName, vals)
	}
	if missing > 0 {
		log.Warnf("%s: no metadata row for %d of %d cells", filename, missing, len(m.Cells))
	}
	return nil
}

// readMatrixMarket reads a coordinate-format sparse matrix
// (rows=genes, cols=cells, nonnegative integer values) and checks its
// declared shape against the identifier list lengths.
func readMatrixMarket(filename string, ngenes, ncells int) (Coo, error) {
	var raw Coo
	f, err := open(filename, nil)
	if err != nil {
		return raw, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<20)
	sawDims := false
	line := 0
	var coords map[int64]bool
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "%") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return raw, fmt.Errorf("%s line %d: expected 3 fields, got %d", filename, line, len(fields))
		}
		if !sawDims {
			rows, err1 := strconv.Atoi(fields[0])
			cols, err2 := strconv.Atoi(fields[1])
			if err1 != nil || err2 != nil {
				return raw, fmt.Errorf("%s line %d: malformed size line %q", filename, line, text)
			}
			if rows != ngenes || cols != ncells {
				return raw, fmt.Errorf("%w: %s declares %d×%d but gene list has %d entries and cell list has %d", ErrDimensionMismatch, filename, rows, cols, ngenes, ncells)
			}
			sawDims = true
			coords = make(map[int64]bool)
			continue
		}
		g, err1 := strconv.Atoi(fields[0])
		c, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return raw, fmt.Errorf("%s line %d: malformed entry %q", filename, line, text)
		}
		if g < 1 || g > ngenes || c < 1 || c > ncells {
			return raw, fmt.Errorf("%w: %s line %d: entry (%d,%d) outside %d×%d", ErrDimensionMismatch, filename, line, g, c, ngenes, ncells)
		}
		if v < 0 || v != float64(int64(v)) {
			return raw, fmt.Errorf("%s line %d: count %q is not a nonnegative integer", filename, line, fields[2])
		}
		key := int64(g-1)*int64(ncells) + int64(c-1)
		if coords[key] {
			return raw, fmt.Errorf("%w: %s line %d: duplicate entry (%d,%d)", ErrDimensionMismatch, filename, line, g, c)
		}
		coords[key] = true
		raw.GeneIdx = append(raw.GeneIdx, int32(g-1))
		raw.CellIdx = append(raw.CellIdx, int32(c-1))
		raw.Value = append(raw.Value, v)
	}
	if err := scanner.Err(); err != nil {
		return raw, fmt.Errorf("%s: %w", filename, err)
	}
	if !sawDims {
		return raw, fmt.Errorf("%s: missing size line", filename)
	}
	return raw, nil
}
