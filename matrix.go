// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"errors"
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch reports a count matrix whose shape
	// disagrees with the gene or cell identifier lists.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrEmptyGroup reports an empty reference or observation cell
	// group at CNV export time.
	ErrEmptyGroup = errors.New("empty cell group")
	// ErrConfig reports missing or inconsistent configuration, such
	// as a required metadata column that does not exist.
	ErrConfig = errors.New("configuration error")
)

// Coo holds raw UMI counts in coordinate form, genes as rows. It is
// the gob-stable backing store for the sparse count matrix.
type Coo struct {
	GeneIdx []int32
	CellIdx []int32
	Value   []float64
}

// CountMatrix is the expression container threaded through the
// pipeline. Genes may repeat; cell names are unique. Each stage
// returns a new container rather than mutating its input, so earlier
// snapshots stay valid.
//
// Invariant: Raw entries, Values, PCA, Embedding, Neighbors and every
// metadata column stay aligned with Genes and Cells. Cell filtering
// goes through SubsetCells, which removes matrix columns, identifiers
// and metadata rows together.
type CountMatrix struct {
	Stage string
	Genes []string
	Cells []string
	Raw   Coo

	// Values is the normalized genes×cells matrix in row-major
	// order, nil until the normalize stage has run.
	Values []float64

	// PCA is the cells×PCAComponents score matrix in row-major
	// order, nil until the pca stage has run.
	PCA           []float64
	PCAComponents int
	// ExplainedVar[k] is the fraction of total variance carried by
	// component k.
	ExplainedVar []float64

	// Neighbors[i] lists the cell indexes of cell i's nearest
	// neighbors in component space.
	Neighbors          [][]int32
	NeighborComponents int

	// Embedding is the cells×2 layout coordinate matrix, nil until
	// the embed stage has run.
	Embedding []float64

	Meta Metadata
}

// NewCountMatrix builds a container and checks that the coordinate
// entries fit the identifier lists.
func NewCountMatrix(genes, cells []string, raw Coo) (*CountMatrix, error) {
	if len(raw.GeneIdx) != len(raw.Value) || len(raw.CellIdx) != len(raw.Value) {
		return nil, fmt.Errorf("%w: %d gene indexes, %d cell indexes, %d values", ErrDimensionMismatch, len(raw.GeneIdx), len(raw.CellIdx), len(raw.Value))
	}
	seen := make(map[string]bool, len(cells))
	for _, name := range cells {
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate cell name %q", ErrConfig, name)
		}
		seen[name] = true
	}
	coords := make(map[int64]bool, len(raw.Value))
	for i := range raw.Value {
		g := raw.GeneIdx[i]
		if int(g) >= len(genes) || g < 0 {
			return nil, fmt.Errorf("%w: gene index %d outside 0..%d", ErrDimensionMismatch, g, len(genes)-1)
		}
		c := raw.CellIdx[i]
		if int(c) >= len(cells) || c < 0 {
			return nil, fmt.Errorf("%w: cell index %d outside 0..%d", ErrDimensionMismatch, c, len(cells)-1)
		}
		key := int64(g)*int64(len(cells)) + int64(c)
		if coords[key] {
			return nil, fmt.Errorf("%w: duplicate entry for gene %d, cell %d", ErrDimensionMismatch, g, c)
		}
		coords[key] = true
	}
	return &CountMatrix{
		Stage: "load",
		Genes: genes,
		Cells: cells,
		Raw:   raw,
		Meta:  NewMetadata(len(cells)),
	}, nil
}

// RawCSR returns the raw counts as a genes×cells sparse matrix.
func (m *CountMatrix) RawCSR() *sparse.CSR {
	rows := make([]int, len(m.Raw.GeneIdx))
	cols := make([]int, len(m.Raw.CellIdx))
	for i := range m.Raw.Value {
		rows[i] = int(m.Raw.GeneIdx[i])
		cols[i] = int(m.Raw.CellIdx[i])
	}
	data := make([]float64, len(m.Raw.Value))
	copy(data, m.Raw.Value)
	coo := sparse.NewCOO(len(m.Genes), len(m.Cells), rows, cols, data)
	return coo.ToCSR()
}

// ValuesDense returns the normalized matrix, or nil if normalize has
// not run.
func (m *CountMatrix) ValuesDense() *mat.Dense {
	if m.Values == nil {
		return nil
	}
	return mat.NewDense(len(m.Genes), len(m.Cells), m.Values)
}

// CellIndex maps cell name to column index.
func (m *CountMatrix) CellIndex() map[string]int {
	idx := make(map[string]int, len(m.Cells))
	for i, name := range m.Cells {
		idx[name] = i
	}
	return idx
}

// TotalCounts returns per-cell raw count depth.
func (m *CountMatrix) TotalCounts() []float64 {
	totals := make([]float64, len(m.Cells))
	for i, v := range m.Raw.Value {
		totals[m.Raw.CellIdx[i]] += v
	}
	return totals
}

// SubsetCells returns a new container holding only the cells whose
// indexes appear in keep, in the given order. The count entries,
// identifier list, metadata rows, and any computed matrices are
// filtered together.
func (m *CountMatrix) SubsetCells(keep []int) *CountMatrix {
	remap := make([]int32, len(m.Cells))
	for i := range remap {
		remap[i] = -1
	}
	cells := make([]string, len(keep))
	for newIdx, oldIdx := range keep {
		remap[oldIdx] = int32(newIdx)
		cells[newIdx] = m.Cells[oldIdx]
	}

	var raw Coo
	for i, v := range m.Raw.Value {
		if c := remap[m.Raw.CellIdx[i]]; c >= 0 {
			raw.GeneIdx = append(raw.GeneIdx, m.Raw.GeneIdx[i])
			raw.CellIdx = append(raw.CellIdx, c)
			raw.Value = append(raw.Value, v)
		}
	}

	out := &CountMatrix{
		Stage: m.Stage,
		Genes: m.Genes,
		Cells: cells,
		Raw:   raw,
		Meta:  m.Meta.Subset(keep),
	}
	if m.Values != nil {
		out.Values = make([]float64, len(m.Genes)*len(cells))
		for g := range m.Genes {
			src := m.Values[g*len(m.Cells) : (g+1)*len(m.Cells)]
			dst := out.Values[g*len(cells) : (g+1)*len(cells)]
			for newIdx, oldIdx := range keep {
				dst[newIdx] = src[oldIdx]
			}
		}
	}
	if m.PCA != nil {
		out.PCAComponents = m.PCAComponents
		out.PCA = make([]float64, len(keep)*m.PCAComponents)
		for newIdx, oldIdx := range keep {
			copy(out.PCA[newIdx*m.PCAComponents:(newIdx+1)*m.PCAComponents], m.PCA[oldIdx*m.PCAComponents:(oldIdx+1)*m.PCAComponents])
		}
		out.ExplainedVar = m.ExplainedVar
	}
	// Neighbor lists and embeddings refer to dropped cells; they
	// must be recomputed, not filtered.
	return out
}

func (m *CountMatrix) check() error {
	if len(m.Genes) == 0 || len(m.Cells) == 0 {
		return fmt.Errorf("%w: %d genes × %d cells", ErrDimensionMismatch, len(m.Genes), len(m.Cells))
	}
	if len(m.Raw.GeneIdx) != len(m.Raw.Value) || len(m.Raw.CellIdx) != len(m.Raw.Value) {
		return fmt.Errorf("%w: ragged coordinate arrays", ErrDimensionMismatch)
	}
	if m.Values != nil && len(m.Values) != len(m.Genes)*len(m.Cells) {
		return fmt.Errorf("%w: %d normalized values for %d genes × %d cells", ErrDimensionMismatch, len(m.Values), len(m.Genes), len(m.Cells))
	}
	if m.PCA != nil && len(m.PCA) != len(m.Cells)*m.PCAComponents {
		return fmt.Errorf("%w: %d component scores for %d cells × %d components", ErrDimensionMismatch, len(m.PCA), len(m.Cells), m.PCAComponents)
	}
	return m.Meta.check(len(m.Cells))
}

// Metadata holds per-cell attribute columns aligned with
// CountMatrix.Cells. Columns are only ever added or rewritten whole;
// rows are removed only via CountMatrix.SubsetCells.
type Metadata struct {
	NCells  int
	Strings map[string][]string
	Floats  map[string][]float64
	Ints    map[string][]int
}

func NewMetadata(ncells int) Metadata {
	return Metadata{
		NCells:  ncells,
		Strings: map[string][]string{},
		Floats:  map[string][]float64{},
		Ints:    map[string][]int{},
	}
}

func (md *Metadata) SetString(name string, vals []string) {
	md.Strings[name] = vals
}

func (md *Metadata) SetFloat(name string, vals []float64) {
	md.Floats[name] = vals
}

func (md *Metadata) SetInt(name string, vals []int) {
	md.Ints[name] = vals
}

// Columns returns all column names, sorted.
func (md *Metadata) Columns() []string {
	var names []string
	for name := range md.Strings {
		names = append(names, name)
	}
	for name := range md.Floats {
		names = append(names, name)
	}
	for name := range md.Ints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (md Metadata) Subset(keep []int) Metadata {
	out := NewMetadata(len(keep))
	for name, col := range md.Strings {
		sub := make([]string, len(keep))
		for i, idx := range keep {
			sub[i] = col[idx]
		}
		out.Strings[name] = sub
	}
	for name, col := range md.Floats {
		sub := make([]float64, len(keep))
		for i, idx := range keep {
			sub[i] = col[idx]
		}
		out.Floats[name] = sub
	}
	for name, col := range md.Ints {
		sub := make([]int, len(keep))
		for i, idx := range keep {
			sub[i] = col[idx]
		}
		out.Ints[name] = sub
	}
	return out
}

func (md *Metadata) check(ncells int) error {
	for name, col := range md.Strings {
		if len(col) != ncells {
			return fmt.Errorf("%w: metadata column %q has %d rows, want %d", ErrDimensionMismatch, name, len(col), ncells)
		}
	}
	for name, col := range md.Floats {
		if len(col) != ncells {
			return fmt.Errorf("%w: metadata column %q has %d rows, want %d", ErrDimensionMismatch, name, len(col), ncells)
		}
	}
	for name, col := range md.Ints {
		if len(col) != ncells {
			return fmt.Errorf("%w: metadata column %q has %d rows, want %d", ErrDimensionMismatch, name, len(col), ncells)
		}
	}
	return nil
}
