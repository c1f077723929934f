// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"fmt"
	"math"
	"sort"
)

// Expression layers are stored on one of two scales. Counts-scale
// layers hold non-negative values comparable to raw reads; log2-scale
// layers hold log2(x+1)-like values. Evaluations convert counts-scale
// layers before comparing.
const (
	ScaleCounts = "counts"
	ScaleLog2   = "log2"
)

// Layer is a genes × cells expression matrix sharing the row and
// column index space of the dataset it was derived from.
type Layer struct {
	Name   string
	Scale  string
	Values []float64 // gene-major
}

// log2Values returns the layer on log2 scale, converting counts-scale
// values as log2(x+1). The returned slice aliases l.Values when no
// conversion is needed.
func (l *Layer) log2Values() []float64 {
	if l.Scale == ScaleLog2 {
		return l.Values
	}
	out := make([]float64, len(l.Values))
	for i, v := range l.Values {
		out[i] = math.Log2(v + 1)
	}
	return out
}

// LayerSet is an ordered, append-only collection of layers with
// uniform dimensions. Layers are never replaced; each pipeline stage
// adds its output under a new name.
type LayerSet struct {
	genes, cells int
	layers       []*Layer
	index        map[string]int
}

func NewLayerSet(genes, cells int) *LayerSet {
	return &LayerSet{genes: genes, cells: cells, index: map[string]int{}}
}

// Add appends a layer, rejecting duplicate names and shape mismatches.
func (ls *LayerSet) Add(l *Layer) error {
	if l.Name == "" {
		return fmt.Errorf("layer has no name")
	}
	if _, dup := ls.index[l.Name]; dup {
		return fmt.Errorf("layer %q already exists", l.Name)
	}
	if l.Scale != ScaleCounts && l.Scale != ScaleLog2 {
		return fmt.Errorf("layer %q: unknown scale %q", l.Name, l.Scale)
	}
	if len(l.Values) != ls.genes*ls.cells {
		return fmt.Errorf("layer %q has %d values, want %d genes × %d cells", l.Name, len(l.Values), ls.genes, ls.cells)
	}
	ls.index[l.Name] = len(ls.layers)
	ls.layers = append(ls.layers, l)
	return nil
}

// Get returns the named layer, or nil.
func (ls *LayerSet) Get(name string) *Layer {
	if i, ok := ls.index[name]; ok {
		return ls.layers[i]
	}
	return nil
}

// Names returns the layer names in insertion order.
func (ls *LayerSet) Names() []string {
	names := make([]string, len(ls.layers))
	for i, l := range ls.layers {
		names[i] = l.Name
	}
	return names
}

// Layers returns the layers in insertion order.
func (ls *LayerSet) Layers() []*Layer { return ls.layers }

// Embedding is a cells × dims coordinate matrix for methods that
// operate in a reduced space instead of producing a full layer.
type Embedding struct {
	Name   string
	Dims   int
	Coords []float64 // cell-major
}

// CorrectionResult is the output of one correction method applied to
// one input layer. Exactly one of Layer and Embedding is non-nil.
type CorrectionResult struct {
	Layer     *Layer
	Embedding *Embedding
}

// pickMatrix extracts the given rows and columns from a gene-major
// matrix with ncols columns, producing a len(rows) × len(cols) matrix.
func pickMatrix(values []float64, ncols int, rows, cols []int) []float64 {
	out := make([]float64, len(rows)*len(cols))
	for i, r := range rows {
		base := r * ncols
		for j, c := range cols {
			out[i*len(cols)+j] = values[base+c]
		}
	}
	return out
}

// pickColumns extracts the given columns from every row of a
// gene-major matrix with ncols columns.
func pickColumns(values []float64, ncols int, cols []int) []float64 {
	nrows := len(values) / ncols
	out := make([]float64, nrows*len(cols))
	for r := 0; r < nrows; r++ {
		base := r * ncols
		for j, c := range cols {
			out[r*len(cols)+j] = values[base+c]
		}
	}
	return out
}

// scatterColumns writes a nrows × len(cols) matrix back into the given
// columns of a gene-major matrix with ncols columns.
func scatterColumns(dst []float64, ncols int, cols []int, src []float64) {
	nrows := len(src) / len(cols)
	for r := 0; r < nrows; r++ {
		base := r * ncols
		for j, c := range cols {
			dst[base+c] = src[r*len(cols)+j]
		}
	}
}

// median returns the middle value of xs, averaging the two middle
// values for even lengths. xs is not modified.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	tmp := append([]float64(nil), xs...)
	sort.Float64s(tmp)
	mid := len(tmp) / 2
	if len(tmp)%2 == 1 {
		return tmp[mid]
	}
	return (tmp[mid-1] + tmp[mid]) / 2
}

// quantile returns the pth quantile (0 ≤ p ≤ 1) of sorted xs using
// linear interpolation between order statistics.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
