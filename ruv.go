// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// The RUV methods estimate unwanted-variation factors from control
// (spike-in) genes and regress them out of every gene. ruvg reads the
// factors straight off the control genes' singular vectors; ruvs
// estimates them from within-individual residuals, so biology shared
// by replicates cannot leak into the factors.

type ruvgMethod struct{}

func (*ruvgMethod) Name() string    { return "ruvg" }
func (*ruvgMethod) RawCounts() bool { return true }

func (m *ruvgMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	name := fmt.Sprintf("ruvg%d", opts.K)
	if opts.K == 0 {
		return &CorrectionResult{Layer: copyLayer(name, input)}, nil
	}
	w, err := ruvgFactors(ds, input, opts.K)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	z, err := projectOutFactors(input.log2Values(), ds.NGenes(), ds.NCells(), w)
	if err != nil {
		return nil, err
	}
	return &CorrectionResult{Layer: layerFromLog2(name, input, z)}, nil
}

type ruvsMethod struct{}

func (*ruvsMethod) Name() string    { return "ruvs" }
func (*ruvsMethod) RawCounts() bool { return true }

func (m *ruvsMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	name := fmt.Sprintf("ruvs%d", opts.K)
	if opts.K == 0 {
		return &CorrectionResult{Layer: copyLayer(name, input)}, nil
	}
	w, err := ruvsFactors(ds, input, replicateGroups(ds), opts.K)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	z, err := projectOutFactors(input.log2Values(), ds.NGenes(), ds.NCells(), w)
	if err != nil {
		return nil, err
	}
	return &CorrectionResult{Layer: layerFromLog2(name, input, z)}, nil
}

// noSample is the padding sentinel in replicate group rows.
const noSample = -1

// replicateGroups returns one row per individual listing the column
// positions of its cells, each row padded with the noSample sentinel
// to the widest group, so every row has the same width.
func replicateGroups(ds *Dataset) [][]int {
	byIndiv := ds.cellsByIndividual()
	indivs := ds.Individuals()
	width := 0
	for _, id := range indivs {
		if n := len(byIndiv[id]); n > width {
			width = n
		}
	}
	groups := make([][]int, len(indivs))
	for i, id := range indivs {
		row := make([]int, width)
		n := copy(row, byIndiv[id])
		for ; n < width; n++ {
			row[n] = noSample
		}
		groups[i] = row
	}
	return groups
}

// ruvgFactors returns the cells × k factor matrix W: the leading right
// singular vectors of the row-centered control-gene submatrix.
func ruvgFactors(ds *Dataset, input *Layer, k int) (*mat.Dense, error) {
	controls := ds.controlRows()
	if len(controls) < k {
		return nil, &InsufficientControlsError{Controls: len(controls), K: k}
	}
	nc := ds.NCells()
	if nc < k {
		return nil, fmt.Errorf("ruvg: k=%d exceeds %d cells", k, nc)
	}
	zc := pickMatrix(input.log2Values(), nc, controls, allColumns(nc))
	centerRows(zc, nc)

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(len(controls), nc, zc), mat.SVDThin) {
		return nil, fmt.Errorf("ruvg: svd of control genes failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	return firstColumns(&v, k), nil
}

// ruvsFactors estimates W from replicate residuals. Each row of groups
// is one replicate set (cells of one individual, padded with noSample);
// centering control-gene expression within each set leaves only
// unwanted variation, whose leading singular vectors define a
// control-space basis. Every cell's loading on that basis is its row
// of W.
func ruvsFactors(ds *Dataset, input *Layer, groups [][]int, k int) (*mat.Dense, error) {
	controls := ds.controlRows()
	if len(controls) < k {
		return nil, &InsufficientControlsError{Controls: len(controls), K: k}
	}
	nc := ds.NCells()
	zc := pickMatrix(input.log2Values(), nc, controls, allColumns(nc))

	var resid []float64
	var m int
	rowbuf := make([]float64, len(controls))
	for _, group := range groups {
		var cols []int
		for _, c := range group {
			if c != noSample {
				cols = append(cols, c)
			}
		}
		if len(cols) < 2 {
			continue
		}
		for i := range controls {
			var mean float64
			for _, c := range cols {
				mean += zc[i*nc+c]
			}
			rowbuf[i] = mean / float64(len(cols))
		}
		for _, c := range cols {
			for i := range controls {
				resid = append(resid, zc[i*nc+c]-rowbuf[i])
			}
			m++
		}
	}
	if m < k {
		return nil, fmt.Errorf("ruvs: %d replicated cells cannot support k=%d", m, k)
	}
	// resid was assembled cell by cell, so it is an m × controls
	// matrix; its right singular vectors span control space.
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(m, len(controls), resid), mat.SVDThin) {
		return nil, fmt.Errorf("ruvs: svd of replicate residuals failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	basis := firstColumns(&v, k) // controls × k

	centerRows(zc, nc)
	w := mat.NewDense(nc, k, nil)
	for c := 0; c < nc; c++ {
		for j := 0; j < k; j++ {
			var s float64
			for i := range controls {
				s += basis.At(i, j) * zc[i*nc+c]
			}
			w.Set(c, j, s)
		}
	}
	return w, nil
}

// projectOutFactors removes the span of W (cells × k) from each gene
// row of the genes × cells log2 matrix z, preserving per-gene means.
func projectOutFactors(z []float64, ng, nc int, w *mat.Dense) ([]float64, error) {
	_, k := w.Dims()
	var wtw mat.Dense
	wtw.Mul(w.T(), w)
	var ginv mat.Dense
	if err := ginv.Inverse(&wtw); err != nil {
		return nil, fmt.Errorf("unwanted-variation factors are collinear: %w", err)
	}

	out := make([]float64, ng*nc)
	zc := make([]float64, nc)
	t := make([]float64, k)
	s := make([]float64, k)
	for g := 0; g < ng; g++ {
		row := z[g*nc : (g+1)*nc]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(nc)
		for c, v := range row {
			zc[c] = v - mean
		}
		for j := 0; j < k; j++ {
			var acc float64
			for c := 0; c < nc; c++ {
				acc += w.At(c, j) * zc[c]
			}
			t[j] = acc
		}
		for j := 0; j < k; j++ {
			var acc float64
			for jj := 0; jj < k; jj++ {
				acc += ginv.At(j, jj) * t[jj]
			}
			s[j] = acc
		}
		for c := 0; c < nc; c++ {
			var fit float64
			for j := 0; j < k; j++ {
				fit += w.At(c, j) * s[j]
			}
			out[g*nc+c] = zc[c] - fit + mean
		}
	}
	return out, nil
}

// centerRows subtracts each row's mean from a row-major matrix with
// nc columns, in place.
func centerRows(m []float64, nc int) {
	for r := 0; r*nc < len(m); r++ {
		row := m[r*nc : (r+1)*nc]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(nc)
		for c := range row {
			row[c] -= mean
		}
	}
}

// firstColumns copies the leading k columns of m into a new matrix.
func firstColumns(m *mat.Dense, k int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, k, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < k; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}
