// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"fmt"

	"github.com/james-bowman/nlp"
	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// pcaScores projects a genes × cells matrix onto its first d principal
// components and returns the cell-major cells × d score matrix along
// with the number of components actually computed (d is clamped to the
// matrix rank bound).
func pcaScores(m mat.Matrix, d int) ([]float64, int, error) {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, 0, fmt.Errorf("pca: empty %d × %d matrix", rows, cols)
	}
	if d > rows {
		d = rows
	}
	if d > cols {
		d = cols
	}
	if d < 1 {
		d = 1
	}
	transformer := nlp.NewPCA(d)
	transformer.Fit(m)
	xf, err := transformer.Transform(m)
	if err != nil {
		return nil, 0, fmt.Errorf("pca transform: %w", err)
	}
	dr, dc := xf.Dims() // components × cells
	scores := make([]float64, dc*dr)
	for i := 0; i < dr; i++ {
		for j := 0; j < dc; j++ {
			scores[j*dr+i] = xf.At(i, j)
		}
	}
	return scores, dr, nil
}

// expressionMatrix builds a gonum matrix from the given gene rows of a
// layer's log2-scale values. Mostly-zero selections come back as a
// compressed sparse row matrix, dense otherwise.
func expressionMatrix(values []float64, ncells int, rows []int) mat.Matrix {
	var nonzero int
	for _, g := range rows {
		for c := 0; c < ncells; c++ {
			if values[g*ncells+c] != 0 {
				nonzero++
			}
		}
	}
	total := len(rows) * ncells
	if total > 0 && nonzero*5 < total*2 {
		dok := sparse.NewDOK(len(rows), ncells)
		for i, g := range rows {
			for c := 0; c < ncells; c++ {
				if v := values[g*ncells+c]; v != 0 {
					dok.Set(i, c, v)
				}
			}
		}
		return dok.ToCSR()
	}
	return mat.NewDense(len(rows), ncells, pickMatrix(values, ncells, rows, allColumns(ncells)))
}

func allColumns(n int) []int {
	cols := make([]int, n)
	for i := range cols {
		cols[i] = i
	}
	return cols
}
