// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"sort"
)

// RLEStat summarizes one cell's relative log expression: the box
// statistics of the cell's per-gene log-ratios to each gene's
// cross-cell median. A well-normalized, batch-free cell has a box
// centered on zero. The metric detects symmetric over/under-expression
// shifts only; batch noise that moves genes in both directions can
// leave the box untouched.
type RLEStat struct {
	Cell   string
	Median float64
	Q1, Q3 float64 // quartiles
	Lo, Hi float64 // whiskers at 1.5 × IQR, clamped to the data range
}

// rleStats computes the per-cell relative log expression boxes for a
// layer on log2 scale.
func rleStats(ctx context.Context, ds *Dataset, layer *Layer) ([]RLEStat, error) {
	ng, nc := ds.NGenes(), ds.NCells()
	z := layer.log2Values()
	med := make([]float64, ng)
	for g := 0; g < ng; g++ {
		med[g] = median(z[g*nc : (g+1)*nc])
	}
	stats := make([]RLEStat, nc)
	ratios := make([]float64, ng)
	for c := 0; c < nc; c++ {
		if c%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for g := 0; g < ng; g++ {
			ratios[g] = z[g*nc+c] - med[g]
		}
		sort.Float64s(ratios)
		q1 := quantile(ratios, 0.25)
		q3 := quantile(ratios, 0.75)
		iqr := q3 - q1
		lo, hi := q1-1.5*iqr, q3+1.5*iqr
		if min := ratios[0]; lo < min {
			lo = min
		}
		if max := ratios[len(ratios)-1]; hi > max {
			hi = max
		}
		stats[c] = RLEStat{
			Cell:   ds.Cells[c].ID,
			Median: quantile(ratios, 0.5),
			Q1:     q1,
			Q3:     q3,
			Lo:     lo,
			Hi:     hi,
		}
	}
	return stats, nil
}
