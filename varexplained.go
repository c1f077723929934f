// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"
	"math"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"
)

// explanatoryVariables is the fixed evaluation order. Variance is
// attributed by sequential ΔR² from nested fits in this order, so
// variance shared between variables is credited to the earliest one
// that captures it and each gene's fractions sum to at most one.
var explanatoryVariables = []string{
	"total_features",
	"total_counts",
	"batch",
	"individual",
	"pct_counts_control",
	"pct_counts_mito",
}

// VarianceExplained holds, for one layer, the fraction of each gene's
// expression variance attributed to each explanatory variable. A
// successful correction drives the batch fractions toward zero without
// flattening the individual fractions.
type VarianceExplained struct {
	Variables []string
	Fractions [][]float64 // per variable, per gene
	Means     []float64   // per variable, mean fraction across genes
}

func varianceExplained(ctx context.Context, ds *Dataset, layer *Layer) (*VarianceExplained, error) {
	ng, nc := ds.NGenes(), ds.NCells()
	z := layer.log2Values()

	blocks := make([][][]float64, len(explanatoryVariables))
	for vi, name := range explanatoryVariables {
		switch name {
		case "batch":
			blocks[vi] = indicatorColumns(nc, func(c int) string { return ds.Cells[c].Batch })
		case "individual":
			blocks[vi] = indicatorColumns(nc, func(c int) string { return ds.Cells[c].Individual })
		default:
			col, err := ds.cellCovariate(name)
			if err != nil {
				return nil, err
			}
			if constantColumn(col) {
				blocks[vi] = nil
			} else {
				blocks[vi] = [][]float64{col}
			}
		}
	}

	ve := &VarianceExplained{
		Variables: explanatoryVariables,
		Fractions: make([][]float64, len(explanatoryVariables)),
		Means:     make([]float64, len(explanatoryVariables)),
	}
	for vi := range ve.Fractions {
		ve.Fractions[vi] = make([]float64, ng)
	}

	y := make([]float64, nc)
	for g := 0; g < ng; g++ {
		if g%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		copy(y, z[g*nc:(g+1)*nc])
		if stat.Variance(y, nil) == 0 {
			continue
		}
		var design [][]float64
		prev := 0.0
		for vi, cols := range blocks {
			if len(cols) == 0 {
				continue
			}
			design = append(design, cols...)
			r2, ok := fitR2(y, design)
			if !ok {
				continue
			}
			if r2 > 1 {
				r2 = 1
			}
			if r2 < prev {
				r2 = prev
			}
			ve.Fractions[vi][g] = r2 - prev
			prev = r2
		}
	}
	for vi, fr := range ve.Fractions {
		ve.Means[vi] = stat.Mean(fr, nil)
	}
	return ve, nil
}

// fitR2 fits expression on the given design columns and returns the
// coefficient of determination. ok is false when the fit is degenerate
// (singular or underdetermined design), in which case the variable
// under test is credited nothing.
func fitR2(y []float64, cols [][]float64) (r2 float64, ok bool) {
	r := new(regression.Regression)
	r.SetObserved("expression")
	for i := range cols {
		r.SetVar(i, fmt.Sprintf("x%d", i))
	}
	points := make(regression.DataPoints, len(y))
	for i, yi := range y {
		xs := make([]float64, len(cols))
		for j, col := range cols {
			xs[j] = col[i]
		}
		points[i] = regression.DataPoint(yi, xs)
	}
	r.Train(points...)
	if err := r.Run(); err != nil {
		return 0, false
	}
	if math.IsNaN(r.R2) {
		return 0, false
	}
	if r.R2 < 0 {
		return 0, true
	}
	return r.R2, true
}

// indicatorColumns one-hot encodes a categorical cell label with the
// first-seen level as the dropped reference.
func indicatorColumns(nc int, label func(int) string) [][]float64 {
	idx := map[string]int{}
	n := 0
	for c := 0; c < nc; c++ {
		if _, ok := idx[label(c)]; !ok {
			idx[label(c)] = n
			n++
		}
	}
	cols := make([][]float64, n-1)
	for i := range cols {
		cols[i] = make([]float64, nc)
	}
	for c := 0; c < nc; c++ {
		if lvl := idx[label(c)]; lvl > 0 {
			cols[lvl-1][c] = 1
		}
	}
	return cols
}

func constantColumn(col []float64) bool {
	for _, v := range col {
		if v != col[0] {
			return false
		}
	}
	return true
}
