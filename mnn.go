// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// mnnMethod aligns batches by mutual nearest neighbors: cell pairs
// that pick each other as nearest cross-batch neighbors are assumed to
// share a biological state, and the pair difference vectors, kernel
// smoothed over nearby cells, become per-cell corrections. Distances
// are measured on cosine-normalized expression; corrections are
// computed and applied on the log scale.
type mnnMethod struct{}

func (*mnnMethod) Name() string    { return "mnn" }
func (*mnnMethod) RawCounts() bool { return false }

func (m *mnnMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	opts = opts.withDefaults()
	nc := ds.NCells()
	ng := ds.NGenes()
	z := input.log2Values()
	out := append([]float64(nil), z...)

	switch classifyDesign(ds) {
	case balancedDesign:
		// Every batch carries every individual, so one global merge
		// across the full batch partition is identifiable.
		groups := batchGroups(ds, allColumns(nc))
		if len(groups) < 2 {
			return nil, &ImbalancedBatchError{Batches: len(groups)}
		}
		corrected, err := mnnCorrectGroup(ctx, z, ng, nc, groups, opts)
		if err != nil {
			return nil, err
		}
		out = corrected
	case confoundedDesign:
		// Batches are not shared across individuals; merging globally
		// would remove biology. Correct each individual separately
		// over whichever of its batches actually have cells (two-batch
		// fallback when a replicate is missing) and recombine into the
		// original column order.
		byIndiv := ds.cellsByIndividual()
		for _, indiv := range ds.Individuals() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			cols := byIndiv[indiv]
			groups := batchGroups(ds, cols)
			if len(groups) < 2 {
				return nil, &ImbalancedBatchError{Individual: indiv, Batches: len(groups)}
			}
			sub := pickColumns(z, nc, cols)
			corrected, err := mnnCorrectGroup(ctx, sub, ng, len(cols), groups, opts)
			if err != nil {
				return nil, fmt.Errorf("individual %s: %w", indiv, err)
			}
			scatterColumns(out, nc, cols, corrected)
		}
	}
	return &CorrectionResult{Layer: layerFromLog2("mnn", input, out)}, nil
}

// batchGroups splits the given columns by batch, in global batch
// order, returning positions into cols (not dataset columns). Batches
// with no cells among cols are dropped.
func batchGroups(ds *Dataset, cols []int) [][]int {
	_, bidx := ds.batchIndexes()
	bygroup := map[int][]int{}
	var order []int
	for i, c := range cols {
		b := bidx[c]
		if _, ok := bygroup[b]; !ok {
			order = append(order, b)
		}
		bygroup[b] = append(bygroup[b], i)
	}
	// global batch order, not first-seen-in-cols order
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	groups := make([][]int, len(order))
	for i, b := range order {
		groups[i] = bygroup[b]
	}
	return groups
}

type mnnPair struct {
	ref, tgt int // column positions in the local matrix
}

// mnnCorrectGroup merges len(groups) batches of one ng × n log
// expression matrix. The first group is the reference; each later
// group is corrected toward the merged set, then joins it.
func mnnCorrectGroup(ctx context.Context, z []float64, ng, n int, groups [][]int, opts CorrectionOptions) ([]float64, error) {
	out := append([]float64(nil), z...)

	// cnT is the cells × genes cosine-normalized view of out, used for
	// all distance computations; columns are refreshed after being
	// corrected.
	cnT := make([]float64, n*ng)
	refresh := func(cols []int) {
		for _, c := range cols {
			var ss float64
			for g := 0; g < ng; g++ {
				v := out[g*n+c]
				ss += v * v
			}
			norm := math.Sqrt(ss)
			if norm == 0 {
				norm = 1
			}
			for g := 0; g < ng; g++ {
				cnT[c*ng+g] = out[g*n+c] / norm
			}
		}
	}
	refresh(allColumns(n))

	ref := append([]int(nil), groups[0]...)
	for gi := 1; gi < len(groups); gi++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tgt := groups[gi]
		k := opts.Neighbors
		if k > len(ref) {
			k = len(ref)
		}
		if k > len(tgt) {
			k = len(tgt)
		}
		pairs := mutualPairs(cnT, ng, ref, tgt, k)
		if len(pairs) == 0 {
			return nil, fmt.Errorf("mnn: no mutual nearest neighbors between merge step %d and reference", gi)
		}

		np := len(pairs)
		vecs := make([]float64, ng*np) // pair difference vectors, gene-major
		for p, pr := range pairs {
			for g := 0; g < ng; g++ {
				vecs[g*np+p] = out[g*n+pr.ref] - out[g*n+pr.tgt]
			}
		}

		// Kernel-smoothed per-cell correction: each target cell
		// averages the pair vectors, weighted by its cosine distance
		// to each pair's target cell.
		corr := make([]float64, ng*len(tgt))
		w := make([]float64, np)
		d2cache := make(map[int]float64, np)
		for ti, t := range tgt {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for c := range d2cache {
				delete(d2cache, c)
			}
			var wsum float64
			for p, pr := range pairs {
				d2, ok := d2cache[pr.tgt]
				if !ok {
					d2 = sqDist(cnT[t*ng:(t+1)*ng], cnT[pr.tgt*ng:(pr.tgt+1)*ng])
					d2cache[pr.tgt] = d2
				}
				w[p] = math.Exp(-d2 / (2 * opts.Sigma * opts.Sigma))
				wsum += w[p]
			}
			if wsum <= 0 {
				// far from every pair; fall back to the plain mean
				for p := range w {
					w[p] = 1
				}
				wsum = float64(np)
			}
			for g := 0; g < ng; g++ {
				var s float64
				base := g * np
				for p := 0; p < np; p++ {
					s += w[p] * vecs[base+p]
				}
				corr[g*len(tgt)+ti] = s / wsum
			}
		}

		if opts.Rank > 0 && np > 1 {
			if err := projectCorrections(corr, vecs, ng, len(tgt), np, opts.Rank); err != nil {
				return nil, err
			}
		}

		for ti, t := range tgt {
			for g := 0; g < ng; g++ {
				out[g*n+t] += corr[g*len(tgt)+ti]
			}
		}
		refresh(tgt)
		ref = append(ref, tgt...)
	}
	return out, nil
}

// mutualPairs returns the (ref, tgt) column pairs that are within each
// other's k nearest cross-set neighbors, by distance over cnT rows.
func mutualPairs(cnT []float64, ng int, ref, tgt []int, k int) []mnnPair {
	knnOf := func(from, among []int) [][]int {
		type nd struct {
			col int
			d2  float64
		}
		out := make([][]int, len(from))
		dists := make([]nd, len(among))
		for i, a := range from {
			arow := cnT[a*ng : (a+1)*ng]
			for j, b := range among {
				dists[j] = nd{b, sqDist(arow, cnT[b*ng:(b+1)*ng])}
			}
			// partial selection sort for the k smallest
			for x := 0; x < k && x < len(dists); x++ {
				min := x
				for y := x + 1; y < len(dists); y++ {
					if dists[y].d2 < dists[min].d2 {
						min = y
					}
				}
				dists[x], dists[min] = dists[min], dists[x]
				out[i] = append(out[i], dists[x].col)
			}
		}
		return out
	}
	refOfTgt := knnOf(tgt, ref)
	tgtOfRef := knnOf(ref, tgt)
	tgtNbr := make(map[int]map[int]bool, len(ref))
	for i, r := range ref {
		m := make(map[int]bool, k)
		for _, t := range tgtOfRef[i] {
			m[t] = true
		}
		tgtNbr[r] = m
	}
	var pairs []mnnPair
	for i, t := range tgt {
		for _, r := range refOfTgt[i] {
			if tgtNbr[r][t] {
				pairs = append(pairs, mnnPair{ref: r, tgt: t})
			}
		}
	}
	return pairs
}

// projectCorrections replaces each correction column with its
// projection onto the span of the top-rank left singular vectors of
// the pair-vector matrix, suppressing directions the mutual pairs do
// not support.
func projectCorrections(corr, vecs []float64, ng, ncells, np, rank int) error {
	if rank > np {
		rank = np
	}
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(ng, np, vecs), mat.SVDThin) {
		return fmt.Errorf("mnn: svd of correction vectors failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	ud := firstColumns(&u, rank) // ng × rank
	var t, proj mat.Dense
	cm := mat.NewDense(ng, ncells, corr)
	t.Mul(ud.T(), cm)
	proj.Mul(ud, &t)
	for g := 0; g < ng; g++ {
		for c := 0; c < ncells; c++ {
			corr[g*ncells+c] = proj.At(g, c)
		}
	}
	return nil
}
