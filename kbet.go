// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// KBETResult is the batch-mixing outcome for one individual on one
// layer: the fraction of sampled cell neighborhoods whose batch
// composition deviates significantly from the individual's overall
// batch mix. Well-mixed batches reject at about the significance
// level; unmixed batches reject most neighborhoods.
type KBETResult struct {
	Individual string
	Rate       float64 // rejection rate; NaN when untestable
	Tested     int     // neighborhoods tested
}

// kbetRates computes the rejection rate per individual from a layer's
// PCA coordinates (cell-major, dims per cell). Neighborhoods are
// always built within one individual's cells: in a confounded design
// batch structure is nested inside individuals, and pooling cells
// across individuals would test biology instead of batch.
func kbetRates(ctx context.Context, ds *Dataset, coords []float64, dims int, opts EvalOptions) ([]KBETResult, error) {
	byIndiv := ds.cellsByIndividual()
	_, bidx := ds.batchIndexes()
	rnd := rand.New(rand.NewSource(uint64(opts.Seed)))
	var out []KBETResult
	for _, indiv := range ds.Individuals() {
		res, err := kbetIndividual(ctx, coords, dims, bidx, byIndiv[indiv], opts, rnd)
		if err != nil {
			return nil, err
		}
		res.Individual = indiv
		out = append(out, res)
	}
	return out, nil
}

func kbetIndividual(ctx context.Context, coords []float64, dims int, bidx, cols []int, opts EvalOptions, rnd *rand.Rand) (KBETResult, error) {
	n := len(cols)
	untestable := KBETResult{Rate: math.NaN()}

	// batch composition within this individual
	counts := map[int]int{}
	for _, c := range cols {
		counts[bidx[c]]++
	}
	if len(counts) < 2 {
		return untestable, nil
	}
	local := make(map[int]int, len(counts))
	prop := make([]float64, 0, len(counts))
	for b := range counts {
		local[b] = 0
	}
	var order []int
	for b := range local {
		order = append(order, b)
	}
	sort.Ints(order)
	for i, b := range order {
		local[b] = i
		prop = append(prop, float64(counts[b])/float64(n))
	}

	k := opts.Neighbors
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return untestable, nil
	}
	size := k + 1 // neighborhood includes its anchor

	samples := opts.Samples
	if samples > n {
		samples = n
	}
	anchors := rnd.Perm(n)[:samples]

	chisquared := distuv.ChiSquared{K: float64(len(order) - 1), Src: rand.NewSource(rnd.Uint64())}
	d2 := make([]float64, n)
	idx := make([]int, n)
	obs := make([]float64, len(order))
	rejected, tested := 0, 0
	for _, ai := range anchors {
		if err := ctx.Err(); err != nil {
			return untestable, err
		}
		a := cols[ai]
		for j, c := range cols {
			d2[j] = sqDist(coords[a*dims:(a+1)*dims], coords[c*dims:(c+1)*dims])
			idx[j] = j
		}
		sort.Slice(idx, func(x, y int) bool { return d2[idx[x]] < d2[idx[y]] })
		for i := range obs {
			obs[i] = 0
		}
		for _, j := range idx[:size] {
			obs[local[bidx[cols[j]]]]++
		}
		var sum float64
		for i, p := range prop {
			e := float64(size) * p
			d := obs[i] - e
			sum += d * d / e
		}
		tested++
		if 1-chisquared.CDF(sum) < opts.Alpha {
			rejected++
		}
	}
	return KBETResult{Rate: float64(rejected) / float64(tested), Tested: tested}, nil
}
