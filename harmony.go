// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"math"
	"math/rand"
)

// harmonyMethod integrates batches in a reduced space instead of
// correcting expression values. It computes a PCA embedding of the
// baseline layer restricted to non-control genes, then alternates
// diversity-penalized soft clustering with per-cluster per-batch
// centroid alignment until the cluster assignment stabilizes or the
// iteration cap is reached. The result is an embedding only; it never
// produces a gene-level layer and is excluded from expression-layer
// metrics.
type harmonyMethod struct{}

func (*harmonyMethod) Name() string    { return "harmony" }
func (*harmonyMethod) RawCounts() bool { return false }

func (m *harmonyMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	opts = opts.withDefaults()
	nc := ds.NCells()
	dims := opts.K
	if dims < 2 {
		dims = 20
	}
	rows := ds.biologicalRows()
	if len(rows) == 0 {
		rows = allColumns(ds.NGenes())
	}
	coords, d, err := pcaScores(expressionMatrix(input.log2Values(), nc, rows), dims)
	if err != nil {
		return nil, err
	}
	if len(ds.Batches()) > 1 {
		if err := harmonyAlign(ctx, coords, nc, d, ds, opts); err != nil {
			return nil, err
		}
	}
	return &CorrectionResult{Embedding: &Embedding{Name: m.Name(), Dims: d, Coords: coords}}, nil
}

// harmonyAlign mixes batches in the embedding coords (cell-major nc ×
// d, modified in place). Each iteration assigns cells softly to
// opts.Clusters clusters, penalizing clusters where the cell's batch
// is over-represented relative to its global share (strength
// opts.Theta), then moves every cell toward its clusters' overall
// centroids by subtracting the batch-specific centroid offsets.
// Assignments and distances use L2-normalized coordinates so
// opts.Sigma acts on a bounded scale; corrections apply to the
// original coordinates.
func harmonyAlign(ctx context.Context, coords []float64, nc, d int, ds *Dataset, opts CorrectionOptions) error {
	_, bidx := ds.batchIndexes()
	nb := len(ds.Batches())
	k := opts.Clusters
	if k > nc {
		k = nc
	}
	if k < 1 {
		k = 1
	}
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 0.1
	}
	rnd := rand.New(rand.NewSource(opts.Seed))

	prop := make([]float64, nb)
	for _, b := range bidx {
		prop[b]++
	}
	for b := range prop {
		prop[b] /= float64(nc)
	}

	norm := make([]float64, nc*d)
	normalizeRows(norm, coords, nc, d)
	assign, centroids := kmeansCluster(norm, nc, d, k, opts.MaxIter, rnd)
	resp := make([]float64, nc*k)
	for i, c := range assign {
		resp[i*k+c] = 1
	}

	size := make([]float64, k)
	obs := make([]float64, k*nb)       // soft batch occupancy per cluster
	logits := make([]float64, k)
	clusterMean := make([]float64, k*d)
	batchMean := make([]float64, k*nb*d)
	batchWeight := make([]float64, k*nb)
	for iter := 0; iter < opts.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		for i := range size {
			size[i] = 0
		}
		for i := range obs {
			obs[i] = 0
		}
		for i := 0; i < nc; i++ {
			for c := 0; c < k; c++ {
				r := resp[i*k+c]
				size[c] += r
				obs[c*nb+bidx[i]] += r
			}
		}

		changed := 0
		for i := 0; i < nc; i++ {
			b := bidx[i]
			maxl := math.Inf(-1)
			for c := 0; c < k; c++ {
				d2 := sqDist(norm[i*d:(i+1)*d], centroids[c*d:(c+1)*d])
				penalty := opts.Theta * math.Log((size[c]*prop[b]+1)/(obs[c*nb+b]+1))
				logits[c] = -d2/sigma + penalty
				if logits[c] > maxl {
					maxl = logits[c]
				}
			}
			var sum float64
			for c := 0; c < k; c++ {
				e := math.Exp(logits[c] - maxl)
				resp[i*k+c] = e
				sum += e
			}
			best := 0
			for c := 0; c < k; c++ {
				resp[i*k+c] /= sum
				if resp[i*k+c] > resp[i*k+best] {
					best = c
				}
			}
			if best != assign[i] {
				changed++
				assign[i] = best
			}
		}

		for i := range centroids {
			centroids[i] = 0
		}
		for i := 0; i < nc; i++ {
			for c := 0; c < k; c++ {
				r := resp[i*k+c]
				for j := 0; j < d; j++ {
					centroids[c*d+j] += r * norm[i*d+j]
				}
			}
		}
		for c := 0; c < k; c++ {
			normalizeRows(centroids[c*d:(c+1)*d], centroids[c*d:(c+1)*d], 1, d)
		}

		for i := range clusterMean {
			clusterMean[i] = 0
		}
		for i := range batchMean {
			batchMean[i] = 0
		}
		for i := range batchWeight {
			batchWeight[i] = 0
		}
		wsum := make([]float64, k)
		for i := 0; i < nc; i++ {
			b := bidx[i]
			for c := 0; c < k; c++ {
				r := resp[i*k+c]
				wsum[c] += r
				batchWeight[c*nb+b] += r
				for j := 0; j < d; j++ {
					clusterMean[c*d+j] += r * coords[i*d+j]
					batchMean[(c*nb+b)*d+j] += r * coords[i*d+j]
				}
			}
		}
		for c := 0; c < k; c++ {
			if wsum[c] <= 0 {
				continue
			}
			for j := 0; j < d; j++ {
				clusterMean[c*d+j] /= wsum[c]
			}
			for b := 0; b < nb; b++ {
				w := batchWeight[c*nb+b]
				for j := 0; j < d; j++ {
					if w > 0 {
						batchMean[(c*nb+b)*d+j] /= w
					} else {
						batchMean[(c*nb+b)*d+j] = clusterMean[c*d+j]
					}
				}
			}
		}
		for i := 0; i < nc; i++ {
			b := bidx[i]
			for c := 0; c < k; c++ {
				r := resp[i*k+c]
				if r == 0 {
					continue
				}
				for j := 0; j < d; j++ {
					coords[i*d+j] -= r * (batchMean[(c*nb+b)*d+j] - clusterMean[c*d+j])
				}
			}
		}
		normalizeRows(norm, coords, nc, d)

		if changed == 0 {
			break
		}
	}
	return nil
}

// normalizeRows writes the L2-normalized rows of src (n × d) into dst.
// Zero rows stay zero. dst may alias src.
func normalizeRows(dst, src []float64, n, d int) {
	for i := 0; i < n; i++ {
		var s float64
		for j := 0; j < d; j++ {
			v := src[i*d+j]
			s += v * v
		}
		if s == 0 {
			copy(dst[i*d:(i+1)*d], src[i*d:(i+1)*d])
			continue
		}
		s = math.Sqrt(s)
		for j := 0; j < d; j++ {
			dst[i*d+j] = src[i*d+j] / s
		}
	}
}
