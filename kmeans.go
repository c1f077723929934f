// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"math"
	"math/rand"
)

// kmeansCluster partitions n points (row-major, dims columns) into k
// clusters with Lloyd iterations, seeded by k-means++ picks from rnd.
// It returns the per-point cluster assignment and the k × dims
// centroid matrix. Deterministic for a given rnd state.
func kmeansCluster(points []float64, n, dims, k, maxIter int, rnd *rand.Rand) ([]int, []float64) {
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}
	centroids := kmeansSeed(points, n, dims, k, rnd)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	counts := make([]int, k)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			best, bestd := 0, math.Inf(1)
			for c := 0; c < k; c++ {
				d := sqDist(points[i*dims:(i+1)*dims], centroids[c*dims:(c+1)*dims])
				if d < bestd {
					best, bestd = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		for i := range centroids {
			centroids[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assign[i]
			counts[c]++
			for d := 0; d < dims; d++ {
				centroids[c*dims+d] += points[i*dims+d]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster on the point farthest
				// from its current centroid.
				far, fard := 0, -1.0
				for i := 0; i < n; i++ {
					a := assign[i]
					d := sqDist(points[i*dims:(i+1)*dims], centroids[a*dims:(a+1)*dims])
					if d > fard {
						far, fard = i, d
					}
				}
				copy(centroids[c*dims:(c+1)*dims], points[far*dims:(far+1)*dims])
				counts[c] = 1
				continue
			}
			for d := 0; d < dims; d++ {
				centroids[c*dims+d] /= float64(counts[c])
			}
		}
	}
	return assign, centroids
}

// kmeansSeed picks k initial centroids, weighting each candidate by
// its squared distance to the nearest centroid chosen so far.
func kmeansSeed(points []float64, n, dims, k int, rnd *rand.Rand) []float64 {
	centroids := make([]float64, k*dims)
	first := rnd.Intn(n)
	copy(centroids[:dims], points[first*dims:(first+1)*dims])
	dist := make([]float64, n)
	for c := 1; c < k; c++ {
		var total float64
		for i := 0; i < n; i++ {
			best := math.Inf(1)
			for j := 0; j < c; j++ {
				if d := sqDist(points[i*dims:(i+1)*dims], centroids[j*dims:(j+1)*dims]); d < best {
					best = d
				}
			}
			dist[i] = best
			total += best
		}
		next := 0
		if total > 0 {
			r := rnd.Float64() * total
			for i := 0; i < n; i++ {
				r -= dist[i]
				if r <= 0 {
					next = i
					break
				}
			}
		} else {
			next = rnd.Intn(n)
		}
		copy(centroids[c*dims:(c+1)*dims], points[next*dims:(next+1)*dims])
	}
	return centroids
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
