// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// combatMethod adjusts per-batch location and scale with empirical
// Bayes shrinkage: per-gene batch means and variances are estimated on
// standardized expression, shrunk toward batch-wide priors, and
// removed.
type combatMethod struct{}

func (*combatMethod) Name() string    { return "combat" }
func (*combatMethod) RawCounts() bool { return false }

const (
	combatConv    = 1e-4
	combatMaxIter = 100
)

func (m *combatMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	name := m.Name()
	if opts.ProtectBiology {
		name = "combat_indi"
	}
	batches := ds.Batches()
	if len(batches) < 2 {
		return &CorrectionResult{Layer: copyLayer(name, input)}, nil
	}
	z, err := combatAdjust(ctx, ds, input.log2Values(), opts.ProtectBiology, opts.Covariate)
	if err != nil {
		return nil, err
	}
	return &CorrectionResult{Layer: layerFromLog2(name, input, z)}, nil
}

func combatAdjust(ctx context.Context, ds *Dataset, z []float64, protectBio bool, covariate string) ([]float64, error) {
	nc := ds.NCells()
	ng := ds.NGenes()
	batches, bidx := ds.batchIndexes()
	nb := len(batches)
	bsize := make([]int, nb)
	for _, b := range bidx {
		bsize[b]++
	}

	design, p, err := combatDesign(ds, bidx, nb, protectBio, covariate)
	if err != nil {
		return nil, err
	}
	if rank := matrixRank(design); rank < p {
		return nil, &UnidentifiableDesignError{Rank: rank, Cols: p}
	}

	// Per-gene least squares fit of the full model, all genes at once.
	yT := mat.NewDense(nc, ng, nil)
	for g := 0; g < ng; g++ {
		for c := 0; c < nc; c++ {
			yT.Set(c, g, z[g*nc+c])
		}
	}
	var coef mat.Dense
	if err := coef.Solve(design, yT); err != nil {
		return nil, fmt.Errorf("combat: model fit failed: %w", err)
	}
	var fitted mat.Dense
	fitted.Mul(design, &coef)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Standardize: remove the batch-size-weighted grand mean and any
	// protected covariate effects, divide by pooled residual sd.
	grand := make([]float64, ng)
	for g := 0; g < ng; g++ {
		for b := 0; b < nb; b++ {
			grand[g] += float64(bsize[b]) / float64(nc) * coef.At(b, g)
		}
	}
	standMean := make([]float64, ng*nc)
	for g := 0; g < ng; g++ {
		for c := 0; c < nc; c++ {
			sm := grand[g]
			for j := nb; j < p; j++ {
				sm += design.At(c, j) * coef.At(j, g)
			}
			standMean[g*nc+c] = sm
		}
	}
	varPooled := make([]float64, ng)
	for g := 0; g < ng; g++ {
		var ss float64
		for c := 0; c < nc; c++ {
			d := z[g*nc+c] - fitted.At(c, g)
			ss += d * d
		}
		varPooled[g] = ss / float64(nc)
		if varPooled[g] <= 0 {
			varPooled[g] = 1 // constant gene, standardized row is zero anyway
		}
	}
	s := make([]float64, ng*nc)
	for g := 0; g < ng; g++ {
		sd := math.Sqrt(varPooled[g])
		for c := 0; c < nc; c++ {
			s[g*nc+c] = (z[g*nc+c] - standMean[g*nc+c]) / sd
		}
	}

	out := make([]float64, ng*nc)
	for b := 0; b < nb; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var cols []int
		for c := 0; c < nc; c++ {
			if bidx[c] == b {
				cols = append(cols, c)
			}
		}
		gammaStar, deltaStar := combatBatchEstimates(s, nc, ng, cols)
		for g := 0; g < ng; g++ {
			sd := math.Sqrt(varPooled[g])
			den := math.Sqrt(deltaStar[g])
			for _, c := range cols {
				out[g*nc+c] = (s[g*nc+c]-gammaStar[g])/den*sd + standMean[g*nc+c]
			}
		}
	}
	return out, nil
}

// combatDesign builds the cells × p model matrix: one indicator per
// batch, plus reference-dropped individual indicators when biology is
// protected, plus an optional standardized continuous covariate.
func combatDesign(ds *Dataset, bidx []int, nb int, protectBio bool, covariate string) (*mat.Dense, int, error) {
	nc := ds.NCells()
	p := nb
	var indivs []string
	ipos := map[string]int{}
	if protectBio {
		indivs = ds.Individuals()
		for i, id := range indivs {
			ipos[id] = i
		}
		p += len(indivs) - 1
	}
	var cov []float64
	if covariate != "" {
		var err error
		cov, err = ds.cellCovariate(covariate)
		if err != nil {
			return nil, 0, err
		}
		mean, sd := stat.MeanStdDev(cov, nil)
		if sd > 0 {
			for c := range cov {
				cov[c] = (cov[c] - mean) / sd
			}
		}
		p++
	}
	design := mat.NewDense(nc, p, nil)
	for c := 0; c < nc; c++ {
		design.Set(c, bidx[c], 1)
		if protectBio {
			if i := ipos[ds.Cells[c].Individual]; i > 0 {
				design.Set(c, nb+i-1, 1)
			}
		}
		if cov != nil {
			design.Set(c, p-1, cov[c])
		}
	}
	return design, p, nil
}

// combatBatchEstimates shrinks one batch's per-gene location and scale
// estimates toward their cross-gene priors with the parametric
// iterative solution, returning the adjusted estimates.
func combatBatchEstimates(s []float64, nc, ng int, cols []int) (gammaStar, deltaStar []float64) {
	n := float64(len(cols))
	gammaHat := make([]float64, ng)
	deltaHat := make([]float64, ng)
	for g := 0; g < ng; g++ {
		var mean float64
		for _, c := range cols {
			mean += s[g*nc+c]
		}
		mean /= n
		gammaHat[g] = mean
		if len(cols) < 2 {
			deltaHat[g] = 1
			continue
		}
		var ss float64
		for _, c := range cols {
			d := s[g*nc+c] - mean
			ss += d * d
		}
		deltaHat[g] = ss / (n - 1)
	}

	gbar, t2 := stat.MeanVariance(gammaHat, nil)
	dm, ds2 := stat.MeanVariance(deltaHat, nil)
	if !(t2 > 0) || !(ds2 > 0) {
		// Too few genes to estimate priors; keep raw estimates.
		for g := range deltaHat {
			if deltaHat[g] <= 0 {
				deltaHat[g] = 1
			}
		}
		return gammaHat, deltaHat
	}
	aprior := (2*ds2 + dm*dm) / ds2
	bprior := (dm*ds2 + dm*dm*dm) / ds2

	gammaStar = append([]float64(nil), gammaHat...)
	deltaStar = append([]float64(nil), deltaHat...)
	gnew := make([]float64, ng)
	dnew := make([]float64, ng)
	for iter := 0; iter < combatMaxIter; iter++ {
		change := 0.0
		for g := 0; g < ng; g++ {
			gnew[g] = (t2*n*gammaHat[g] + deltaStar[g]*gbar) / (t2*n + deltaStar[g])
			var sum2 float64
			for _, c := range cols {
				d := s[g*nc+c] - gnew[g]
				sum2 += d * d
			}
			dnew[g] = (0.5*sum2 + bprior) / (n/2 + aprior - 1)
			change = math.Max(change, relChange(gnew[g], gammaStar[g]))
			change = math.Max(change, relChange(dnew[g], deltaStar[g]))
		}
		copy(gammaStar, gnew)
		copy(deltaStar, dnew)
		if change < combatConv {
			break
		}
	}
	for g := range deltaStar {
		if deltaStar[g] <= 0 {
			deltaStar[g] = 1
		}
	}
	return gammaStar, deltaStar
}

func relChange(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}

// matrixRank counts singular values above the usual numerical
// tolerance.
func matrixRank(m mat.Matrix) int {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return 0
	}
	r, c := m.Dims()
	n := r
	if c > n {
		n = c
	}
	tol := float64(n) * values[0] * 2.220446049250313e-16
	rank := 0
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	return rank
}
