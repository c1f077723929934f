// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// glmMethod removes batch effects with per-gene linear models:
// expression regressed on batch indicators with the first batch's
// coefficient anchored at zero, so corrections are expressed relative
// to the reference batch. Deterministic; no shrinkage. In
// per-individual mode the model is fit within each individual
// separately, which keeps individual-specific batch responses from
// leaking into other individuals.
type glmMethod struct{}

func (*glmMethod) Name() string    { return "glm" }
func (*glmMethod) RawCounts() bool { return false }

func (m *glmMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	name := m.Name()
	if opts.PerIndividual {
		name = "glm_indi"
	}
	nc := ds.NCells()
	out := append([]float64(nil), input.log2Values()...)
	if opts.PerIndividual {
		byIndiv := ds.cellsByIndividual()
		for _, indiv := range ds.Individuals() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := glmSubtractBatch(ctx, ds, out, nc, byIndiv[indiv]); err != nil {
				return nil, err
			}
		}
	} else {
		if err := glmSubtractBatch(ctx, ds, out, nc, allColumns(nc)); err != nil {
			return nil, err
		}
	}
	return &CorrectionResult{Layer: layerFromLog2(name, input, out)}, nil
}

// glmSubtractBatch fits, per gene, a Gaussian GLM of expression on
// batch indicators over the given columns of z (genes × nc,
// modified in place) and subtracts each cell's fitted batch effect.
// The first batch present among cols (in global batch order) is the
// reference level and is left untouched. A group with a single batch
// level has nothing to fit and is returned unchanged.
func glmSubtractBatch(ctx context.Context, ds *Dataset, z []float64, nc int, cols []int) error {
	_, bidx := ds.batchIndexes()
	local := make([]int, len(cols)) // per column: local batch level, reference = 0
	seen := map[int]int{}
	var order []int
	for _, c := range cols {
		if _, ok := seen[bidx[c]]; !ok {
			order = append(order, bidx[c])
		}
		seen[bidx[c]] = 0
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	for lvl, b := range order {
		seen[b] = lvl
	}
	for i, c := range cols {
		local[i] = seen[bidx[c]]
	}
	nlvl := len(order)
	if nlvl < 2 {
		return nil
	}

	n := len(cols)
	icept := make([]statmodel.Dtype, n)
	for i := range icept {
		icept[i] = 1
	}
	indicators := make([][]statmodel.Dtype, nlvl-1)
	names := []string{"expr", "icept"}
	for lvl := 1; lvl < nlvl; lvl++ {
		series := make([]statmodel.Dtype, n)
		for i, l := range local {
			if l == lvl {
				series[i] = 1
			}
		}
		indicators[lvl-1] = series
		names = append(names, fmt.Sprintf("batch%d", lvl))
	}

	outcome := make([]statmodel.Dtype, n)
	for g := 0; g < ds.NGenes(); g++ {
		if g%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for i, c := range cols {
			outcome[i] = z[g*nc+c]
		}
		effects := fitBatchEffects(outcome, icept, indicators, names)
		if effects == nil {
			continue // singular fit, leave gene at reference scale
		}
		for i, c := range cols {
			if lvl := local[i]; lvl > 0 {
				z[g*nc+c] -= effects[lvl-1]
			}
		}
	}
	return nil
}

// fitBatchEffects returns the fitted coefficient for each non-reference
// batch indicator, or nil if the fit is degenerate.
func fitBatchEffects(outcome, icept []statmodel.Dtype, indicators [][]statmodel.Dtype, names []string) (effects []float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			effects = nil
		}
	}()
	data := append([][]statmodel.Dtype{outcome, icept}, indicators...)
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "expr", names[1:], glmConfig)
	if err != nil {
		return nil
	}
	result := model.Fit()
	params := result.Params()
	if len(params) != len(indicators)+1 {
		return nil
	}
	return params[1:]
}

