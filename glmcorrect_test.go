// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"math"

	"gopkg.in/check.v1"
)

type glmSuite struct{}

var _ = check.Suite(&glmSuite{})

func (s *glmSuite) TestRemovesBatchOffsets(c *check.C) {
	ds, layer := plantedDataset(15, 2, 2, 6, 2, 1, 1e-6, 7)
	before := meanBatchGap(ds, layer.Values)
	indivBefore := meanIndividualGap(ds, layer.Values)
	c.Assert(before > 0.5, check.Equals, true)

	res, err := (&glmMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(res.Layer, check.NotNil)
	c.Check(res.Layer.Name, check.Equals, "glm")
	c.Check(res.Layer.Scale, check.Equals, ScaleLog2)

	// the design is balanced and the jitter is tiny, so the fitted
	// offsets match the planted ones almost exactly
	after := meanBatchGap(ds, res.Layer.Values)
	c.Check(after < 1e-4, check.Equals, true, check.Commentf("batch gap %v -> %v", before, after))

	// individual differences are not batch effects: they survive
	indivAfter := meanIndividualGap(ds, res.Layer.Values)
	c.Check(math.Abs(indivAfter-indivBefore) < 1e-4, check.Equals, true)

	// reference batch cells pass through untouched
	nc := ds.NCells()
	for col, ci := range ds.Cells {
		if ci.Batch != "B1" {
			continue
		}
		for g := 0; g < ds.NGenes(); g++ {
			if res.Layer.Values[g*nc+col] != layer.Values[g*nc+col] {
				c.Fatalf("reference cell %s changed at gene %d", ci.ID, g)
			}
		}
	}
}

func (s *glmSuite) TestSingleBatchIsIdentity(c *check.C) {
	ds, layer := plantedDataset(10, 2, 1, 5, 0, 1, 0.1, 8)
	res, err := (&glmMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "glm")
	c.Check(res.Layer.Values, check.DeepEquals, layer.Values)
}

func (s *glmSuite) TestPerIndividualOffsets(c *check.C) {
	// each individual responds to batch 2 with its own shift; the
	// per-individual fit removes both, the global fit cannot
	ds, layer := plantedDataset(10, 2, 2, 4, 0, 0, 1e-6, 9)
	nc := ds.NCells()
	want := append([]float64(nil), layer.Values...)
	delta := map[string]float64{"I1": 1.5, "I2": -2}
	for col, ci := range ds.Cells {
		if ci.Batch != "B2" {
			continue
		}
		for g := 0; g < ds.NGenes(); g++ {
			layer.Values[g*nc+col] += delta[ci.Individual]
		}
	}

	res, err := (&glmMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{PerIndividual: true})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "glm_indi")
	for i, v := range res.Layer.Values {
		if math.Abs(v-want[i]) > 1e-4 {
			c.Fatalf("value %d: got %v, want %v", i, v, want[i])
		}
	}

	// the global fit subtracts one pooled offset, leaving
	// individual-specific residue behind
	global, err := (&glmMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	var residue float64
	for i, v := range global.Layer.Values {
		residue += math.Abs(v - want[i])
	}
	residue /= float64(len(want))
	c.Check(residue > 0.5, check.Equals, true, check.Commentf("global residue %v", residue))
}
