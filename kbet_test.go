// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type kbetSuite struct{}

var _ = check.Suite(&kbetSuite{})

// Individuals whose cells all come from one batch are untestable and
// reported as NaN; the rest are tested within their own cells only.
func (s *kbetSuite) TestPerIndividualTestability(c *check.C) {
	ds := &Dataset{}
	for i := 0; i < 4; i++ {
		ds.Cells = append(ds.Cells, CellInfo{ID: fmt.Sprintf("a%d", i), Individual: "I1", Batch: "B1"})
	}
	for i := 0; i < 4; i++ {
		b := "B1"
		if i%2 == 1 {
			b = "B2"
		}
		ds.Cells = append(ds.Cells, CellInfo{ID: fmt.Sprintf("b%d", i), Individual: "I2", Batch: b})
	}
	coords := make([]float64, len(ds.Cells)*2)
	rnd := rand.New(rand.NewSource(1))
	for i := range coords {
		coords[i] = rnd.NormFloat64()
	}

	res, err := kbetRates(context.Background(), ds, coords, 2, EvalOptions{Neighbors: 2, Samples: 10, Alpha: 0.05, Seed: 7})
	c.Assert(err, check.IsNil)
	c.Assert(res, check.HasLen, 2)
	c.Check(res[0].Individual, check.Equals, "I1")
	c.Check(math.IsNaN(res[0].Rate), check.Equals, true)
	c.Check(res[0].Tested, check.Equals, 0)
	c.Check(res[1].Individual, check.Equals, "I2")
	c.Check(res[1].Tested, check.Equals, 4)
	// 4 cells, neighborhoods of 3: even the worst split is within the
	// chi-squared acceptance region.
	c.Check(res[1].Rate, check.Equals, 0.0)
}

func (s *kbetSuite) TestWellMixedBatchesAccept(c *check.C) {
	ds := &Dataset{}
	rnd := rand.New(rand.NewSource(3))
	coords := make([]float64, 0, 400)
	for i := 0; i < 200; i++ {
		b := "B1"
		if i%2 == 1 {
			b = "B2"
		}
		ds.Cells = append(ds.Cells, CellInfo{ID: fmt.Sprintf("c%03d", i), Individual: "I1", Batch: b})
		coords = append(coords, rnd.NormFloat64(), rnd.NormFloat64())
	}

	res, err := kbetRates(context.Background(), ds, coords, 2, EvalOptions{Neighbors: 10, Samples: 100, Alpha: 0.05, Seed: 11})
	c.Assert(err, check.IsNil)
	c.Assert(res, check.HasLen, 1)
	c.Check(res[0].Tested, check.Equals, 100)
	c.Check(res[0].Rate < 0.3, check.Equals, true, check.Commentf("rejection rate %v", res[0].Rate))
}

func (s *kbetSuite) TestSeparatedBatchesReject(c *check.C) {
	ds := &Dataset{}
	rnd := rand.New(rand.NewSource(5))
	coords := make([]float64, 0, 400)
	for i := 0; i < 200; i++ {
		b, off := "B1", 0.0
		if i%2 == 1 {
			b, off = "B2", 100.0
		}
		ds.Cells = append(ds.Cells, CellInfo{ID: fmt.Sprintf("c%03d", i), Individual: "I1", Batch: b})
		coords = append(coords, off+rnd.NormFloat64(), rnd.NormFloat64())
	}

	res, err := kbetRates(context.Background(), ds, coords, 2, EvalOptions{Neighbors: 10, Samples: 50, Alpha: 0.05, Seed: 11})
	c.Assert(err, check.IsNil)
	c.Assert(res, check.HasLen, 1)
	c.Check(res[0].Tested, check.Equals, 50)
	// every neighborhood is single-batch, so every test rejects
	c.Check(res[0].Rate, check.Equals, 1.0)
}

// With fewer cells than the requested neighborhood size, k clamps to
// n-1 and each neighborhood is the whole individual, which matches the
// expected composition exactly.
func (s *kbetSuite) TestTinyIndividualClamps(c *check.C) {
	ds := &Dataset{Cells: []CellInfo{
		{ID: "c1", Individual: "I1", Batch: "B1"},
		{ID: "c2", Individual: "I1", Batch: "B1"},
		{ID: "c3", Individual: "I1", Batch: "B2"},
	}}
	coords := []float64{0, 0, 1, 0, 0, 1}

	res, err := kbetRates(context.Background(), ds, coords, 2, EvalOptions{Neighbors: 10, Samples: 5, Alpha: 0.05, Seed: 2})
	c.Assert(err, check.IsNil)
	c.Assert(res, check.HasLen, 1)
	c.Check(res[0].Rate, check.Equals, 0.0)
	c.Check(res[0].Tested, check.Equals, 3)
}
