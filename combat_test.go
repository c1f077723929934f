package deconfound

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type combatSuite struct{}

var _ = check.Suite(&combatSuite{})

// plantedDataset builds metadata for individuals × batches × reps cells
// and a log2-scale layer holding per-gene random base expression, a
// per-gene batch offset (sd batchDelta) for every batch after the
// first, a per-gene individual offset (sd indivDelta) for every
// individual after the first, and N(0, noise²) jitter.
func plantedDataset(ng, individuals, batches, reps int, batchDelta, indivDelta, noise float64, seed int64) (*Dataset, *Layer) {
	rnd := rand.New(rand.NewSource(seed))
	ds := &Dataset{}
	for g := 0; g < ng; g++ {
		ds.Genes = append(ds.Genes, GeneInfo{ID: fmt.Sprintf("g%03d", g+1), QCPass: true})
	}
	for i := 0; i < individuals; i++ {
		for b := 0; b < batches; b++ {
			for r := 0; r < reps; r++ {
				ds.Cells = append(ds.Cells, CellInfo{
					ID:            fmt.Sprintf("I%d.B%d.r%d", i+1, b+1, r+1),
					Individual:    fmt.Sprintf("I%d", i+1),
					Batch:         fmt.Sprintf("B%d", b+1),
					Replicate:     fmt.Sprintf("r%d", r+1),
					TotalFeatures: 100 + rnd.Intn(100),
					TotalCounts:   1000 + rnd.Intn(1000),
					QCPass:        true,
				})
			}
		}
	}
	nc := len(ds.Cells)
	ds.Counts = make([]int32, ng*nc)
	values := make([]float64, ng*nc)
	for g := 0; g < ng; g++ {
		base := 5 + rnd.NormFloat64()
		boff := make([]float64, batches)
		for b := 1; b < batches; b++ {
			boff[b] = batchDelta * rnd.NormFloat64()
		}
		ioff := make([]float64, individuals)
		for i := 1; i < individuals; i++ {
			ioff[i] = indivDelta * rnd.NormFloat64()
		}
		for c, ci := range ds.Cells {
			var b, i int
			fmt.Sscanf(ci.Batch, "B%d", &b)
			fmt.Sscanf(ci.Individual, "I%d", &i)
			v := base + boff[b-1] + ioff[i-1]
			if noise > 0 {
				v += noise * rnd.NormFloat64()
			}
			values[g*nc+c] = v
		}
	}
	return ds, &Layer{Name: "logcounts", Scale: ScaleLog2, Values: values}
}

func (s *combatSuite) TestRemovesBatchShift(c *check.C) {
	ds, layer := plantedDataset(30, 2, 2, 10, 2, 1, 0.1, 1)
	before := meanBatchGap(ds, layer.Values)
	c.Assert(before > 0.8, check.Equals, true, check.Commentf("planted batch gap %v", before))

	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(res.Layer, check.NotNil)
	c.Check(res.Layer.Name, check.Equals, "combat")
	c.Check(res.Layer.Scale, check.Equals, ScaleLog2)
	c.Assert(validateResult(ds, res), check.IsNil)

	after := meanBatchGap(ds, res.Layer.Values)
	c.Check(after < before*0.2, check.Equals, true, check.Commentf("batch gap %v -> %v", before, after))
	c.Check(after < 0.15, check.Equals, true, check.Commentf("batch gap %v", after))
}

func (s *combatSuite) TestEqualizesBatchScale(c *check.C) {
	// no location shift, but batch 2 is three times noisier
	rnd := rand.New(rand.NewSource(5))
	ds, _ := plantedDataset(20, 1, 2, 15, 0, 0, 0, 5)
	nc := ds.NCells()
	values := make([]float64, 20*nc)
	for g := 0; g < 20; g++ {
		base := 5 + rnd.NormFloat64()
		for col, ci := range ds.Cells {
			sd := 0.2
			if ci.Batch == "B2" {
				sd = 0.6
			}
			values[g*nc+col] = base + sd*rnd.NormFloat64()
		}
	}
	layer := &Layer{Name: "logcounts", Scale: ScaleLog2, Values: values}

	sdRatio := func(z []float64) float64 {
		_, idx := ds.batchIndexes()
		var total float64
		for g := 0; g < 20; g++ {
			var sum, sum2 [2]float64
			var n [2]int
			for col := 0; col < nc; col++ {
				b := idx[col]
				sum[b] += z[g*nc+col]
				sum2[b] += z[g*nc+col] * z[g*nc+col]
				n[b]++
			}
			var sd [2]float64
			for b := 0; b < 2; b++ {
				mean := sum[b] / float64(n[b])
				sd[b] = math.Sqrt(sum2[b]/float64(n[b]) - mean*mean)
			}
			total += sd[1] / sd[0]
		}
		return total / 20
	}

	c.Assert(sdRatio(values) > 2, check.Equals, true)
	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	ratio := sdRatio(res.Layer.Values)
	c.Check(ratio > 0.7 && ratio < 1.4, check.Equals, true, check.Commentf("sd ratio after adjustment: %v", ratio))
}

func (s *combatSuite) TestSingleBatchIsIdentity(c *check.C) {
	ds, layer := plantedDataset(10, 2, 1, 6, 0, 1, 0.1, 2)
	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "combat")
	c.Check(res.Layer.Values, check.DeepEquals, layer.Values)

	res, err = (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{ProtectBiology: true})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "combat_indi")
}

func (s *combatSuite) TestProtectBiologyKeepsIndividualSignal(c *check.C) {
	ds, layer := plantedDataset(30, 2, 2, 10, 2, 2, 0.1, 6)
	batchBefore := meanBatchGap(ds, layer.Values)
	indivBefore := meanIndividualGap(ds, layer.Values)
	c.Assert(indivBefore > 0.8, check.Equals, true)

	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{ProtectBiology: true})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "combat_indi")

	batchAfter := meanBatchGap(ds, res.Layer.Values)
	indivAfter := meanIndividualGap(ds, res.Layer.Values)
	c.Check(batchAfter < batchBefore*0.2, check.Equals, true, check.Commentf("batch gap %v -> %v", batchBefore, batchAfter))
	c.Check(indivAfter > indivBefore*0.6, check.Equals, true, check.Commentf("individual gap %v -> %v", indivBefore, indivAfter))
}

func (s *combatSuite) TestProtectBiologyUnidentifiable(c *check.C) {
	ds, layer := plantedDataset(10, 2, 2, 5, 1, 1, 0.1, 3)
	// nest batch assignment inside individuals
	for i := range ds.Cells {
		if ds.Cells[i].Individual == "I1" {
			ds.Cells[i].Batch = "B1"
		} else {
			ds.Cells[i].Batch = "B2"
		}
	}
	c.Assert(classifyDesign(ds), check.Equals, confoundedDesign)

	_, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{ProtectBiology: true})
	c.Assert(err, check.ErrorMatches, `unidentifiable design: matrix rank 2 < 3 columns \(design is collinear with batch\)`)
	uerr, ok := err.(*UnidentifiableDesignError)
	c.Assert(ok, check.Equals, true)
	c.Check(uerr.Rank, check.Equals, 2)
	c.Check(uerr.Cols, check.Equals, 3)

	// without biology protection the same layout is correctable
	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{})
	c.Assert(err, check.IsNil)
	c.Check(res.Layer.Name, check.Equals, "combat")
}

func (s *combatSuite) TestCovariate(c *check.C) {
	ds, layer := plantedDataset(20, 2, 2, 8, 2, 1, 0.1, 4)
	before := meanBatchGap(ds, layer.Values)
	res, err := (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{Covariate: "total_counts"})
	c.Assert(err, check.IsNil)
	c.Assert(validateResult(ds, res), check.IsNil)
	after := meanBatchGap(ds, res.Layer.Values)
	c.Check(after < before*0.5, check.Equals, true, check.Commentf("batch gap %v -> %v", before, after))

	_, err = (&combatMethod{}).Apply(context.Background(), ds, layer, CorrectionOptions{Covariate: "shoe_size"})
	c.Check(err, check.ErrorMatches, `unknown cell covariate "shoe_size"`)
}
