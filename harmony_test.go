package deconfound

import (
	"context"
	"math"

	"gopkg.in/check.v1"
)

type harmonySuite struct{}

var _ = check.Suite(&harmonySuite{})

// batchCentroidGap returns the distance between the two batch centroids
// in a cell-major nc × d embedding.
func batchCentroidGap(ds *Dataset, coords []float64, d int) float64 {
	_, idx := ds.batchIndexes()
	nc := ds.NCells()
	cent := make([]float64, 2*d)
	var n [2]int
	for c := 0; c < nc; c++ {
		b := idx[c]
		for j := 0; j < d; j++ {
			cent[b*d+j] += coords[c*d+j]
		}
		n[b]++
	}
	var dist float64
	for j := 0; j < d; j++ {
		diff := cent[j]/float64(n[0]) - cent[d+j]/float64(n[1])
		dist += diff * diff
	}
	return math.Sqrt(dist)
}

func (s *harmonySuite) TestEmbeddingShape(c *check.C) {
	ds, layer := plantedDataset(25, 2, 2, 10, 1, 0.5, 0.3, 11)
	opts := CorrectionOptions{K: 4, Clusters: 3, Seed: 1}
	res, err := (&harmonyMethod{}).Apply(context.Background(), ds, layer, opts)
	c.Assert(err, check.IsNil)
	c.Assert(res.Embedding, check.NotNil)
	c.Check(res.Layer, check.IsNil)
	c.Check(res.Embedding.Name, check.Equals, "harmony")
	c.Check(res.Embedding.Dims, check.Equals, 4)
	c.Check(res.Embedding.Coords, check.HasLen, ds.NCells()*4)
	c.Check(validateResult(ds, res), check.IsNil)
}

func (s *harmonySuite) TestDeterministic(c *check.C) {
	ds, layer := plantedDataset(25, 2, 2, 10, 2, 0.5, 0.3, 12)
	opts := CorrectionOptions{K: 3, Clusters: 4, Seed: 7}
	res1, err := (&harmonyMethod{}).Apply(context.Background(), ds, layer, opts)
	c.Assert(err, check.IsNil)
	res2, err := (&harmonyMethod{}).Apply(context.Background(), ds, layer, opts)
	c.Assert(err, check.IsNil)
	c.Check(res1.Embedding.Coords, check.DeepEquals, res2.Embedding.Coords)
}

func (s *harmonySuite) TestAlignmentMixesBatches(c *check.C) {
	ds, layer := plantedDataset(25, 2, 2, 15, 3, 0.5, 0.3, 10)
	opts := CorrectionOptions{K: 2, Clusters: 3, Theta: 2, Seed: 3}

	// the uncorrected embedding is the plain projection
	raw, d, err := pcaScores(expressionMatrix(layer.log2Values(), ds.NCells(), ds.biologicalRows()), 2)
	c.Assert(err, check.IsNil)
	c.Assert(d, check.Equals, 2)
	before := batchCentroidGap(ds, raw, 2)
	c.Assert(before > 1, check.Equals, true, check.Commentf("planted centroid gap %v", before))

	res, err := (&harmonyMethod{}).Apply(context.Background(), ds, layer, opts)
	c.Assert(err, check.IsNil)
	c.Assert(res.Embedding.Dims, check.Equals, 2)
	after := batchCentroidGap(ds, res.Embedding.Coords, 2)
	c.Check(after < before*0.6, check.Equals, true, check.Commentf("centroid gap %v -> %v", before, after))
}

func (s *harmonySuite) TestSingleBatchSkipsAlignment(c *check.C) {
	ds, layer := plantedDataset(20, 2, 1, 10, 0, 1, 0.3, 13)
	opts := CorrectionOptions{K: 3, Seed: 5}
	res, err := (&harmonyMethod{}).Apply(context.Background(), ds, layer, opts)
	c.Assert(err, check.IsNil)

	raw, d, err := pcaScores(expressionMatrix(layer.log2Values(), ds.NCells(), ds.biologicalRows()), 3)
	c.Assert(err, check.IsNil)
	c.Check(res.Embedding.Dims, check.Equals, d)
	c.Check(res.Embedding.Coords, check.DeepEquals, raw)
}
