// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type registrySuite struct{}

var _ = check.Suite(&registrySuite{})

// stubMethod lets tests inject arbitrary correction behavior.
type stubMethod struct {
	name string
	raw  bool
	fn   func(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error)
}

func (m *stubMethod) Name() string    { return m.name }
func (m *stubMethod) RawCounts() bool { return m.raw }
func (m *stubMethod) Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error) {
	return m.fn(ctx, ds, input, opts)
}

func (s *registrySuite) TestMethodNames(c *check.C) {
	c.Check(CorrectionMethodNames(), check.DeepEquals, []string{"combat", "glm", "harmony", "mnn", "ruvg", "ruvs"})
	m, err := LookupCorrectionMethod("combat")
	c.Assert(err, check.IsNil)
	c.Check(m.Name(), check.Equals, "combat")
	_, err = LookupCorrectionMethod("pca")
	c.Check(err, check.ErrorMatches, `unknown correction method "pca" \(have \[combat glm harmony mnn ruvg ruvs\]\)`)
}

func (s *registrySuite) TestRunCorrectionsIsolatesFailures(c *check.C) {
	ds := smallDataset()
	raw := rawCountsLayer(ds)
	baseline := &Layer{Name: "logcounts", Scale: ScaleLog2, Values: make([]float64, 4)}
	good := &stubMethod{name: "good", fn: func(_ context.Context, ds *Dataset, input *Layer, _ CorrectionOptions) (*CorrectionResult, error) {
		return &CorrectionResult{Layer: copyLayer("good1", input)}, nil
	}}
	bad := &stubMethod{name: "bad", fn: func(context.Context, *Dataset, *Layer, CorrectionOptions) (*CorrectionResult, error) {
		return nil, errors.New("boom")
	}}
	angry := &stubMethod{name: "angry", fn: func(context.Context, *Dataset, *Layer, CorrectionOptions) (*CorrectionResult, error) {
		panic("numerical meltdown")
	}}

	results, failures := RunCorrections(context.Background(), ds, raw, baseline, []CorrectionRequest{
		{Method: good, Opts: CorrectionOptions{K: 1}},
		{Method: bad},
		{Method: angry},
	}, 2)
	c.Assert(results, check.HasLen, 3)
	c.Check(results[0], check.NotNil)
	c.Check(results[0].Layer.Name, check.Equals, "good1")
	c.Check(results[1], check.IsNil)
	c.Check(results[2], check.IsNil)
	c.Assert(failures, check.HasLen, 2)
	c.Check(failures[0].Method, check.Equals, "bad")
	c.Check(failures[0].Error(), check.Equals, "method bad: boom")
	c.Check(failures[1].Method, check.Equals, "angry")
	c.Check(failures[1].Err, check.ErrorMatches, `angry: fit panic: numerical meltdown`)
	c.Check(failures[0].Params.K, check.Equals, 0)
}

func (s *registrySuite) TestRunCorrectionsRejectsBadResults(c *check.C) {
	ds := smallDataset()
	raw := rawCountsLayer(ds)
	short := &stubMethod{name: "short", fn: func(context.Context, *Dataset, *Layer, CorrectionOptions) (*CorrectionResult, error) {
		return &CorrectionResult{Layer: &Layer{Name: "short", Scale: ScaleLog2, Values: make([]float64, 3)}}, nil
	}}
	results, failures := RunCorrections(context.Background(), ds, raw, raw, []CorrectionRequest{{Method: short}}, 1)
	c.Check(results[0], check.IsNil)
	c.Assert(failures, check.HasLen, 1)
	c.Check(failures[0].Err, check.ErrorMatches, `layer "short" has 3 values, want 2 genes × 2 cells`)
}

func (s *registrySuite) TestRunCorrectionsInputSelection(c *check.C) {
	ds := smallDataset()
	raw := rawCountsLayer(ds)
	baseline := &Layer{Name: "logcounts", Scale: ScaleLog2, Values: make([]float64, 4)}
	var sawRaw, sawBase string
	rawStub := &stubMethod{name: "r", raw: true, fn: func(_ context.Context, _ *Dataset, input *Layer, _ CorrectionOptions) (*CorrectionResult, error) {
		sawRaw = input.Name
		return &CorrectionResult{Layer: copyLayer("r1", input)}, nil
	}}
	baseStub := &stubMethod{name: "b", fn: func(_ context.Context, _ *Dataset, input *Layer, _ CorrectionOptions) (*CorrectionResult, error) {
		sawBase = input.Name
		return &CorrectionResult{Layer: copyLayer("b1", input)}, nil
	}}
	_, failures := RunCorrections(context.Background(), ds, raw, baseline, []CorrectionRequest{
		{Method: rawStub},
		{Method: baseStub},
	}, 2)
	c.Check(failures, check.HasLen, 0)
	c.Check(sawRaw, check.Equals, "counts")
	c.Check(sawBase, check.Equals, "logcounts")
}

func (s *registrySuite) TestValidateResult(c *check.C) {
	ds := smallDataset()
	okLayer := &CorrectionResult{Layer: &Layer{Name: "x", Scale: ScaleLog2, Values: make([]float64, 4)}}
	c.Check(validateResult(ds, okLayer), check.IsNil)
	okEmb := &CorrectionResult{Embedding: &Embedding{Name: "e", Dims: 2, Coords: make([]float64, 4)}}
	c.Check(validateResult(ds, okEmb), check.IsNil)

	for _, trial := range []struct {
		res *CorrectionResult
		err string
	}{
		{nil, `method returned no result`},
		{&CorrectionResult{}, `method must return exactly one of layer or embedding`},
		{&CorrectionResult{Layer: okLayer.Layer, Embedding: okEmb.Embedding}, `method must return exactly one of layer or embedding`},
		{&CorrectionResult{Layer: &Layer{Name: "x", Scale: ScaleLog2, Values: make([]float64, 3)}}, `layer "x" has 3 values, want 2 genes × 2 cells`},
		{&CorrectionResult{Layer: &Layer{Name: "x", Scale: ScaleLog2, Values: []float64{0, math.NaN(), 0, 0}}}, `layer "x" contains NaN`},
		{&CorrectionResult{Embedding: &Embedding{Name: "e", Coords: nil}}, `embedding "e" has 0 coords, want 2 cells × 0 dims`},
		{&CorrectionResult{Embedding: &Embedding{Name: "e", Dims: 1, Coords: []float64{1, math.NaN()}}}, `embedding "e" contains NaN`},
	} {
		c.Check(validateResult(ds, trial.res), check.ErrorMatches, trial.err)
	}
}

func (s *registrySuite) TestRawCountsLayer(c *check.C) {
	ds := smallDataset()
	layer := rawCountsLayer(ds)
	c.Check(layer.Name, check.Equals, "counts")
	c.Check(layer.Scale, check.Equals, ScaleCounts)
	c.Check(layer.Values, check.DeepEquals, []float64{5, 0, 3, 2})
}

func (s *registrySuite) TestOptionDefaults(c *check.C) {
	opts := CorrectionOptions{}.withDefaults()
	c.Check(opts.K, check.Equals, 0) // zero factors stays meaningful
	c.Check(opts.Neighbors, check.Equals, 20)
	c.Check(opts.Sigma, check.Equals, 0.1)
	c.Check(opts.Clusters, check.Equals, 10)
	c.Check(opts.Theta, check.Equals, 2.0)
	c.Check(opts.MaxIter, check.Equals, 20)

	custom := CorrectionOptions{Neighbors: 5, Sigma: 0.5, Clusters: 2, Theta: 1, MaxIter: 3}.withDefaults()
	c.Check(custom.Neighbors, check.Equals, 5)
	c.Check(custom.Sigma, check.Equals, 0.5)
	c.Check(custom.Clusters, check.Equals, 2)
	c.Check(custom.Theta, check.Equals, 1.0)
	c.Check(custom.MaxIter, check.Equals, 3)
}
