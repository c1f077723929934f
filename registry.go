// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
)

// CorrectionOptions carries the tunables shared across correction
// methods. Each method reads the fields relevant to it and ignores
// the rest.
type CorrectionOptions struct {
	K         int     // unwanted-variation factors, or embedding dims
	Neighbors int     // mutual-nearest-neighbor search width
	Sigma     float64 // Gaussian kernel width for neighbor smoothing
	Rank      int     // SVD rank for correction-vector variance reduction (0 = off)
	Clusters  int     // soft-clustering cluster count
	Theta     float64 // batch-diversity penalty strength
	MaxIter   int     // iteration cap for iterative methods
	Seed      int64   // seed for stochastic steps

	// ProtectBiology adds individual indicators to the model so
	// location/scale adjustments cannot absorb between-individual
	// differences. Fails with *UnidentifiableDesignError when batch
	// assignment is nested within individuals.
	ProtectBiology bool

	// PerIndividual fits and subtracts batch effects within each
	// individual separately instead of globally.
	PerIndividual bool

	// Covariate names a continuous cell metadata column to preserve
	// in the combat model (total_features, total_counts,
	// pct_counts_control, pct_counts_mito).
	Covariate string
}

// Flags registers the shared tunables on a command's flag set.
func (o *CorrectionOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.K, "k", 1, "latent factor count for ruvg/ruvs (0 = identity), or embedding dimensions for harmony")
	flags.IntVar(&o.Neighbors, "neighbors", 20, "neighbor count `k` for mutual-nearest-neighbor search")
	flags.Float64Var(&o.Sigma, "sigma", 0.1, "Gaussian kernel `bandwidth` for mnn correction smoothing")
	flags.IntVar(&o.Rank, "svd-rank", 2, "SVD `rank` for mnn correction-vector variance reduction (0 = off)")
	flags.IntVar(&o.Clusters, "clusters", 10, "soft cluster count for harmony")
	flags.Float64Var(&o.Theta, "theta", 2, "harmony batch-diversity strength (higher = more aggressive integration)")
	flags.IntVar(&o.MaxIter, "max-iter", 20, "iteration cap for iterative fits")
	flags.Int64Var(&o.Seed, "random-seed", 0, "PRNG seed for stochastic steps")
	flags.BoolVar(&o.ProtectBiology, "protect-biology", false, "combat: keep individual differences out of the batch adjustment")
	flags.BoolVar(&o.PerIndividual, "per-individual", false, "glm: fit and subtract batch effects within each individual")
	flags.StringVar(&o.Covariate, "covariate", "", "combat: continuous cell metadata `column` to preserve")
}

// withDefaults fills the zero-value tunables. K is left alone: zero
// factors is a meaningful request (the identity) for the RUV methods.
func (o CorrectionOptions) withDefaults() CorrectionOptions {
	if o.Neighbors == 0 {
		o.Neighbors = 20
	}
	if o.Sigma == 0 {
		o.Sigma = 0.1
	}
	if o.Clusters == 0 {
		o.Clusters = 10
	}
	if o.Theta == 0 {
		o.Theta = 2
	}
	if o.MaxIter == 0 {
		o.MaxIter = 20
	}
	return o
}

// A CorrectionMethod removes batch structure from one expression
// layer. Methods never modify the input layer or the dataset
// metadata; the result is a new layer (or embedding) in the same
// row/column index space. RawCounts reports whether the method wants
// raw counts instead of the normalized baseline.
type CorrectionMethod interface {
	Name() string
	RawCounts() bool
	Apply(ctx context.Context, ds *Dataset, input *Layer, opts CorrectionOptions) (*CorrectionResult, error)
}

var correctionMethods = map[string]CorrectionMethod{
	"ruvg":    &ruvgMethod{},
	"ruvs":    &ruvsMethod{},
	"combat":  &combatMethod{},
	"mnn":     &mnnMethod{},
	"glm":     &glmMethod{},
	"harmony": &harmonyMethod{},
}

// CorrectionMethodNames lists the registered methods in sorted order.
func CorrectionMethodNames() []string {
	names := make([]string, 0, len(correctionMethods))
	for name := range correctionMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupCorrectionMethod resolves a method by name.
func LookupCorrectionMethod(name string) (CorrectionMethod, error) {
	m, ok := correctionMethods[name]
	if !ok {
		return nil, fmt.Errorf("unknown correction method %q (have %v)", name, CorrectionMethodNames())
	}
	return m, nil
}

// CorrectionRequest is one registry work item: a method plus the
// parameters to run it with.
type CorrectionRequest struct {
	Method CorrectionMethod
	Opts   CorrectionOptions
}

// MethodFailure records a correction method that failed. Failures are
// terminal for the failing method only.
type MethodFailure struct {
	Method string
	Params CorrectionOptions
	Err    error
}

func (f MethodFailure) Error() string {
	return fmt.Sprintf("method %s: %s", f.Method, f.Err)
}

// RunCorrections applies each requested method to the dataset under a
// bounded worker pool. Methods are independent: each receives
// read-only views of the dataset and the shared input layers, and
// writes into its own slot of the returned slice, which parallels reqs
// (nil where the method failed). A failing method is recorded and the
// rest keep running; nothing is retried. Results are validated to
// cover the full cell set before being accepted.
func RunCorrections(ctx context.Context, ds *Dataset, raw, baseline *Layer, reqs []CorrectionRequest, threads int) ([]*CorrectionResult, []MethodFailure) {
	if threads < 1 {
		threads = 1
	}
	results := make([]*CorrectionResult, len(reqs))
	errs := make([]error, len(reqs))
	pool := throttle{Max: threads}
	for i, req := range reqs {
		i, req := i, req
		pool.Go(func() error {
			input := baseline
			if req.Method.RawCounts() {
				input = raw
			}
			log.Printf("correcting: %s", req.Method.Name())
			res, err := applyCorrection(ctx, req.Method, ds, input, req.Opts)
			if err == nil {
				err = validateResult(ds, res)
			}
			if err != nil {
				errs[i] = err
				log.Warnf("correction %s failed: %s", req.Method.Name(), err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	pool.Wait()
	var failures []MethodFailure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, MethodFailure{
				Method: reqs[i].Method.Name(),
				Params: reqs[i].Opts,
				Err:    err,
			})
		}
	}
	return results, failures
}

// applyCorrection runs one method, converting a panic from a
// degenerate numerical fit into an ordinary error so one bad method
// cannot take down the whole run.
func applyCorrection(ctx context.Context, m CorrectionMethod, ds *Dataset, input *Layer, opts CorrectionOptions) (res *CorrectionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%s: fit panic: %v", m.Name(), p)
		}
	}()
	return m.Apply(ctx, ds, input, opts)
}

// validateResult checks that a correction covered exactly the
// dataset's cell set: a full genes × cells layer, or a cells × dims
// embedding, and nothing half-filled with NaN.
func validateResult(ds *Dataset, res *CorrectionResult) error {
	switch {
	case res == nil:
		return fmt.Errorf("method returned no result")
	case (res.Layer == nil) == (res.Embedding == nil):
		return fmt.Errorf("method must return exactly one of layer or embedding")
	case res.Layer != nil:
		if want := ds.NGenes() * ds.NCells(); len(res.Layer.Values) != want {
			return fmt.Errorf("layer %q has %d values, want %d genes × %d cells", res.Layer.Name, len(res.Layer.Values), ds.NGenes(), ds.NCells())
		}
		for _, v := range res.Layer.Values {
			if math.IsNaN(v) {
				return fmt.Errorf("layer %q contains NaN", res.Layer.Name)
			}
		}
	case res.Embedding != nil:
		e := res.Embedding
		if e.Dims < 1 || len(e.Coords) != ds.NCells()*e.Dims {
			return fmt.Errorf("embedding %q has %d coords, want %d cells × %d dims", e.Name, len(e.Coords), ds.NCells(), e.Dims)
		}
		for _, v := range e.Coords {
			if math.IsNaN(v) {
				return fmt.Errorf("embedding %q contains NaN", e.Name)
			}
		}
	}
	return nil
}

// rawCountsLayer copies the dataset's counts into a counts-scale
// layer, the input for methods that operate on raw counts.
func rawCountsLayer(ds *Dataset) *Layer {
	values := make([]float64, len(ds.Counts))
	for i, v := range ds.Counts {
		values[i] = float64(v)
	}
	return &Layer{Name: "counts", Scale: ScaleCounts, Values: values}
}

// layerFromLog2 wraps corrected log2-scale values in a layer matching
// the scale of the layer the correction started from. Counts-scale
// inputs come back on counts scale via exp2(x)-1, clamped at zero.
func layerFromLog2(name string, input *Layer, z []float64) *Layer {
	if input.Scale == ScaleLog2 {
		return &Layer{Name: name, Scale: ScaleLog2, Values: z}
	}
	values := make([]float64, len(z))
	for i, v := range z {
		x := math.Exp2(v) - 1
		if x < 0 || math.IsNaN(x) {
			x = 0
		}
		values[i] = x
	}
	return &Layer{Name: name, Scale: ScaleCounts, Values: values}
}

// copyLayer duplicates a layer under a new name. Used by methods whose
// parameters reduce them to the identity.
func copyLayer(name string, l *Layer) *Layer {
	return &Layer{Name: name, Scale: l.Scale, Values: append([]float64(nil), l.Values...)}
}
