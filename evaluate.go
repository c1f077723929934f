// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"flag"

	log "github.com/sirupsen/logrus"
)

// EvalOptions carries the evaluation suite tunables.
type EvalOptions struct {
	Components int     // PCA dimensionality per layer
	Neighbors  int     // kBET neighborhood size
	Samples    int     // kBET neighborhoods sampled per individual
	Alpha      float64 // kBET significance level
	Seed       int64   // seed for kBET neighborhood sampling
}

// Flags registers the evaluation tunables on a command's flag set.
// The seed is shared with the correction flags, not registered here.
func (o *EvalOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.Components, "components", 2, "PCA `components` computed per layer")
	flags.IntVar(&o.Neighbors, "kbet-neighbors", 10, "kBET neighborhood size `k`")
	flags.IntVar(&o.Samples, "kbet-samples", 100, "kBET `neighborhoods` sampled per individual")
	flags.Float64Var(&o.Alpha, "alpha", 0.05, "kBET significance `level`")
}

func (o EvalOptions) withDefaults() EvalOptions {
	if o.Components == 0 {
		o.Components = 2
	}
	if o.Neighbors == 0 {
		o.Neighbors = 10
	}
	if o.Samples == 0 {
		o.Samples = 100
	}
	if o.Alpha == 0 {
		o.Alpha = 0.05
	}
	return o
}

// LayerEvaluation bundles the comparison metrics for one expression
// layer.
type LayerEvaluation struct {
	Layer    string
	PCA      *Embedding
	RLE      []RLEStat
	Variance *VarianceExplained
	KBET     []KBETResult
}

// Evaluation is the metric comparison across all expression layers, in
// layer insertion order.
type Evaluation struct {
	Layers []LayerEvaluation
}

// Evaluate computes the comparison metrics for every layer in ls.
// Embedding-only corrections have no expression layer and are compared
// visually, not here. A layer whose PCA cannot be computed keeps its
// expression metrics and skips the embedding-based ones; the suite
// only aborts on cancellation.
func Evaluate(ctx context.Context, ds *Dataset, ls *LayerSet, opts EvalOptions) (*Evaluation, error) {
	opts = opts.withDefaults()
	rows := ds.biologicalRows()
	if len(rows) == 0 {
		rows = allColumns(ds.NGenes())
	}
	ev := &Evaluation{}
	for _, layer := range ls.Layers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Printf("evaluating: %s", layer.Name)
		le := LayerEvaluation{Layer: layer.Name}
		coords, d, err := pcaScores(expressionMatrix(layer.log2Values(), ds.NCells(), rows), opts.Components)
		if err != nil {
			log.Warnf("evaluate %s: pca: %s", layer.Name, err)
		} else {
			le.PCA = &Embedding{Name: layer.Name, Dims: d, Coords: coords}
		}
		if le.RLE, err = rleStats(ctx, ds, layer); err != nil {
			return nil, err
		}
		if le.Variance, err = varianceExplained(ctx, ds, layer); err != nil {
			return nil, err
		}
		if le.PCA != nil {
			if le.KBET, err = kbetRates(ctx, ds, coords, d, opts); err != nil {
				return nil, err
			}
		}
		ev.Layers = append(ev.Layers, le)
	}
	return ev, nil
}
