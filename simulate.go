// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	log "github.com/sirupsen/logrus"
)

// simulator generates a synthetic dataset with known structure:
// Poisson counts around per-gene lognormal means, with planted
// per-batch and per-individual log-scale effects. Spike-in controls
// receive batch effects but no individual effects, mirroring how
// constant-quantity spike-ins behave in a real experiment.
type simulator struct {
	genes       int
	controls    int
	individuals int
	batches     int
	replicates  int
	batchSD     float64
	indivSD     float64
	confounded  bool
	seed        int64
	outputFile  string
}

// depth and overdispersion of the simulated library sizes, on log2
// scale
const (
	simDepthSD      = 0.25
	simDispersionSD = 0.25
)

func (cmd *simulator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *simulator) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.IntVar(&cmd.genes, "genes", 100, "biological gene count")
	flags.IntVar(&cmd.controls, "controls", 10, "spike-in control gene count")
	flags.IntVar(&cmd.individuals, "individuals", 3, "individual count")
	flags.IntVar(&cmd.batches, "batches", 2, "batch count")
	flags.IntVar(&cmd.replicates, "replicates", 5, "cells per individual per batch")
	flags.Float64Var(&cmd.batchSD, "batch-effect", 1, "per-gene batch effect `sd` on log2 scale (0 = no batch effect)")
	flags.Float64Var(&cmd.indivSD, "individual-effect", 1, "per-gene individual effect `sd` on log2 scale")
	flags.BoolVar(&cmd.confounded, "confounded", false, "assign each individual to a single batch (confounded design)")
	flags.Int64Var(&cmd.seed, "random-seed", 0, "PRNG seed")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if cmd.genes < 1 || cmd.individuals < 1 || cmd.batches < 1 || cmd.replicates < 1 {
		return fmt.Errorf("-genes, -individuals, -batches, -replicates must all be positive")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds := cmd.simulate()
	log.Printf("simulated %d genes × %d cells (%s design)", ds.NGenes(), ds.NCells(), classifyDesign(ds))
	return saveDatasetFile(cmd.outputFile, stdout, ds)
}

func (cmd *simulator) simulate() *Dataset {
	rnd := rand.New(rand.NewSource(uint64(cmd.seed)))

	ng := cmd.genes + cmd.controls
	genes := make([]GeneInfo, ng)
	nmito := cmd.genes / 20
	for g := 0; g < cmd.genes; g++ {
		gi := GeneInfo{ID: fmt.Sprintf("GENE%04d", g+1), QCPass: true}
		if g < nmito {
			gi.ID = fmt.Sprintf("MT-%04d", g+1)
			gi.Mito = true
		}
		genes[g] = gi
	}
	for g := 0; g < cmd.controls; g++ {
		genes[cmd.genes+g] = GeneInfo{ID: fmt.Sprintf("ERCC-%04d", g+1), Control: true, QCPass: true}
	}

	var cells []CellInfo
	for i := 0; i < cmd.individuals; i++ {
		for b := 0; b < cmd.batches; b++ {
			batch := b
			if cmd.confounded {
				batch = i % cmd.batches
			}
			for r := 0; r < cmd.replicates; r++ {
				cells = append(cells, CellInfo{
					ID:         fmt.Sprintf("I%d.B%d.c%02d", i+1, batch+1, b*cmd.replicates+r+1),
					Individual: fmt.Sprintf("I%d", i+1),
					Batch:      fmt.Sprintf("B%d", batch+1),
					Replicate:  fmt.Sprintf("c%02d", r+1),
					QCPass:     true,
				})
			}
		}
	}
	nc := len(cells)

	// planted structure, all on log2 scale
	base := make([]float64, ng)
	for g := range base {
		base[g] = 3 + 2*rnd.NormFloat64()
	}
	batchEffect := make([]float64, ng*cmd.batches)
	for g := 0; g < ng; g++ {
		for b := 1; b < cmd.batches; b++ {
			batchEffect[g*cmd.batches+b] = cmd.batchSD * rnd.NormFloat64()
		}
	}
	indivEffect := make([]float64, ng*cmd.individuals)
	for g := 0; g < ng; g++ {
		if genes[g].Control {
			continue
		}
		for i := 1; i < cmd.individuals; i++ {
			indivEffect[g*cmd.individuals+i] = cmd.indivSD * rnd.NormFloat64()
		}
	}
	depth := make([]float64, nc)
	for c := range depth {
		depth[c] = simDepthSD * rnd.NormFloat64()
	}
	cellBatch := make([]int, nc)
	cellIndiv := make([]int, nc)
	for c, ci := range cells {
		fmt.Sscanf(ci.Batch, "B%d", &cellBatch[c])
		fmt.Sscanf(ci.Individual, "I%d", &cellIndiv[c])
		cellBatch[c]--
		cellIndiv[c]--
	}

	counts := make([]int32, ng*nc)
	for g := 0; g < ng; g++ {
		for c := 0; c < nc; c++ {
			lg := base[g] + batchEffect[g*cmd.batches+cellBatch[c]] +
				indivEffect[g*cmd.individuals+cellIndiv[c]] +
				depth[c] + simDispersionSD*rnd.NormFloat64()
			lambda := math.Exp2(lg)
			if lambda < 1e-8 {
				continue
			}
			counts[g*nc+c] = int32(distuv.Poisson{Lambda: lambda, Src: rnd}.Rand())
		}
	}

	ds := &Dataset{Genes: genes, Cells: cells, Counts: counts}
	ds.ComputeQCMetrics()
	return ds
}
