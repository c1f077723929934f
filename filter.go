// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// qcfilter holds the quality thresholds for subsetting a dataset.
type qcfilter struct {
	DropQCFail  bool
	MinFeatures int
	MinCells    int
	MaxPctMito  float64
}

func (f *qcfilter) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&f.DropQCFail, "drop-qc-fail", true, "drop cells and genes whose qc_pass flag is false")
	flags.IntVar(&f.MinFeatures, "min-features", 0, "drop cells detecting fewer than `N` genes")
	flags.IntVar(&f.MinCells, "min-cells", 0, "drop genes detected in fewer than `N` kept cells")
	flags.Float64Var(&f.MaxPctMito, "max-pct-mito", 100, "drop cells with more than `P`%% mitochondrial reads")
}

// Apply builds a new dataset containing the cells and genes that pass
// the thresholds. Cells are selected on their metadata first; gene
// detection is then counted over the kept cells only. QC metric
// columns are recomputed for the surviving submatrix.
func (f *qcfilter) Apply(ds *Dataset) (*Dataset, error) {
	nc := ds.NCells()
	var keepCells []int
	for c, ci := range ds.Cells {
		switch {
		case f.DropQCFail && !ci.QCPass:
		case ci.TotalFeatures < f.MinFeatures:
		case ci.PctMito > f.MaxPctMito:
		default:
			keepCells = append(keepCells, c)
		}
	}
	if len(keepCells) == 0 {
		return nil, fmt.Errorf("filter drops all %d cells", nc)
	}
	var keepGenes []int
	for g, gi := range ds.Genes {
		if f.DropQCFail && !gi.QCPass {
			continue
		}
		detected := 0
		for _, c := range keepCells {
			if ds.Counts[g*nc+c] > 0 {
				detected++
			}
		}
		if detected < f.MinCells {
			continue
		}
		keepGenes = append(keepGenes, g)
	}
	if len(keepGenes) == 0 {
		return nil, fmt.Errorf("filter drops all %d genes", ds.NGenes())
	}

	out := &Dataset{
		Genes:  make([]GeneInfo, len(keepGenes)),
		Cells:  make([]CellInfo, len(keepCells)),
		Counts: make([]int32, len(keepGenes)*len(keepCells)),
	}
	for i, g := range keepGenes {
		out.Genes[i] = ds.Genes[g]
		for j, c := range keepCells {
			out.Counts[i*len(keepCells)+j] = ds.Counts[g*nc+c]
		}
	}
	for j, c := range keepCells {
		out.Cells[j] = ds.Cells[c]
	}
	out.ComputeQCMetrics()
	return out, nil
}

type filtercmd struct {
	qcfilter
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	cmd.qcfilter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Print("reading")
	ds, err := loadDatasetFile(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}

	log.Print("filtering")
	out, err := cmd.qcfilter.Apply(ds)
	if err != nil {
		return 1
	}
	log.Printf("filtering done, kept %d/%d cells, %d/%d genes", out.NCells(), ds.NCells(), out.NGenes(), ds.NGenes())

	err = saveDatasetFile(*outputFilename, stdout, out)
	if err != nil {
		return 1
	}
	return 0
}
