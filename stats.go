// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
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

	ds, err := loadDatasetFile(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(ds *Dataset, output io.Writer) error {
	var ret struct {
		Genes              int
		ControlGenes       int
		MitoGenes          int
		QCFailGenes        int
		Cells              int
		QCFailCells        int
		Design             string
		CellsPerIndividual map[string]int
		CellsPerBatch      map[string]int
		CountDepth         struct {
			Min, Q1, Median, Q3, Max float64
		}
	}

	ret.Genes = ds.NGenes()
	for _, gi := range ds.Genes {
		if gi.Control {
			ret.ControlGenes++
		}
		if gi.Mito {
			ret.MitoGenes++
		}
		if !gi.QCPass {
			ret.QCFailGenes++
		}
	}
	ret.Cells = ds.NCells()
	ret.CellsPerIndividual = map[string]int{}
	ret.CellsPerBatch = map[string]int{}
	depth := make([]float64, 0, ds.NCells())
	for _, ci := range ds.Cells {
		if !ci.QCPass {
			ret.QCFailCells++
		}
		ret.CellsPerIndividual[ci.Individual]++
		ret.CellsPerBatch[ci.Batch]++
		depth = append(depth, float64(ci.TotalCounts))
	}
	ret.Design = classifyDesign(ds).String()
	sort.Float64s(depth)
	ret.CountDepth.Min = depth[0]
	ret.CountDepth.Q1 = quantile(depth, 0.25)
	ret.CountDepth.Median = quantile(depth, 0.5)
	ret.CountDepth.Q3 = quantile(depth, 0.75)
	ret.CountDepth.Max = depth[len(depth)-1]

	return json.NewEncoder(output).Encode(ret)
}
