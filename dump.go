// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

type dumpcmd struct{}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	dumpCounts := flags.Bool("counts", false, "dump the count matrix rows, not just metadata")
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
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriterSize(output, 8*1024*1024)

	fmt.Fprintf(bufw, "genes %d, cells %d, design %s\n", ds.NGenes(), ds.NCells(), classifyDesign(ds))
	for c, ci := range ds.Cells {
		fmt.Fprintf(bufw, "cell %d: id %q, individual %q, batch %q, replicate %q, features %d, counts %d, pct_control %.3f, pct_mito %.3f, qc_pass %v\n",
			c, ci.ID, ci.Individual, ci.Batch, ci.Replicate, ci.TotalFeatures, ci.TotalCounts, ci.PctControl, ci.PctMito, ci.QCPass)
	}
	for g, gi := range ds.Genes {
		fmt.Fprintf(bufw, "gene %d: id %q, control %v, mito %v, qc_pass %v\n", g, gi.ID, gi.Control, gi.Mito, gi.QCPass)
	}
	if *dumpCounts {
		nc := ds.NCells()
		for g, gi := range ds.Genes {
			fmt.Fprintf(bufw, "%s", gi.ID)
			for c := 0; c < nc; c++ {
				fmt.Fprintf(bufw, "\t%d", ds.Counts[g*nc+c])
			}
			fmt.Fprint(bufw, "\n")
		}
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
