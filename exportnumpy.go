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

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	layerName := flags.String("layer", "counts", "matrix to export: counts or logcounts")
	cellsOut := flags.String("output-cells", "", "also write cell metadata csv `file`")
	genesOut := flags.String("output-genes", "", "also write gene metadata csv `file`")
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
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	log.Printf("writing numpy: %d rows, %d cols", ds.NGenes(), ds.NCells())
	npw.Shape = []int{ds.NGenes(), ds.NCells()}
	switch *layerName {
	case "counts":
		err = npw.WriteInt32(ds.Counts)
	case "logcounts":
		var layer *Layer
		layer, _, err = Normalize(context.Background(), ds, NormalizeOptions{})
		if err != nil {
			return 1
		}
		err = npw.WriteFloat64(layer.Values)
	default:
		err = fmt.Errorf("unknown layer %q (want counts or logcounts)", *layerName)
	}
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

	if *cellsOut != "" {
		err = writeFileWith(*cellsOut, func(w io.Writer) error { return writeCellsCSV(w, ds) })
		if err != nil {
			return 1
		}
	}
	if *genesOut != "" {
		err = writeFileWith(*genesOut, func(w io.Writer) error { return writeGenesCSV(w, ds) })
		if err != nil {
			return 1
		}
	}
	return 0
}

// writeFloatNpy writes a rows × cols float64 matrix in npy format.
func writeFloatNpy(w io.Writer, values []float64, rows, cols int) error {
	bufw := bufio.NewWriter(w)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	if err = npw.WriteFloat64(values); err != nil {
		return err
	}
	return bufw.Flush()
}

// writeFileWith creates filename and streams content through fn.
func writeFileWith(filename string, fn func(io.Writer) error) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = fn(f); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return f.Close()
}

// writeCellsCSV writes the per-cell metadata columns the plotting
// layer selects on.
func writeCellsCSV(w io.Writer, ds *Dataset) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "id,individual,batch,replicate,total_features,total_counts,pct_counts_control,pct_counts_mito,qc_pass\n")
	for _, ci := range ds.Cells {
		fmt.Fprintf(bufw, "%s,%s,%s,%s,%d,%d,%g,%g,%v\n",
			ci.ID, ci.Individual, ci.Batch, ci.Replicate, ci.TotalFeatures, ci.TotalCounts, ci.PctControl, ci.PctMito, ci.QCPass)
	}
	return bufw.Flush()
}

func writeGenesCSV(w io.Writer, ds *Dataset) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "id,is_control,is_mito,qc_pass\n")
	for _, gi := range ds.Genes {
		fmt.Fprintf(bufw, "%s,%v,%v,%v\n", gi.ID, gi.Control, gi.Mito, gi.QCPass)
	}
	return bufw.Flush()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
