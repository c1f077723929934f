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
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// correctcmd applies a single correction method and writes the
// corrected matrix (genes × cells) or embedding (cells × dims) as
// numpy.
type correctcmd struct {
	inputFile  string
	outputFile string
	opts       CorrectionOptions
	nopts      NormalizeOptions
}

func (cmd *correctcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *correctcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file` (npy)")
	cmd.opts.Flags(flags)
	cmd.nopts.Flags(flags)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() != 1 {
		return fmt.Errorf("usage: %s [options] method -- method is one of %s", prog, strings.Join(CorrectionMethodNames(), ", "))
	}
	method, err := LookupCorrectionMethod(flags.Arg(0))
	if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ctx := context.Background()
	ds, err := loadDatasetFile(ctx, cmd.inputFile, stdin)
	if err != nil {
		return err
	}
	raw := rawCountsLayer(ds)
	var baseline *Layer
	if !method.RawCounts() {
		cmd.nopts.Seed = cmd.opts.Seed
		baseline, _, err = Normalize(ctx, ds, cmd.nopts)
		if err != nil {
			return err
		}
	}
	results, failures := RunCorrections(ctx, ds, raw, baseline, []CorrectionRequest{{Method: method, Opts: cmd.opts}}, 1)
	if len(failures) > 0 {
		return failures[0]
	}
	res := results[0]

	var output io.WriteCloser
	if cmd.outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cmd.outputFile, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	if res.Layer != nil {
		log.Printf("writing layer %s: %d genes × %d cells", res.Layer.Name, ds.NGenes(), ds.NCells())
		err = writeFloatNpy(output, res.Layer.Values, ds.NGenes(), ds.NCells())
	} else {
		log.Printf("writing embedding %s: %d cells × %d dims", res.Embedding.Name, ds.NCells(), res.Embedding.Dims)
		err = writeFloatNpy(output, res.Embedding.Coords, ds.NCells(), res.Embedding.Dims)
	}
	if err != nil {
		return err
	}
	return output.Close()
}
