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
	"sync"

	log "github.com/sirupsen/logrus"
)

// merger combines per-batch dataset files into one dataset. All inputs
// must carry exactly the same gene set; cell IDs must be unique across
// inputs. Cells are concatenated in input order.
type merger struct {
	stdin  io.Reader
	inputs []string
	errs   chan error
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() < 2 {
		fmt.Fprintln(stderr, "cannot merge fewer than 2 input files")
		return 2
	}
	cmd.stdin = stdin
	cmd.inputs = flags.Args()

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	merged, err := cmd.doMerge(context.Background())
	if err != nil {
		return 1
	}
	err = saveDatasetFile(*outputFilename, stdout, merged)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *merger) setError(err error) {
	select {
	case cmd.errs <- err:
	default:
	}
}

func (cmd *merger) doMerge(ctx context.Context) (*Dataset, error) {
	cmd.errs = make(chan error, 1)
	datasets := make([]*Dataset, len(cmd.inputs))
	var wg sync.WaitGroup
	for i, input := range cmd.inputs {
		i, input := i, input
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("%s: reading", input)
			ds, err := loadDatasetFile(ctx, input, cmd.stdin)
			if err != nil {
				cmd.setError(err)
				return
			}
			datasets[i] = ds
			log.Printf("%s: done, %d genes × %d cells", input, ds.NGenes(), ds.NCells())
		}()
	}
	wg.Wait()
	go close(cmd.errs)
	if err := <-cmd.errs; err != nil {
		return nil, err
	}

	first := datasets[0]
	nc := 0
	for _, ds := range datasets {
		if ds.NGenes() != first.NGenes() {
			return nil, fmt.Errorf("cannot merge datasets with differing gene sets (%d vs %d genes)", first.NGenes(), ds.NGenes())
		}
		for g, gi := range ds.Genes {
			if gi.ID != first.Genes[g].ID {
				return nil, fmt.Errorf("cannot merge datasets with differing gene sets (row %d: %q vs %q)", g, first.Genes[g].ID, gi.ID)
			}
		}
		nc += ds.NCells()
	}

	merged := &Dataset{
		Genes:  append([]GeneInfo(nil), first.Genes...),
		Cells:  make([]CellInfo, 0, nc),
		Counts: make([]int32, first.NGenes()*nc),
	}
	seen := make(map[string]string, nc)
	col := 0
	for i, ds := range datasets {
		for _, ci := range ds.Cells {
			if from, dup := seen[ci.ID]; dup {
				return nil, fmt.Errorf("cell id %q appears in both %s and %s", ci.ID, from, cmd.inputs[i])
			}
			seen[ci.ID] = cmd.inputs[i]
			merged.Cells = append(merged.Cells, ci)
		}
		w := ds.NCells()
		for g := 0; g < ds.NGenes(); g++ {
			copy(merged.Counts[g*nc+col:g*nc+col+w], ds.Counts[g*w:(g+1)*w])
		}
		col += w
	}
	log.Printf("merged %d inputs: %d genes × %d cells", len(datasets), merged.NGenes(), merged.NCells())
	return merged, nil
}
