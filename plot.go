// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	_ "embed"
	"flag"
	"fmt"
	"io"
	_ "net/http/pprof"
	"os/exec"
	"strings"
)

// pythonPlot renders one of the evaluation figures from a `run` output
// directory by piping the embedded matplotlib script to python3.
type pythonPlot struct{}

//go:embed plot.py
var plotscript string

var plotKinds = []string{"pca", "rle", "variance", "kbet"}

func (cmd *pythonPlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputDir := flags.String("i", "./out", "input `directory` written by the run command")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './plot.png')")
	kind := flags.String("kind", "pca", "plot kind: "+strings.Join(plotKinds, ", "))
	xComponent := flags.Int("x", 1, "1-based PCA component to plot on x axis")
	yComponent := flags.Int("y", 2, "1-based PCA component to plot on y axis")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	ok := false
	for _, k := range plotKinds {
		ok = ok || k == *kind
	}
	if !ok {
		err = fmt.Errorf("unknown plot kind %q (want one of %s)", *kind, strings.Join(plotKinds, ", "))
		return 2
	}
	if *outputFilename == "" {
		fmt.Fprintln(stderr, "error: must specify -o filename.png (or try -help)")
		return 1
	}

	python := exec.Command("python3", "-",
		*kind,
		*inputDir,
		fmt.Sprintf("%d", *xComponent),
		fmt.Sprintf("%d", *yComponent),
		*outputFilename)
	python.Stdin = strings.NewReader(plotscript)
	python.Stdout = stdout
	python.Stderr = stderr
	err = python.Run()
	if err != nil {
		return 1
	}
	return 0
}
