// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// runcmd is the whole pipeline in one invocation: normalize, apply
// every registered correction method, evaluate all resulting layers,
// and write the matrices and metric tables to an output directory for
// plotting.
type runcmd struct {
	inputFile string
	outputDir string
	skip      string
	threads   int
	copts     CorrectionOptions
	eopts     EvalOptions
	nopts     NormalizeOptions
}

func (cmd *runcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input `file`")
	flags.StringVar(&cmd.outputDir, "output-dir", "./out", "output `directory`")
	flags.StringVar(&cmd.skip, "skip", "", "comma-separated correction `methods` to skip")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "max concurrent correction methods")
	cmd.copts.Flags(flags)
	cmd.eopts.Flags(flags)
	cmd.nopts.Flags(flags)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	profileDir := flags.String("profile-dir", "", "write periodic cpu/mem profiles to `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	cmd.eopts.Seed = cmd.copts.Seed
	cmd.nopts.Seed = cmd.copts.Seed

	skip := map[string]bool{}
	for _, name := range strings.Split(cmd.skip, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := LookupCorrectionMethod(name); err != nil {
			return fmt.Errorf("-skip: %w", err)
		}
		skip[name] = true
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	if *profileDir != "" {
		startProfiling(*profileDir)
	}

	ctx := context.Background()
	ds, err := loadDatasetFile(ctx, cmd.inputFile, stdin)
	if err != nil {
		return err
	}
	log.Printf("loaded %d genes × %d cells (%s design)", ds.NGenes(), ds.NCells(), classifyDesign(ds))

	baseline, factors, err := Normalize(ctx, ds, cmd.nopts)
	if err != nil {
		return err
	}

	var reqs []CorrectionRequest
	for _, name := range CorrectionMethodNames() {
		if skip[name] {
			continue
		}
		method, err := LookupCorrectionMethod(name)
		if err != nil {
			return err
		}
		reqs = append(reqs, CorrectionRequest{Method: method, Opts: cmd.copts})
	}
	results, failures := RunCorrections(ctx, ds, rawCountsLayer(ds), baseline, reqs, cmd.threads)

	ls := NewLayerSet(ds.NGenes(), ds.NCells())
	if err := ls.Add(baseline); err != nil {
		return err
	}
	var embeddings []*Embedding
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Layer != nil {
			if err := ls.Add(res.Layer); err != nil {
				return err
			}
		} else {
			embeddings = append(embeddings, res.Embedding)
		}
	}

	ev, err := Evaluate(ctx, ds, ls, cmd.eopts)
	if err != nil {
		return err
	}
	// Embedding corrections skip the expression metrics but still get
	// batch-mixing rates on their own coordinates.
	embKBET := map[string][]KBETResult{}
	for _, emb := range embeddings {
		rates, err := kbetRates(ctx, ds, emb.Coords, emb.Dims, cmd.eopts)
		if err != nil {
			return err
		}
		embKBET[emb.Name] = rates
	}

	return cmd.writeArtifacts(ds, ls, factors, ev, embeddings, embKBET, failures)
}

func (cmd *runcmd) writeArtifacts(ds *Dataset, ls *LayerSet, factors []float64, ev *Evaluation, embeddings []*Embedding, embKBET map[string][]KBETResult, failures []MethodFailure) error {
	dir := cmd.outputDir
	log.Printf("writing artifacts: %s", dir)
	for _, sub := range []string{"", "layers", "pca", "embeddings"} {
		if err := os.MkdirAll(dir+"/"+sub, 0777); err != nil {
			return err
		}
	}
	err := writeFileWith(dir+"/cells.csv", func(w io.Writer) error { return writeCellsCSV(w, ds) })
	if err != nil {
		return err
	}
	err = writeFileWith(dir+"/genes.csv", func(w io.Writer) error { return writeGenesCSV(w, ds) })
	if err != nil {
		return err
	}
	err = writeFileWith(dir+"/sizefactors.csv", func(w io.Writer) error { return writeFactorsCSV(w, ds, factors) })
	if err != nil {
		return err
	}
	for _, layer := range ls.Layers() {
		layer := layer
		err = writeFileWith(fmt.Sprintf("%s/layers/%s.npy", dir, layer.Name), func(w io.Writer) error {
			return writeFloatNpy(w, layer.Values, ds.NGenes(), ds.NCells())
		})
		if err != nil {
			return err
		}
	}
	for _, le := range ev.Layers {
		le := le
		if le.PCA == nil {
			continue
		}
		err = writeFileWith(fmt.Sprintf("%s/pca/%s.npy", dir, le.Layer), func(w io.Writer) error {
			return writeFloatNpy(w, le.PCA.Coords, ds.NCells(), le.PCA.Dims)
		})
		if err != nil {
			return err
		}
	}
	for _, emb := range embeddings {
		emb := emb
		err = writeFileWith(fmt.Sprintf("%s/embeddings/%s.npy", dir, emb.Name), func(w io.Writer) error {
			return writeFloatNpy(w, emb.Coords, ds.NCells(), emb.Dims)
		})
		if err != nil {
			return err
		}
	}
	err = writeFileWith(dir+"/rle.csv", func(w io.Writer) error { return writeRLECSV(w, ev) })
	if err != nil {
		return err
	}
	err = writeFileWith(dir+"/variance.csv", func(w io.Writer) error { return writeVarianceCSV(w, ds, ev) })
	if err != nil {
		return err
	}
	err = writeFileWith(dir+"/kbet.csv", func(w io.Writer) error { return writeKBETCSV(w, ev, embeddings, embKBET) })
	if err != nil {
		return err
	}
	return writeFileWith(dir+"/metrics.json", func(w io.Writer) error {
		return writeMetricsJSON(w, ds, ev, embeddings, embKBET, failures)
	})
}

func writeRLECSV(w io.Writer, ev *Evaluation) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "layer,cell,median,q1,q3,lo,hi\n")
	for _, le := range ev.Layers {
		for _, st := range le.RLE {
			fmt.Fprintf(bufw, "%s,%s,%g,%g,%g,%g,%g\n", le.Layer, st.Cell, st.Median, st.Q1, st.Q3, st.Lo, st.Hi)
		}
	}
	return bufw.Flush()
}

func writeVarianceCSV(w io.Writer, ds *Dataset, ev *Evaluation) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "layer,gene")
	for _, v := range explanatoryVariables {
		fmt.Fprint(bufw, ","+v)
	}
	fmt.Fprint(bufw, "\n")
	for _, le := range ev.Layers {
		if le.Variance == nil {
			continue
		}
		for g := range ds.Genes {
			fmt.Fprintf(bufw, "%s,%s", le.Layer, ds.Genes[g].ID)
			for v := range le.Variance.Variables {
				fmt.Fprintf(bufw, ",%g", le.Variance.Fractions[v][g])
			}
			fmt.Fprint(bufw, "\n")
		}
	}
	return bufw.Flush()
}

func writeKBETCSV(w io.Writer, ev *Evaluation, embeddings []*Embedding, embKBET map[string][]KBETResult) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "layer,individual,rejection_rate,tested\n")
	emit := func(layer string, rates []KBETResult) {
		for _, kr := range rates {
			fmt.Fprintf(bufw, "%s,%s,%g,%d\n", layer, kr.Individual, kr.Rate, kr.Tested)
		}
	}
	for _, le := range ev.Layers {
		emit(le.Layer, le.KBET)
	}
	for _, emb := range embeddings {
		emit(emb.Name, embKBET[emb.Name])
	}
	return bufw.Flush()
}

// jsonFloat maps NaN (untestable / undefined) to JSON null, which
// encoding/json cannot represent as a bare float.
func jsonFloat(x float64) *float64 {
	if math.IsNaN(x) {
		return nil
	}
	return &x
}

func writeMetricsJSON(w io.Writer, ds *Dataset, ev *Evaluation, embeddings []*Embedding, embKBET map[string][]KBETResult, failures []MethodFailure) error {
	type kbetEntry struct {
		Individual string   `json:"individual"`
		Rate       *float64 `json:"rejection_rate"`
		Tested     int      `json:"tested"`
	}
	type layerEntry struct {
		Layer        string             `json:"layer"`
		RLEMedianAbs *float64           `json:"rle_median_abs,omitempty"`
		RLEIQR       *float64           `json:"rle_iqr,omitempty"`
		VarExplained map[string]float64 `json:"variance_explained,omitempty"`
		KBET         []kbetEntry        `json:"kbet,omitempty"`
	}
	kbetEntries := func(rates []KBETResult) []kbetEntry {
		var out []kbetEntry
		for _, kr := range rates {
			out = append(out, kbetEntry{kr.Individual, jsonFloat(kr.Rate), kr.Tested})
		}
		return out
	}
	var ret struct {
		Dataset struct {
			Genes       int    `json:"genes"`
			Cells       int    `json:"cells"`
			Individuals int    `json:"individuals"`
			Batches     int    `json:"batches"`
			Design      string `json:"design"`
		} `json:"dataset"`
		Layers   []layerEntry `json:"layers"`
		Failures []struct {
			Method string `json:"method"`
			Kind   string `json:"kind"`
			Error  string `json:"error"`
		} `json:"failures"`
	}
	ret.Dataset.Genes = ds.NGenes()
	ret.Dataset.Cells = ds.NCells()
	ret.Dataset.Individuals = len(ds.Individuals())
	ret.Dataset.Batches = len(ds.Batches())
	ret.Dataset.Design = classifyDesign(ds).String()
	for _, le := range ev.Layers {
		entry := layerEntry{Layer: le.Layer, KBET: kbetEntries(le.KBET)}
		if len(le.RLE) > 0 {
			var medAbs, iqr float64
			for _, st := range le.RLE {
				medAbs += math.Abs(st.Median)
				iqr += st.Q3 - st.Q1
			}
			medAbs /= float64(len(le.RLE))
			iqr /= float64(len(le.RLE))
			entry.RLEMedianAbs = &medAbs
			entry.RLEIQR = &iqr
		}
		if le.Variance != nil {
			entry.VarExplained = map[string]float64{}
			for v, name := range le.Variance.Variables {
				entry.VarExplained[name] = le.Variance.Means[v]
			}
		}
		ret.Layers = append(ret.Layers, entry)
	}
	for _, emb := range embeddings {
		ret.Layers = append(ret.Layers, layerEntry{Layer: emb.Name, KBET: kbetEntries(embKBET[emb.Name])})
	}
	ret.Failures = []struct {
		Method string `json:"method"`
		Kind   string `json:"kind"`
		Error  string `json:"error"`
	}{}
	for _, f := range failures {
		ret.Failures = append(ret.Failures, struct {
			Method string `json:"method"`
			Kind   string `json:"kind"`
			Error  string `json:"error"`
		}{f.Method, failureKind(f.Err), f.Err.Error()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&ret)
}

// failureKind maps the typed correction errors to stable tags so
// downstream tooling does not parse error strings.
func failureKind(err error) string {
	var (
		controls   *InsufficientControlsError
		unident    *UnidentifiableDesignError
		imbalanced *ImbalancedBatchError
		degenerate *DegenerateInputError
	)
	switch {
	case errors.As(err, &controls):
		return "insufficient_controls"
	case errors.As(err, &unident):
		return "unidentifiable_design"
	case errors.As(err, &imbalanced):
		return "imbalanced_batches"
	case errors.As(err, &degenerate):
		return "degenerate_input"
	default:
		return "internal"
	}
}
