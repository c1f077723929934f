// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type importer struct {
	cellsFile     string
	genesFile     string
	controlPrefix string
	mitoPrefix    string
	outputFile    string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.cellsFile, "cells", "", "cell metadata csv `file` (id,individual,batch[,replicate,qc columns])")
	flags.StringVar(&cmd.genesFile, "genes", "", "gene metadata csv `file` (id[,is_control,is_mito,qc_pass])")
	flags.StringVar(&cmd.controlPrefix, "control-prefix", "ERCC-", "gene id `prefix` marking spike-in controls when -genes lacks an is_control column")
	flags.StringVar(&cmd.mitoPrefix, "mito-prefix", "MT-", "gene id `prefix` marking mitochondrial genes when -genes lacks an is_mito column")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if cmd.cellsFile == "" {
		fmt.Fprintln(stderr, "cannot import without -cells argument")
		return 2
	} else if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	countsFile := flags.Arg(0)
	log.Printf("reading counts from %s", countsFile)
	cellIDs, geneIDs, counts, err := readCountsFile(countsFile)
	if err != nil {
		return 1
	}
	log.Printf("counts read: %d genes × %d cells", len(geneIDs), len(cellIDs))

	cellMeta, cellCols, err := readCellsCSV(cmd.cellsFile)
	if err != nil {
		return 1
	}
	cells := make([]CellInfo, len(cellIDs))
	for i, id := range cellIDs {
		ci, ok := cellMeta[id]
		if !ok {
			err = fmt.Errorf("%s: no metadata for cell %q", cmd.cellsFile, id)
			return 1
		}
		cells[i] = ci
	}

	genes := make([]GeneInfo, len(geneIDs))
	if cmd.genesFile == "" {
		for i, id := range geneIDs {
			genes[i] = cmd.geneFromPrefix(id)
		}
	} else {
		var geneMeta map[string]GeneInfo
		var geneCols map[string]bool
		geneMeta, geneCols, err = readGenesCSV(cmd.genesFile)
		if err != nil {
			return 1
		}
		for i, id := range geneIDs {
			gi, ok := geneMeta[id]
			if !ok {
				err = fmt.Errorf("%s: no metadata for gene %q", cmd.genesFile, id)
				return 1
			}
			if !geneCols["is_control"] {
				gi.Control = strings.HasPrefix(id, cmd.controlPrefix)
			}
			if !geneCols["is_mito"] {
				gi.Mito = strings.HasPrefix(id, cmd.mitoPrefix)
			}
			genes[i] = gi
		}
	}

	ds := &Dataset{Genes: genes, Cells: cells, Counts: counts}
	if !cellCols["total_features"] || !cellCols["total_counts"] || !cellCols["pct_counts_control"] || !cellCols["pct_counts_mito"] {
		log.Printf("computing QC metrics (input lacks precomputed columns)")
		ds.ComputeQCMetrics()
	}
	if err = validateMetadata(ds.Cells, ds.Genes); err != nil {
		return 1
	}

	log.Printf("writing dataset to %s", cmd.outputFile)
	if err = saveDatasetFile(cmd.outputFile, stdout, ds); err != nil {
		return 1
	}
	return 0
}

func (cmd *importer) geneFromPrefix(id string) GeneInfo {
	return GeneInfo{
		ID:      id,
		Control: strings.HasPrefix(id, cmd.controlPrefix),
		Mito:    strings.HasPrefix(id, cmd.mitoPrefix),
		QCPass:  true,
	}
}

// readCountsFile parses a counts matrix with gene rows and cell
// columns: either plain TSV with a header row, or GCT (a "#1.2"
// version line, a dimensions line, and a Description column after the
// gene name).
func readCountsFile(filename string) (cellIDs, geneIDs []string, counts []int32, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()
	var rdr io.Reader = f
	if strings.HasSuffix(filename, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: gzip: %s", filename, err)
		}
		defer zr.Close()
		rdr = zr
	}

	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 64*1024*1024)
	lineno := 0
	readLine := func() (string, bool) {
		for scanner.Scan() {
			lineno++
			line := strings.TrimRight(scanner.Text(), "\r")
			if line != "" {
				return line, true
			}
		}
		return "", false
	}

	header, ok := readLine()
	if !ok {
		return nil, nil, nil, fmt.Errorf("%s: empty counts file", filename)
	}
	gct := false
	if strings.HasPrefix(header, "#1.2") {
		gct = true
		if _, ok = readLine(); !ok { // dimensions line
			return nil, nil, nil, fmt.Errorf("%s: truncated gct header", filename)
		}
		if header, ok = readLine(); !ok {
			return nil, nil, nil, fmt.Errorf("%s: truncated gct header", filename)
		}
	}
	fields := strings.Split(header, "\t")
	skip := 1 // gene id column
	if gct {
		skip = 2 // gene id + description
	}
	if len(fields) <= skip {
		return nil, nil, nil, fmt.Errorf("%s: header row has no cell columns", filename)
	}
	cellIDs = fields[skip:]

	for {
		line, ok := readLine()
		if !ok {
			break
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(cellIDs)+skip {
			return nil, nil, nil, fmt.Errorf("%s line %d: %d fields, want %d", filename, lineno, len(fields), len(cellIDs)+skip)
		}
		geneIDs = append(geneIDs, fields[0])
		for _, s := range fields[skip:] {
			v, err := strconv.ParseInt(s, 10, 32)
			if err != nil || v < 0 {
				return nil, nil, nil, fmt.Errorf("%s line %d: bad count %q", filename, lineno, s)
			}
			counts = append(counts, int32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %s", filename, err)
	}
	if len(geneIDs) == 0 {
		return nil, nil, nil, fmt.Errorf("%s: no count rows", filename)
	}
	return cellIDs, geneIDs, counts, nil
}

// readCellsCSV loads per-cell metadata keyed by cell id. The returned
// set reports which optional columns the file provided.
func readCellsCSV(filename string) (map[string]CellInfo, map[string]bool, error) {
	rows, cols, err := readCSVTable(filename, []string{"id", "individual", "batch"})
	if err != nil {
		return nil, nil, err
	}
	cells := make(map[string]CellInfo, len(rows))
	for i, row := range rows {
		ci := CellInfo{
			ID:         row["id"],
			Individual: row["individual"],
			Batch:      row["batch"],
			Replicate:  row["replicate"],
			QCPass:     true,
		}
		if ci.TotalFeatures, err = intField(row, "total_features"); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if ci.TotalCounts, err = intField(row, "total_counts"); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if ci.PctControl, err = floatField(row, "pct_counts_control"); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if ci.PctMito, err = floatField(row, "pct_counts_mito"); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if ci.QCPass, err = boolField(row, "qc_pass", true); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if _, dup := cells[ci.ID]; dup {
			return nil, nil, fmt.Errorf("%s: duplicate cell id %q", filename, ci.ID)
		}
		cells[ci.ID] = ci
	}
	return cells, cols, nil
}

func readGenesCSV(filename string) (map[string]GeneInfo, map[string]bool, error) {
	rows, cols, err := readCSVTable(filename, []string{"id"})
	if err != nil {
		return nil, nil, err
	}
	genes := make(map[string]GeneInfo, len(rows))
	for i, row := range rows {
		gi := GeneInfo{ID: row["id"]}
		if gi.Control, err = boolField(row, "is_control", false); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if gi.Mito, err = boolField(row, "is_mito", false); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if gi.QCPass, err = boolField(row, "qc_pass", true); err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %s", filename, i+2, err)
		}
		if _, dup := genes[gi.ID]; dup {
			return nil, nil, fmt.Errorf("%s: duplicate gene id %q", filename, gi.ID)
		}
		genes[gi.ID] = gi
	}
	return genes, cols, nil
}

// readCSVTable reads a csv file into one map per row, keyed by header
// column name, and reports the column set. Required columns must all
// be present in the header.
func readCSVTable(filename string, required []string) ([]map[string]string, map[string]bool, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var rdr io.Reader = f
	if strings.HasSuffix(filename, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: gzip: %s", filename, err)
		}
		defer zr.Close()
		rdr = zr
	}
	records, err := csv.NewReader(rdr).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %s", filename, err)
	}
	if len(records) < 1 {
		return nil, nil, fmt.Errorf("%s: missing header row", filename)
	}
	cols := map[string]bool{}
	for _, name := range records[0] {
		cols[name] = true
	}
	for _, name := range required {
		if !cols[name] {
			return nil, nil, fmt.Errorf("%s: no column named %q in header row", filename, name)
		}
	}
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := map[string]string{}
		for i, name := range records[0] {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, cols, nil
}

func intField(row map[string]string, name string) (int, error) {
	s, ok := row[name]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, s)
	}
	return v, nil
}

func floatField(row map[string]string, name string) (float64, error) {
	s, ok := row[name]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, s)
	}
	return v, nil
}

func boolField(row map[string]string, name string, def bool) (bool, error) {
	s, ok := row[name]
	if !ok || s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("bad %s %q", name, s)
	}
	return v, nil
}
