// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// CellInfo is the per-cell metadata attached at load time. It is never
// mutated by a correction method.
type CellInfo struct {
	ID            string
	Individual    string
	Batch         string
	Replicate     string
	TotalFeatures int
	TotalCounts   int
	PctControl    float64
	PctMito       float64
	QCPass        bool
}

// GeneInfo is the per-gene metadata. Control marks spike-in genes used
// as a technical-noise reference.
type GeneInfo struct {
	ID      string
	Control bool
	Mito    bool
	QCPass  bool
}

// Dataset is a genes × cells matrix of non-negative read counts plus
// metadata. It is immutable once loaded; all derived expression layers
// share its row/column index space.
type Dataset struct {
	Genes  []GeneInfo
	Cells  []CellInfo
	Counts []int32 // genes × cells, gene-major
}

func (ds *Dataset) NGenes() int { return len(ds.Genes) }
func (ds *Dataset) NCells() int { return len(ds.Cells) }

func (ds *Dataset) Count(gene, cell int) int32 {
	return ds.Counts[gene*len(ds.Cells)+cell]
}

// Individuals returns the distinct individual labels in first-seen
// order, so derived artifacts are stable across runs.
func (ds *Dataset) Individuals() []string {
	return distinct(len(ds.Cells), func(i int) string { return ds.Cells[i].Individual })
}

// Batches returns the distinct batch labels in first-seen order.
func (ds *Dataset) Batches() []string {
	return distinct(len(ds.Cells), func(i int) string { return ds.Cells[i].Batch })
}

func distinct(n int, label func(int) string) []string {
	var out []string
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if l := label(i); !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// cellsByIndividual maps individual label to the column indexes of its
// cells, preserving column order.
func (ds *Dataset) cellsByIndividual() map[string][]int {
	m := map[string][]int{}
	for c, ci := range ds.Cells {
		m[ci.Individual] = append(m[ci.Individual], c)
	}
	return m
}

// batchIndexes returns the distinct batch labels in first-seen order
// and each cell's position in that order.
func (ds *Dataset) batchIndexes() ([]string, []int) {
	batches := ds.Batches()
	pos := make(map[string]int, len(batches))
	for i, b := range batches {
		pos[b] = i
	}
	idx := make([]int, len(ds.Cells))
	for c, ci := range ds.Cells {
		idx[c] = pos[ci.Batch]
	}
	return batches, idx
}

// designKind classifies the experimental layout. In a balanced design
// every individual's cells span every batch, so batch effects can be
// estimated across individuals; in a confounded design at least one
// individual is missing from at least one batch, and per-individual
// code paths apply.
type designKind int

const (
	balancedDesign designKind = iota
	confoundedDesign
)

func (k designKind) String() string {
	if k == balancedDesign {
		return "balanced"
	}
	return "confounded"
}

// classifyDesign inspects the batch × individual layout.
func classifyDesign(ds *Dataset) designKind {
	batches := ds.Batches()
	byIndiv := ds.cellsByIndividual()
	for _, cols := range byIndiv {
		seen := map[string]bool{}
		for _, c := range cols {
			seen[ds.Cells[c].Batch] = true
		}
		if len(seen) != len(batches) {
			return confoundedDesign
		}
	}
	return balancedDesign
}

// cellCovariate returns a named per-cell numeric metadata column.
func (ds *Dataset) cellCovariate(name string) ([]float64, error) {
	out := make([]float64, len(ds.Cells))
	for c, ci := range ds.Cells {
		switch name {
		case "total_features":
			out[c] = float64(ci.TotalFeatures)
		case "total_counts":
			out[c] = float64(ci.TotalCounts)
		case "pct_counts_control":
			out[c] = ci.PctControl
		case "pct_counts_mito":
			out[c] = ci.PctMito
		default:
			return nil, fmt.Errorf("unknown cell covariate %q", name)
		}
	}
	return out, nil
}

// controlRows returns the row indexes of control (spike-in) genes.
func (ds *Dataset) controlRows() []int {
	var rows []int
	for g, gi := range ds.Genes {
		if gi.Control {
			rows = append(rows, g)
		}
	}
	return rows
}

// biologicalRows returns the row indexes of non-control genes.
func (ds *Dataset) biologicalRows() []int {
	var rows []int
	for g, gi := range ds.Genes {
		if !gi.Control {
			rows = append(rows, g)
		}
	}
	return rows
}

// ComputeQCMetrics fills the derivable per-cell metadata columns
// (total features, total counts, control and mitochondrial read
// percentages) from the count matrix and gene flags. Cells and genes
// keep whatever QCPass values they already carry.
func (ds *Dataset) ComputeQCMetrics() {
	nc := ds.NCells()
	for c := range ds.Cells {
		var features, total, control, mito int64
		for g := range ds.Genes {
			v := int64(ds.Counts[g*nc+c])
			if v == 0 {
				continue
			}
			features++
			total += v
			if ds.Genes[g].Control {
				control += v
			}
			if ds.Genes[g].Mito {
				mito += v
			}
		}
		ds.Cells[c].TotalFeatures = int(features)
		ds.Cells[c].TotalCounts = int(total)
		if total > 0 {
			ds.Cells[c].PctControl = 100 * float64(control) / float64(total)
			ds.Cells[c].PctMito = 100 * float64(mito) / float64(total)
		} else {
			ds.Cells[c].PctControl = 0
			ds.Cells[c].PctMito = 0
		}
	}
}

// countsDigest hashes the matrix dimensions and values. The digest is
// stored alongside the dataset and verified on load.
func countsDigest(nGenes, nCells int, counts []int32) []byte {
	h, _ := blake2b.New256(nil)
	var dims [16]byte
	binary.LittleEndian.PutUint64(dims[0:], uint64(nGenes))
	binary.LittleEndian.PutUint64(dims[8:], uint64(nCells))
	h.Write(dims[:])
	binary.Write(h, binary.LittleEndian, counts)
	return h.Sum(nil)
}

// DatasetEntry is one element of the serialized dataset stream. The
// first entry carries the metadata and counts digest; count blocks may
// be spread over any number of entries.
type DatasetEntry struct {
	Cells  []CellInfo
	Genes  []GeneInfo
	Digest []byte
	Blocks []CountBlock
}

// CountBlock is a contiguous run of gene rows.
type CountBlock struct {
	StartGene int
	Counts    []int32
}

const saveBlockGenes = 256

// SaveDataset writes ds as a gob stream, pgzip-compressed when gz is
// true. The metadata entry goes first so streaming readers can size
// their buffers before any counts arrive.
func SaveDataset(w io.Writer, ds *Dataset, gz bool) error {
	bufw := bufio.NewWriter(w)
	var zw *pgzip.Writer
	var enc *gob.Encoder
	if gz {
		zw = pgzip.NewWriter(bufw)
		enc = gob.NewEncoder(zw)
	} else {
		enc = gob.NewEncoder(bufw)
	}
	err := enc.Encode(DatasetEntry{
		Cells:  ds.Cells,
		Genes:  ds.Genes,
		Digest: countsDigest(ds.NGenes(), ds.NCells(), ds.Counts),
	})
	if err != nil {
		return fmt.Errorf("encode dataset metadata: %w", err)
	}
	nc := ds.NCells()
	for start := 0; start < ds.NGenes(); start += saveBlockGenes {
		end := start + saveBlockGenes
		if end > ds.NGenes() {
			end = ds.NGenes()
		}
		err = enc.Encode(DatasetEntry{Blocks: []CountBlock{{
			StartGene: start,
			Counts:    ds.Counts[start*nc : end*nc],
		}}})
		if err != nil {
			return fmt.Errorf("encode count block at gene %d: %w", start, err)
		}
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	return bufw.Flush()
}

// LoadDataset reads a dataset stream written by SaveDataset. It fails
// with a *LoadError if the stream is unreadable, the metadata entry is
// missing or duplicated, required metadata fields are empty, the count
// blocks do not tile the matrix exactly, any count is negative, or the
// digest does not match.
func LoadDataset(ctx context.Context, r io.Reader, gz bool) (*Dataset, error) {
	if gz {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, &LoadError{Reason: "gzip header", Err: err}
		}
		defer zr.Close()
		r = zr
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(r, 1<<22))
	var ds *Dataset
	var digest []byte
	covered := 0
	var seen []bool
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ent DatasetEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, &LoadError{Reason: "gob decode", Err: err}
		}
		if len(ent.Cells) > 0 || len(ent.Genes) > 0 {
			if ds != nil {
				return nil, &LoadError{Reason: "stream contains multiple metadata entries"}
			}
			if len(ent.Cells) == 0 || len(ent.Genes) == 0 {
				return nil, &LoadError{Reason: "metadata entry missing cells or genes"}
			}
			if err := validateMetadata(ent.Cells, ent.Genes); err != nil {
				return nil, err
			}
			ds = &Dataset{
				Genes:  ent.Genes,
				Cells:  ent.Cells,
				Counts: make([]int32, len(ent.Genes)*len(ent.Cells)),
			}
			digest = ent.Digest
			seen = make([]bool, len(ent.Genes))
		}
		for _, blk := range ent.Blocks {
			if ds == nil {
				return nil, &LoadError{Reason: "count block before metadata entry"}
			}
			nc := ds.NCells()
			if blk.StartGene < 0 || len(blk.Counts)%nc != 0 {
				return nil, &LoadError{Reason: fmt.Sprintf("count block at gene %d has %d values, not a multiple of %d cells", blk.StartGene, len(blk.Counts), nc)}
			}
			genes := len(blk.Counts) / nc
			if blk.StartGene+genes > ds.NGenes() {
				return nil, &LoadError{Reason: fmt.Sprintf("count block covers genes %d..%d beyond %d", blk.StartGene, blk.StartGene+genes-1, ds.NGenes())}
			}
			for g := blk.StartGene; g < blk.StartGene+genes; g++ {
				if seen[g] {
					return nil, &LoadError{Reason: fmt.Sprintf("gene row %d appears in multiple count blocks", g)}
				}
				seen[g] = true
			}
			for i, v := range blk.Counts {
				if v < 0 {
					return nil, &LoadError{Reason: fmt.Sprintf("negative count %d at gene %d", v, blk.StartGene+i/nc)}
				}
			}
			copy(ds.Counts[blk.StartGene*nc:], blk.Counts)
			covered += genes
		}
	}
	if ds == nil {
		return nil, &LoadError{Reason: "no metadata entry found"}
	}
	if covered != ds.NGenes() {
		return nil, &LoadError{Reason: fmt.Sprintf("count blocks cover %d of %d gene rows", covered, ds.NGenes())}
	}
	if len(digest) == 0 {
		return nil, &LoadError{Reason: "missing counts digest"}
	}
	if want := countsDigest(ds.NGenes(), ds.NCells(), ds.Counts); !bytes.Equal(digest, want) {
		return nil, &LoadError{Reason: "counts digest mismatch"}
	}
	return ds, nil
}

func validateMetadata(cells []CellInfo, genes []GeneInfo) error {
	ids := make(map[string]bool, len(cells))
	for i, ci := range cells {
		switch {
		case ci.ID == "":
			return &LoadError{Reason: fmt.Sprintf("cell %d: missing id", i)}
		case ci.Individual == "":
			return &LoadError{Reason: fmt.Sprintf("cell %q: missing individual", ci.ID)}
		case ci.Batch == "":
			return &LoadError{Reason: fmt.Sprintf("cell %q: missing batch", ci.ID)}
		case ids[ci.ID]:
			return &LoadError{Reason: fmt.Sprintf("duplicate cell id %q", ci.ID)}
		}
		ids[ci.ID] = true
	}
	gids := make(map[string]bool, len(genes))
	for i, gi := range genes {
		if gi.ID == "" {
			return &LoadError{Reason: fmt.Sprintf("gene %d: missing id", i)}
		}
		if gids[gi.ID] {
			return &LoadError{Reason: fmt.Sprintf("duplicate gene id %q", gi.ID)}
		}
		gids[gi.ID] = true
	}
	return nil
}

// loadDatasetFile loads from a path, or from stdin when the path is
// "-". Compression is inferred from the ".gz" suffix.
func loadDatasetFile(ctx context.Context, filename string, stdin io.Reader) (*Dataset, error) {
	if filename == "-" {
		return LoadDataset(ctx, stdin, false)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, &LoadError{Path: filename, Err: err}
	}
	defer f.Close()
	ds, err := LoadDataset(ctx, f, strings.HasSuffix(filename, ".gz"))
	if err != nil {
		if le, ok := err.(*LoadError); ok && le.Path == "" {
			le.Path = filename
		}
		return nil, err
	}
	return ds, nil
}

// saveDatasetFile writes to a path, or to stdout when the path is "-".
func saveDatasetFile(filename string, stdout io.Writer, ds *Dataset) error {
	if filename == "-" {
		return SaveDataset(stdout, ds, false)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = SaveDataset(f, ds, strings.HasSuffix(filename, ".gz")); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return f.Close()
}
