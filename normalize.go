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
	"math"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// NormalizeOptions tunes pooled-deconvolution size factor estimation.
// Zero values select the defaults noted per field.
type NormalizeOptions struct {
	MinPoolSize int   // smallest pool of cells summed per equation (21)
	MaxPoolSize int   // largest pool (101)
	ClusterSize int   // target cells per quick-cluster (100)
	PCs         int   // components for the quick-cluster projection (10)
	MaxIter     int   // k-means iteration cap (50)
	Seed        int64 // quick-cluster seed
}

func (o NormalizeOptions) withDefaults() NormalizeOptions {
	if o.MinPoolSize == 0 {
		o.MinPoolSize = 21
	}
	if o.MaxPoolSize == 0 {
		o.MaxPoolSize = 101
	}
	if o.ClusterSize == 0 {
		o.ClusterSize = 100
	}
	if o.PCs == 0 {
		o.PCs = 10
	}
	if o.MaxIter == 0 {
		o.MaxIter = 50
	}
	return o
}

// Flags registers the pooling and clustering knobs. The random seed is
// shared with the correction flags, not registered here.
func (o *NormalizeOptions) Flags(flags *flag.FlagSet) {
	flags.IntVar(&o.MinPoolSize, "pool-min", 21, "smallest pool of cells summed per deconvolution equation")
	flags.IntVar(&o.MaxPoolSize, "pool-max", 101, "largest pool of cells summed per deconvolution equation")
	flags.IntVar(&o.ClusterSize, "cluster-size", 100, "target cells per quick-cluster")
	flags.IntVar(&o.PCs, "cluster-pcs", 10, "principal components for the quick-cluster projection")
}

// anchorWeight scales the per-cell identity equations that keep each
// pool system full rank without dominating the pooled equations.
const anchorWeight = 0.1

// Normalize estimates a per-cell size factor by pooled deconvolution
// and returns the resulting "logcounts" layer (log2(count/factor + 1))
// along with the factors. Cells are quick-clustered on a PCA
// projection first so pools are formed among cells with similar
// expression profiles, then each cluster's factors are rescaled
// against the first cluster and the full set is scaled to geometric
// mean 1. Fails with *DegenerateInputError if any cell's factor comes
// out non-positive or NaN.
func Normalize(ctx context.Context, ds *Dataset, opts NormalizeOptions) (*Layer, []float64, error) {
	opts = opts.withDefaults()
	nc := ds.NCells()
	ng := ds.NGenes()
	if nc == 0 || ng == 0 {
		return nil, nil, fmt.Errorf("normalize: empty dataset")
	}
	genes := usableGenes(ds)

	lib := make([]float64, nc)
	for _, g := range genes {
		for c := 0; c < nc; c++ {
			lib[c] += float64(ds.Counts[g*nc+c])
		}
	}
	for c, l := range lib {
		if l <= 0 {
			return nil, nil, &DegenerateInputError{Cell: ds.Cells[c].ID, Factor: 0}
		}
	}

	clusters, err := quickCluster(ds, genes, lib, opts)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("normalize: %d cells in %d clusters", nc, len(clusters))

	factors := make([]float64, nc)
	refs := make([][]float64, len(clusters))
	for k, members := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		log.Printf("normalize: deconvolving cluster %d/%d: %d cells", k+1, len(clusters), len(members))
		theta, ref, err := deconvolveCluster(ds, genes, lib, members, opts)
		if err != nil {
			return nil, nil, err
		}
		refs[k] = ref
		for j, c := range members {
			factors[c] = theta[j] * lib[c]
		}
	}

	// Bring the per-cluster factor scales onto the first cluster's
	// scale using the ratio of cluster pseudo-cells.
	for k := 1; k < len(clusters); k++ {
		var ratios []float64
		for g := range refs[k] {
			if refs[0][g] > 0 && refs[k][g] > 0 {
				ratios = append(ratios, refs[k][g]/refs[0][g])
			}
		}
		scale := 1.0
		if len(ratios) > 0 {
			scale = median(ratios)
		}
		for _, c := range clusters[k] {
			factors[c] *= scale
		}
	}

	gm := stat.GeometricMean(factors, nil)
	if gm <= 0 || math.IsNaN(gm) {
		return nil, nil, &DegenerateInputError{Cell: ds.Cells[0].ID, Factor: gm}
	}
	for c := range factors {
		factors[c] /= gm
		if factors[c] <= 0 || math.IsNaN(factors[c]) {
			return nil, nil, &DegenerateInputError{Cell: ds.Cells[c].ID, Factor: factors[c]}
		}
	}

	values := make([]float64, ng*nc)
	for g := 0; g < ng; g++ {
		for c := 0; c < nc; c++ {
			values[g*nc+c] = math.Log2(float64(ds.Counts[g*nc+c])/factors[c] + 1)
		}
	}
	return &Layer{Name: "logcounts", Scale: ScaleLog2, Values: values}, factors, nil
}

// usableGenes picks the rows size factors are estimated on: QC-pass
// non-control genes, falling back to all non-control genes and then
// to everything when the metadata carries no usable flags.
func usableGenes(ds *Dataset) []int {
	var rows []int
	for g, gi := range ds.Genes {
		if gi.QCPass && !gi.Control {
			rows = append(rows, g)
		}
	}
	if len(rows) == 0 {
		rows = ds.biologicalRows()
	}
	if len(rows) == 0 {
		rows = make([]int, ds.NGenes())
		for g := range rows {
			rows[g] = g
		}
	}
	return rows
}

// quickCluster groups cells by k-means on a PCA projection of the
// library-size-scaled log expression, then merges clusters too small
// to pool. Returned clusters are ordered by their smallest column
// index with members in column order.
func quickCluster(ds *Dataset, genes []int, lib []float64, opts NormalizeOptions) ([][]int, error) {
	nc := ds.NCells()
	k := nc / opts.ClusterSize
	if k < 2 {
		return [][]int{allColumns(nc)}, nil
	}

	medLib := median(lib)
	y := make([]float64, len(genes)*nc)
	for i, g := range genes {
		for c := 0; c < nc; c++ {
			y[i*nc+c] = math.Log2(1 + float64(ds.Counts[g*nc+c])*medLib/lib[c])
		}
	}
	scores, d, err := pcaScores(mat.NewDense(len(genes), nc, y), opts.PCs)
	if err != nil {
		return nil, fmt.Errorf("quick-cluster: %w", err)
	}
	rnd := rand.New(rand.NewSource(opts.Seed))
	assign, centroids := kmeansCluster(scores, nc, d, k, opts.MaxIter, rnd)

	members := make([][]int, k)
	for c, a := range assign {
		members[a] = append(members[a], c)
	}
	cent := make([][]float64, k)
	for i := range cent {
		cent[i] = centroids[i*d : (i+1)*d]
	}
	// Fold undersized clusters into their nearest neighbor so every
	// cluster can form at least one full pool.
	for len(members) > 1 {
		small := -1
		for i, m := range members {
			if len(m) >= opts.MinPoolSize {
				continue
			}
			if small == -1 || len(m) < len(members[small]) {
				small = i
			}
		}
		if small == -1 {
			break
		}
		near, neard := -1, math.Inf(1)
		for i := range members {
			if i == small {
				continue
			}
			if dd := sqDist(cent[small], cent[i]); dd < neard {
				near, neard = i, dd
			}
		}
		merged := append(members[near], members[small]...)
		sort.Ints(merged)
		w := float64(len(members[near])) / float64(len(merged))
		for j := range cent[near] {
			cent[near][j] = cent[near][j]*w + cent[small][j]*(1-w)
		}
		members[near] = merged
		members = append(members[:small], members[small+1:]...)
		cent = append(cent[:small], cent[small+1:]...)
	}
	for _, m := range members {
		sort.Ints(m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i][0] < members[j][0] })
	return members, nil
}

// deconvolveCluster solves for each member cell's size factor
// relative to its library size. Cells are arranged on a ring ordered
// by library size; sliding pools of several sizes each contribute one
// equation (sum of member factors = median ratio of the pooled
// profile to the cluster pseudo-cell), and low-weight identity rows
// anchor the solution. Returns the relative factors and the cluster
// pseudo-cell used for cross-cluster rescaling.
func deconvolveCluster(ds *Dataset, genes []int, lib []float64, members []int, opts NormalizeOptions) ([]float64, []float64, error) {
	n := len(members)
	nc := ds.NCells()

	// Library-size-adjusted profiles and their per-gene mean.
	adj := make([]float64, len(genes)*n)
	ref := make([]float64, len(genes))
	for i, g := range genes {
		for j, c := range members {
			v := float64(ds.Counts[g*nc+c]) / lib[c]
			adj[i*n+j] = v
			ref[i] += v
		}
		ref[i] /= float64(n)
	}

	ring := make([]int, n) // positions into members, ordered by libsize
	for i := range ring {
		ring[i] = i
	}
	sort.SliceStable(ring, func(a, b int) bool { return lib[members[ring[a]]] < lib[members[ring[b]]] })

	sizes := poolSizes(n, opts.MinPoolSize, opts.MaxPoolSize)
	rows := n*len(sizes) + n
	a := mat.NewDense(rows, n, nil)
	b := mat.NewDense(rows, 1, nil)
	pooled := make([]float64, len(genes))
	ratios := make([]float64, 0, len(genes))
	row := 0
	for _, s := range sizes {
		for start := 0; start < n; start++ {
			for i := range pooled {
				pooled[i] = 0
			}
			for o := 0; o < s; o++ {
				j := ring[(start+o)%n]
				a.Set(row, j, 1)
				for i := range pooled {
					pooled[i] += adj[i*n+j]
				}
			}
			ratios = ratios[:0]
			for i := range pooled {
				if ref[i] > 0 {
					ratios = append(ratios, pooled[i]/ref[i])
				}
			}
			if len(ratios) == 0 {
				return nil, nil, fmt.Errorf("deconvolution: cluster pseudo-cell is all zero")
			}
			b.Set(row, 0, median(ratios))
			row++
		}
	}
	for j := 0; j < n; j++ {
		a.Set(row, j, anchorWeight)
		b.Set(row, 0, anchorWeight)
		row++
	}

	var theta mat.Dense
	if err := theta.Solve(a, b); err != nil {
		return nil, nil, fmt.Errorf("deconvolution solve (%d equations, %d cells): %w", rows, n, err)
	}
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		out[j] = theta.At(j, 0)
	}
	return out, ref, nil
}

// poolSizes returns the pool widths used for a cluster of n cells:
// minSize up to maxSize in steps of 20, each capped at n.
func poolSizes(n, minSize, maxSize int) []int {
	var sizes []int
	seen := map[int]bool{}
	for s := minSize; s <= maxSize; s += 20 {
		w := s
		if w > n {
			w = n
		}
		if !seen[w] {
			seen[w] = true
			sizes = append(sizes, w)
		}
	}
	return sizes
}


// normalizecmd writes the normalized log-expression layer as a numpy
// matrix, and optionally the estimated size factors as csv.
type normalizecmd struct {
	inputFile   string
	outputFile  string
	factorsFile string
	opts        NormalizeOptions
}

func (cmd *normalizecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *normalizecmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "-", "input `file`")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file` for the logcounts matrix (npy)")
	flags.StringVar(&cmd.factorsFile, "output-factors", "", "also write size factors to csv `file`")
	flags.Int64Var(&cmd.opts.Seed, "random-seed", 0, "PRNG seed for quick-clustering")
	cmd.opts.Flags(flags)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := loadDatasetFile(context.Background(), cmd.inputFile, stdin)
	if err != nil {
		return err
	}
	layer, factors, err := Normalize(context.Background(), ds, cmd.opts)
	if err != nil {
		return err
	}

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
	err = writeFloatNpy(output, layer.Values, ds.NGenes(), ds.NCells())
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}

	if cmd.factorsFile != "" {
		err = writeFileWith(cmd.factorsFile, func(w io.Writer) error {
			return writeFactorsCSV(w, ds, factors)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFactorsCSV(w io.Writer, ds *Dataset, factors []float64) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprint(bufw, "cell,size_factor\n")
	for i, ci := range ds.Cells {
		fmt.Fprintf(bufw, "%s,%g\n", ci.ID, factors[i])
	}
	return bufw.Flush()
}
