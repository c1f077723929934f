// Copyright (C) The Deconfound Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deconfound

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type importSuite struct{}

var _ = check.Suite(&importSuite{})

func (s *importSuite) importFiles(c *check.C, counts, cells string, extra ...string) (int, *Dataset, string) {
	dir := c.MkDir()
	countsPath := filepath.Join(dir, "counts.tsv")
	c.Assert(os.WriteFile(countsPath, []byte(counts), 0666), check.IsNil)
	cellsPath := filepath.Join(dir, "cells.csv")
	c.Assert(os.WriteFile(cellsPath, []byte(cells), 0666), check.IsNil)
	out := filepath.Join(dir, "imported.gob")
	args := append([]string{"-cells", cellsPath, "-o", out}, extra...)
	args = append(args, countsPath)
	var stdout, stderr bytes.Buffer
	code := (&importer{}).RunCommand("deconfound import", args, &bytes.Buffer{}, &stdout, &stderr)
	if code != 0 {
		return code, nil, stderr.String()
	}
	ds, err := loadDatasetFile(context.Background(), out, os.Stdin)
	c.Assert(err, check.IsNil)
	return code, ds, stderr.String()
}

func (s *importSuite) TestImportTSV(c *check.C) {
	code, ds, stderr := s.importFiles(c,
		"gene\tc1\tc2\nMT-0001\t5\t0\nGENE1\t3\t2\nERCC-0001\t1\t1\n",
		"id,individual,batch,replicate\nc1,I1,B1,r1\nc2,I1,B2,r1\n")
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	c.Assert(ds.NGenes(), check.Equals, 3)
	c.Assert(ds.NCells(), check.Equals, 2)
	c.Check(ds.Genes[0], check.DeepEquals, GeneInfo{ID: "MT-0001", Mito: true, QCPass: true})
	c.Check(ds.Genes[1], check.DeepEquals, GeneInfo{ID: "GENE1", QCPass: true})
	c.Check(ds.Genes[2], check.DeepEquals, GeneInfo{ID: "ERCC-0001", Control: true, QCPass: true})
	c.Check(ds.Counts, check.DeepEquals, []int32{5, 0, 3, 2, 1, 1})
	c.Check(ds.Cells[0].Individual, check.Equals, "I1")
	c.Check(ds.Cells[0].Batch, check.Equals, "B1")
	c.Check(ds.Cells[1].Batch, check.Equals, "B2")

	// QC metrics are computed when the csv lacks them
	c.Check(ds.Cells[0].TotalFeatures, check.Equals, 3)
	c.Check(ds.Cells[0].TotalCounts, check.Equals, 9)
	c.Check(ds.Cells[1].TotalFeatures, check.Equals, 2)
	c.Check(ds.Cells[1].TotalCounts, check.Equals, 3)
	c.Check(ds.Cells[0].QCPass, check.Equals, true)
}

func (s *importSuite) TestImportGCT(c *check.C) {
	code, ds, stderr := s.importFiles(c,
		"#1.2\n2\t2\nName\tDescription\tc1\tc2\ng1\tfirst gene\t1\t2\ng2\t-\t3\t4\n",
		"id,individual,batch\nc1,I1,B1\nc2,I1,B2\n")
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	c.Assert(ds.NGenes(), check.Equals, 2)
	c.Check(ds.Genes[0].ID, check.Equals, "g1")
	c.Check(ds.Genes[1].ID, check.Equals, "g2")
	c.Check(ds.Counts, check.DeepEquals, []int32{1, 2, 3, 4})
}

func (s *importSuite) TestImportGzippedCounts(c *check.C) {
	dir := c.MkDir()
	countsPath := filepath.Join(dir, "counts.tsv.gz")
	f, err := os.Create(countsPath)
	c.Assert(err, check.IsNil)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("gene\tc1\ng1\t7\n"))
	c.Assert(err, check.IsNil)
	c.Assert(zw.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
	cellsPath := filepath.Join(dir, "cells.csv")
	c.Assert(os.WriteFile(cellsPath, []byte("id,individual,batch\nc1,I1,B1\n"), 0666), check.IsNil)
	out := filepath.Join(dir, "imported.gob")

	var stdout, stderr bytes.Buffer
	code := (&importer{}).RunCommand("deconfound import", []string{"-cells", cellsPath, "-o", out, countsPath}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	ds, err := loadDatasetFile(context.Background(), out, os.Stdin)
	c.Assert(err, check.IsNil)
	c.Check(ds.Counts, check.DeepEquals, []int32{7})
}

// A cells csv carrying all four QC columns is trusted as-is.
func (s *importSuite) TestImportPrecomputedQC(c *check.C) {
	code, ds, stderr := s.importFiles(c,
		"gene\tc1\tc2\ng1\t4\t5\n",
		"id,individual,batch,total_features,total_counts,pct_counts_control,pct_counts_mito,qc_pass\n"+
			"c1,I1,B1,7,99,1.5,2.5,true\n"+
			"c2,I1,B2,1,2,0,0,false\n")
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	c.Check(ds.Cells[0].TotalFeatures, check.Equals, 7)
	c.Check(ds.Cells[0].TotalCounts, check.Equals, 99)
	c.Check(ds.Cells[0].PctControl, check.Equals, 1.5)
	c.Check(ds.Cells[0].PctMito, check.Equals, 2.5)
	c.Check(ds.Cells[0].QCPass, check.Equals, true)
	c.Check(ds.Cells[1].QCPass, check.Equals, false)
}

// An explicit -genes csv overrides the prefix heuristics only for the
// columns it provides.
func (s *importSuite) TestImportGenesFile(c *check.C) {
	dir := c.MkDir()
	genesPath := filepath.Join(dir, "genes.csv")
	c.Assert(os.WriteFile(genesPath, []byte("id,is_control\ng1,true\nMT-9,false\n"), 0666), check.IsNil)
	code, ds, stderr := s.importFiles(c,
		"gene\tc1\ng1\t1\nMT-9\t2\n",
		"id,individual,batch\nc1,I1,B1\n",
		"-genes", genesPath)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr))
	c.Check(ds.Genes[0], check.DeepEquals, GeneInfo{ID: "g1", Control: true, QCPass: true})
	c.Check(ds.Genes[1], check.DeepEquals, GeneInfo{ID: "MT-9", Mito: true, QCPass: true})
}

func (s *importSuite) TestImportErrors(c *check.C) {
	dir := c.MkDir()
	countsPath := filepath.Join(dir, "counts.tsv")
	c.Assert(os.WriteFile(countsPath, []byte("gene\tc1\tc2\ng1\t1\t-4\n"), 0666), check.IsNil)
	cellsPath := filepath.Join(dir, "cells.csv")
	c.Assert(os.WriteFile(cellsPath, []byte("id,individual,batch\nc1,I1,B1\n"), 0666), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := (&importer{}).RunCommand("deconfound import", []string{countsPath}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*cannot import without -cells argument.*`)

	stderr.Reset()
	code = (&importer{}).RunCommand("deconfound import", []string{"-cells", cellsPath, countsPath}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*bad count "-4".*`)

	stderr.Reset()
	c.Assert(os.WriteFile(countsPath, []byte("gene\tc1\tc2\ng1\t1\t4\n"), 0666), check.IsNil)
	code = (&importer{}).RunCommand("deconfound import", []string{"-cells", cellsPath, countsPath}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no metadata for cell "c2".*`)
}
