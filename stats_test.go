package deconfound

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/check.v1"
)

type statsSuite struct{}

var _ = check.Suite(&statsSuite{})

type statsReport struct {
	Genes              int
	ControlGenes       int
	MitoGenes          int
	QCFailGenes        int
	Cells              int
	QCFailCells        int
	Design             string
	CellsPerIndividual map[string]int
	CellsPerBatch      map[string]int
	CountDepth         struct {
		Min, Q1, Median, Q3, Max float64
	}
}

func (s *statsSuite) statsDataset() *Dataset {
	return &Dataset{
		Genes: []GeneInfo{
			{ID: "ERCC-0001", Control: true, QCPass: true},
			{ID: "MT-0001", Mito: true, QCPass: true},
			{ID: "GENE0001", QCPass: false},
		},
		Cells: []CellInfo{
			{ID: "c1", Individual: "I1", Batch: "B1", TotalCounts: 10, QCPass: true},
			{ID: "c2", Individual: "I1", Batch: "B2", TotalCounts: 20, QCPass: true},
			{ID: "c3", Individual: "I2", Batch: "B1", TotalCounts: 30, QCPass: false},
			{ID: "c4", Individual: "I2", Batch: "B2", TotalCounts: 40, QCPass: true},
		},
		Counts: make([]int32, 12),
	}
}

func (s *statsSuite) TestDoStats(c *check.C) {
	var buf bytes.Buffer
	c.Assert((&statscmd{}).doStats(s.statsDataset(), &buf), check.IsNil)

	var got statsReport
	c.Assert(json.Unmarshal(buf.Bytes(), &got), check.IsNil)
	c.Check(got.Genes, check.Equals, 3)
	c.Check(got.ControlGenes, check.Equals, 1)
	c.Check(got.MitoGenes, check.Equals, 1)
	c.Check(got.QCFailGenes, check.Equals, 1)
	c.Check(got.Cells, check.Equals, 4)
	c.Check(got.QCFailCells, check.Equals, 1)
	c.Check(got.Design, check.Equals, "balanced")
	c.Check(got.CellsPerIndividual, check.DeepEquals, map[string]int{"I1": 2, "I2": 2})
	c.Check(got.CellsPerBatch, check.DeepEquals, map[string]int{"B1": 2, "B2": 2})
	c.Check(got.CountDepth.Min, check.Equals, 10.0)
	c.Check(got.CountDepth.Q1, check.Equals, 17.5)
	c.Check(got.CountDepth.Median, check.Equals, 25.0)
	c.Check(got.CountDepth.Q3, check.Equals, 32.5)
	c.Check(got.CountDepth.Max, check.Equals, 40.0)
}

func (s *statsSuite) TestStatsCommand(c *check.C) {
	dir := c.MkDir()
	in := writeDatasetFile(c, dir, "in.gob", s.statsDataset())
	out := filepath.Join(dir, "stats.json")

	var stdout, stderr bytes.Buffer
	code := (&statscmd{}).RunCommand("deconfound stats", []string{"-i", in, "-o", out}, &bytes.Buffer{}, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))

	body, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	var got statsReport
	c.Assert(json.Unmarshal(body, &got), check.IsNil)
	c.Check(got.Genes, check.Equals, 3)
	c.Check(got.Design, check.Equals, "balanced")
}
