// Package qc renders quality-control images for a connectivity run.
package qc

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ftdc-picsl/dtProcessing/pkg/connectivity"
)

// matrixGrid adapts a connectivity matrix to the plotter grid interface.
// Rows are flipped so node order runs top to bottom, matching the CSV.
type matrixGrid struct {
	m *connectivity.Matrix
}

func (g matrixGrid) Dims() (int, int)   { return g.m.Dim(), g.m.Dim() }
func (g matrixGrid) X(c int) float64    { return float64(c) }
func (g matrixGrid) Y(r int) float64    { return float64(r) }
func (g matrixGrid) Z(c, r int) float64 { return g.m.At(g.m.Dim()-1-r, c) }

// WriteHeatmap renders the matrix as a PNG heatmap. Log scaling is
// applied for count matrices, where a handful of strong edges would
// otherwise swamp the palette.
func WriteHeatmap(m *connectivity.Matrix, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "node"
	p.Y.Label.Text = "node"

	grid := plotGrid(m)
	hm := plotter.NewHeatMap(grid, palette.Heat(64, 255))
	p.Add(hm)

	if err := p.Save(7*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s heatmap: %w", m.Stat, err)
	}
	return nil
}

func plotGrid(m *connectivity.Matrix) plotter.GridXYZ {
	if m.Stat != "count" {
		return matrixGrid{m}
	}
	return logGrid{matrixGrid{m}}
}

// logGrid maps z through log1p to compress the dynamic range of count
// matrices.
type logGrid struct {
	matrixGrid
}

func (g logGrid) Z(c, r int) float64 { return math.Log1p(g.matrixGrid.Z(c, r)) }
