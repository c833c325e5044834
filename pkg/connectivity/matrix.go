// Package connectivity filters transformed streamlines against the
// session masks, assigns their endpoints to graph nodes, and aggregates
// the result into weighted connectivity matrices.
package connectivity

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"github.com/ftdc-picsl/dtProcessing/pkg/label"
)

// Matrix is a symmetric node-by-node connectivity matrix for one
// statistic (count, mean length, or a scalar median). Rows and columns
// follow the label definition's order.
type Matrix struct {
	// Stat names the statistic, e.g. "count", "meanlength", "fa".
	Stat string

	def  *label.Definition
	data *mat.SymDense
}

// NewMatrix allocates a zero matrix over the definition's node order.
func NewMatrix(stat string, def *label.Definition) *Matrix {
	return &Matrix{
		Stat: stat,
		def:  def,
		data: mat.NewSymDense(def.Len(), nil),
	}
}

// Labels returns the definition backing the matrix.
func (m *Matrix) Labels() *label.Definition { return m.def }

// Dim returns the number of nodes.
func (m *Matrix) Dim() int { return m.def.Len() }

// At returns the entry at row i, column j (definition order).
func (m *Matrix) At(i, j int) float64 { return m.data.At(i, j) }

// AtLabel returns the entry for the node pair (a, b) by label ID.
func (m *Matrix) AtLabel(a, b int32) (float64, error) {
	i := m.def.IndexOf(a)
	j := m.def.IndexOf(b)
	if i < 0 || j < 0 {
		return 0, fmt.Errorf("label pair (%d,%d) not in definition", a, b)
	}
	return m.data.At(i, j), nil
}

// SetLabel writes the symmetric entry for the node pair (a, b) by label
// ID. Used when rebuilding a matrix from stored edge values.
func (m *Matrix) SetLabel(a, b int32, v float64) error {
	i := m.def.IndexOf(a)
	j := m.def.IndexOf(b)
	if i < 0 || j < 0 {
		return fmt.Errorf("label pair (%d,%d) not in definition", a, b)
	}
	m.data.SetSym(i, j, v)
	return nil
}

// set writes the symmetric entry (i,j).
func (m *Matrix) set(i, j int, v float64) { m.data.SetSym(i, j, v) }

// add increments the symmetric entry (i,j).
func (m *Matrix) add(i, j int, v float64) { m.data.SetSym(i, j, m.data.At(i, j)+v) }

// Sym exposes the underlying symmetric matrix for read-only use
// (plotting, further analysis).
func (m *Matrix) Sym() mat.Symmetric { return m.data }

// WriteCSV writes the matrix as a node-by-node numeric table with a
// header row of label IDs.
func (m *Matrix) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s matrix: %w", m.Stat, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	n := m.Dim()
	ids := m.def.IDs()

	header := make([]string, n)
	for i, id := range ids {
		header[i] = strconv.FormatInt(int64(id), 10)
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write %s matrix: %w", m.Stat, err)
	}

	row := make([]string, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row[j] = strconv.FormatFloat(m.data.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write %s matrix: %w", m.Stat, err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteNpy writes the matrix as a 2D float64 .npy array for downstream
// numeric tooling.
func (m *Matrix) WriteNpy(path string) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("write %s matrix npy: %w", m.Stat, err)
	}
	n := m.Dim()
	w.Shape = []int{n, n}
	w.Version = 2

	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[i*n+j] = m.data.At(i, j)
		}
	}
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("write %s matrix npy: %w", m.Stat, err)
	}
	return nil
}

// median returns the median of values, interpolating between the two
// middle values for even counts.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
