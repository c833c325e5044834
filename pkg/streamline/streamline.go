// Package streamline models tractography streamlines and the geometric
// transforms that move them between diffusion space and a reference
// anatomical space.
//
// Streamlines are immutable once created: filtering and truncation
// produce new Streamline and Set values, never in-place edits, so a
// caller can drop the untransformed set as soon as the filtered set
// exists and bound peak memory use.
package streamline

import (
	"fmt"
	"math"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// Point is a 3D world coordinate in mm.
type Point [3]float64

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Norm returns the Euclidean length of the vector.
func (p Point) Norm() float64 {
	return math.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
}

// Streamline is an ordered, directed sequence of at least two points
// traced by the tractography engine, with optional per-vertex scalar
// samples.
type Streamline struct {
	Points []Point

	// Samples holds one scalar per vertex when the tractography engine
	// sampled a map along the path; nil otherwise.
	Samples []float64
}

// NewStreamline validates and wraps a point sequence.
func NewStreamline(points []Point) (Streamline, error) {
	if len(points) < 2 {
		return Streamline{}, fmt.Errorf("%w: streamline needs at least 2 points, got %d",
			volume.ErrConfiguration, len(points))
	}
	return Streamline{Points: points}, nil
}

// Length returns the arclength in mm.
func (s Streamline) Length() float64 {
	total := 0.0
	for i := 1; i < len(s.Points); i++ {
		total += s.Points[i].Sub(s.Points[i-1]).Norm()
	}
	return total
}

// Truncate returns a copy containing only Points[:n]. Returns false when
// fewer than two points would remain.
func (s Streamline) Truncate(n int) (Streamline, bool) {
	if n < 2 {
		return Streamline{}, false
	}
	if n > len(s.Points) {
		n = len(s.Points)
	}
	out := Streamline{Points: make([]Point, n)}
	copy(out.Points, s.Points[:n])
	if s.Samples != nil {
		out.Samples = make([]float64, n)
		copy(out.Samples, s.Samples[:n])
	}
	return out, true
}

// Set is the collection of streamlines produced by one tractography
// run. Pipeline stages narrow it successively; each stage returns a new
// Set.
type Set struct {
	Lines []Streamline
}

// Len returns the number of streamlines.
func (s *Set) Len() int { return len(s.Lines) }

// Filter returns a new Set with the streamlines keep reports true for.
func (s *Set) Filter(keep func(Streamline) bool) *Set {
	out := &Set{}
	for _, line := range s.Lines {
		if keep(line) {
			out.Lines = append(out.Lines, line)
		}
	}
	return out
}
