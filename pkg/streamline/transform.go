package streamline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// PointTransform maps world points between spaces. Implementations are
// supplied by the registration provider.
//
// Point warping uses the inverse of the transform used to resample
// images: an affine/warp pair that maps a reference image onto the
// diffusion grid moves diffusion-space points into the reference space
// through its inverse. Providers therefore hand the core transforms
// already oriented for points.
type PointTransform interface {
	Apply(Point) Point
}

// InvertiblePointTransform is a PointTransform whose exact inverse is
// available (rigid and affine transforms; dense warps are not
// analytically invertible and need a provider-supplied inverse field).
type InvertiblePointTransform interface {
	PointTransform
	Inverse() (PointTransform, error)
}

// Affine is a 4x4 homogeneous transform.
type Affine struct {
	m *mat.Dense // 4x4
}

// Identity returns the identity affine.
func Identity() *Affine {
	a := &Affine{m: mat.NewDense(4, 4, nil)}
	for i := 0; i < 4; i++ {
		a.m.Set(i, i, 1)
	}
	return a
}

// NewAffine builds an affine from 16 row-major values.
func NewAffine(values [16]float64) *Affine {
	return &Affine{m: mat.NewDense(4, 4, values[:])}
}

// Translation returns a pure translation affine.
func Translation(dx, dy, dz float64) *Affine {
	a := Identity()
	a.m.Set(0, 3, dx)
	a.m.Set(1, 3, dy)
	a.m.Set(2, 3, dz)
	return a
}

// Apply maps the point through the affine.
func (a *Affine) Apply(p Point) Point {
	var out Point
	for r := 0; r < 3; r++ {
		out[r] = a.m.At(r, 0)*p[0] + a.m.At(r, 1)*p[1] + a.m.At(r, 2)*p[2] + a.m.At(r, 3)
	}
	return out
}

// Inverse returns the exact inverse affine.
func (a *Affine) Inverse() (PointTransform, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return nil, fmt.Errorf("affine is singular: %w", err)
	}
	return &Affine{m: &inv}, nil
}

// DeformationField is a dense displacement field sampled on a voxel
// grid: Apply adds the trilinearly interpolated displacement to the
// input point. Fields have no analytic inverse; the registration
// provider supplies the inverse field where one is needed.
type DeformationField struct {
	Geom volume.Geometry

	// DX, DY, DZ hold the displacement components in mm, one value per
	// grid voxel, indexed like every other volume.
	DX, DY, DZ []float64
}

// NewDeformationField allocates a zero (identity) field on the grid.
func NewDeformationField(g volume.Geometry) *DeformationField {
	n := g.NumVoxels()
	return &DeformationField{
		Geom: g,
		DX:   make([]float64, n),
		DY:   make([]float64, n),
		DZ:   make([]float64, n),
	}
}

// Apply adds the interpolated displacement at p. Points outside the
// field grid pass through unchanged (zero displacement), matching the
// behaviour of warps that only cover the brain.
func (f *DeformationField) Apply(p Point) Point {
	fx, fy, fz := f.Geom.WorldToVoxel([3]float64(p))
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	z0 := int(math.Floor(fz))
	if x0 < 0 || y0 < 0 || z0 < 0 || x0 >= f.Geom.NX-1 || y0 >= f.Geom.NY-1 || z0 >= f.Geom.NZ-1 {
		return p
	}

	tx := fx - float64(x0)
	ty := fy - float64(y0)
	tz := fz - float64(z0)

	interp := func(d []float64) float64 {
		idx := func(x, y, z int) float64 { return d[f.Geom.Index(x, y, z)] }
		c00 := idx(x0, y0, z0)*(1-tx) + idx(x0+1, y0, z0)*tx
		c10 := idx(x0, y0+1, z0)*(1-tx) + idx(x0+1, y0+1, z0)*tx
		c01 := idx(x0, y0, z0+1)*(1-tx) + idx(x0+1, y0, z0+1)*tx
		c11 := idx(x0, y0+1, z0+1)*(1-tx) + idx(x0+1, y0+1, z0+1)*tx
		c0 := c00*(1-ty) + c10*ty
		c1 := c01*(1-ty) + c11*ty
		return c0*(1-tz) + c1*tz
	}

	return Point{p[0] + interp(f.DX), p[1] + interp(f.DY), p[2] + interp(f.DZ)}
}

// Chain is a composed sequence of point transforms, applied first to
// last. Chains are validated and composed once per session and reused
// for every streamline.
type Chain struct {
	links []PointTransform
}

// NewChain validates the links. A nil link means a transform file was
// missing; that is fatal for the timepoint.
func NewChain(links ...PointTransform) (*Chain, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: transform chain is empty", volume.ErrMissingInput)
	}
	for i, l := range links {
		if l == nil {
			return nil, fmt.Errorf("%w: transform chain link %d", volume.ErrMissingInput, i)
		}
	}
	c := &Chain{links: make([]PointTransform, len(links))}
	copy(c.links, links)
	return c, nil
}

// Apply maps the point through every link in order.
func (c *Chain) Apply(p Point) Point {
	for _, l := range c.links {
		p = l.Apply(p)
	}
	return p
}

// Inverse returns the chain of inverted links in reverse order. Fails
// when any link is not invertible.
func (c *Chain) Inverse() (PointTransform, error) {
	inv := make([]PointTransform, 0, len(c.links))
	for i := len(c.links) - 1; i >= 0; i-- {
		il, ok := c.links[i].(InvertiblePointTransform)
		if !ok {
			return nil, fmt.Errorf("transform chain link %d has no analytic inverse", i)
		}
		l, err := il.Inverse()
		if err != nil {
			return nil, fmt.Errorf("invert chain link %d: %w", i, err)
		}
		inv = append(inv, l)
	}
	return NewChain(inv...)
}

// TransformSet maps every vertex of every streamline through the chain
// and returns a new Set. Per-vertex samples travel with their points.
func TransformSet(s *Set, t PointTransform) *Set {
	out := &Set{Lines: make([]Streamline, len(s.Lines))}
	for i, line := range s.Lines {
		mapped := Streamline{Points: make([]Point, len(line.Points))}
		for j, p := range line.Points {
			mapped.Points[j] = t.Apply(p)
		}
		if line.Samples != nil {
			mapped.Samples = make([]float64, len(line.Samples))
			copy(mapped.Samples, line.Samples)
		}
		out.Lines[i] = mapped
	}
	return out
}
