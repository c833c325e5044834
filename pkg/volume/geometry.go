// Package volume provides the shared 3D grid data model for the
// connectivity pipeline: scalar, label, and boolean volumes on a common
// voxel grid, plus the morphological primitives the mask-building and
// node-assignment stages are built from.
//
// All volumes participating in one computation must share identical grid
// geometry; mismatches are reported as ErrGeometryMismatch rather than
// silently resampled.
package volume

import (
	"fmt"
	"math"
)

// geomTol is the tolerance used when comparing spacing, origin, and
// direction cosines between grids. NIFTI headers round-trip through
// float32, so exact float64 equality is too strict.
const geomTol = 1e-4

// Geometry describes the voxel grid a volume lives on: dimensions,
// voxel spacing in mm, world origin, and direction cosines.
type Geometry struct {
	// NX, NY, NZ are the grid dimensions in voxels.
	NX, NY, NZ int

	// Spacing is the voxel size along each axis in mm.
	Spacing [3]float64

	// Origin is the world coordinate of voxel (0,0,0).
	Origin [3]float64

	// Direction holds the row-major 3x3 direction cosine matrix mapping
	// voxel axes to world axes. Identity for axis-aligned volumes.
	Direction [9]float64
}

// NewGeometry returns an axis-aligned geometry with the given dimensions
// and spacing, origin at zero and identity orientation.
func NewGeometry(nx, ny, nz int, spacing [3]float64) Geometry {
	return Geometry{
		NX: nx, NY: ny, NZ: nz,
		Spacing:   spacing,
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// NumVoxels returns the total voxel count of the grid.
func (g Geometry) NumVoxels() int {
	return g.NX * g.NY * g.NZ
}

// Index converts voxel coordinates to the flat slice index. Volumes are
// stored z-major: index = z*NX*NY + y*NX + x.
func (g Geometry) Index(x, y, z int) int {
	return z*g.NX*g.NY + y*g.NX + x
}

// Coords is the inverse of Index.
func (g Geometry) Coords(idx int) (x, y, z int) {
	z = idx / (g.NX * g.NY)
	rem := idx % (g.NX * g.NY)
	y = rem / g.NX
	x = rem % g.NX
	return
}

// InBounds reports whether the voxel coordinates lie inside the grid.
func (g Geometry) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.NX && y >= 0 && y < g.NY && z >= 0 && z < g.NZ
}

// Same reports whether two geometries agree on dimensions, spacing,
// origin, and orientation within tolerance.
func (g Geometry) Same(o Geometry) bool {
	if g.NX != o.NX || g.NY != o.NY || g.NZ != o.NZ {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > geomTol {
			return false
		}
		if math.Abs(g.Origin[i]-o.Origin[i]) > geomTol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(g.Direction[i]-o.Direction[i]) > geomTol {
			return false
		}
	}
	return true
}

// CheckSame returns ErrGeometryMismatch (wrapped with both grid shapes)
// when the two geometries disagree. Every cross-volume operation in the
// pipeline goes through this guard.
func (g Geometry) CheckSame(o Geometry) error {
	if !g.Same(o) {
		return fmt.Errorf("%w: %dx%dx%d vs %dx%dx%d",
			ErrGeometryMismatch, g.NX, g.NY, g.NZ, o.NX, o.NY, o.NZ)
	}
	return nil
}

// VoxelToWorld maps continuous voxel coordinates to world coordinates in
// mm using the NIFTI sform convention: world = Origin + Direction * (v * Spacing).
func (g Geometry) VoxelToWorld(x, y, z float64) [3]float64 {
	sx := x * g.Spacing[0]
	sy := y * g.Spacing[1]
	sz := z * g.Spacing[2]
	d := g.Direction
	return [3]float64{
		g.Origin[0] + d[0]*sx + d[1]*sy + d[2]*sz,
		g.Origin[1] + d[3]*sx + d[4]*sy + d[5]*sz,
		g.Origin[2] + d[6]*sx + d[7]*sy + d[8]*sz,
	}
}

// WorldToVoxel maps a world coordinate back to continuous voxel
// coordinates. The direction matrix is orthonormal for every volume this
// pipeline consumes, so its transpose serves as the inverse.
func (g Geometry) WorldToVoxel(p [3]float64) (x, y, z float64) {
	px := p[0] - g.Origin[0]
	py := p[1] - g.Origin[1]
	pz := p[2] - g.Origin[2]
	d := g.Direction
	sx := d[0]*px + d[3]*py + d[6]*pz
	sy := d[1]*px + d[4]*py + d[7]*pz
	sz := d[2]*px + d[5]*py + d[8]*pz
	return sx / g.Spacing[0], sy / g.Spacing[1], sz / g.Spacing[2]
}

// WorldToNearestVoxel maps a world coordinate to the nearest voxel and
// reports whether it lies inside the grid.
func (g Geometry) WorldToNearestVoxel(p [3]float64) (x, y, z int, ok bool) {
	fx, fy, fz := g.WorldToVoxel(p)
	x = int(math.Round(fx))
	y = int(math.Round(fy))
	z = int(math.Round(fz))
	return x, y, z, g.InBounds(x, y, z)
}
