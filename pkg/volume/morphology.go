package volume

import "fmt"

// Threshold returns the mask of voxels whose value is >= min.
func Threshold(v *ScalarVolume, min float64) *Mask {
	out := NewMask(v.Geom)
	for i, val := range v.Data {
		out.Data[i] = val >= min
	}
	return out
}

// Union returns a | b. The masks must share geometry.
func Union(a, b *Mask) (*Mask, error) {
	if err := a.Geom.CheckSame(b.Geom); err != nil {
		return nil, fmt.Errorf("union: %w", err)
	}
	out := NewMask(a.Geom)
	for i := range a.Data {
		out.Data[i] = a.Data[i] || b.Data[i]
	}
	return out, nil
}

// Intersect returns a & b. The masks must share geometry.
func Intersect(a, b *Mask) (*Mask, error) {
	if err := a.Geom.CheckSame(b.Geom); err != nil {
		return nil, fmt.Errorf("intersect: %w", err)
	}
	out := NewMask(a.Geom)
	for i := range a.Data {
		out.Data[i] = a.Data[i] && b.Data[i]
	}
	return out, nil
}

// Subtract returns a &^ b. The masks must share geometry.
func Subtract(a, b *Mask) (*Mask, error) {
	if err := a.Geom.CheckSame(b.Geom); err != nil {
		return nil, fmt.Errorf("subtract: %w", err)
	}
	out := NewMask(a.Geom)
	for i := range a.Data {
		out.Data[i] = a.Data[i] && !b.Data[i]
	}
	return out, nil
}

// Complement returns the logical negation of the mask.
func Complement(m *Mask) *Mask {
	out := NewMask(m.Geom)
	for i := range m.Data {
		out.Data[i] = !m.Data[i]
	}
	return out
}

// Dilate grows the mask by the given radius in voxels using a cubic
// structuring element. A radius of 0 returns a copy.
func Dilate(m *Mask, radius int) *Mask {
	if radius <= 0 {
		return m.Clone()
	}
	g := m.Geom
	out := NewMask(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				if !m.At(x, y, z) {
					continue
				}
				for dz := -radius; dz <= radius; dz++ {
					for dy := -radius; dy <= radius; dy++ {
						for dx := -radius; dx <= radius; dx++ {
							nx, ny, nz := x+dx, y+dy, z+dz
							if g.InBounds(nx, ny, nz) {
								out.Set(nx, ny, nz, true)
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Erode shrinks the mask by the given radius in voxels using a cubic
// structuring element. Voxels whose neighborhood extends past the grid
// boundary are removed, so eroded masks never touch the volume edge.
func Erode(m *Mask, radius int) *Mask {
	if radius <= 0 {
		return m.Clone()
	}
	g := m.Geom
	out := NewMask(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				if !m.At(x, y, z) {
					continue
				}
				keep := true
				for dz := -radius; dz <= radius && keep; dz++ {
					for dy := -radius; dy <= radius && keep; dy++ {
						for dx := -radius; dx <= radius && keep; dx++ {
							nx, ny, nz := x+dx, y+dy, z+dz
							if !g.InBounds(nx, ny, nz) || !m.At(nx, ny, nz) {
								keep = false
							}
						}
					}
				}
				if keep {
					out.Set(x, y, z, true)
				}
			}
		}
	}
	return out
}

// Component is one 26-connected component of a mask.
type Component struct {
	// Voxels holds the flat indices belonging to the component.
	Voxels []int
}

// Size returns the voxel count of the component.
func (c Component) Size() int { return len(c.Voxels) }

// ConnectedComponents26 labels the 26-connected components of the mask
// and returns them in decreasing size order.
func ConnectedComponents26(m *Mask) []Component {
	g := m.Geom
	visited := make([]bool, g.NumVoxels())
	var comps []Component

	var queue []int
	for start, set := range m.Data {
		if !set || visited[start] {
			continue
		}
		// Breadth-first flood over the 26-neighborhood.
		comp := Component{}
		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			comp.Voxels = append(comp.Voxels, idx)

			x, y, z := g.Coords(idx)
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						if dx == 0 && dy == 0 && dz == 0 {
							continue
						}
						nx, ny, nz := x+dx, y+dy, z+dz
						if !g.InBounds(nx, ny, nz) {
							continue
						}
						nIdx := g.Index(nx, ny, nz)
						if m.Data[nIdx] && !visited[nIdx] {
							visited[nIdx] = true
							queue = append(queue, nIdx)
						}
					}
				}
			}
		}
		comps = append(comps, comp)
	}

	// Largest first.
	for i := 1; i < len(comps); i++ {
		for j := i; j > 0 && comps[j].Size() > comps[j-1].Size(); j-- {
			comps[j], comps[j-1] = comps[j-1], comps[j]
		}
	}
	return comps
}

// FilterSmallComponents removes 26-connected components smaller than
// minVoxels and returns the resulting mask.
func FilterSmallComponents(m *Mask, minVoxels int) *Mask {
	out := NewMask(m.Geom)
	for _, comp := range ConnectedComponents26(m) {
		if comp.Size() < minVoxels {
			continue
		}
		for _, idx := range comp.Voxels {
			out.Data[idx] = true
		}
	}
	return out
}
