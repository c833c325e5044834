package volume

import "math"

// ScalarVolume is a float64 volume, used for anisotropy and other
// tensor-derived scalar maps (FA, MD, AD, RD).
type ScalarVolume struct {
	Geom Geometry
	Data []float64
}

// NewScalarVolume allocates a zero-filled scalar volume.
func NewScalarVolume(g Geometry) *ScalarVolume {
	return &ScalarVolume{Geom: g, Data: make([]float64, g.NumVoxels())}
}

// At returns the value at voxel (x,y,z).
func (v *ScalarVolume) At(x, y, z int) float64 {
	return v.Data[v.Geom.Index(x, y, z)]
}

// Set writes the value at voxel (x,y,z).
func (v *ScalarVolume) Set(x, y, z int, val float64) {
	v.Data[v.Geom.Index(x, y, z)] = val
}

// SampleWorld samples the volume at a world coordinate using trilinear
// interpolation. Points outside the grid return (0, false).
func (v *ScalarVolume) SampleWorld(p [3]float64) (float64, bool) {
	fx, fy, fz := v.Geom.WorldToVoxel(p)

	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	z0 := int(math.Floor(fz))
	if x0 < 0 || y0 < 0 || z0 < 0 || x0 >= v.Geom.NX-1 || y0 >= v.Geom.NY-1 || z0 >= v.Geom.NZ-1 {
		// Fall back to nearest-voxel lookup at the grid border.
		x, y, z, ok := v.Geom.WorldToNearestVoxel(p)
		if !ok {
			return 0, false
		}
		return v.At(x, y, z), true
	}

	tx := fx - float64(x0)
	ty := fy - float64(y0)
	tz := fz - float64(z0)

	c000 := v.At(x0, y0, z0)
	c100 := v.At(x0+1, y0, z0)
	c010 := v.At(x0, y0+1, z0)
	c110 := v.At(x0+1, y0+1, z0)
	c001 := v.At(x0, y0, z0+1)
	c101 := v.At(x0+1, y0, z0+1)
	c011 := v.At(x0, y0+1, z0+1)
	c111 := v.At(x0+1, y0+1, z0+1)

	c00 := c000*(1-tx) + c100*tx
	c10 := c010*(1-tx) + c110*tx
	c01 := c001*(1-tx) + c101*tx
	c11 := c011*(1-tx) + c111*tx

	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty

	return c0*(1-tz) + c1*tz, true
}

// LabelVolume is an integer volume holding anatomical label IDs.
type LabelVolume struct {
	Geom Geometry
	Data []int32
}

// NewLabelVolume allocates a zero-filled (all background) label volume.
func NewLabelVolume(g Geometry) *LabelVolume {
	return &LabelVolume{Geom: g, Data: make([]int32, g.NumVoxels())}
}

// At returns the label at voxel (x,y,z).
func (v *LabelVolume) At(x, y, z int) int32 {
	return v.Data[v.Geom.Index(x, y, z)]
}

// Set writes the label at voxel (x,y,z).
func (v *LabelVolume) Set(x, y, z int, label int32) {
	v.Data[v.Geom.Index(x, y, z)] = label
}

// Clone returns a deep copy of the volume.
func (v *LabelVolume) Clone() *LabelVolume {
	out := NewLabelVolume(v.Geom)
	copy(out.Data, v.Data)
	return out
}

// Mask is a boolean volume.
type Mask struct {
	Geom Geometry
	Data []bool
}

// NewMask allocates an all-false mask.
func NewMask(g Geometry) *Mask {
	return &Mask{Geom: g, Data: make([]bool, g.NumVoxels())}
}

// At returns the mask value at voxel (x,y,z).
func (m *Mask) At(x, y, z int) bool {
	return m.Data[m.Geom.Index(x, y, z)]
}

// Set writes the mask value at voxel (x,y,z).
func (m *Mask) Set(x, y, z int, val bool) {
	m.Data[m.Geom.Index(x, y, z)] = val
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Empty reports whether no voxel is set.
func (m *Mask) Empty() bool {
	return m.Count() == 0
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := NewMask(m.Geom)
	copy(out.Data, m.Data)
	return out
}

// ToScalar converts the mask to a 0/1 scalar volume.
func (m *Mask) ToScalar() *ScalarVolume {
	out := NewScalarVolume(m.Geom)
	for i, v := range m.Data {
		if v {
			out.Data[i] = 1
		}
	}
	return out
}
