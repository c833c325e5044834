// Package niftiio reads and writes pipeline volumes as NIFTI-1 images.
//
// The reference grid geometry is supplied by the caller (it is part of
// the session configuration), and output headers are copied from a
// reference template image so that spacing, orientation, and scaling
// survive the round trip through downstream viewers.
package niftiio

import (
	"fmt"
	"os"
	"strings"

	"github.com/KyungWonPark/nifti"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// checkExists maps a missing file onto the pipeline's error taxonomy.
func checkExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", volume.ErrMissingInput, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}

// loadImage reads the image and verifies its declared grid against the
// reference geometry before any voxel access.
func loadImage(path string, g volume.Geometry) (*nifti.Nifti1Image, error) {
	if err := checkExists(path); err != nil {
		return nil, err
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	if err := checkGrid(&img, g, path); err != nil {
		return nil, err
	}
	return &img, nil
}

// checkGrid compares the file's header grid against the reference
// geometry. The header declares dimensions and voxel spacing; a zero
// pixdim entry means unspecified and is not compared. Origin and
// orientation stay with the caller's reference geometry.
func checkGrid(img *nifti.Nifti1Image, g volume.Geometry, path string) error {
	h := img.GetHeader()

	fileGeom := g
	fileGeom.NX = int(h.Dim[1])
	fileGeom.NY = int(h.Dim[2])
	fileGeom.NZ = int(h.Dim[3])
	for i := 0; i < 3; i++ {
		if s := float64(h.Pixdim[i+1]); s > 0 {
			fileGeom.Spacing[i] = s
		}
	}

	if err := g.CheckSame(fileGeom); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadScalar reads a NIFTI image into a scalar volume on the given grid.
func LoadScalar(path string, g volume.Geometry) (*volume.ScalarVolume, error) {
	img, err := loadImage(path, g)
	if err != nil {
		return nil, err
	}

	out := volume.NewScalarVolume(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				out.Set(x, y, z, float64(img.GetAt(uint32(x), uint32(y), uint32(z), 0)))
			}
		}
	}
	return out, nil
}

// LoadLabels reads a NIFTI label image into a label volume on the given
// grid. Voxel values are rounded to the nearest integer label ID.
func LoadLabels(path string, g volume.Geometry) (*volume.LabelVolume, error) {
	img, err := loadImage(path, g)
	if err != nil {
		return nil, err
	}

	out := volume.NewLabelVolume(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				v := img.GetAt(uint32(x), uint32(y), uint32(z), 0)
				out.Set(x, y, z, int32(v+0.5))
			}
		}
	}
	return out, nil
}

// saveVolume writes voxel data through a header borrowed from the
// reference template image. The library gzips its output and appends
// ".gz" to the name it is given, so the suffix is stripped from the
// requested path first; callers should name outputs *.nii.gz.
func saveVolume(g volume.Geometry, at func(x, y, z int) float32, headerTemplate, path string) error {
	if err := checkExists(headerTemplate); err != nil {
		return err
	}

	img := nifti.NewImg(g.NX, g.NY, g.NZ, 1)

	var header nifti.Nifti1Header
	header.LoadHeader(headerTemplate)
	img.SetNewHeader(header)
	img.SetHeaderDim(g.NX, g.NY, g.NZ, 1)

	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				img.SetAt(uint32(x), uint32(y), uint32(z), 0, at(x, y, z))
			}
		}
	}

	img.Save(strings.TrimSuffix(path, ".gz"))
	return nil
}

// SaveScalar writes a scalar volume as NIFTI.
func SaveScalar(v *volume.ScalarVolume, headerTemplate, path string) error {
	return saveVolume(v.Geom, func(x, y, z int) float32 {
		return float32(v.At(x, y, z))
	}, headerTemplate, path)
}

// SaveLabels writes a label volume as NIFTI.
func SaveLabels(v *volume.LabelVolume, headerTemplate, path string) error {
	return saveVolume(v.Geom, func(x, y, z int) float32 {
		return float32(v.At(x, y, z))
	}, headerTemplate, path)
}

// SaveMask writes a mask as a 0/1 NIFTI image.
func SaveMask(m *volume.Mask, headerTemplate, path string) error {
	return saveVolume(m.Geom, func(x, y, z int) float32 {
		if m.At(x, y, z) {
			return 1
		}
		return 0
	}, headerTemplate, path)
}
