package niftiio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KyungWonPark/nifti"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// writeTemplate puts a small NIFTI on disk to act as the header donor
// for saves. The library appends ".gz" to the name it is given.
func writeTemplate(t *testing.T, dir string, nx, ny, nz int) string {
	t.Helper()
	img := nifti.NewImg(nx, ny, nz, 1)
	img.Save(filepath.Join(dir, "template.nii"))
	return filepath.Join(dir, "template.nii.gz")
}

func TestScalarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	// Template dims differ from the volume's: the save must stamp the
	// output grid into the borrowed header.
	tpl := writeTemplate(t, dir, 2, 2, 2)

	g := volume.NewGeometry(4, 3, 2, [3]float64{1, 1, 1})
	v := volume.NewScalarVolume(g)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				v.Set(x, y, z, float64(x+10*y+100*z))
			}
		}
	}

	out := filepath.Join(dir, "scalar.nii.gz")
	require.NoError(t, SaveScalar(v, tpl, out))

	// The written file sits exactly at the requested path.
	_, err := os.Stat(out)
	require.NoError(t, err)

	loaded, err := LoadScalar(out, g)
	require.NoError(t, err)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				assert.Equal(t, v.At(x, y, z), loaded.At(x, y, z))
			}
		}
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tpl := writeTemplate(t, dir, 3, 3, 3)

	g := volume.NewGeometry(3, 3, 3, [3]float64{1, 1, 1})
	v := volume.NewLabelVolume(g)
	v.Set(0, 0, 0, 7)
	v.Set(2, 1, 0, 101)
	v.Set(1, 2, 2, 4035)

	out := filepath.Join(dir, "labels.nii.gz")
	require.NoError(t, SaveLabels(v, tpl, out))

	loaded, err := LoadLabels(out, g)
	require.NoError(t, err)
	assert.Equal(t, int32(7), loaded.At(0, 0, 0))
	assert.Equal(t, int32(101), loaded.At(2, 1, 0))
	assert.Equal(t, int32(4035), loaded.At(1, 2, 2))
	assert.Equal(t, int32(0), loaded.At(1, 1, 1))
}

func TestMaskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tpl := writeTemplate(t, dir, 3, 3, 3)

	g := volume.NewGeometry(3, 3, 3, [3]float64{1, 1, 1})
	m := volume.NewMask(g)
	m.Set(0, 0, 0, true)
	m.Set(2, 2, 2, true)

	out := filepath.Join(dir, "mask.nii.gz")
	require.NoError(t, SaveMask(m, tpl, out))

	loaded, err := LoadScalar(out, g)
	require.NoError(t, err)
	assert.Equal(t, 1.0, loaded.At(0, 0, 0))
	assert.Equal(t, 1.0, loaded.At(2, 2, 2))
	assert.Equal(t, 0.0, loaded.At(1, 1, 1))
}

func TestLoadRejectsGridMismatch(t *testing.T) {
	dir := t.TempDir()

	// A 5x5x5 file loaded against a 10x10x10 reference grid must be
	// rejected up front, before any voxel access.
	img := nifti.NewImg(5, 5, 5, 1)
	img.Save(filepath.Join(dir, "small.nii"))
	path := filepath.Join(dir, "small.nii.gz")

	ref := volume.NewGeometry(10, 10, 10, [3]float64{1, 1, 1})
	_, err := LoadScalar(path, ref)
	assert.ErrorIs(t, err, volume.ErrGeometryMismatch)

	_, err = LoadLabels(path, ref)
	assert.ErrorIs(t, err, volume.ErrGeometryMismatch)

	// The matching grid loads.
	_, err = LoadScalar(path, volume.NewGeometry(5, 5, 5, [3]float64{1, 1, 1}))
	assert.NoError(t, err)
}

func TestMissingInputs(t *testing.T) {
	dir := t.TempDir()
	g := volume.NewGeometry(3, 3, 3, [3]float64{1, 1, 1})

	_, err := LoadScalar(filepath.Join(dir, "absent.nii.gz"), g)
	assert.ErrorIs(t, err, volume.ErrMissingInput)

	err = SaveScalar(volume.NewScalarVolume(g), filepath.Join(dir, "no-template.nii.gz"),
		filepath.Join(dir, "out.nii.gz"))
	assert.ErrorIs(t, err, volume.ErrMissingInput)
}
