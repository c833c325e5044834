package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

const (
	wmLabel       int32 = 10
	corticalLabel int32 = 101
)

func testDefs(t *testing.T) (cortical, wm *label.Definition) {
	t.Helper()
	var err error
	cortical, err = label.New([]label.Entry{{ID: corticalLabel, Name: "cortex"}})
	require.NoError(t, err)
	wm, err = label.New([]label.Entry{{ID: wmLabel, Name: "white_matter"}})
	require.NoError(t, err)
	return cortical, wm
}

// testBuilder returns a Builder with cluster thresholds scaled down to
// synthetic-volume sizes.
func testBuilder() *Builder {
	b := NewBuilder()
	b.MinClusterVoxelsFA = 4
	b.MinClusterVoxelsFinal = 8
	return b
}

// holeFixture builds a label volume with a 3x3x3 cortical cube fully
// surrounded by white-matter labels, plus a flat-zero FA volume.
func holeFixture() (*volume.LabelVolume, *volume.ScalarVolume) {
	g := volume.NewGeometry(11, 11, 11, [3]float64{1, 1, 1})
	lv := volume.NewLabelVolume(g)

	// WM block from (2..8)^3 ...
	for z := 2; z <= 8; z++ {
		for y := 2; y <= 8; y++ {
			for x := 2; x <= 8; x++ {
				lv.Set(x, y, z, wmLabel)
			}
		}
	}
	// ... with a cortical 3x3x3 cube carved out of its centre.
	for z := 4; z <= 6; z++ {
		for y := 4; y <= 6; y++ {
			for x := 4; x <= 6; x++ {
				lv.Set(x, y, z, corticalLabel)
			}
		}
	}
	return lv, volume.NewScalarVolume(g)
}

func TestBuildHoleRepairPreservesEnclosedCortex(t *testing.T) {
	lv, fa := holeFixture()
	cortical, wm := testDefs(t)

	res, err := testBuilder().Build(lv, cortical, wm, fa)
	require.NoError(t, err)

	// With no elevated anisotropy the cortical mask must be exactly the
	// labelled cube: no voxel lost to the WM addition step.
	for z := 0; z < 11; z++ {
		for y := 0; y < 11; y++ {
			for x := 0; x < 11; x++ {
				inCube := x >= 4 && x <= 6 && y >= 4 && y <= 6 && z >= 4 && z <= 6
				assert.Equal(t, inCube, res.CorticalMask.At(x, y, z),
					"cortical mask at (%d,%d,%d)", x, y, z)
			}
		}
	}
}

func TestBuildMasksDisjoint(t *testing.T) {
	lv, fa := holeFixture()
	// Elevated anisotropy over a block overlapping both label regions.
	for z := 3; z <= 7; z++ {
		for y := 3; y <= 7; y++ {
			for x := 3; x <= 7; x++ {
				fa.Set(x, y, z, 0.6)
			}
		}
	}
	cortical, wm := testDefs(t)

	res, err := testBuilder().Build(lv, cortical, wm, fa)
	require.NoError(t, err)

	for i := range res.WMMask.Data {
		if res.WMMask.Data[i] && res.CorticalMask.Data[i] {
			x, y, z := res.WMMask.Geom.Coords(i)
			t.Fatalf("WM and cortical masks overlap at (%d,%d,%d)", x, y, z)
		}
	}
}

func TestBuildExclusionComplementsDilatedWM(t *testing.T) {
	lv, fa := holeFixture()
	cortical, wm := testDefs(t)

	res, err := testBuilder().Build(lv, cortical, wm, fa)
	require.NoError(t, err)

	dilated := volume.Dilate(res.WMMask, 1)
	for i := range dilated.Data {
		assert.Equal(t, !dilated.Data[i], res.ExclusionMask.Data[i])
	}
}

func TestBuildIdempotent(t *testing.T) {
	lv, fa := holeFixture()
	for z := 1; z <= 9; z++ {
		fa.Set(5, 5, z, 0.8)
	}
	cortical, wm := testDefs(t)
	b := testBuilder()

	r1, err := b.Build(lv, cortical, wm, fa)
	require.NoError(t, err)
	r2, err := b.Build(lv, cortical, wm, fa)
	require.NoError(t, err)

	assert.Equal(t, r1.WMMask.Data, r2.WMMask.Data)
	assert.Equal(t, r1.CorticalMask.Data, r2.CorticalMask.Data)
	assert.Equal(t, r1.ExclusionMask.Data, r2.ExclusionMask.Data)
	assert.Equal(t, r1.CorticalMaskEdits.Data, r2.CorticalMaskEdits.Data)
}

func TestBuildFAAdditionConstrainedToWMNeighbourhood(t *testing.T) {
	g := volume.NewGeometry(20, 9, 9, [3]float64{1, 1, 1})
	lv := volume.NewLabelVolume(g)
	fa := volume.NewScalarVolume(g)

	// WM slab on the left, cortex cap on its right.
	for z := 1; z <= 7; z++ {
		for y := 1; y <= 7; y++ {
			for x := 1; x <= 6; x++ {
				lv.Set(x, y, z, wmLabel)
			}
			lv.Set(7, y, z, corticalLabel)
			lv.Set(8, y, z, corticalLabel)
		}
	}
	// High FA over the whole volume interior: only voxels within the
	// dilation radius of labelled WM and inside the eroded GM+WM union
	// may join the WM mask.
	for z := 1; z <= 7; z++ {
		for y := 1; y <= 7; y++ {
			for x := 1; x <= 18; x++ {
				fa.Set(x, y, z, 0.9)
			}
		}
	}
	cortical, wm := testDefs(t)

	res, err := testBuilder().Build(lv, cortical, wm, fa)
	require.NoError(t, err)

	// Far-right high-FA voxels are not adjacent to WM labels and must
	// stay out.
	assert.False(t, res.WMMask.At(12, 4, 4))
	assert.False(t, res.WMMask.At(18, 4, 4))
	// Cortex always wins over the FA-derived addition.
	assert.False(t, res.WMMask.At(7, 4, 4))
	assert.True(t, res.CorticalMask.At(7, 4, 4) || res.CorticalMask.At(8, 4, 4))
	// Labelled WM survives.
	assert.True(t, res.WMMask.At(3, 4, 4))
}

func TestBuildDegenerateInputs(t *testing.T) {
	g := volume.NewGeometry(6, 6, 6, [3]float64{1, 1, 1})
	lv := volume.NewLabelVolume(g) // all background
	fa := volume.NewScalarVolume(g)
	cortical, wm := testDefs(t)

	_, err := testBuilder().Build(lv, cortical, wm, fa)
	require.Error(t, err)
	assert.ErrorIs(t, err, volume.ErrDegenerateMask)
}

func TestBuildGeometryMismatch(t *testing.T) {
	lv, _ := holeFixture()
	fa := volume.NewScalarVolume(volume.NewGeometry(5, 5, 5, [3]float64{1, 1, 1}))
	cortical, wm := testDefs(t)

	_, err := testBuilder().Build(lv, cortical, wm, fa)
	require.Error(t, err)
	assert.ErrorIs(t, err, volume.ErrGeometryMismatch)
}

func TestBuilderValidate(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Validate())

	b.FAThreshold = 0
	assert.ErrorIs(t, b.Validate(), volume.ErrConfiguration)

	b = NewBuilder()
	b.DilationRadius = 0
	assert.ErrorIs(t, b.Validate(), volume.ErrConfiguration)
}

func TestEncodeEdits(t *testing.T) {
	g := volume.NewGeometry(2, 2, 1, [3]float64{1, 1, 1})
	orig := volume.NewMask(g)
	final := volume.NewMask(g)
	orig.Set(0, 0, 0, true) // original only
	orig.Set(1, 0, 0, true) // both
	final.Set(1, 0, 0, true)
	final.Set(0, 1, 0, true) // final only

	e := EncodeEdits(orig, final)
	assert.Equal(t, EditOriginalOnly, e.At(0, 0, 0))
	assert.Equal(t, EditBoth, e.At(1, 0, 0))
	assert.Equal(t, EditFinalOnly, e.At(0, 1, 0))
	assert.Equal(t, int32(0), e.At(1, 1, 0))
}
