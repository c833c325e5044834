// Package mask derives the tracking masks for one imaging session: the
// white-matter mask that seeds and constrains tractography, the cortical
// mask that graph nodes are drawn from, and the exclusion mask that
// terminates streamlines.
//
// The construction starts from an anatomical label volume and an
// anisotropy (FA) volume. High-anisotropy voxels adjacent to labelled
// white matter are promoted into the WM mask, with guards that keep the
// promotion from eating through cortex or opening holes at the outer
// boundary of the brain. Ordering of the steps matters; see Build.
package mask

import (
	"fmt"

	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// Edit-mask flag values shared by the QC outputs of this package and
// package graphnode: bit 1 marks membership in the original (label-
// derived) mask, bit 2 membership in the final mask. A value of 3 means
// both agree.
const (
	EditOriginalOnly int32 = 1
	EditFinalOnly    int32 = 2
	EditBoth         int32 = 3
)

// Builder holds the tunable parameters of mask construction. The zero
// value is not usable; construct with NewBuilder.
type Builder struct {
	// FAThreshold is the minimum anisotropy for a voxel to be considered
	// candidate white matter.
	FAThreshold float64

	// DilationRadius bounds how far (in voxels) candidate extra WM may
	// sit from labelled WM.
	DilationRadius int

	// MinClusterVoxelsFA is the minimum 26-connected component size kept
	// when cleaning the raw FA mask.
	MinClusterVoxelsFA int

	// MinClusterVoxelsFinal is the minimum component size kept in the
	// combined WM mask, retaining only mass connected to the main white-
	// matter body.
	MinClusterVoxelsFinal int
}

// NewBuilder returns a Builder with the standard parameters.
func NewBuilder() *Builder {
	return &Builder{
		FAThreshold:           0.25,
		DilationRadius:        2,
		MinClusterVoxelsFA:    10000,
		MinClusterVoxelsFinal: 20000,
	}
}

// Validate rejects non-positive parameters before any computation runs.
func (b *Builder) Validate() error {
	if b.FAThreshold <= 0 || b.FAThreshold >= 1 {
		return fmt.Errorf("%w: FA threshold %f outside (0,1)", volume.ErrConfiguration, b.FAThreshold)
	}
	if b.DilationRadius <= 0 {
		return fmt.Errorf("%w: dilation radius %d", volume.ErrConfiguration, b.DilationRadius)
	}
	if b.MinClusterVoxelsFA < 0 || b.MinClusterVoxelsFinal < 0 {
		return fmt.Errorf("%w: negative cluster size", volume.ErrConfiguration)
	}
	return nil
}

// Result bundles the masks derived for one session.
type Result struct {
	// WMMask is the final white-matter mask: labelled WM plus connected
	// high-anisotropy additions.
	WMMask *volume.Mask

	// CorticalMask is the cortical ribbon the graph nodes are drawn
	// from. Disjoint from WMMask.
	CorticalMask *volume.Mask

	// ExclusionMask terminates streamlines: the complement of the WM
	// mask dilated by one voxel.
	ExclusionMask *volume.Mask

	// CorticalMaskEdits is a QC volume encoding, per voxel, membership
	// in the original label-derived cortical mask (bit 1) and the final
	// cortical mask (bit 2).
	CorticalMaskEdits *volume.LabelVolume
}

// Build derives the session masks from the label volume and anisotropy
// volume. corticalDef and wmDef select which label IDs count as cortex
// and white matter in labelVol.
//
// The steps, in order:
//  1. label masks for cortex and WM
//  2. threshold FA
//  3. drop small isolated FA clusters
//  4. candidate extra WM = FA mask near (dilated) labelled WM
//  5. keep candidates inside the eroded GM+WM union so additions never
//     reach the outer boundary
//  6. cortex wins: drop candidates on cortical label voxels
//  7. union with labelled WM, keep only large connected components
//  8. cortical mask = cortical labels minus the final WM mask
//  9. hole repair at the WM/cortex boundary
//  10. exclusion mask = complement of WM dilated by one voxel
//  11. QC edit encoding
//
// Any empty intermediate mask is fatal for the session and reported as
// ErrDegenerateMask naming the step.
func (b *Builder) Build(labelVol *volume.LabelVolume, corticalDef, wmDef *label.Definition, faVol *volume.ScalarVolume) (*Result, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := labelVol.Geom.CheckSame(faVol.Geom); err != nil {
		return nil, fmt.Errorf("label volume vs anisotropy volume: %w", err)
	}

	// Step 1: label-derived masks.
	corticalLabelMask := corticalDef.MaskOf(labelVol)
	if corticalLabelMask.Empty() {
		return nil, fmt.Errorf("%w: no cortical label voxels", volume.ErrDegenerateMask)
	}
	wmLabelMask := wmDef.MaskOf(labelVol)
	if wmLabelMask.Empty() {
		return nil, fmt.Errorf("%w: no white-matter label voxels", volume.ErrDegenerateMask)
	}

	// Step 2: anisotropy threshold.
	faMask := volume.Threshold(faVol, b.FAThreshold)

	// Step 3: suppress small isolated FA clusters (spurious high
	// anisotropy near the brain edge).
	faMask = volume.FilterSmallComponents(faMask, b.MinClusterVoxelsFA)

	// Step 4: candidate extra WM must be adjacent to labelled WM.
	nearWM := volume.Dilate(wmLabelMask, b.DilationRadius)
	candidate, err := volume.Intersect(nearWM, faMask)
	if err != nil {
		return nil, err
	}

	// Step 5: keep candidates strictly inside the GM+WM union so the
	// addition never touches the outer boundary of the combined region.
	gmwm, err := volume.Union(wmLabelMask, corticalLabelMask)
	if err != nil {
		return nil, err
	}
	interior := volume.Erode(gmwm, 1)
	candidate, err = volume.Intersect(candidate, interior)
	if err != nil {
		return nil, err
	}

	// Step 6: cortex always wins over the FA-derived addition.
	candidate, err = volume.Subtract(candidate, corticalLabelMask)
	if err != nil {
		return nil, err
	}

	// Step 7: merge and keep only mass connected to the main WM body.
	wmMask, err := volume.Union(candidate, wmLabelMask)
	if err != nil {
		return nil, err
	}
	wmMask = volume.FilterSmallComponents(wmMask, b.MinClusterVoxelsFinal)
	if wmMask.Empty() {
		return nil, fmt.Errorf("%w: white-matter mask after component filtering", volume.ErrDegenerateMask)
	}

	// Step 8: provisional cortical mask = cortical labels minus WM.
	corticalTmp, err := volume.Subtract(corticalLabelMask, wmMask)
	if err != nil {
		return nil, err
	}

	// Step 9: hole repair. Cortical voxels adjacent to the tracking
	// boundary shell are recovered so the WM addition cannot strand an
	// unreachable hole at the WM/cortex boundary.
	shell, err := volume.Subtract(volume.Dilate(wmMask, 1), wmMask)
	if err != nil {
		return nil, err
	}
	nearCortex := volume.Dilate(corticalTmp, 1)
	repair, err := volume.Intersect(shell, nearCortex)
	if err != nil {
		return nil, err
	}
	// Repaired voxels must still come from the cortical labels and must
	// not re-enter the WM mask.
	repair, err = volume.Intersect(repair, corticalLabelMask)
	if err != nil {
		return nil, err
	}
	corticalMask, err := volume.Union(corticalTmp, repair)
	if err != nil {
		return nil, err
	}
	corticalMask, err = volume.Subtract(corticalMask, wmMask)
	if err != nil {
		return nil, err
	}
	if corticalMask.Empty() {
		return nil, fmt.Errorf("%w: cortical mask", volume.ErrDegenerateMask)
	}

	// Step 10: exclusion mask = outside WM plus a one-voxel margin.
	exclusion := volume.Complement(volume.Dilate(wmMask, 1))
	if exclusion.Empty() {
		return nil, fmt.Errorf("%w: exclusion mask", volume.ErrDegenerateMask)
	}

	// Step 11: QC encoding of cortical-mask edits.
	edits := EncodeEdits(corticalLabelMask, corticalMask)

	return &Result{
		WMMask:            wmMask,
		CorticalMask:      corticalMask,
		ExclusionMask:     exclusion,
		CorticalMaskEdits: edits,
	}, nil
}

// EncodeEdits builds the 1/2/3 bit-flag QC volume comparing an original
// mask footprint against a final one.
func EncodeEdits(original, final *volume.Mask) *volume.LabelVolume {
	out := volume.NewLabelVolume(original.Geom)
	for i := range original.Data {
		var v int32
		if original.Data[i] {
			v |= EditOriginalOnly
		}
		if final.Data[i] {
			v |= EditFinalOnly
		}
		out.Data[i] = v
	}
	return out
}
