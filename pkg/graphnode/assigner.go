// Package graphnode propagates an arbitrary cortical parcellation onto
// the session's cortical mask to produce the final graph-node volume.
//
// Mask construction (package mask) always works from one reference label
// system, but connectivity graphs may be built against any parcellation.
// This stage bridges the two: labels of the chosen parcellation are
// intersected with the cortical mask and then grown outward to cover
// mask voxels the parcellation itself leaves unlabelled (for example the
// voxels recovered by hole repair).
package graphnode

import (
	"fmt"
	"math"

	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/mask"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// MaxPropagationPasses bounds the label-propagation flood. A pass moves
// labels one voxel, so this covers any realistic gap between the
// parcellation footprint and the mask boundary.
const MaxPropagationPasses = 100

// Assign intersects targetLabels (restricted to targetDef) with the
// cortical mask and flood-fills the remaining mask voxels by label
// propagation. The returned graph-node volume covers exactly the mask's
// footprint with labels drawn from targetDef.
//
// Propagation never overwrites an already-assigned voxel, so existing
// regions cannot be split or disconnected; competing neighbour labels
// break ties deterministically toward the smallest label ID. Voxels
// still unlabelled after the bounded passes (islands with no labelled
// neighbour chain) take the label of the nearest assigned voxel.
//
// The diff mask reports per-voxel agreement between the original label
// footprint and the result using the mask package's 1/2/3 encoding.
func Assign(targetLabels *volume.LabelVolume, targetDef *label.Definition, corticalMask *volume.Mask) (*volume.LabelVolume, *volume.LabelVolume, error) {
	if err := targetLabels.Geom.CheckSame(corticalMask.Geom); err != nil {
		return nil, nil, fmt.Errorf("target labels vs cortical mask: %w", err)
	}
	if corticalMask.Empty() {
		return nil, nil, fmt.Errorf("%w: cortical mask", volume.ErrDegenerateMask)
	}

	g := targetLabels.Geom
	nodes := volume.NewLabelVolume(g)

	// Seed: parcellation labels that fall inside the mask.
	seeded := 0
	for i, id := range targetLabels.Data {
		if corticalMask.Data[i] && targetDef.Contains(id) {
			nodes.Data[i] = id
			seeded++
		}
	}
	if seeded == 0 {
		return nil, nil, fmt.Errorf("%w: no parcellation labels inside the cortical mask", volume.ErrDegenerateMask)
	}
	originalFootprint := volume.NewMask(g)
	for i, id := range nodes.Data {
		originalFootprint.Data[i] = id != 0
	}

	// Bounded propagation: each pass assigns unlabelled mask voxels the
	// majority label among their 26-neighbours, smallest ID on ties.
	// Updates are staged per pass so the result does not depend on scan
	// order.
	for pass := 0; pass < MaxPropagationPasses; pass++ {
		changes := propagatePass(nodes, corticalMask)
		if changes == 0 {
			break
		}
	}

	// Nearest-label completion for voxels no propagation chain reached.
	completeStranded(nodes, corticalMask)

	diff := mask.EncodeEdits(originalFootprint, footprint(nodes))
	return nodes, diff, nil
}

// propagatePass runs one staged propagation pass and returns the number
// of voxels assigned.
func propagatePass(nodes *volume.LabelVolume, m *volume.Mask) int {
	g := nodes.Geom
	type update struct {
		idx   int
		label int32
	}
	var updates []update

	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				idx := g.Index(x, y, z)
				if !m.Data[idx] || nodes.Data[idx] != 0 {
					continue
				}
				if best := majorityNeighbourLabel(nodes, x, y, z); best != 0 {
					updates = append(updates, update{idx, best})
				}
			}
		}
	}
	for _, u := range updates {
		nodes.Data[u.idx] = u.label
	}
	return len(updates)
}

// majorityNeighbourLabel returns the most frequent non-zero label among
// the 26-neighbours of (x,y,z), breaking ties toward the smallest ID.
// Returns 0 when no neighbour is labelled.
func majorityNeighbourLabel(nodes *volume.LabelVolume, x, y, z int) int32 {
	g := nodes.Geom
	counts := make(map[int32]int, 8)
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
				if id := nodes.At(nx, ny, nz); id != 0 {
					counts[id]++
				}
			}
		}
	}

	var best int32
	bestCount := 0
	for id, n := range counts {
		if n > bestCount || (n == bestCount && best != 0 && id < best) {
			best = id
			bestCount = n
		}
	}
	return best
}

// completeStranded assigns every still-unlabelled mask voxel the label
// of the nearest assigned voxel by Euclidean distance (voxel units).
func completeStranded(nodes *volume.LabelVolume, m *volume.Mask) {
	g := nodes.Geom

	type seed struct {
		x, y, z int
		label   int32
	}
	var seeds []seed
	var stranded []int
	for i, id := range nodes.Data {
		if id != 0 {
			x, y, z := g.Coords(i)
			seeds = append(seeds, seed{x, y, z, id})
		} else if m.Data[i] {
			stranded = append(stranded, i)
		}
	}
	if len(stranded) == 0 || len(seeds) == 0 {
		return
	}

	for _, idx := range stranded {
		x, y, z := g.Coords(idx)
		bestDist := math.MaxFloat64
		var bestLabel int32
		for _, s := range seeds {
			dx := float64(s.x - x)
			dy := float64(s.y - y)
			dz := float64(s.z - z)
			d := dx*dx + dy*dy + dz*dz
			if d < bestDist || (d == bestDist && s.label < bestLabel) {
				bestDist = d
				bestLabel = s.label
			}
		}
		nodes.Data[idx] = bestLabel
	}
}

// footprint returns the mask of non-zero voxels of a label volume.
func footprint(v *volume.LabelVolume) *volume.Mask {
	out := volume.NewMask(v.Geom)
	for i, id := range v.Data {
		out.Data[i] = id != 0
	}
	return out
}
