package connectivity

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/streamline"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// Aggregator filters and truncates streamlines and builds the
// connectivity matrices. Options are fixed per run; the endpoint policy
// in particular must never vary per streamline.
type Aggregator struct {
	// MinLength discards streamlines shorter than this (mm) after
	// truncation at the exclusion region.
	MinLength float64

	// CountLongestPath selects, for streamlines touching more than two
	// node regions, the region pair with the maximum intervening path
	// length instead of the first pair encountered.
	CountLongestPath bool

	// IncludeSelfLoops counts streamlines whose endpoints land in the
	// same node on the matrix diagonal. Off by default: the diagonal is
	// excluded from connectivity.
	IncludeSelfLoops bool
}

// NewAggregator returns an Aggregator with the standard parameters.
func NewAggregator() *Aggregator {
	return &Aggregator{MinLength: 10}
}

// Validate rejects non-positive filter parameters.
func (a *Aggregator) Validate() error {
	if a.MinLength <= 0 {
		return fmt.Errorf("%w: minimum streamline length %f", volume.ErrConfiguration, a.MinLength)
	}
	return nil
}

// ExclusionFromProbability converts a probabilistic termination map to a
// hard mask, thresholding at 0.5.
func ExclusionFromProbability(v *volume.ScalarVolume) *volume.Mask {
	return volume.Threshold(v, 0.5)
}

// Result bundles the matrices built by one aggregation run.
type Result struct {
	// Count is the streamline-count matrix.
	Count *Matrix

	// MeanLength is the mean streamline length (mm) per edge, over the
	// same edge membership as Count.
	MeanLength *Matrix

	// Scalars holds one matrix per configured scalar volume (FA, MD,
	// AD, RD): the per-edge median of the per-streamline mean sample.
	Scalars map[string]*Matrix

	// Accepted is the number of streamlines contributing to the
	// matrices; Discarded counts those removed by truncation, the
	// length filter, or endpoint assignment.
	Accepted  int
	Discarded int
}

// Aggregate runs the filter/assign/aggregate pass over a transformed
// streamline set.
//
// Steps: truncate each streamline at its first entry into the exclusion
// region; discard remainders shorter than MinLength; assign the two
// endpoints to graph nodes (region-contact policy per CountLongestPath);
// accumulate the count, mean-length, and scalar matrices. The exclusion
// mask, graph nodes, and every scalar volume must share one grid.
func (a *Aggregator) Aggregate(set *streamline.Set, exclusion *volume.Mask, graphNodes *volume.LabelVolume, def *label.Definition, scalars map[string]*volume.ScalarVolume) (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := exclusion.Geom.CheckSame(graphNodes.Geom); err != nil {
		return nil, fmt.Errorf("exclusion mask vs graph nodes: %w", err)
	}
	for name, sv := range scalars {
		if err := graphNodes.Geom.CheckSame(sv.Geom); err != nil {
			return nil, fmt.Errorf("graph nodes vs %s volume: %w", name, err)
		}
	}

	res := &Result{
		Count:      NewMatrix("count", def),
		MeanLength: NewMatrix("meanlength", def),
		Scalars:    make(map[string]*Matrix, len(scalars)),
	}

	type edge struct{ i, j int }
	lengths := make(map[edge][]float64)
	scalarVals := make(map[string]map[edge][]float64, len(scalars))
	for name := range scalars {
		scalarVals[name] = make(map[edge][]float64)
	}

	for _, line := range set.Lines {
		kept, ok := truncateAtExclusion(line, exclusion)
		if !ok || kept.Length() < a.MinLength {
			res.Discarded++
			continue
		}

		i, j, ok := a.assignEndpoints(kept, graphNodes, def)
		if !ok {
			res.Discarded++
			continue
		}
		if i == j && !a.IncludeSelfLoops {
			res.Discarded++
			continue
		}

		e := edge{i, j}
		if i > j {
			e = edge{j, i}
		}
		res.Count.add(e.i, e.j, 1)
		lengths[e] = append(lengths[e], kept.Length())

		for name, sv := range scalars {
			if v, ok := meanSampleAlong(kept, sv); ok {
				scalarVals[name][e] = append(scalarVals[name][e], v)
			}
		}
		res.Accepted++
	}

	for e, vals := range lengths {
		res.MeanLength.set(e.i, e.j, stat.Mean(vals, nil))
	}
	for name := range scalars {
		m := NewMatrix(name, def)
		for e, vals := range scalarVals[name] {
			m.set(e.i, e.j, median(vals))
		}
		res.Scalars[name] = m
	}

	return res, nil
}

// truncateAtExclusion cuts the streamline before its first vertex inside
// the exclusion region. Returns false when fewer than two vertices
// remain (including streamlines that start inside the region).
func truncateAtExclusion(s streamline.Streamline, exclusion *volume.Mask) (streamline.Streamline, bool) {
	for i, p := range s.Points {
		x, y, z, in := exclusion.Geom.WorldToNearestVoxel([3]float64(p))
		outside := !in || exclusion.At(x, y, z)
		if outside {
			return s.Truncate(i)
		}
	}
	return s, true
}

// regionContact is one run of consecutive vertices inside a single node
// region.
type regionContact struct {
	nodeIdx     int // position in the label definition
	first, last int // vertex indices of the run
}

// assignEndpoints resolves the streamline to a node pair following the
// configured region-contact policy. Returns false when no valid pair
// exists.
func (a *Aggregator) assignEndpoints(s streamline.Streamline, nodes *volume.LabelVolume, def *label.Definition) (int, int, bool) {
	contacts := regionContacts(s, nodes, def)

	if len(contacts) < 2 {
		// Fall back to direct terminal-vertex assignment: a streamline
		// may end between node regions after truncation, in which case
		// the nearest labelled voxel around each endpoint decides.
		i := nearestNodeAt(s.Points[0], nodes, def)
		j := nearestNodeAt(s.Points[len(s.Points)-1], nodes, def)
		if i < 0 || j < 0 {
			return 0, 0, false
		}
		return i, j, true
	}

	if len(contacts) == 2 || !a.CountLongestPath {
		// First pair of region contacts (shortest-path policy).
		return contacts[0].nodeIdx, contacts[1].nodeIdx, true
	}

	// Longest-path policy: credit the pair of distinct regions with the
	// maximum intervening arclength.
	cum := cumulativeLengths(s)
	best := -1.0
	bi, bj := 0, 0
	for x := 0; x < len(contacts); x++ {
		for y := x + 1; y < len(contacts); y++ {
			if contacts[x].nodeIdx == contacts[y].nodeIdx {
				continue
			}
			span := cum[contacts[y].first] - cum[contacts[x].last]
			if span > best {
				best = span
				bi, bj = contacts[x].nodeIdx, contacts[y].nodeIdx
			}
		}
	}
	if best < 0 {
		// Every contact is the same region.
		return contacts[0].nodeIdx, contacts[0].nodeIdx, true
	}
	return bi, bj, true
}

// regionContacts walks the streamline and collapses consecutive vertices
// in the same node region into contact runs.
func regionContacts(s streamline.Streamline, nodes *volume.LabelVolume, def *label.Definition) []regionContact {
	var contacts []regionContact
	prev := -1
	for vi, p := range s.Points {
		idx := -1
		if x, y, z, in := nodes.Geom.WorldToNearestVoxel([3]float64(p)); in {
			idx = def.IndexOf(nodes.At(x, y, z))
		}
		if idx >= 0 {
			if idx == prev && len(contacts) > 0 {
				contacts[len(contacts)-1].last = vi
			} else {
				contacts = append(contacts, regionContact{nodeIdx: idx, first: vi, last: vi})
			}
		}
		prev = idx
	}
	return contacts
}

// nearestNodeAt resolves a world point to a node index, looking at the
// containing voxel first and then its 26-neighbourhood, nearest voxel
// centre first. Returns -1 when no labelled voxel is found.
func nearestNodeAt(p streamline.Point, nodes *volume.LabelVolume, def *label.Definition) int {
	x, y, z, in := nodes.Geom.WorldToNearestVoxel([3]float64(p))
	if !in {
		return -1
	}
	if idx := def.IndexOf(nodes.At(x, y, z)); idx >= 0 {
		return idx
	}

	type cand struct {
		idx  int
		dist float64
	}
	var cands []cand
	fx, fy, fz := nodes.Geom.WorldToVoxel([3]float64(p))
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny, nz := x+dx, y+dy, z+dz
				if !nodes.Geom.InBounds(nx, ny, nz) {
					continue
				}
				idx := def.IndexOf(nodes.At(nx, ny, nz))
				if idx < 0 {
					continue
				}
				ddx := float64(nx) - fx
				ddy := float64(ny) - fy
				ddz := float64(nz) - fz
				cands = append(cands, cand{idx, ddx*ddx + ddy*ddy + ddz*ddz})
			}
		}
	}
	if len(cands) == 0 {
		return -1
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].idx < cands[j].idx
	})
	return cands[0].idx
}

// cumulativeLengths returns the arclength from the start to each vertex.
func cumulativeLengths(s streamline.Streamline) []float64 {
	cum := make([]float64, len(s.Points))
	for i := 1; i < len(s.Points); i++ {
		cum[i] = cum[i-1] + s.Points[i].Sub(s.Points[i-1]).Norm()
	}
	return cum
}

// meanSampleAlong samples the scalar volume at every vertex and returns
// the mean. Streamline vertices outside the volume are skipped; returns
// false when no vertex could be sampled.
func meanSampleAlong(s streamline.Streamline, sv *volume.ScalarVolume) (float64, bool) {
	var vals []float64
	for _, p := range s.Points {
		if v, ok := sv.SampleWorld([3]float64(p)); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	return stat.Mean(vals, nil), true
}
