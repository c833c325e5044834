// Package pipeline sequences the connectivity stages for one
// subject/session: mask construction, graph-node assignment, streamline
// transformation, and matrix aggregation, followed by output
// persistence.
package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ftdc-picsl/dtProcessing/internal/niftiio"
	"github.com/ftdc-picsl/dtProcessing/internal/qc"
	"github.com/ftdc-picsl/dtProcessing/internal/results"
	"github.com/ftdc-picsl/dtProcessing/pkg/config"
	"github.com/ftdc-picsl/dtProcessing/pkg/connectivity"
	"github.com/ftdc-picsl/dtProcessing/pkg/graphnode"
	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/mask"
	"github.com/ftdc-picsl/dtProcessing/pkg/streamline"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// TrackingParams are the tractography parameters handed to the engine.
type TrackingParams struct {
	SeedFAThreshold       float64
	SeedSpacingMM         float64
	CurvatureThresholdDeg float64
}

// TractographyEngine produces streamlines in the subject's native
// diffusion space. Implemented by external tracker integrations; this
// package only consumes it.
type TractographyEngine interface {
	Track(wm *volume.Mask, fa *volume.ScalarVolume, params TrackingParams) (*streamline.Set, error)
}

// TransformProvider supplies, per subject/session, the point transform
// chain mapping native streamline points into the reference space. The
// point chain runs opposite to the image-resampling chain: providers
// must hand the transforms in point direction already.
type TransformProvider interface {
	PointChain(subject, session string) (*streamline.Chain, error)
}

// Session names one subject/timepoint and its input files. All volumes
// must live on the configured reference grid.
type Session struct {
	Subject string
	Session string

	// TargetLabelsPath is the parcellation defining the graph nodes.
	TargetLabelsPath string

	// ReferenceLabelsPath optionally names a separate label image for
	// the WM/cortex boundary, so one anatomical segmentation can serve
	// several parcellations. Empty means the target labels carry the
	// anatomical labels too.
	ReferenceLabelsPath string

	// FAPath is the fractional anisotropy volume.
	FAPath string

	// ScalarPaths maps scalar names (fa, md, ad, rd) to volumes for
	// per-edge aggregation. Only names listed in the configuration are
	// loaded.
	ScalarPaths map[string]string

	// Label definition CSVs.
	CorticalDefPath string
	WMDefPath       string
	TargetDefPath   string

	// TerminationProbPath is an optional probabilistic termination map,
	// thresholded at 0.5 and merged into the exclusion mask.
	TerminationProbPath string

	// OutputDir is the session's scratch workspace. It must not exist
	// yet; a pre-existing directory aborts the run.
	OutputDir string
}

// Inputs holds the loaded session data.
type Inputs struct {
	TargetLabels *volume.LabelVolume

	// ReferenceLabels is the anatomical segmentation the masks are
	// built from; nil falls back to TargetLabels.
	ReferenceLabels *volume.LabelVolume

	FA      *volume.ScalarVolume
	Scalars map[string]*volume.ScalarVolume

	CorticalDef *label.Definition
	WMDef       *label.Definition
	TargetDef   *label.Definition

	// TerminationProb is optional; nil when the session has none.
	TerminationProb *volume.ScalarVolume
}

// Summary reports one completed run.
type Summary struct {
	RunID     string
	OutputDir string
	Accepted  int
	Discarded int

	// Stats lists the matrix statistics written, count and meanlength
	// first.
	Stats []string
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	Config   *config.Config
	Engine   TractographyEngine
	Provider TransformProvider

	// Log receives progress lines; nil uses the standard logger.
	Log *log.Logger
}

// New returns an orchestrator over the given collaborators.
func New(cfg *config.Config, engine TractographyEngine, provider TransformProvider) *Orchestrator {
	return &Orchestrator{Config: cfg, Engine: engine, Provider: provider}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if !o.Config.Output.Verbose {
		return
	}
	if o.Log != nil {
		o.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// fail wraps a stage error with the session identity.
func fail(s Session, stage string, err error) error {
	return fmt.Errorf("subject %s session %s: %s: %w", s.Subject, s.Session, stage, err)
}

// Run loads the session inputs and executes the pipeline.
func (o *Orchestrator) Run(s Session) (*Summary, error) {
	in, err := o.LoadInputs(s)
	if err != nil {
		return nil, err
	}
	return o.Execute(s, in)
}

// LoadInputs reads the session volumes and label definitions.
func (o *Orchestrator) LoadInputs(s Session) (*Inputs, error) {
	geom := o.Config.Geometry()
	in := &Inputs{Scalars: make(map[string]*volume.ScalarVolume)}

	var err error
	if in.TargetLabels, err = niftiio.LoadLabels(s.TargetLabelsPath, geom); err != nil {
		return nil, fail(s, "load target labels", err)
	}
	if s.ReferenceLabelsPath != "" {
		if in.ReferenceLabels, err = niftiio.LoadLabels(s.ReferenceLabelsPath, geom); err != nil {
			return nil, fail(s, "load reference labels", err)
		}
	}
	if in.FA, err = niftiio.LoadScalar(s.FAPath, geom); err != nil {
		return nil, fail(s, "load FA volume", err)
	}
	for _, name := range o.Config.Connectivity.Scalars {
		path, ok := s.ScalarPaths[name]
		if !ok {
			return nil, fail(s, "load scalar volumes",
				fmt.Errorf("%w: no %s volume configured", volume.ErrMissingInput, name))
		}
		if in.Scalars[name], err = niftiio.LoadScalar(path, geom); err != nil {
			return nil, fail(s, fmt.Sprintf("load %s volume", name), err)
		}
	}
	if in.CorticalDef, err = label.Load(s.CorticalDefPath); err != nil {
		return nil, fail(s, "load cortical label definition", err)
	}
	if in.WMDef, err = label.Load(s.WMDefPath); err != nil {
		return nil, fail(s, "load white-matter label definition", err)
	}
	if in.TargetDef, err = label.Load(s.TargetDefPath); err != nil {
		return nil, fail(s, "load target label definition", err)
	}
	if s.TerminationProbPath != "" {
		if in.TerminationProb, err = niftiio.LoadScalar(s.TerminationProbPath, geom); err != nil {
			return nil, fail(s, "load termination map", err)
		}
	}
	return in, nil
}

// Execute runs the pipeline stages over loaded inputs and persists the
// outputs. Matrices are only written once the whole aggregation has
// succeeded.
func (o *Orchestrator) Execute(s Session, in *Inputs) (*Summary, error) {
	if err := o.Config.Validate(); err != nil {
		return nil, fail(s, "validate configuration", err)
	}

	// The scratch workspace is exclusive per run.
	if err := os.Mkdir(s.OutputDir, 0755); err != nil {
		return nil, fail(s, "create output directory", err)
	}

	runID := uuid.NewString()
	o.logf("run %s: subject %s session %s", runID, s.Subject, s.Session)

	maskRes, err := o.buildMasks(in)
	if err != nil {
		return nil, fail(s, "build masks", err)
	}
	o.logf("run %s: WM mask %d voxels, cortical mask %d voxels",
		runID, maskRes.WMMask.Count(), maskRes.CorticalMask.Count())

	nodes, nodeDiff, err := graphnode.Assign(in.TargetLabels, in.TargetDef, maskRes.CorticalMask)
	if err != nil {
		return nil, fail(s, "assign graph nodes", err)
	}

	set, err := o.Engine.Track(maskRes.WMMask, in.FA, TrackingParams{
		SeedFAThreshold:       o.Config.Tracking.SeedFAThreshold,
		SeedSpacingMM:         o.Config.Tracking.SeedSpacingMM,
		CurvatureThresholdDeg: o.Config.Tracking.CurvatureThresholdDeg,
	})
	if err != nil {
		return nil, fail(s, "tractography", err)
	}
	o.logf("run %s: %d streamlines tracked", runID, set.Len())

	chain, err := o.Provider.PointChain(s.Subject, s.Session)
	if err != nil {
		return nil, fail(s, "resolve transform chain", err)
	}
	set = streamline.TransformSet(set, chain)

	exclusion := maskRes.ExclusionMask
	if in.TerminationProb != nil {
		exclusion, err = volume.Union(exclusion, connectivity.ExclusionFromProbability(in.TerminationProb))
		if err != nil {
			return nil, fail(s, "merge termination map", err)
		}
	}

	agg := connectivity.NewAggregator()
	agg.MinLength = o.Config.Tracking.MinLengthMM
	agg.CountLongestPath = o.Config.Connectivity.CountLongestPath
	agg.IncludeSelfLoops = o.Config.Connectivity.IncludeSelfLoops

	aggRes, err := agg.Aggregate(set, exclusion, nodes, in.TargetDef, in.Scalars)
	if err != nil {
		return nil, fail(s, "aggregate connectivity", err)
	}
	o.logf("run %s: %d streamlines accepted, %d discarded", runID, aggRes.Accepted, aggRes.Discarded)

	sum := &Summary{
		RunID:     runID,
		OutputDir: s.OutputDir,
		Accepted:  aggRes.Accepted,
		Discarded: aggRes.Discarded,
	}
	if err := o.persist(s, runID, maskRes, nodes, nodeDiff, aggRes, in.TargetDef, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (o *Orchestrator) buildMasks(in *Inputs) (*mask.Result, error) {
	labels := in.ReferenceLabels
	if labels == nil {
		labels = in.TargetLabels
	}

	b := mask.NewBuilder()
	b.FAThreshold = o.Config.Masks.FAThreshold
	b.DilationRadius = o.Config.Masks.DilationRadius
	b.MinClusterVoxelsFA = o.Config.Masks.MinClusterVoxelsFA
	b.MinClusterVoxelsFinal = o.Config.Masks.MinClusterVoxelsFinal
	return b.Build(labels, in.CorticalDef, in.WMDef, in.FA)
}

// persist writes the run outputs: matrices as CSV and npy with the node
// order alongside, QC heatmaps, optional NIFTI volumes, and the results
// database rows.
func (o *Orchestrator) persist(s Session, runID string, maskRes *mask.Result, nodes, nodeDiff *volume.LabelVolume, aggRes *connectivity.Result, def *label.Definition, sum *Summary) error {
	dir := s.OutputDir

	if err := def.WriteOrder(filepath.Join(dir, "node_order.csv")); err != nil {
		return fail(s, "write node order", err)
	}

	matrices := []*connectivity.Matrix{aggRes.Count, aggRes.MeanLength}
	for _, m := range aggRes.Scalars {
		matrices = append(matrices, m)
	}
	for _, m := range matrices {
		if err := m.WriteCSV(filepath.Join(dir, m.Stat+".csv")); err != nil {
			return fail(s, "write matrices", err)
		}
		if err := m.WriteNpy(filepath.Join(dir, m.Stat+".npy")); err != nil {
			return fail(s, "write matrices", err)
		}
		if err := qc.WriteHeatmap(m, m.Stat, filepath.Join(dir, m.Stat+".png")); err != nil {
			return fail(s, "write heatmaps", err)
		}
		sum.Stats = append(sum.Stats, m.Stat)
	}

	// NIFTI output needs a header template; without one the volumes are
	// skipped.
	if tpl := o.Config.Reference.HeaderTemplate; tpl != "" {
		if err := niftiio.SaveLabels(nodes, tpl, filepath.Join(dir, "graph_nodes.nii.gz")); err != nil {
			return fail(s, "write graph nodes", err)
		}
		if o.Config.Output.SaveIntermediates {
			if err := niftiio.SaveMask(maskRes.WMMask, tpl, filepath.Join(dir, "wm_mask.nii.gz")); err != nil {
				return fail(s, "write WM mask", err)
			}
			if err := niftiio.SaveMask(maskRes.CorticalMask, tpl, filepath.Join(dir, "cortical_mask.nii.gz")); err != nil {
				return fail(s, "write cortical mask", err)
			}
			if err := niftiio.SaveMask(maskRes.ExclusionMask, tpl, filepath.Join(dir, "exclusion_mask.nii.gz")); err != nil {
				return fail(s, "write exclusion mask", err)
			}
			if err := niftiio.SaveLabels(maskRes.CorticalMaskEdits, tpl, filepath.Join(dir, "cortical_mask_edits.nii.gz")); err != nil {
				return fail(s, "write cortical mask edits", err)
			}
			if err := niftiio.SaveLabels(nodeDiff, tpl, filepath.Join(dir, "graph_node_edits.nii.gz")); err != nil {
				return fail(s, "write graph node edits", err)
			}
		}
	} else {
		o.logf("run %s: no header template configured, skipping NIFTI output", runID)
	}

	if o.Config.Output.ResultsDB != "" {
		if err := o.record(s, runID, matrices, aggRes); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) record(s Session, runID string, matrices []*connectivity.Matrix, aggRes *connectivity.Result) error {
	store, err := results.Open(o.Config.Output.ResultsDB)
	if err != nil {
		return fail(s, "open results store", err)
	}
	defer store.Close()

	run := &results.Run{
		ID:               runID,
		Subject:          s.Subject,
		Session:          s.Session,
		Created:          time.Now(),
		MinLengthMM:      o.Config.Tracking.MinLengthMM,
		CountLongestPath: o.Config.Connectivity.CountLongestPath,
		Accepted:         aggRes.Accepted,
		Discarded:        aggRes.Discarded,
	}
	if err := store.InsertRun(run); err != nil {
		return fail(s, "record run", err)
	}
	for _, m := range matrices {
		if err := store.InsertEdgeValues(runID, m.Stat, matrixEdges(m)); err != nil {
			return fail(s, "record edge values", err)
		}
	}
	return nil
}

// matrixEdges lists the non-zero upper-triangle entries (diagonal
// included) as stored edge values.
func matrixEdges(m *connectivity.Matrix) []results.EdgeValue {
	ids := m.Labels().IDs()
	var out []results.EdgeValue
	for i := 0; i < m.Dim(); i++ {
		for j := i; j < m.Dim(); j++ {
			if v := m.At(i, j); v != 0 {
				out = append(out, results.EdgeValue{LabelA: ids[i], LabelB: ids[j], Value: v})
			}
		}
	}
	return out
}
