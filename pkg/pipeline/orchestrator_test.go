package pipeline

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftdc-picsl/dtProcessing/internal/results"
	"github.com/ftdc-picsl/dtProcessing/pkg/config"
	"github.com/ftdc-picsl/dtProcessing/pkg/label"
	"github.com/ftdc-picsl/dtProcessing/pkg/streamline"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// The synthetic session: a white-matter slab (label 50) spanning
// x 3..26 with cortical caps at both ends (labels 101 and 102), FA 0.8
// inside the slab. Streamlines run cap to cap.
const (
	wmLabel   int32 = 50
	capLeft   int32 = 101
	capRight  int32 = 102
	nativeOff       = -5.0 // engine space is shifted 5mm along x
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Reference.Dims = [3]int{30, 9, 9}
	cfg.Reference.SpacingMM = [3]float64{1, 1, 1}
	cfg.Masks.DilationRadius = 1
	cfg.Masks.MinClusterVoxelsFA = 10
	cfg.Masks.MinClusterVoxelsFinal = 10
	cfg.Output.Verbose = false
	return cfg
}

func testInputs(t *testing.T, cfg *config.Config) *Inputs {
	t.Helper()
	g := cfg.Geometry()

	labels := volume.NewLabelVolume(g)
	fa := volume.NewScalarVolume(g)
	for z := 2; z <= 6; z++ {
		for y := 2; y <= 6; y++ {
			for x := 3; x <= 26; x++ {
				labels.Set(x, y, z, wmLabel)
				fa.Set(x, y, z, 0.8)
			}
			for x := 1; x <= 2; x++ {
				labels.Set(x, y, z, capLeft)
			}
			for x := 27; x <= 28; x++ {
				labels.Set(x, y, z, capRight)
			}
		}
	}

	corticalDef, err := label.New([]label.Entry{
		{ID: capLeft, Name: "ctx-left"}, {ID: capRight, Name: "ctx-right"},
	})
	require.NoError(t, err)
	wmDef, err := label.New([]label.Entry{{ID: wmLabel, Name: "white-matter"}})
	require.NoError(t, err)

	return &Inputs{
		TargetLabels: labels,
		FA:           fa,
		Scalars:      map[string]*volume.ScalarVolume{"fa": fa},
		CorticalDef:  corticalDef,
		WMDef:        wmDef,
		TargetDef:    corticalDef,
	}
}

// nativeLine is a cap-to-cap streamline in engine space.
func nativeLine(y float64) streamline.Streamline {
	var pts []streamline.Point
	for x := 2; x <= 27; x++ {
		pts = append(pts, streamline.Point{float64(x) + nativeOff, y, 4})
	}
	return streamline.Streamline{Points: pts}
}

type fakeEngine struct {
	set *streamline.Set
	err error

	gotParams TrackingParams
}

func (e *fakeEngine) Track(wm *volume.Mask, fa *volume.ScalarVolume, p TrackingParams) (*streamline.Set, error) {
	e.gotParams = p
	return e.set, e.err
}

type fakeProvider struct{ err error }

func (p *fakeProvider) PointChain(subject, session string) (*streamline.Chain, error) {
	if p.err != nil {
		return nil, p.err
	}
	return streamline.NewChain(streamline.Translation(-nativeOff, 0, 0))
}

func testSession(t *testing.T) Session {
	return Session{
		Subject:   "sub-01",
		Session:   "ses-01",
		OutputDir: filepath.Join(t.TempDir(), "run"),
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	cfg := testConfig()
	engine := &fakeEngine{set: &streamline.Set{Lines: []streamline.Streamline{
		nativeLine(3), nativeLine(4), nativeLine(5),
	}}}
	o := New(cfg, engine, &fakeProvider{})

	s := testSession(t)
	sum, err := o.Execute(s, testInputs(t, cfg))
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Accepted)
	assert.Equal(t, 0, sum.Discarded)
	assert.NotEmpty(t, sum.RunID)
	assert.ElementsMatch(t, []string{"count", "meanlength", "fa"}, sum.Stats)
	assert.Equal(t, cfg.Tracking.SeedFAThreshold, engine.gotParams.SeedFAThreshold)

	for _, name := range []string{
		"node_order.csv",
		"count.csv", "count.npy", "count.png",
		"meanlength.csv", "meanlength.npy", "meanlength.png",
		"fa.csv", "fa.npy", "fa.png",
	} {
		_, err := os.Stat(filepath.Join(s.OutputDir, name))
		assert.NoError(t, err, name)
	}

	f, err := os.Open(filepath.Join(s.OutputDir, "count.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"101", "102"}, records[0])
	assert.Equal(t, "3", records[1][1], "three cap-to-cap streamlines")
	assert.Equal(t, "0", records[1][0], "no diagonal by default")
}

func TestExecuteOutputDirMustNotExist(t *testing.T) {
	cfg := testConfig()
	o := New(cfg, &fakeEngine{set: &streamline.Set{}}, &fakeProvider{})

	s := testSession(t)
	require.NoError(t, os.MkdirAll(s.OutputDir, 0755))

	_, err := o.Execute(s, testInputs(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create output directory")
	assert.Contains(t, err.Error(), "sub-01")
}

func TestExecuteRecordsResults(t *testing.T) {
	cfg := testConfig()
	cfg.Output.ResultsDB = filepath.Join(t.TempDir(), "results.db")
	engine := &fakeEngine{set: &streamline.Set{Lines: []streamline.Streamline{nativeLine(4)}}}
	o := New(cfg, engine, &fakeProvider{})

	s := testSession(t)
	sum, err := o.Execute(s, testInputs(t, cfg))
	require.NoError(t, err)

	store, err := results.Open(cfg.Output.ResultsDB)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Runs("sub-01")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].Accepted)

	edges, err := store.EdgeValues(sum.RunID, "count")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, results.EdgeValue{LabelA: 101, LabelB: 102, Value: 1}, edges[0])
}

func TestExecuteSeparateReferenceLabels(t *testing.T) {
	// The anatomical segmentation (WM 50, cortex 200) lives in its own
	// volume; the parcellation volume only carries the node labels. One
	// WM/cortex boundary then serves any parcellation laid over it.
	cfg := testConfig()
	g := cfg.Geometry()

	ref := volume.NewLabelVolume(g)
	target := volume.NewLabelVolume(g)
	fa := volume.NewScalarVolume(g)
	for z := 2; z <= 6; z++ {
		for y := 2; y <= 6; y++ {
			for x := 3; x <= 26; x++ {
				ref.Set(x, y, z, wmLabel)
				fa.Set(x, y, z, 0.8)
			}
			for x := 1; x <= 2; x++ {
				ref.Set(x, y, z, 200)
				target.Set(x, y, z, capLeft)
			}
			for x := 27; x <= 28; x++ {
				ref.Set(x, y, z, 200)
				target.Set(x, y, z, capRight)
			}
		}
	}

	corticalDef, err := label.New([]label.Entry{{ID: 200, Name: "cortex"}})
	require.NoError(t, err)
	wmDef, err := label.New([]label.Entry{{ID: wmLabel, Name: "white-matter"}})
	require.NoError(t, err)
	targetDef, err := label.New([]label.Entry{
		{ID: capLeft, Name: "parc-left"}, {ID: capRight, Name: "parc-right"},
	})
	require.NoError(t, err)

	in := &Inputs{
		TargetLabels:    target,
		ReferenceLabels: ref,
		FA:              fa,
		Scalars:         map[string]*volume.ScalarVolume{"fa": fa},
		CorticalDef:     corticalDef,
		WMDef:           wmDef,
		TargetDef:       targetDef,
	}

	engine := &fakeEngine{set: &streamline.Set{Lines: []streamline.Streamline{nativeLine(4)}}}
	o := New(cfg, engine, &fakeProvider{})

	s := testSession(t)
	sum, err := o.Execute(s, in)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)

	f, err := os.Open(filepath.Join(s.OutputDir, "count.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, records[0], "matrix order follows the parcellation")
	assert.Equal(t, "1", records[1][1])
}

func TestExecuteTerminationMapTruncates(t *testing.T) {
	cfg := testConfig()
	in := testInputs(t, cfg)

	// Termination probability 1 beyond x=15: every streamline is cut
	// mid-slab and can no longer resolve its far endpoint.
	prob := volume.NewScalarVolume(cfg.Geometry())
	for z := 0; z < 9; z++ {
		for y := 0; y < 9; y++ {
			for x := 15; x < 30; x++ {
				prob.Set(x, y, z, 1)
			}
		}
	}
	in.TerminationProb = prob

	engine := &fakeEngine{set: &streamline.Set{Lines: []streamline.Streamline{nativeLine(4)}}}
	o := New(cfg, engine, &fakeProvider{})

	sum, err := o.Execute(testSession(t), in)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Accepted)
	assert.Equal(t, 1, sum.Discarded)
}

func TestExecuteEngineErrorPropagates(t *testing.T) {
	cfg := testConfig()
	o := New(cfg, &fakeEngine{err: errors.New("tracker crashed")}, &fakeProvider{})

	_, err := o.Execute(testSession(t), testInputs(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tractography")
	assert.Contains(t, err.Error(), "ses-01")
}

func TestLoadInputsMissingFile(t *testing.T) {
	cfg := testConfig()
	o := New(cfg, &fakeEngine{}, &fakeProvider{})

	_, err := o.LoadInputs(Session{
		Subject:          "sub-01",
		Session:          "ses-01",
		TargetLabelsPath: filepath.Join(t.TempDir(), "absent.nii.gz"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, volume.ErrMissingInput)
	assert.Contains(t, err.Error(), "sub-01")
}
