package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ftdc-picsl/dtProcessing/pkg/config"
	"github.com/ftdc-picsl/dtProcessing/pkg/pipeline"
	"github.com/ftdc-picsl/dtProcessing/pkg/streamline"
	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Pipeline configuration YAML (defaults used when absent)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	subject := flag.String("subject", "", "Subject identifier")
	session := flag.String("session", "", "Session/timepoint identifier")
	labelsPath := flag.String("labels", "", "Parcellation label image (NIFTI, reference space)")
	refLabelsPath := flag.String("reference-labels", "", "Optional anatomical label image for mask building (defaults to -labels)")
	faPath := flag.String("fa", "", "Fractional anisotropy image (NIFTI, reference space)")
	corticalDefPath := flag.String("cortical-def", "", "Cortical label definition CSV (id,name)")
	wmDefPath := flag.String("wm-def", "", "White-matter label definition CSV (id,name)")
	targetDefPath := flag.String("target-def", "", "Graph-node label definition CSV (id,name)")
	tractsPath := flag.String("tracts", "", "Streamline file in native space (x y z per line, blank line between streamlines)")
	affinePath := flag.String("affine", "", "Native-to-reference point affine, 16 values row-major (identity when absent)")
	terminationPath := flag.String("termination", "", "Optional termination probability image (NIFTI)")
	outDir := flag.String("out", "", "Output directory (must not exist)")

	scalarPaths := make(map[string]string)
	flag.Func("scalar", "Scalar volume as name=path (repeatable, e.g. -scalar fa=fa.nii.gz)", func(v string) error {
		name, path, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("expected name=path, got %q", v)
		}
		scalarPaths[name] = path
		return nil
	})
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	for name, v := range map[string]string{
		"subject": *subject, "session": *session, "labels": *labelsPath,
		"fa": *faPath, "cortical-def": *corticalDefPath, "wm-def": *wmDefPath,
		"target-def": *targetDefPath, "tracts": *tractsPath, "out": *outDir,
	} {
		if v == "" {
			fmt.Fprintf(os.Stderr, "missing required flag -%s\n\n", name)
			flag.Usage()
			os.Exit(1)
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	orch := pipeline.New(cfg,
		&fileEngine{path: *tractsPath},
		&fileProvider{path: *affinePath},
	)

	sess := pipeline.Session{
		Subject:             *subject,
		Session:             *session,
		TargetLabelsPath:    *labelsPath,
		ReferenceLabelsPath: *refLabelsPath,
		FAPath:              *faPath,
		ScalarPaths:         scalarPaths,
		CorticalDefPath:     *corticalDefPath,
		WMDefPath:           *wmDefPath,
		TargetDefPath:       *targetDefPath,
		TerminationProbPath: *terminationPath,
		OutputDir:           *outDir,
	}

	fmt.Printf("Running connectivity pipeline for subject %s session %s\n", *subject, *session)
	startTime := time.Now()
	sum, err := orch.Run(sess)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	fmt.Printf("\nRun %s completed in %.2f seconds\n", sum.RunID, time.Since(startTime).Seconds())
	fmt.Printf("Streamlines: %d accepted, %d discarded\n", sum.Accepted, sum.Discarded)
	fmt.Printf("Matrices written to %s: %s\n", sum.OutputDir, strings.Join(sum.Stats, ", "))
}

// fileEngine replays precomputed streamlines from a text file instead of
// running a tracker. Format: one "x y z" vertex per line, streamlines
// separated by blank lines.
type fileEngine struct {
	path string
}

func (e *fileEngine) Track(wm *volume.Mask, fa *volume.ScalarVolume, p pipeline.TrackingParams) (*streamline.Set, error) {
	f, err := os.Open(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", volume.ErrMissingInput, e.path)
		}
		return nil, err
	}
	defer f.Close()

	set := &streamline.Set{}
	var pts []streamline.Point
	flush := func() error {
		if len(pts) == 0 {
			return nil
		}
		line, err := streamline.NewStreamline(pts)
		if err != nil {
			return fmt.Errorf("read %s: %w", e.path, err)
		}
		set.Lines = append(set.Lines, line)
		pts = nil
		return nil
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		var p streamline.Point
		if _, err := fmt.Sscan(text, &p[0], &p[1], &p[2]); err != nil {
			return nil, fmt.Errorf("read %s: %w", e.path, err)
		}
		pts = append(pts, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", e.path, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return set, nil
}

// fileProvider reads a single native-to-reference affine from a text
// file of 16 row-major values. An empty path yields the identity chain.
type fileProvider struct {
	path string
}

func (p *fileProvider) PointChain(subject, session string) (*streamline.Chain, error) {
	if p.path == "" {
		return streamline.NewChain(streamline.Identity())
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", volume.ErrMissingInput, p.path)
		}
		return nil, err
	}

	fields := strings.Fields(string(data))
	if len(fields) != 16 {
		return nil, fmt.Errorf("%w: affine %s has %d values, want 16", volume.ErrConfiguration, p.path, len(fields))
	}
	var values [16]float64
	for i, field := range fields {
		if _, err := fmt.Sscan(field, &values[i]); err != nil {
			return nil, fmt.Errorf("read affine %s: %w", p.path, err)
		}
	}
	return streamline.NewChain(streamline.NewAffine(values))
}
