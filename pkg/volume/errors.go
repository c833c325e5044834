package volume

import "errors"

// Error categories shared by every pipeline stage. Stage functions wrap
// these with fmt.Errorf("...: %w", ...) so callers can classify failures
// with errors.Is while still seeing which artifact or step was at fault.
var (
	// ErrMissingInput indicates a required volume, transform, or label
	// file does not exist. Always fatal for the affected session.
	ErrMissingInput = errors.New("missing required input")

	// ErrGeometryMismatch indicates two volumes (or a volume and a
	// transform) disagree on grid dimensions, spacing, or orientation.
	ErrGeometryMismatch = errors.New("volume geometry mismatch")

	// ErrDegenerateMask indicates a derived mask or node volume came out
	// empty, so downstream stages cannot produce meaningful output.
	ErrDegenerateMask = errors.New("degenerate (empty) mask")

	// ErrConfiguration indicates malformed configuration: duplicate label
	// IDs, non-positive thresholds or spacings. Rejected before any
	// expensive computation runs.
	ErrConfiguration = errors.New("invalid configuration")
)
