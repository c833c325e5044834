// Package label defines anatomical label systems: ordered mappings from
// positive integer label IDs to region names. A label definition decides
// which voxels of a label volume count as graph nodes; IDs absent from
// the definition are background for graph purposes.
package label

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ftdc-picsl/dtProcessing/pkg/volume"
)

// Entry is one (ID, name) pair of a label definition.
type Entry struct {
	ID   int32
	Name string
}

// Definition is an ordered label system. Order determines row/column
// order of emitted connectivity matrices; it carries no other meaning.
type Definition struct {
	entries []Entry
	index   map[int32]int
}

// New builds a definition from entries, validating uniqueness and
// positivity of the IDs up front, before any expensive computation runs.
func New(entries []Entry) (*Definition, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: label definition is empty", volume.ErrConfiguration)
	}
	d := &Definition{
		entries: make([]Entry, len(entries)),
		index:   make(map[int32]int, len(entries)),
	}
	copy(d.entries, entries)
	for i, e := range d.entries {
		if e.ID <= 0 {
			return nil, fmt.Errorf("%w: label ID %d is not positive", volume.ErrConfiguration, e.ID)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("%w: label %d has an empty name", volume.ErrConfiguration, e.ID)
		}
		if prev, dup := d.index[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate label ID %d (%q and %q)",
				volume.ErrConfiguration, e.ID, d.entries[prev].Name, e.Name)
		}
		d.index[e.ID] = i
	}
	return d, nil
}

// Load reads a two-column (id,name) CSV label definition file. Lines
// beginning with '#' are ignored.
func Load(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: label definition %s", volume.ErrMissingInput, path)
		}
		return nil, fmt.Errorf("open label definition %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comment = '#'
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse label definition %s: %w", path, err)
	}

	var entries []Entry
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: %s line %d has %d fields, want 2",
				volume.ErrConfiguration, path, i+1, len(rec))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad label ID %q",
				volume.ErrConfiguration, path, i+1, rec[0])
		}
		entries = append(entries, Entry{ID: int32(id), Name: strings.TrimSpace(rec[1])})
	}
	return New(entries)
}

// Len returns the number of labels.
func (d *Definition) Len() int { return len(d.entries) }

// Entries returns the labels in definition order.
func (d *Definition) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// IDs returns the label IDs in definition order.
func (d *Definition) IDs() []int32 {
	out := make([]int32, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.ID
	}
	return out
}

// Contains reports whether the ID belongs to the definition.
func (d *Definition) Contains(id int32) bool {
	_, ok := d.index[id]
	return ok
}

// IndexOf returns the position of the ID in definition order, or -1.
func (d *Definition) IndexOf(id int32) int {
	if i, ok := d.index[id]; ok {
		return i
	}
	return -1
}

// Name returns the name of the ID, or the empty string if absent.
func (d *Definition) Name(id int32) string {
	if i, ok := d.index[id]; ok {
		return d.entries[i].Name
	}
	return ""
}

// MaskOf returns the mask of voxels in v whose label belongs to the
// definition.
func (d *Definition) MaskOf(v *volume.LabelVolume) *volume.Mask {
	out := volume.NewMask(v.Geom)
	for i, id := range v.Data {
		if _, ok := d.index[id]; ok {
			out.Data[i] = true
		}
	}
	return out
}

// WriteOrder writes the definition-order (id,name) CSV accompanying a
// connectivity matrix.
func (d *Definition) WriteOrder(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write label order %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, e := range d.entries {
		if err := w.Write([]string{strconv.FormatInt(int64(e.ID), 10), e.Name}); err != nil {
			return fmt.Errorf("write label order %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}
