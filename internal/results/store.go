// Package results persists connectivity runs and their per-edge matrix
// values in a sqlite database, one row per node pair and statistic.
package results

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database holding run records and edge values.
type Store struct {
	*sql.DB
}

// schema.sql defines the runs table and the edge_values table keyed by
// run, statistic, and node pair.
//
//go:embed schema.sql
var schemaSQL string

// Run is one pipeline execution for a subject/session.
type Run struct {
	ID               string
	Subject          string
	Session          string
	Created          time.Time
	MinLengthMM      float64
	CountLongestPath bool
	Accepted         int
	Discarded        int
}

// EdgeValue is a single connectivity matrix entry. LabelA is always the
// smaller label ID; the matrices are symmetric.
type EdgeValue struct {
	LabelA int32
	LabelB int32
	Value  float64
}

// Open opens (creating if needed) the results database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise results schema: %w", err)
	}
	return &Store{db}, nil
}

// InsertRun records a completed run.
func (s *Store) InsertRun(r *Run) error {
	stmt := `INSERT INTO runs (run_id, subject, session, created_unix, min_length_mm, count_longest_path, accepted, discarded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.Exec(stmt, r.ID, r.Subject, r.Session, r.Created.Unix(),
		r.MinLengthMM, r.CountLongestPath, r.Accepted, r.Discarded)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// InsertEdgeValues stores the entries of one matrix for a run inside a
// single transaction.
func (s *Store) InsertEdgeValues(runID, stat string, values []EdgeValue) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("insert %s edges for run %s: %w", stat, runID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO edge_values (run_id, stat, label_a, label_b, value)
							 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert %s edges for run %s: %w", stat, runID, err)
	}
	defer stmt.Close()

	for _, v := range values {
		a, b := v.LabelA, v.LabelB
		if a > b {
			a, b = b, a
		}
		if _, err := stmt.Exec(runID, stat, a, b, v.Value); err != nil {
			return fmt.Errorf("insert %s edge (%d,%d) for run %s: %w", stat, a, b, runID, err)
		}
	}
	return tx.Commit()
}

// Runs lists the recorded runs for a subject, newest first.
func (s *Store) Runs(subject string) ([]Run, error) {
	rows, err := s.Query(`SELECT run_id, subject, session, created_unix, min_length_mm, count_longest_path, accepted, discarded
						  FROM runs WHERE subject = ? ORDER BY created_unix DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", subject, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var created int64
		if err := rows.Scan(&r.ID, &r.Subject, &r.Session, &created,
			&r.MinLengthMM, &r.CountLongestPath, &r.Accepted, &r.Discarded); err != nil {
			return nil, fmt.Errorf("scan run for %s: %w", subject, err)
		}
		r.Created = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EdgeValues returns the stored entries of one matrix, ordered by node
// pair.
func (s *Store) EdgeValues(runID, stat string) ([]EdgeValue, error) {
	rows, err := s.Query(`SELECT label_a, label_b, value FROM edge_values
						  WHERE run_id = ? AND stat = ? ORDER BY label_a, label_b`, runID, stat)
	if err != nil {
		return nil, fmt.Errorf("load %s edges for run %s: %w", stat, runID, err)
	}
	defer rows.Close()

	var out []EdgeValue
	for rows.Next() {
		var v EdgeValue
		if err := rows.Scan(&v.LabelA, &v.LabelB, &v.Value); err != nil {
			return nil, fmt.Errorf("scan %s edge for run %s: %w", stat, runID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
