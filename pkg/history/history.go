// Repeatability run history
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package history keeps completed and aborted M48 runs in a SQLite database
// so probe repeatability can be compared over time.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/repeatability"
	"klipper-probecal/pkg/stats"
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_ns BIGINT,
		duration_ms BIGINT,
		target_x DOUBLE,
		target_y DOUBLE,
		requested INTEGER,
		legs INTEGER,
		schizoid INTEGER,
		seed BIGINT,
		completed INTEGER,
		error_code TEXT,
		count INTEGER,
		z_mean DOUBLE,
		z_stddev DOUBLE,
		z_min DOUBLE,
		z_max DOUBLE,
		z_range DOUBLE,
		z_median DOUBLE
	);
	CREATE INDEX IF NOT EXISTS runs_started ON runs (started_ns);
	CREATE TABLE IF NOT EXISTS samples (
		run_id TEXT,
		idx INTEGER,
		z DOUBLE,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs (run_id)
	);
`

// Run is one stored repeatability test.
type Run struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Target    [2]float64    `json:"target"`
	Requested int           `json:"requested"`
	Legs      int           `json:"legs"`
	Schizoid  bool          `json:"schizoid"`
	Seed      int64         `json:"seed"`
	Completed bool          `json:"completed"`
	ErrorCode string        `json:"error_code,omitempty"`
	Summary   stats.Summary `json:"summary"`
}

// Store is a run history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.StorageError("open history", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.StorageError("create history schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores res with the error it ended with and returns the new run ID.
func (s *Store) Record(ctx context.Context, res *repeatability.Result, runErr error) (string, error) {
	if res == nil {
		return "", errors.New(errors.ErrStorage, "no result to record")
	}
	id := uuid.New().String()
	sum := res.Summary

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.StorageError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (run_id, started_ns, duration_ms, target_x, target_y,
		requested, legs, schizoid, seed, completed, error_code, count, z_mean, z_stddev, z_min, z_max, z_range, z_median)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, res.Started.UnixNano(), res.Duration.Milliseconds(), res.Target.X, res.Target.Y,
		res.Params.Samples, res.Legs, res.Params.Schizoid, res.Seed, res.Completed, string(errors.CodeOf(runErr)),
		sum.Count, finite(sum.Mean), finite(sum.StdDev), finite(sum.Min), finite(sum.Max), finite(sum.Range), finite(sum.Median))
	if err != nil {
		return "", errors.StorageError("insert run", err)
	}
	for i, z := range res.Samples {
		if _, err := tx.ExecContext(ctx, "INSERT INTO samples (run_id, idx, z) VALUES (?, ?, ?)", id, i, z); err != nil {
			return "", errors.StorageError("insert sample", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errors.StorageError("commit", err)
	}
	return id, nil
}

// finite maps the infinite extremes of an empty run to zero for storage.
func finite(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}

const runColumns = `run_id, started_ns, duration_ms, target_x, target_y, requested, legs, schizoid,
	seed, completed, error_code, count, z_mean, z_stddev, z_min, z_max, z_range, z_median`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r          Run
		startedNs  int64
		durationMs int64
	)
	err := row.Scan(&r.ID, &startedNs, &durationMs, &r.Target[0], &r.Target[1], &r.Requested, &r.Legs,
		&r.Schizoid, &r.Seed, &r.Completed, &r.ErrorCode, &r.Summary.Count, &r.Summary.Mean,
		&r.Summary.StdDev, &r.Summary.Min, &r.Summary.Max, &r.Summary.Range, &r.Summary.Median)
	if err != nil {
		return Run{}, err
	}
	r.Started = time.Unix(0, startedNs)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if r.Summary.Count > 0 {
		r.Summary.MaxDelta = max(r.Summary.Mean-r.Summary.Min, r.Summary.Max-r.Summary.Mean)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	return s.query(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_ns DESC, rowid DESC LIMIT ?", limit)
}

// Completed returns up to limit completed runs, newest first.
func (s *Store) Completed(ctx context.Context, limit int) ([]Run, error) {
	return s.query(ctx, "SELECT "+runColumns+" FROM runs WHERE completed = 1 ORDER BY started_ns DESC, rowid DESC LIMIT ?", limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.StorageError("query runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.StorageError("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("query runs", err)
	}
	return runs, nil
}

// Get returns one run by ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, errors.New(errors.ErrStorage, fmt.Sprintf("no run %s", id))
	}
	if err != nil {
		return Run{}, errors.StorageError("get run", err)
	}
	return r, nil
}

// Samples returns the readings of a run in probe order.
func (s *Store) Samples(ctx context.Context, id string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT z FROM samples WHERE run_id = ? ORDER BY idx", id)
	if err != nil {
		return nil, errors.StorageError("query samples", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var z float64
		if err := rows.Scan(&z); err != nil {
			return nil, errors.StorageError("scan sample", err)
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("query samples", err)
	}
	return out, nil
}

// Trend fits the deviations of the last limit completed runs.
func (s *Store) Trend(ctx context.Context, limit int) (stats.Trend, error) {
	runs, err := s.Completed(ctx, limit)
	if err != nil {
		return stats.Trend{}, err
	}
	sigmas := make([]float64, len(runs))
	for i, r := range runs {
		sigmas[len(runs)-1-i] = r.Summary.StdDev
	}
	return stats.ComputeTrend(sigmas), nil
}
