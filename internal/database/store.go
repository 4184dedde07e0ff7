package database

import (
	"context"
	"fmt"
	"time"
)

// MediaRecord is one catalogued still or clip.
type MediaRecord struct {
	ID              int64     `json:"id"`
	Kind            string    `json:"kind"` // "still" or "clip"
	Path            string    `json:"path"`
	Trigger         string    `json:"trigger"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// FleetRun is one recorded remote action against a fleet camera.
type FleetRun struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	Camera     string    `json:"camera"`
	OK         bool      `json:"ok"`
	ReturnCode int       `json:"return_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Seconds    float64   `json:"seconds"`
	Cmd        string    `json:"cmd"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertMedia records a captured still or clip in the catalog.
func (db *DB) InsertMedia(ctx context.Context, rec *MediaRecord) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO media (kind, path, trigger_source, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Kind, rec.Path, rec.Trigger, rec.DurationSeconds, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert media record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ListMedia returns the most recent media records, newest first. A kind of
// "" returns both stills and clips.
func (db *DB) ListMedia(ctx context.Context, kind string, limit int) ([]MediaRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, kind, path, trigger_source, duration_seconds, created_at
		FROM media`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()

	var records []MediaRecord
	for rows.Next() {
		var rec MediaRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Path, &rec.Trigger, &rec.DurationSeconds, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertFleetRun records the result of one remote action.
func (db *DB) InsertFleetRun(ctx context.Context, run *FleetRun) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO fleet_runs (action, camera, ok, return_code, stdout, stderr, seconds, cmd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Action, run.Camera, boolToInt(run.OK), run.ReturnCode,
		run.Stdout, run.Stderr, run.Seconds, run.Cmd, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fleet run: %w", err)
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// LastFleetRuns returns the most recent run per camera for the given action,
// so the dashboard can show last-known results after a restart.
func (db *DB) LastFleetRuns(ctx context.Context, action string) ([]FleetRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, action, camera, ok, return_code, stdout, stderr, seconds, cmd, created_at
		FROM fleet_runs
		WHERE action = ? AND id IN (
			SELECT MAX(id) FROM fleet_runs WHERE action = ? GROUP BY camera
		)
		ORDER BY camera`,
		action, action,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fleet runs: %w", err)
	}
	defer rows.Close()

	var runs []FleetRun
	for rows.Next() {
		var run FleetRun
		var ok int
		var createdAt int64
		if err := rows.Scan(&run.ID, &run.Action, &run.Camera, &ok, &run.ReturnCode,
			&run.Stdout, &run.Stderr, &run.Seconds, &run.Cmd, &createdAt); err != nil {
			return nil, err
		}
		run.OK = ok != 0
		run.CreatedAt = time.Unix(createdAt, 0)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
