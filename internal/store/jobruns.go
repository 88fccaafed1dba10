package store

import (
	"context"
	"database/sql"
	"time"
)

// JobRun is one execution of a named job.
type JobRun struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	ParamsJSON string     `json:"params_json"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// RecordJobRun inserts a queued run.
func (s *Store) RecordJobRun(ctx context.Context, r JobRun) error {
	if r.ParamsJSON == "" {
		r.ParamsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_runs(id, name, status, params_json, attempt, created_at) VALUES(?,?,?,?,?,?)`,
		r.ID, r.Name, r.Status, r.ParamsJSON, r.Attempt, r.CreatedAt)
	return err
}

// UpdateJobRunParams replaces the params of a queued run.
func (s *Store) UpdateJobRunParams(ctx context.Context, id, paramsJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_runs SET params_json=? WHERE id=?`, paramsJSON, id)
	return err
}

func (s *Store) MarkJobRunStarted(ctx context.Context, id string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_runs SET status=?, started_at=? WHERE id=?`, "running", ts, id)
	return err
}

func (s *Store) MarkJobRunFinished(ctx context.Context, id, status, errMsg string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_runs SET status=?, error=?, finished_at=? WHERE id=?`, status, errMsg, ts, id)
	return err
}

// ListJobRuns returns the newest runs first.
func (s *Store) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, params_json, attempt, error, created_at, started_at, finished_at
		FROM job_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []JobRun
	for rows.Next() {
		var r JobRun
		var started, finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.ParamsJSON, &r.Attempt, &r.Error, &r.CreatedAt, &started, &finished); err != nil {
			return nil, err
		}
		if started.Valid {
			r.StartedAt = &started.Time
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
