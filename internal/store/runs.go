package store

import (
	"database/sql"
	"time"
)

// Run is one audited import or scheduler pass.
type Run struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "scheduler", "import"
	Target        string // "gmw", "gld", "sync", ...
	Owner         sql.NullString
	HTTPStatus    sql.NullInt64
	RecordsSeen   sql.NullInt64
	RecordsStored sql.NullInt64
	Errors        sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartRun creates a new run record and returns it.
func (s *Store) StartRun(source, target, owner string) (*Run, error) {
	run := &Run{
		StartedAt: time.Now().UTC(),
		Source:    source,
		Target:    target,
	}
	if owner != "" {
		run.Owner = sql.NullString{String: owner, Valid: true}
	}

	result, err := s.q.Exec(`
		INSERT INTO runs (started_at, source, target, owner, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Target, run.Owner)
	if err != nil {
		return nil, Wrap("start run", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun records the outcome of a run.
func (s *Store) CompleteRun(run *Run) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.q.Exec(`
		UPDATE runs SET
			finished_at = ?,
			http_status = ?,
			records_seen = ?,
			records_stored = ?,
			errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.RecordsSeen, run.RecordsStored,
		run.Errors, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentFailedRuns returns the latest unsuccessful runs.
func (s *Store) RecentFailedRuns(limit int) ([]Run, error) {
	rows, err := s.q.Query(`
		SELECT id, started_at, finished_at, source, target, owner,
			   http_status, records_seen, records_stored, errors, success, error_message
		FROM runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Target, &r.Owner,
			&r.HTTPStatus, &r.RecordsSeen, &r.RecordsStored, &r.Errors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
