package pg

import (
	"database/sql"
	"fmt"

	"github.com/famulus-dev/famulus/internal/cron"
)

// PGCronStore implements cron.JobStore backed by Postgres. The scheduler
// always writes the complete job set, so Save replaces the table in one
// transaction.
type PGCronStore struct {
	db *sql.DB
}

func NewPGCronStore(db *sql.DB) *PGCronStore {
	return &PGCronStore{db: db}
}

func (s *PGCronStore) Load() ([]*cron.Record, error) {
	rows, err := s.db.Query(
		`SELECT id, alias, cron_expr, prompt, enabled, created_at, last_run_at
		 FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*cron.Record
	for rows.Next() {
		var rec cron.Record
		var lastRun *int64
		if err := rows.Scan(&rec.ID, &rec.Alias, &rec.CronExpr, &rec.Prompt,
			&rec.Enabled, &rec.CreatedAt, &lastRun); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		rec.LastRunAt = derefInt64(lastRun)
		jobs = append(jobs, &rec)
	}
	return jobs, rows.Err()
}

func (s *PGCronStore) Save(jobs []*cron.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM cron_jobs"); err != nil {
		return fmt.Errorf("clear cron jobs: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO cron_jobs (id, alias, cron_expr, prompt, enabled, created_at, last_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, job := range jobs {
		if _, err := stmt.Exec(job.ID, job.Alias, job.CronExpr, job.Prompt,
			job.Enabled, job.CreatedAt, nilInt64(job.LastRunAt)); err != nil {
			return fmt.Errorf("insert cron job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

var _ cron.JobStore = (*PGCronStore)(nil)
