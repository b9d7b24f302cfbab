package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	_ "github.com/lib/pq"
)

const runSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	template_path TEXT NOT NULL,
	in_dir TEXT NOT NULL,
	out_dir TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	config JSONB NOT NULL,
	total INTEGER NOT NULL,
	completion_claimed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_jobs (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	source_path TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0,
	duration_ns BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

type PostgresRunStore struct {
	db *sql.DB
}

func NewPostgresRunStore(ctx context.Context, dsn string) (*PostgresRunStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresRunStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runSchemaSQL); err != nil {
		return fmt.Errorf("ensure runs schema: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run domain.Run, jobs []domain.ImageJob) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO runs (id, template_path, in_dir, out_dir, width, height, config, total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID,
		run.TemplatePath,
		run.InDir,
		run.OutDir,
		run.Geometry.Width,
		run.Geometry.Height,
		configJSON,
		run.Total,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	now := time.Now().UTC()
	for i, job := range jobs {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO run_jobs (run_id, idx, source_path, output_path, status, reason, width, height, bytes, duration_ns, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			run.ID,
			i,
			job.SourcePath,
			job.OutputPath,
			job.Status,
			job.Reason,
			job.Width,
			job.Height,
			job.Bytes,
			job.Duration.Nanoseconds(),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert run job %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run insert: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (domain.Run, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, template_path, in_dir, out_dir, width, height, config, total, created_at
		 FROM runs
		 WHERE id = $1`,
		runID,
	)

	var (
		run        domain.Run
		configJSON []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.TemplatePath,
		&run.InDir,
		&run.OutDir,
		&run.Geometry.Width,
		&run.Geometry.Height,
		&configJSON,
		&run.Total,
		&run.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, false, nil
		}
		return domain.Run{}, false, fmt.Errorf("query run: %w", err)
	}

	if err := json.Unmarshal(configJSON, &run.Config); err != nil {
		return domain.Run{}, false, fmt.Errorf("unmarshal run config: %w", err)
	}
	return run, true, nil
}

func (s *PostgresRunStore) RecordJob(ctx context.Context, runID string, index int, job domain.ImageJob) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE run_jobs
		 SET output_path = $1, status = $2, reason = $3, width = $4, height = $5, bytes = $6, duration_ns = $7, updated_at = $8
		 WHERE run_id = $9 AND idx = $10`,
		job.OutputPath,
		job.Status,
		job.Reason,
		job.Width,
		job.Height,
		job.Bytes,
		job.Duration.Nanoseconds(),
		time.Now().UTC(),
		runID,
		index,
	)
	if err != nil {
		return fmt.Errorf("update run job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: run %s index %d", ErrJobIndex, runID, index)
	}
	return nil
}

func (s *PostgresRunStore) Summary(ctx context.Context, runID string) (domain.Summary, bool, error) {
	run, ok, err := s.GetRun(ctx, runID)
	if err != nil || !ok {
		return domain.Summary{}, ok, err
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT source_path, output_path, status, reason, width, height, bytes, duration_ns
		 FROM run_jobs
		 WHERE run_id = $1
		 ORDER BY idx`,
		runID,
	)
	if err != nil {
		return domain.Summary{}, false, fmt.Errorf("query run jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.ImageJob, 0, run.Total)
	for rows.Next() {
		var (
			job        domain.ImageJob
			durationNS int64
		)
		if err := rows.Scan(
			&job.SourcePath,
			&job.OutputPath,
			&job.Status,
			&job.Reason,
			&job.Width,
			&job.Height,
			&job.Bytes,
			&durationNS,
		); err != nil {
			return domain.Summary{}, false, fmt.Errorf("scan run job: %w", err)
		}
		job.Duration = time.Duration(durationNS)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, false, fmt.Errorf("iterate run jobs: %w", err)
	}

	return domain.Summarize(runID, run.Total, jobs), true, nil
}

func (s *PostgresRunStore) ClaimCompletion(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET completion_claimed = TRUE
		 WHERE id = $1
		   AND completion_claimed = FALSE
		   AND NOT EXISTS (
		     SELECT 1 FROM run_jobs
		     WHERE run_id = $1 AND status NOT IN ($2, $3)
		   )`,
		runID,
		domain.JobStatusSucceeded,
		domain.JobStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("claim run completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run completion: %w", err)
	}
	return n == 1, nil
}
