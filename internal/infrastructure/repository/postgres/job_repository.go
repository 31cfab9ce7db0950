package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) CreateJob(ctx context.Context, status domain.JobStatus) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ingest_jobs (id, state, container, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, status.ID, string(status.State), status.Container, status.Error, status.CreatedAt, status.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) MarkJobRunning(ctx context.Context, id string) error {
	return r.update(ctx, id, domain.JobRunning, nil, "")
}

func (r *JobRepository) FinishJob(ctx context.Context, id string, report *domain.IngestReport, jobErr error) error {
	state := domain.JobSucceeded
	message := ""
	if jobErr != nil {
		state = domain.JobFailed
		message = jobErr.Error()
	}

	var reportJSON []byte
	if report != nil {
		raw, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshal job report: %w", err)
		}
		reportJSON = raw
	}
	return r.update(ctx, id, state, reportJSON, message)
}

func (r *JobRepository) update(ctx context.Context, id string, state domain.JobState, report []byte, message string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE ingest_jobs
SET state = $2, report = COALESCE($3, report), error_message = $4, updated_at = $5
WHERE id = $1
`, id, string(state), report, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "update job", fmt.Errorf("job not found: id=%s", id))
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*domain.JobStatus, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, state, container, report, error_message, created_at, updated_at
FROM ingest_jobs
WHERE id = $1
`, id)

	var (
		status    domain.JobStatus
		state     string
		reportRaw []byte
	)
	err := row.Scan(&status.ID, &state, &status.Container, &reportRaw, &status.Error, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("job not found: id=%s", id))
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	status.State = domain.JobState(state)
	if len(reportRaw) > 0 {
		var report domain.IngestReport
		if err := json.Unmarshal(reportRaw, &report); err != nil {
			return nil, fmt.Errorf("unmarshal job report: %w", err)
		}
		status.Report = &report
	}
	return &status, nil
}
