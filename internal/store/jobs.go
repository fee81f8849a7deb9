package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-engine/internal/models"
)

const jobColumns = `id, tenant, type, payload, status, error_message, created_at, started_at, completed_at`

// EnqueueJob inserts a pending job row. The caller may additionally push a
// wake hint to Redis; the row alone is sufficient for delivery.
func (s *Store) EnqueueJob(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, tenant, jobType, payloadJSON, models.JobPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Tenant:    tenant,
		Type:      jobType,
		Payload:   payload,
		Status:    models.JobPending,
		CreatedAt: now,
	}, nil
}

// ClaimBatch atomically transitions up to n pending jobs to processing and
// returns them, oldest first. FOR UPDATE SKIP LOCKED makes a double claim by
// concurrent workers structurally impossible.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, started_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.JobProcessing, models.JobPending, n)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	return job, err
}

// CompleteJob transitions a processing job to completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), error_message = NULL WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// FailJob transitions a job to failed with an operator-visible message. The
// queue never auto-retries; a follow-up enqueue is a caller decision.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), error_message = $3 WHERE id = $1
	`, id, models.JobFailed, errMsg)
	return err
}

// PendingJobs counts jobs waiting to be claimed, for the queue depth gauge.
func (s *Store) PendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, models.JobPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var errMsg pgtype.Text
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Tenant, &job.Type, &payloadJSON, &job.Status, &errMsg, &job.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ErrorMessage = textPtr(errMsg)
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
