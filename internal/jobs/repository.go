package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/models"
)

const jobColumns = `id, team_id, user_id, product_id, variant_id, type, status, batch_id, generation_id,
	progress, error, params, number_of_variations, credits_id, is_overage, retry_of_job_id,
	retry_attempt, refunded_at, created_at, updated_at, started_at, completed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var (
		j        models.GenerationJob
		progress []byte
		params   []byte
	)
	err := row.Scan(&j.ID, &j.TeamID, &j.UserID, &j.ProductID, &j.VariantID, &j.Type, &j.Status, &j.BatchID,
		&j.GenerationID, &progress, &j.Error, &params, &j.NumberOfVariations, &j.CreditsID, &j.IsOverage,
		&j.RetryOfJobID, &j.RetryAttempt, &j.RefundedAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return nil, fmt.Errorf("decode progress of job %s: %w", j.ID, err)
		}
	}
	if j.Params, err = models.DecodeParams(j.Type, params); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.GenerationJob, error) {
	defer rows.Close()
	var list []*models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) Insert(ctx context.Context, job *models.GenerationJob, enqueue func(ctx context.Context, tx pgx.Tx) error) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return err
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, team_id, user_id, product_id, variant_id, type, status, batch_id,
			progress, params, number_of_variations, credits_id, is_overage, retry_of_job_id, retry_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, job.ID, job.TeamID, job.UserID, job.ProductID, job.VariantID, job.Type, job.Status, job.BatchID,
		progress, params, job.NumberOfVariations, job.CreditsID, job.IsOverage, job.RetryOfJobID,
		job.RetryAttempt).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return err
	}
	if err := enqueue(ctx, tx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
}

func (r *Repository) ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs WHERE team_id = $1 ORDER BY created_at DESC LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *Repository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.GenerationJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM generation_jobs WHERE batch_id = $1 ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// Transition moves a job to `to` only if its current status is one of from.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = $2,
			started_at = CASE WHEN $2 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('success', 'failed', 'canceled') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, statusStrings(from))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func statusStrings(in []models.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// Complete stores the generation and its images, then links the job. Only a
// running job becomes success; a canceled job keeps its status.
func (r *Repository) Complete(ctx context.Context, job *models.GenerationJob, artifacts []models.Artifact) (models.JobStatus, error) {
	progress := models.JobProgress{Current: len(artifacts), Total: job.NumberOfVariations}
	for _, a := range artifacts {
		if a.ImageID != "" {
			progress.CompletedImageIDs = append(progress.CompletedImageIDs, a.ImageID)
		}
	}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return "", err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	generationID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO generations (id, team_id, job_id, product_id, variant_id) VALUES ($1, $2, $3, $4, $5)
	`, generationID, job.TeamID, job.ID, job.ProductID, job.VariantID); err != nil {
		return "", err
	}
	batch := &pgx.Batch{}
	for _, a := range artifacts {
		batch.Queue(`
			INSERT INTO generated_images (generation_id, image_id, url, body) VALUES ($1, $2, $3, $4)
		`, generationID, a.ImageID, a.URL, a.Text)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", err
		}
	}

	var status models.JobStatus
	err = tx.QueryRow(ctx, `
		UPDATE generation_jobs SET
			generation_id = $2,
			progress = $3,
			status = CASE WHEN status = 'running' THEN 'success' ELSE status END,
			completed_at = COALESCE(completed_at, now()),
			updated_at = now()
		WHERE id = $1 AND status IN ('running', 'canceled')
		RETURNING status
	`, job.ID, generationID, progressJSON).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: job %s cannot accept a result", ErrInvalidJobState, job.ID)
	}
	if err != nil {
		return "", err
	}
	return status, tx.Commit(ctx)
}

func (r *Repository) Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = 'failed', error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) (bool, error) {
	progress, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET progress = $2, updated_at = now() WHERE id = $1 AND status = 'running'
	`, id, progress)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET refunded_at = now(), updated_at = now()
		WHERE id = $1 AND refunded_at IS NULL AND status IN ('failed', 'canceled')
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ClearRefunded releases refund markers whose ledger refund did not land.
func (r *Repository) ClearRefunded(ctx context.Context, ids []uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET refunded_at = NULL, updated_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// CancelQueuedInBatch cancels every still-queued job of a batch. Running jobs
// are left to finish.
func (r *Repository) CancelQueuedInBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET status = 'canceled', completed_at = now(), updated_at = now()
		WHERE batch_id = $1 AND status = 'queued'
	`, batchID)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// GeneratedImageCounts returns the number of stored images per job of a batch,
// joined through each job's generation.
func (r *Repository) GeneratedImageCounts(ctx context.Context, batchID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT j.id, COUNT(gi.id)
		FROM generation_jobs j
		JOIN generated_images gi ON gi.generation_id = j.generation_id
		WHERE j.batch_id = $1
		GROUP BY j.id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// MarkRefundedByBatch stamps the jobs a batch refund accounted for, so no
// job-level refund can cover them again.
func (r *Repository) MarkRefundedByBatch(ctx context.Context, batchID uuid.UUID, jobIDs []uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs SET refunded_at = now(), updated_at = now()
		WHERE batch_id = $1 AND id = ANY($2) AND refunded_at IS NULL
	`, batchID, jobIDs)
	return err
}
