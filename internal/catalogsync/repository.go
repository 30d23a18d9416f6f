package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/models"
)

const syncColumns = `id, team_id, account_id, type, status, progress, error, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ Store    = (*Repository)(nil)
	_ JobStore = (*Repository)(nil)
)

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var (
		j        models.SyncJob
		progress []byte
	)
	err := row.Scan(&j.ID, &j.TeamID, &j.AccountID, &j.Type, &j.Status, &progress, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSyncJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return nil, fmt.Errorf("decode progress of sync job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// Insert relies on the partial unique index over active jobs per account and type.
func (r *Repository) Insert(ctx context.Context, job *models.SyncJob) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (id, team_id, account_id, type, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, job.ID, job.TeamID, job.AccountID, job.Type, job.Status, progress).Scan(&job.CreatedAt, &job.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrDuplicateActive
	}
	return err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	return scanSyncJob(r.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM sync_jobs WHERE id = $1`, id))
}

func (r *Repository) FindActive(ctx context.Context, accountID uuid.UUID, syncType string) (*models.SyncJob, error) {
	return scanSyncJob(r.pool.QueryRow(ctx, `
		SELECT `+syncColumns+` FROM sync_jobs
		WHERE account_id = $1 AND type = $2 AND status IN ('queued', 'running')
		ORDER BY created_at ASC
		LIMIT 1
	`, accountID, syncType))
}

func (r *Repository) ListQueued(ctx context.Context, limit int) ([]*models.SyncJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+syncColumns+` FROM sync_jobs WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SaveProgress(ctx context.Context, id uuid.UUID, status models.SyncStatus, p models.SyncProgress, errMsg *string) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = $2, progress = $3, error = $4, updated_at = now() WHERE id = $1
	`, id, status, progress, errMsg)
	return err
}
