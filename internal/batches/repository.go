package batches

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/models"
)

const batchColumns = `id, team_id, name, status, settings, variant_count, image_count, folder_id, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var b models.Batch
	err := row.Scan(&b.ID, &b.TeamID, &b.Name, &b.Status, &b.Settings, &b.VariantCount, &b.ImageCount,
		&b.FolderID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) Insert(ctx context.Context, b *models.Batch) error {
	settings := b.Settings
	if len(settings) == 0 {
		settings = []byte(`{}`)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO batches (id, team_id, name, status, settings, variant_count, image_count, folder_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, b.ID, b.TeamID, b.Name, b.Status, settings, b.VariantCount, b.ImageCount, b.FolderID).
		Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
}

func (r *Repository) ListByTeam(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches WHERE team_id = $1 ORDER BY created_at DESC LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, from []models.BatchStatus, to models.BatchStatus) (bool, error) {
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE batches SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)
	`, id, to, fromStrings)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// Status implements execution.BatchStatusReader.
func (r *Repository) Status(ctx context.Context, id uuid.UUID) (models.BatchStatus, error) {
	var s models.BatchStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrBatchNotFound
	}
	return s, err
}
