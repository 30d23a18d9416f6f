package catalog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/models"
)

type ProductRepository struct {
	pool *pgxpool.Pool
}

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// UpsertPage writes one page of products keyed by (account, external id).
// Re-running a page is harmless.
func (r *ProductRepository) UpsertPage(ctx context.Context, teamID, accountID uuid.UUID, items []models.Product) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range items {
		variants, err := json.Marshal(p.Variants)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO products (team_id, account_id, external_id, title, handle, vendor, status, variants, external_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, external_id) DO UPDATE SET
				title = EXCLUDED.title,
				handle = EXCLUDED.handle,
				vendor = EXCLUDED.vendor,
				status = EXCLUDED.status,
				variants = EXCLUDED.variants,
				external_updated_at = EXCLUDED.external_updated_at,
				synced_at = now()
		`, teamID, accountID, p.ExternalID, p.Title, p.Handle, p.Vendor, p.Status, variants, p.UpdatedAt)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
