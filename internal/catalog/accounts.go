package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/catalogsync"
)

// Account is a team's connection to an external store.
type Account struct {
	ID          uuid.UUID `json:"id"`
	TeamID      uuid.UUID `json:"team_id"`
	ShopDomain  string    `json:"shop_domain"`
	APIBaseURL  string    `json:"-"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

var _ catalogsync.AccountLookup = (*AccountRepository)(nil)

func (r *AccountRepository) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, team_id, shop_domain, api_base_url, access_token, created_at
		FROM catalog_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.TeamID, &a.ShopDomain, &a.APIBaseURL, &a.AccessToken, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalogsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) AccountTeam(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	return a.TeamID, nil
}
