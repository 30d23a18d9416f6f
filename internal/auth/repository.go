package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new member.
func (r *Repository) Create(ctx context.Context, m *Member, passwordHash string) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO members (id, team_id, email, password_hash, display_name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, m.ID, m.TeamID, m.Email, passwordHash, m.DisplayName).Scan(&m.CreatedAt)
}

// GetByEmail returns the member and password hash for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Member, string, error) {
	var m Member
	var passwordHash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, team_id, email, display_name, created_at, password_hash
		FROM members WHERE email = $1
	`, email).Scan(&m.ID, &m.TeamID, &m.Email, &m.DisplayName, &m.CreatedAt, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &m, passwordHash, nil
}
