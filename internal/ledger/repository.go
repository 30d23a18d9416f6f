package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodgen/backend/internal/models"
)

const periodColumns = `id, team_id, period_start, period_end,
	image_included, image_used, image_overage_used,
	text_included, text_used, text_overage_used,
	overage_enabled, overage_limit_cents, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func scanPeriod(row pgx.Row) (*models.CreditPeriod, error) {
	var p models.CreditPeriod
	err := row.Scan(&p.ID, &p.TeamID, &p.PeriodStart, &p.PeriodEnd,
		&p.ImageIncluded, &p.ImageUsed, &p.ImageOverageUsed,
		&p.TextIncluded, &p.TextUsed, &p.TextOverageUsed,
		&p.OverageEnabled, &p.OverageLimitCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CurrentPeriod returns the period containing now. If periods overlap, the
// most recently started one wins.
func (r *Repository) CurrentPeriod(ctx context.Context, teamID uuid.UUID, now time.Time) (*models.CreditPeriod, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `
		SELECT `+periodColumns+`
		FROM credit_periods
		WHERE team_id = $1 AND period_start <= $2 AND period_end > $2
		ORDER BY period_start DESC
		LIMIT 1
	`, teamID, now))
}

func (r *Repository) GetPeriod(ctx context.Context, id uuid.UUID) (*models.CreditPeriod, error) {
	return scanPeriod(r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM credit_periods WHERE id = $1`, id))
}

func (r *Repository) CreatePeriod(ctx context.Context, p *models.CreditPeriod) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO credit_periods (id, team_id, period_start, period_end,
			image_included, text_included, overage_enabled, overage_limit_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, p.ID, p.TeamID, p.PeriodStart, p.PeriodEnd, p.ImageIncluded, p.TextIncluded,
		p.OverageEnabled, p.OverageLimitCents).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *Repository) ClosePeriod(ctx context.Context, id uuid.UUID, end time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE credit_periods SET period_end = $2, updated_at = now()
		WHERE id = $1 AND period_end > $2
	`, id, end)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

func (r *Repository) UpdateOverageSettings(ctx context.Context, id uuid.UUID, enabled bool, limitCents int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE credit_periods SET overage_enabled = $2, overage_limit_cents = $3, updated_at = now()
		WHERE id = $1
	`, id, enabled, limitCents)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// ApplyUsage swaps the counters for t only if they still equal observed.
// A false result means another writer got there first.
func (r *Repository) ApplyUsage(ctx context.Context, periodID uuid.UUID, t models.CreditType, observed, next models.Usage) (bool, error) {
	var q string
	switch t {
	case models.CreditImage:
		q = `UPDATE credit_periods SET image_used = $2, image_overage_used = $3, updated_at = now()
			WHERE id = $1 AND image_used = $4 AND image_overage_used = $5`
	case models.CreditText:
		q = `UPDATE credit_periods SET text_used = $2, text_overage_used = $3, updated_at = now()
			WHERE id = $1 AND text_used = $4 AND text_overage_used = $5`
	default:
		return false, ErrInvalidCreditType
	}
	result, err := r.pool.Exec(ctx, q, periodID, next.Used, next.OverageUsed, observed.Used, observed.OverageUsed)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO usage_records (id, team_id, user_id, credits_id, usage_type, credits_used,
			is_overage, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, rec.ID, rec.TeamID, rec.UserID, rec.PeriodID, rec.UsageType, rec.CreditsUsed,
		rec.IsOverage, rec.ReferenceType, rec.ReferenceID).Scan(&rec.CreatedAt)
}

func (r *Repository) ListUsage(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, team_id, user_id, credits_id, usage_type, credits_used,
			is_overage, reference_type, reference_id, created_at
		FROM usage_records
		WHERE team_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.TeamID, &rec.UserID, &rec.PeriodID, &rec.UsageType,
			&rec.CreditsUsed, &rec.IsOverage, &rec.ReferenceType, &rec.ReferenceID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
