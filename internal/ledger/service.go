package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// Check result reasons when a request cannot proceed even with overage.
const (
	ReasonNoSubscription       = "no_subscription"
	ReasonOverageDisabled      = "overage_disabled"
	ReasonOverageLimitExceeded = "overage_limit_exceeded"
)

// maxCASAttempts bounds the read-compute-swap loop on a contended period row.
const maxCASAttempts = 5

var (
	ErrInsufficientCredits         = errors.New("insufficient_credits")
	ErrOverageConfirmationRequired = errors.New("overage_confirmation_required")
	ErrPeriodNotFound              = errors.New("credit period not found")
	ErrInvalidQuantity             = errors.New("quantity must be positive")
	ErrInvalidCreditType           = errors.New("invalid credit type")
	ErrInvalidPeriod               = errors.New("period end must be after period start")
	errContended                   = errors.New("credit period updated concurrently")
)

// CheckResult is the outcome of CheckCredits.
type CheckResult struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	Remaining    int       `json:"remaining"`
	IsOverage    bool      `json:"is_overage"`
	OverageCount int       `json:"overage_count"`
	OverageCost  int64     `json:"overage_cost_cents"`
	CreditsID    uuid.UUID `json:"credits_id"`
}

// CheckError is returned when a charge cannot go ahead. It unwraps to
// ErrInsufficientCredits or ErrOverageConfirmationRequired.
type CheckError struct {
	Result CheckResult
	Err    error
}

func (e *CheckError) Error() string {
	if e.Result.Reason != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Result.Reason)
	}
	return e.Err.Error()
}

func (e *CheckError) Unwrap() error { return e.Err }

// Pricing is the per-unit overage price in cents.
type Pricing struct {
	ImageOverageCents int64
	TextOverageCents  int64
}

func (p Pricing) UnitCents(t models.CreditType) int64 {
	if t == models.CreditText {
		return p.TextOverageCents
	}
	return p.ImageOverageCents
}

// SpentCents is the overage already billed on a period.
func (p Pricing) SpentCents(period *models.CreditPeriod) int64 {
	return int64(period.ImageOverageUsed)*p.ImageOverageCents + int64(period.TextOverageUsed)*p.TextOverageCents
}

// ChargeOptions carries the caller's confirmation and the ledger reference.
type ChargeOptions struct {
	// IsOverage is the caller's explicit confirmation that overage may be charged.
	IsOverage     bool
	CreditsID     uuid.UUID
	ReferenceType string
	ReferenceID   uuid.UUID
}

// RefundOptions routes a refund to the period that was charged.
type RefundOptions struct {
	CreditsID     uuid.UUID
	IsOverage     bool
	ReferenceType string
	ReferenceID   uuid.UUID
}

type TypeBalance struct {
	Included    int `json:"included"`
	Used        int `json:"used"`
	Remaining   int `json:"remaining"`
	OverageUsed int `json:"overage_used"`
}

// Balance is a read-only snapshot of the current period.
type Balance struct {
	TeamID            uuid.UUID   `json:"team_id"`
	CreditsID         uuid.UUID   `json:"credits_id"`
	PeriodStart       time.Time   `json:"period_start"`
	PeriodEnd         time.Time   `json:"period_end"`
	Image             TypeBalance `json:"image"`
	Text              TypeBalance `json:"text"`
	OverageEnabled    bool        `json:"overage_enabled"`
	OverageLimitCents int64       `json:"overage_limit_cents"`
	OverageSpentCents int64       `json:"overage_spent_cents"`
	DaysRemaining     int         `json:"days_remaining"`
}

type ProvisionParams struct {
	TeamID            uuid.UUID
	PeriodStart       time.Time
	PeriodEnd         time.Time
	ImageIncluded     int
	TextIncluded      int
	OverageEnabled    bool
	OverageLimitCents int64
}

// Store is the persistence the ledger needs. ApplyUsage must be a single-row
// compare-and-swap: it writes next only if the row still holds observed.
type Store interface {
	CurrentPeriod(ctx context.Context, teamID uuid.UUID, now time.Time) (*models.CreditPeriod, error)
	GetPeriod(ctx context.Context, id uuid.UUID) (*models.CreditPeriod, error)
	CreatePeriod(ctx context.Context, p *models.CreditPeriod) error
	ClosePeriod(ctx context.Context, id uuid.UUID, end time.Time) error
	UpdateOverageSettings(ctx context.Context, id uuid.UUID, enabled bool, limitCents int64) error
	ApplyUsage(ctx context.Context, periodID uuid.UUID, t models.CreditType, observed, next models.Usage) (bool, error)
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.UsageRecord, error)
}

type Service interface {
	CheckCredits(ctx context.Context, teamID uuid.UUID, t models.CreditType, quantity int) (*CheckResult, error)
	DeductCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts ChargeOptions) (*models.UsageRecord, error)
	RefundCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts RefundOptions) (*models.UsageRecord, error)
	GetCreditBalance(ctx context.Context, teamID uuid.UUID) (*Balance, error)
	ProvisionPeriod(ctx context.Context, p ProvisionParams) (*models.CreditPeriod, error)
	SetOverage(ctx context.Context, teamID uuid.UUID, enabled bool, limitCents int64) (*models.CreditPeriod, error)
	ListUsage(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.UsageRecord, error)
}

type service struct {
	store   Store
	pricing Pricing
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(store Store, pricing Pricing, log zerolog.Logger) Service {
	return newService(store, pricing, log, time.Now)
}

func newService(store Store, pricing Pricing, log zerolog.Logger, now func() time.Time) *service {
	return &service{store: store, pricing: pricing, log: log.With().Str("component", "ledger").Logger(), now: now}
}

var _ Service = (*service)(nil)

func (s *service) CheckCredits(ctx context.Context, teamID uuid.UUID, t models.CreditType, quantity int) (*CheckResult, error) {
	if !t.Valid() {
		return nil, ErrInvalidCreditType
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	period, err := s.store.CurrentPeriod(ctx, teamID, s.now())
	if errors.Is(err, ErrPeriodNotFound) {
		return &CheckResult{Allowed: false, Reason: ReasonNoSubscription}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current period: %w", err)
	}
	res := s.evaluate(period, t, quantity)
	return &res, nil
}

// evaluate splits quantity into in-plan and overage units against period.
func (s *service) evaluate(period *models.CreditPeriod, t models.CreditType, quantity int) CheckResult {
	usage := period.Usage(t)
	remaining := max(0, period.Included(t)-usage.Used)
	res := CheckResult{Remaining: remaining, CreditsID: period.ID}
	if quantity <= remaining {
		res.Allowed = true
		return res
	}
	res.IsOverage = true
	res.OverageCount = quantity - remaining
	res.OverageCost = int64(res.OverageCount) * s.pricing.UnitCents(t)
	switch {
	case !period.OverageEnabled:
		res.Reason = ReasonOverageDisabled
	case period.OverageLimitCents > 0 && s.pricing.SpentCents(period)+res.OverageCost > period.OverageLimitCents:
		res.Reason = ReasonOverageLimitExceeded
	default:
		res.Allowed = true
	}
	return res
}

func (s *service) DeductCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts ChargeOptions) (*models.UsageRecord, error) {
	if !t.Valid() {
		return nil, ErrInvalidCreditType
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	period, err := s.chargedPeriod(ctx, teamID, opts.CreditsID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		res := s.evaluate(period, t, quantity)
		if !res.Allowed {
			return nil, &CheckError{Result: res, Err: ErrInsufficientCredits}
		}
		if res.IsOverage && !opts.IsOverage {
			return nil, &CheckError{Result: res, Err: ErrOverageConfirmationRequired}
		}
		observed := period.Usage(t)
		next := models.Usage{
			Used:        observed.Used + quantity - res.OverageCount,
			OverageUsed: observed.OverageUsed + res.OverageCount,
		}
		ok, err := s.store.ApplyUsage(ctx, period.ID, t, observed, next)
		if err != nil {
			return nil, fmt.Errorf("apply deduction: %w", err)
		}
		if ok {
			rec := &models.UsageRecord{
				ID:            uuid.New(),
				TeamID:        teamID,
				UserID:        userID,
				PeriodID:      period.ID,
				UsageType:     t,
				CreditsUsed:   quantity,
				IsOverage:     res.IsOverage,
				ReferenceType: opts.ReferenceType,
				ReferenceID:   opts.ReferenceID,
			}
			if err := s.store.InsertUsageRecord(ctx, rec); err != nil {
				return nil, fmt.Errorf("record deduction: %w", err)
			}
			s.log.Debug().Stringer("usage", rec).Msg("deduction recorded")
			return rec, nil
		}
		if period, err = s.store.GetPeriod(ctx, period.ID); err != nil {
			return nil, fmt.Errorf("reload period: %w", err)
		}
	}
	return nil, fmt.Errorf("deduct %d %s credits: %w", quantity, t, errContended)
}

func (s *service) RefundCredits(ctx context.Context, teamID uuid.UUID, userID *uuid.UUID, t models.CreditType, quantity int, opts RefundOptions) (*models.UsageRecord, error) {
	if !t.Valid() {
		return nil, ErrInvalidCreditType
	}
	if quantity <= 0 {
		return nil, nil
	}
	period, err := s.chargedPeriod(ctx, teamID, opts.CreditsID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		observed := period.Usage(t)
		fromOverage := 0
		if opts.IsOverage {
			fromOverage = min(quantity, observed.OverageUsed)
		}
		fromUsed := min(quantity-fromOverage, observed.Used)
		next := models.Usage{
			Used:        observed.Used - fromUsed,
			OverageUsed: observed.OverageUsed - fromOverage,
		}
		ok, err := s.store.ApplyUsage(ctx, period.ID, t, observed, next)
		if err != nil {
			return nil, fmt.Errorf("apply refund: %w", err)
		}
		if ok {
			if applied := fromUsed + fromOverage; applied < quantity {
				s.log.Warn().
					Str("team_id", teamID.String()).
					Str("credits_id", period.ID.String()).
					Str("reference_type", opts.ReferenceType).
					Str("reference_id", opts.ReferenceID.String()).
					Int("requested", quantity).
					Int("applied", applied).
					Msg("refund clamped at zero")
			}
			rec := &models.UsageRecord{
				ID:            uuid.New(),
				TeamID:        teamID,
				UserID:        userID,
				PeriodID:      period.ID,
				UsageType:     t,
				CreditsUsed:   -quantity,
				IsOverage:     opts.IsOverage,
				ReferenceType: opts.ReferenceType,
				ReferenceID:   opts.ReferenceID,
			}
			if err := s.store.InsertUsageRecord(ctx, rec); err != nil {
				return nil, fmt.Errorf("record refund: %w", err)
			}
			s.log.Debug().Stringer("usage", rec).Msg("refund recorded")
			return rec, nil
		}
		if period, err = s.store.GetPeriod(ctx, period.ID); err != nil {
			return nil, fmt.Errorf("reload period: %w", err)
		}
	}
	return nil, fmt.Errorf("refund %d %s credits: %w", quantity, t, errContended)
}

// chargedPeriod resolves the period referenced by creditsID, falling back to
// the team's current period when no id is given.
func (s *service) chargedPeriod(ctx context.Context, teamID, creditsID uuid.UUID) (*models.CreditPeriod, error) {
	var (
		period *models.CreditPeriod
		err    error
	)
	if creditsID == uuid.Nil {
		period, err = s.store.CurrentPeriod(ctx, teamID, s.now())
	} else {
		period, err = s.store.GetPeriod(ctx, creditsID)
	}
	if err != nil {
		return nil, err
	}
	if period.TeamID != teamID {
		return nil, ErrPeriodNotFound
	}
	return period, nil
}

func (s *service) GetCreditBalance(ctx context.Context, teamID uuid.UUID) (*Balance, error) {
	now := s.now()
	period, err := s.store.CurrentPeriod(ctx, teamID, now)
	if err != nil {
		return nil, err
	}
	return &Balance{
		TeamID:            teamID,
		CreditsID:         period.ID,
		PeriodStart:       period.PeriodStart,
		PeriodEnd:         period.PeriodEnd,
		Image:             typeBalance(period, models.CreditImage),
		Text:              typeBalance(period, models.CreditText),
		OverageEnabled:    period.OverageEnabled,
		OverageLimitCents: period.OverageLimitCents,
		OverageSpentCents: s.pricing.SpentCents(period),
		DaysRemaining:     daysRemaining(now, period.PeriodEnd),
	}, nil
}

func typeBalance(period *models.CreditPeriod, t models.CreditType) TypeBalance {
	u := period.Usage(t)
	return TypeBalance{
		Included:    period.Included(t),
		Used:        u.Used,
		Remaining:   max(0, period.Included(t)-u.Used),
		OverageUsed: u.OverageUsed,
	}
}

func daysRemaining(now, end time.Time) int {
	left := end.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// ProvisionPeriod starts a new billing period. The previous current period is
// superseded by ending it at the new start, never deleted.
func (s *service) ProvisionPeriod(ctx context.Context, p ProvisionParams) (*models.CreditPeriod, error) {
	if !p.PeriodEnd.After(p.PeriodStart) {
		return nil, ErrInvalidPeriod
	}
	if p.ImageIncluded < 0 || p.TextIncluded < 0 {
		return nil, ErrInvalidQuantity
	}
	prev, err := s.store.CurrentPeriod(ctx, p.TeamID, p.PeriodStart)
	switch {
	case err == nil:
		if err := s.store.ClosePeriod(ctx, prev.ID, p.PeriodStart); err != nil {
			return nil, fmt.Errorf("supersede period %s: %w", prev.ID, err)
		}
	case !errors.Is(err, ErrPeriodNotFound):
		return nil, fmt.Errorf("load current period: %w", err)
	}
	period := &models.CreditPeriod{
		ID:                uuid.New(),
		TeamID:            p.TeamID,
		PeriodStart:       p.PeriodStart,
		PeriodEnd:         p.PeriodEnd,
		ImageIncluded:     p.ImageIncluded,
		TextIncluded:      p.TextIncluded,
		OverageEnabled:    p.OverageEnabled,
		OverageLimitCents: p.OverageLimitCents,
	}
	if err := s.store.CreatePeriod(ctx, period); err != nil {
		return nil, fmt.Errorf("create period: %w", err)
	}
	s.log.Info().Str("team_id", p.TeamID.String()).Str("credits_id", period.ID.String()).Msg("credit period provisioned")
	return period, nil
}

func (s *service) SetOverage(ctx context.Context, teamID uuid.UUID, enabled bool, limitCents int64) (*models.CreditPeriod, error) {
	period, err := s.store.CurrentPeriod(ctx, teamID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateOverageSettings(ctx, period.ID, enabled, limitCents); err != nil {
		return nil, fmt.Errorf("update overage settings: %w", err)
	}
	period.OverageEnabled = enabled
	period.OverageLimitCents = limitCents
	return period, nil
}

func (s *service) ListUsage(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListUsage(ctx, teamID, limit)
}
