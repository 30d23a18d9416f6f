package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/models"
)

// CreditService is the ledger read side exposed over HTTP.
type CreditService interface {
	CheckCredits(ctx context.Context, teamID uuid.UUID, t models.CreditType, quantity int) (*ledger.CheckResult, error)
	GetCreditBalance(ctx context.Context, teamID uuid.UUID) (*ledger.Balance, error)
	ListUsage(ctx context.Context, teamID uuid.UUID, limit int) ([]*models.UsageRecord, error)
	SetOverage(ctx context.Context, teamID uuid.UUID, enabled bool, limitCents int64) (*models.CreditPeriod, error)
}

// CreditsHandler serves /api/v1/credits.
type CreditsHandler struct {
	svc      CreditService
	validate *validator.Validate
	log      zerolog.Logger
}

func NewCreditsHandler(svc CreditService, log zerolog.Logger) *CreditsHandler {
	return &CreditsHandler{svc: svc, validate: validator.New(), log: log.With().Str("component", "credits_handler").Logger()}
}

// Balance handles GET /api/v1/credits.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	b, err := h.svc.GetCreditBalance(r.Context(), team)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type checkRequest struct {
	Type     models.CreditType `json:"type" validate:"required,oneof=image text"`
	Quantity int               `json:"quantity" validate:"required,min=1"`
}

// Check handles POST /api/v1/credits/check. A disallowed check is still a 200;
// the result says why.
func (h *CreditsHandler) Check(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req checkRequest
	if !decodeBody(w, r, h.validate, &req, false) {
		return
	}
	res, err := h.svc.CheckCredits(r.Context(), team, req.Type, req.Quantity)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Usage handles GET /api/v1/credits/usage.
func (h *CreditsHandler) Usage(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	records, err := h.svc.ListUsage(r.Context(), team, listLimit(r))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": records})
}

type overageRequest struct {
	Enabled    bool  `json:"enabled"`
	LimitCents int64 `json:"limit_cents" validate:"min=0"`
}

// SetOverage handles PUT /api/v1/credits/overage. A zero limit means no cap.
func (h *CreditsHandler) SetOverage(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req overageRequest
	if !decodeBody(w, r, h.validate, &req, false) {
		return
	}
	period, err := h.svc.SetOverage(r.Context(), team, req.Enabled, req.LimitCents)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, period)
}
