package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// SyncService starts and reads catalog sync jobs.
type SyncService interface {
	Start(ctx context.Context, teamID, accountID uuid.UUID) (*models.SyncJob, bool, error)
	Get(ctx context.Context, teamID, id uuid.UUID) (*models.SyncJob, error)
}

// SyncHandler serves /api/v1/sync-jobs.
type SyncHandler struct {
	svc      SyncService
	validate *validator.Validate
	log      zerolog.Logger
}

func NewSyncHandler(svc SyncService, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, validate: validator.New(), log: log.With().Str("component", "sync_handler").Logger()}
}

type startSyncRequest struct {
	AccountID uuid.UUID `json:"account_id" validate:"required"`
}

// Start handles POST /api/v1/sync-jobs. An already active job for the account
// is returned with 200 instead of creating a second one.
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req startSyncRequest
	if !decodeBody(w, r, h.validate, &req, false) {
		return
	}
	job, created, err := h.svc.Start(r.Context(), team, req.AccountID)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job)
}

// Get handles GET /api/v1/sync-jobs/{id}.
func (h *SyncHandler) Get(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), team, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
