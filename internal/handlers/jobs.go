package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/jobs"
	"github.com/prodgen/backend/internal/middleware"
	"github.com/prodgen/backend/internal/models"
)

// JobsHandler serves /api/v1/jobs.
type JobsHandler struct {
	svc      jobs.Service
	validate *validator.Validate
	log      zerolog.Logger
}

func NewJobsHandler(svc jobs.Service, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{svc: svc, validate: validator.New(), log: log.With().Str("component", "jobs_handler").Logger()}
}

type createJobRequest struct {
	ProductID          string          `json:"product_id" validate:"required"`
	VariantID          string          `json:"variant_id"`
	Type               models.JobType  `json:"type" validate:"required,oneof=generation edit description"`
	Params             json.RawMessage `json:"params" validate:"required"`
	NumberOfVariations int             `json:"number_of_variations" validate:"required,min=1"`
	ConfirmOverage     bool            `json:"confirm_overage"`
}

type confirmRequest struct {
	ConfirmOverage bool `json:"confirm_overage"`
}

// Create handles POST /api/v1/jobs. The job is charged and queued on success;
// an unconfirmed overage returns overage_confirmation_required with the check
// result so the caller can resubmit with confirm_overage.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if !decodeBody(w, r, h.validate, &req, false) {
		return
	}
	job, err := h.svc.Create(r.Context(), jobs.CreateParams{
		TeamID:             team,
		UserID:             middleware.UserIDFromCtx(r.Context()),
		ProductID:          req.ProductID,
		VariantID:          req.VariantID,
		Type:               req.Type,
		Params:             req.Params,
		NumberOfVariations: req.NumberOfVariations,
		ConfirmOverage:     req.ConfirmOverage,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// List handles GET /api/v1/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListByTeam(r.Context(), team, listLimit(r))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.GenerationJob{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
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

// Retry handles POST /api/v1/jobs/{id}/retry.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if !decodeBody(w, r, h.validate, &req, true) {
		return
	}
	job, err := h.svc.Retry(r.Context(), team, id, middleware.UserIDFromCtx(r.Context()), req.ConfirmOverage)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), team, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Refund handles POST /api/v1/jobs/{id}/refund.
func (h *JobsHandler) Refund(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.RefundFailed(r.Context(), team, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
