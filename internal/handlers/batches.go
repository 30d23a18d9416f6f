package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/batches"
	"github.com/prodgen/backend/internal/middleware"
	"github.com/prodgen/backend/internal/models"
)

// BatchesHandler serves /api/v1/batches.
type BatchesHandler struct {
	svc      batches.Service
	validate *validator.Validate
	log      zerolog.Logger
}

func NewBatchesHandler(svc batches.Service, log zerolog.Logger) *BatchesHandler {
	return &BatchesHandler{svc: svc, validate: validator.New(), log: log.With().Str("component", "batches_handler").Logger()}
}

type batchItemRequest struct {
	ProductID          string          `json:"product_id" validate:"required"`
	VariantID          string          `json:"variant_id"`
	Type               models.JobType  `json:"type" validate:"required,oneof=generation edit description"`
	Params             json.RawMessage `json:"params" validate:"required"`
	NumberOfVariations int             `json:"number_of_variations" validate:"required,min=1"`
}

type createBatchRequest struct {
	Name           string             `json:"name"`
	Settings       json.RawMessage    `json:"settings"`
	FolderID       *uuid.UUID         `json:"folder_id"`
	Items          []batchItemRequest `json:"items" validate:"required,min=1,dive"`
	ConfirmOverage bool               `json:"confirm_overage"`
}

// Create handles POST /api/v1/batches.
func (h *BatchesHandler) Create(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req createBatchRequest
	if !decodeBody(w, r, h.validate, &req, false) {
		return
	}
	items := make([]batches.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, batches.Item{
			ProductID:          it.ProductID,
			VariantID:          it.VariantID,
			Type:               it.Type,
			Params:             it.Params,
			NumberOfVariations: it.NumberOfVariations,
		})
	}
	view, err := h.svc.Create(r.Context(), batches.CreateParams{
		TeamID:         team,
		UserID:         middleware.UserIDFromCtx(r.Context()),
		Name:           req.Name,
		Settings:       req.Settings,
		FolderID:       req.FolderID,
		Items:          items,
		ConfirmOverage: req.ConfirmOverage,
	})
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// List handles GET /api/v1/batches.
func (h *BatchesHandler) List(w http.ResponseWriter, r *http.Request) {
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
		list = []*models.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": list})
}

// Get handles GET /api/v1/batches/{id}.
func (h *BatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.withBatch(w, r, h.svc.Get)
}

// Pause handles POST /api/v1/batches/{id}/pause.
func (h *BatchesHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.withBatch(w, r, h.svc.Pause)
}

// Resume handles POST /api/v1/batches/{id}/resume.
func (h *BatchesHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.withBatch(w, r, h.svc.Resume)
}

// Cancel handles POST /api/v1/batches/{id}/cancel and DELETE /api/v1/batches/{id}.
func (h *BatchesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Cancel(r.Context(), team, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchAction func(ctx context.Context, teamID, id uuid.UUID) (*batches.View, error)

func (h *BatchesHandler) withBatch(w http.ResponseWriter, r *http.Request, action batchAction) {
	team, ok := teamOrUnauthorized(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := action(r.Context(), team, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
