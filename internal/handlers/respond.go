package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/batches"
	"github.com/prodgen/backend/internal/catalogsync"
	"github.com/prodgen/backend/internal/jobs"
	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/middleware"
	"github.com/prodgen/backend/internal/models"
	"github.com/prodgen/backend/internal/validation"
)

// Logical error codes returned in the "error" field.
const (
	CodeInsufficientCredits         = "insufficient_credits"
	CodeOverageConfirmationRequired = "overage_confirmation_required"
	CodeRetryOfRetryForbidden       = "retry_of_retry_forbidden"
	CodeInvalidBatchState           = "invalid_batch_state_for_action"
	CodeInvalidJobState             = "invalid_job_state"
	CodeAlreadyRefunded             = "already_refunded"
	CodeValidationFailed            = "validation_failed"
	CodeNotFound                    = "not_found"
	CodeUnauthorized                = "unauthorized"
	CodeInternal                    = "internal_error"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type errorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Check   *ledger.CheckResult `json:"check,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeServiceError maps a service error to its status and logical code.
// Unrecognised errors are logged and reported as internal.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var checkErr *ledger.CheckError
	switch {
	case errors.As(err, &checkErr):
		res := checkErr.Result
		if errors.Is(err, ledger.ErrOverageConfirmationRequired) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: CodeOverageConfirmationRequired, Message: err.Error(), Check: &res})
			return
		}
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: CodeInsufficientCredits, Message: err.Error(), Check: &res})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, CodeInsufficientCredits, err.Error())
	case errors.Is(err, jobs.ErrRetryOfRetryForbidden):
		writeError(w, http.StatusConflict, CodeRetryOfRetryForbidden, "a retry cannot be retried")
	case errors.Is(err, batches.ErrInvalidBatchState):
		writeError(w, http.StatusConflict, CodeInvalidBatchState, err.Error())
	case errors.Is(err, jobs.ErrInvalidJobState):
		writeError(w, http.StatusConflict, CodeInvalidJobState, err.Error())
	case errors.Is(err, jobs.ErrAlreadyRefunded):
		writeError(w, http.StatusConflict, CodeAlreadyRefunded, err.Error())
	case errors.Is(err, validation.ErrValidation),
		errors.Is(err, jobs.ErrInvalidJob),
		errors.Is(err, batches.ErrInvalidBatch),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidCreditType),
		errors.Is(err, models.ErrUnknownJobType):
		writeError(w, http.StatusUnprocessableEntity, CodeValidationFailed, err.Error())
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, batches.ErrBatchNotFound),
		errors.Is(err, catalogsync.ErrSyncJobNotFound),
		errors.Is(err, catalogsync.ErrAccountNotFound),
		errors.Is(err, ledger.ErrPeriodNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// decodeBody decodes and validates a JSON request body. An empty body is
// accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst interface{}, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, CodeValidationFailed, "invalid JSON")
			return false
		}
	}
	if err := v.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidationFailed, err.Error())
		return false
	}
	return true
}

func teamOrUnauthorized(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	team := middleware.TeamIDFromCtx(r.Context())
	if team == uuid.Nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return team, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
