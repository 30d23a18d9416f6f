package router

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/auth"
	"github.com/prodgen/backend/internal/handlers"
	"github.com/prodgen/backend/internal/middleware"
)

type Handlers struct {
	Auth    *auth.Handler
	Credits *handlers.CreditsHandler
	Jobs    *handlers.JobsHandler
	Batches *handlers.BatchesHandler
	Sync    *handlers.SyncHandler
}

// New returns an http.Handler that serves the API under /api/v1. Everything
// except the auth endpoints requires a bearer token.
func New(h Handlers, tokens middleware.TokenValidator, log zerolog.Logger) http.Handler {
	base := "/api/v1"

	protected := http.NewServeMux()
	protected.HandleFunc("GET "+base+"/credits", h.Credits.Balance)
	protected.HandleFunc("POST "+base+"/credits/check", h.Credits.Check)
	protected.HandleFunc("GET "+base+"/credits/usage", h.Credits.Usage)
	protected.HandleFunc("PUT "+base+"/credits/overage", h.Credits.SetOverage)

	protected.HandleFunc("POST "+base+"/jobs", h.Jobs.Create)
	protected.HandleFunc("GET "+base+"/jobs", h.Jobs.List)
	protected.HandleFunc("GET "+base+"/jobs/{id}", h.Jobs.Get)
	protected.HandleFunc("POST "+base+"/jobs/{id}/retry", h.Jobs.Retry)
	protected.HandleFunc("POST "+base+"/jobs/{id}/cancel", h.Jobs.Cancel)
	protected.HandleFunc("POST "+base+"/jobs/{id}/refund", h.Jobs.Refund)

	protected.HandleFunc("POST "+base+"/batches", h.Batches.Create)
	protected.HandleFunc("GET "+base+"/batches", h.Batches.List)
	protected.HandleFunc("GET "+base+"/batches/{id}", h.Batches.Get)
	protected.HandleFunc("DELETE "+base+"/batches/{id}", h.Batches.Cancel)
	protected.HandleFunc("POST "+base+"/batches/{id}/pause", h.Batches.Pause)
	protected.HandleFunc("POST "+base+"/batches/{id}/resume", h.Batches.Resume)
	protected.HandleFunc("POST "+base+"/batches/{id}/cancel", h.Batches.Cancel)

	protected.HandleFunc("POST "+base+"/sync-jobs", h.Sync.Start)
	protected.HandleFunc("GET "+base+"/sync-jobs/{id}", h.Sync.Get)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.Handle(base+"/", middleware.Authenticate(tokens, log)(protected))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return middleware.RequestLogger(log)(mux)
}
