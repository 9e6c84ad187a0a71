package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/wardrobe/internal/api/middleware"
	"github.com/kiranshivaraju/wardrobe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth       *mw.Auth
	RateLimit  *mw.RateLimit
	AdminToken func(http.Handler) http.Handler

	HealthHandler   http.HandlerFunc
	ItemAIStatus    http.HandlerFunc
	OutfitAIStatus  http.HandlerFunc
	DispatcherTick  http.HandlerFunc
	DispatcherStats http.HandlerFunc
	EnqueueJob      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// User routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/wardrobe/items/{itemID}/ai-status", orNotImplemented(deps.ItemAIStatus))
		r.Get("/api/v1/outfits/{outfitID}/ai-status", orNotImplemented(deps.OutfitAIStatus))
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		admin := deps.AdminToken
		if admin == nil {
			admin = mw.AdminToken("")
		}
		r.Use(admin)

		r.Post("/api/v1/admin/dispatcher/tick", orNotImplemented(deps.DispatcherTick))
		r.Get("/api/v1/admin/dispatcher/stats", orNotImplemented(deps.DispatcherStats))
		r.Post("/api/v1/admin/jobs", orNotImplemented(deps.EnqueueJob))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
