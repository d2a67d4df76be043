/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /vms, /book, /renew, /cancel, /queue/*   Booking lifecycle
  /auth, /logout, /me                      Identity
  /add-vm, /edit-vm, ... /groups/*         Pool administration
  /metrics, /healthz                       Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the outer HTTP surface.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means allow any.
	AllowedOrigins []string
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	// Booking lifecycle
	r.Get("/vms", h.GetState)
	r.Post("/book", h.Book)
	r.Post("/renew", h.Renew)
	r.Post("/cancel", h.Cancel)
	r.Route("/queue", func(r chi.Router) {
		r.Post("/join", h.JoinQueue)
		r.Post("/leave", h.LeaveQueue)
	})

	// Identity
	r.Post("/auth", h.Auth)
	r.Post("/logout", h.Logout)
	r.Get("/me", h.Me)

	// Pool administration
	r.Post("/add-vm", h.AddVM)
	r.Post("/edit-vm", h.EditVM)
	r.Post("/delete-vm", h.DeleteVM)
	r.Post("/remove-vm-from-group", h.RemoveVMFromGroup)
	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.ListGroups)
		r.Post("/", h.CreateGroup)
		r.Post("/{id}/add-existing-vms", h.AddVMsToGroup)
	})
	r.Post("/delete-group", h.DeleteGroup)

	// Operations
	r.Get("/healthz", h.Healthz)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	return r
}
