package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/tiercalc/internal/domain"
)

// Server is the tiercalc HTTP API.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer wires the routes over deps. Nothing listens until Start.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	router := chi.NewRouter()
	router.Use(
		TracingMiddleware,
		LoggingMiddleware,
		RecoverMiddleware,
		CORSMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)
	mountRoutes(router, NewHandler(deps, version))

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}
}

func mountRoutes(r chi.Router, h *Handler) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/calculate", h.Calculate)
		r.Get("/calculations/{id}", h.GetCalculation)

		r.Route("/calculators", func(r chi.Router) {
			r.Post("/dosing", h.CalculateDose)
			r.Post("/emergency-dosing", h.CalculateEmergencyCard)
			r.Post("/premium", h.CalculatePremium)
			r.Post("/copay", h.CalculateCopay)
			r.Post("/tax", h.CalculateTax)
		})

		r.Route("/tables", func(r chi.Router) {
			r.Get("/", h.ListTables)
			r.Post("/", h.CreateTables)
			r.Post("/reload", h.ReloadTables)
			r.Post("/lint", h.LintTables)
			r.Get("/{id}", h.GetTable)
			r.Patch("/{id}", h.PatchTable)
			r.Delete("/{id}", h.DeleteTable)
		})
	})
}

// Start listens until Shutdown, then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the routes for in-process use, as with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}
