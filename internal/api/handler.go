package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/tiercalc/internal/calculators"
	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/repository"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/opensource-finance/tiercalc/internal/usage"
)

// maxBodyBytes bounds request bodies, including uploaded rule tables.
const maxBodyBytes = 1 << 20

// defaultIdempotencyTTL applies when Deps leaves IdempotencyTTL unset.
const defaultIdempotencyTTL = 24 * time.Hour

// Deps are the components the API serves. Every field except Engine and
// Processor may be nil; endpoints that need a missing component answer 503.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Engine      *rules.Engine
	Processor   *decision.Processor
	Usage       *usage.Service
	Calculators *calculators.Suite

	// IdempotencyTTL is how long Idempotency-Key responses are replayed.
	IdempotencyTTL time.Duration
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      *rules.Engine
	processor   *decision.Processor
	usage       *usage.Service
	calculators *calculators.Suite
	idemTTL     time.Duration
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	if deps.Engine == nil {
		deps.Engine = rules.NewEngine()
	}
	if deps.Processor == nil {
		deps.Processor = decision.NewProcessor()
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		engine:      deps.Engine,
		processor:   deps.Processor,
		usage:       deps.Usage,
		calculators: deps.Calculators,
		idemTTL:     deps.IdempotencyTTL,
		version:     version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("eventbus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready reports whether any rule table is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	count := h.engine.TablesCount()
	status := http.StatusOK
	if count == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  count > 0,
		"tables": count,
	})
}

// decodeJSON reads a JSON body. Untyped numbers decode as json.Number so
// attribute values keep their exact decimal text.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// statusFor maps domain and repository errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidTable),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTableNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status for err. Internal errors are logged and
// hidden from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func unavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": component + " not available",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
