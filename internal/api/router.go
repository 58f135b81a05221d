package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/justinas/alice"
	"github.com/rs/cors"

	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/items"
)

// DefaultMaxUploadBytes caps a report request body.
const DefaultMaxUploadBytes = 10 << 20

// MediaSource serves images kept by the service itself.
type MediaSource interface {
	Open(ctx context.Context, id string) ([]byte, string, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config wires the router.
type Config struct {
	Service  *items.Service
	Verifier identity.Verifier

	// Media serves database-stored images. Nil disables GET /api/media/{id}.
	Media MediaSource
	// Health is checked by GET /healthz when set.
	Health Pinger

	CORSOrigins    []string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	gate := NewGate(cfg.Verifier, logger)
	itemsHandler := &ItemsHandler{Service: cfg.Service, MaxUploadBytes: maxUpload, Logger: logger}
	mediaHandler := &MediaHandler{Source: cfg.Media, Logger: logger}

	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /healthz", healthz(cfg.Health, logger))

	// Authenticated routes.
	mux.Handle("POST /api/items/report", gate.Authenticate(itemsHandler.Report))
	mux.Handle("GET /api/items/all", gate.Authenticate(itemsHandler.ListApproved))
	mux.Handle("GET /api/items/my-reports", gate.Authenticate(itemsHandler.ListOwn))
	mux.Handle("GET /api/media/{id}", gate.Authenticate(mediaHandler.Get))

	// Admin only.
	mux.Handle("GET /api/admin/pending-items", gate.Authenticate(gate.RequireAdmin(itemsHandler.ListPending)))
	mux.Handle("PUT /api/admin/approve-item/{id}", gate.Authenticate(gate.RequireAdmin(itemsHandler.Approve)))
	mux.Handle("PUT /api/admin/claim-item/{id}", gate.Authenticate(gate.RequireAdmin(itemsHandler.Claim)))
	mux.Handle("GET /api/admin/items/{id}/history", gate.Authenticate(gate.RequireAdmin(itemsHandler.History)))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", identity.TokenHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
	})

	standard := alice.New(RequestID, Recover(logger), LoggingMiddleware(logger), c.Handler, SecureHeaders)
	return standard.Then(mux)
}

func healthz(db Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				logger.Error("health check failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
				jsonError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
