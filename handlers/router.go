// Package handlers exposes the read and admin HTTP surface over chi.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/worker"
)

// EntryReader is the read side of the entry store.
type EntryReader interface {
	QueryByStateAndUPC(ctx context.Context, state, upc string) ([]*models.APLEntry, error)
	ListByState(ctx context.Context, state string) ([]*models.APLEntry, error)
}

// StatusReader lists persisted sync status.
type StatusReader interface {
	List(ctx context.Context) ([]models.SyncStatus, error)
	Previous(ctx context.Context, key models.SourceKey) (*models.SyncStatus, error)
}

// Verifier records manual confirmation of an entry.
type Verifier interface {
	SetVerified(ctx context.Context, state, upc string, effective time.Time, verified bool) error
}

// RunHistory lists past runs of a feed.
type RunHistory interface {
	Recent(ctx context.Context, key models.SourceKey, limit int) ([]models.SyncRun, error)
}

// Syncer triggers and reports scheduled runs.
type Syncer interface {
	RunNow(ctx context.Context, state, dataSource string) (*models.IngestionStats, error)
	Status() []worker.SourceStatus
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	db       Pinger
	entries  EntryReader
	statuses StatusReader
	syncer   Syncer
	runs     RunHistory
	verifier Verifier
	metrics  http.Handler
	logger   *zap.Logger
}

func New(entries EntryReader, statuses StatusReader, syncer Syncer, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{entries: entries, statuses: statuses, syncer: syncer, metrics: metrics, logger: logger}
}

// WithRunHistory enables GET /api/runs/{state}/{source}.
func (h *Handler) WithRunHistory(runs RunHistory) *Handler {
	h.runs = runs
	return h
}

// WithVerifier enables POST /api/admin/verify/{state}/{upc}/{date}.
func (h *Handler) WithVerifier(v Verifier) *Handler {
	h.verifier = v
	return h
}

// WithPinger makes the health check ping the database.
func (h *Handler) WithPinger(db Pinger) *Handler {
	h.db = db
	return h
}

// Routes builds the router. The metrics endpoint is only mounted when a
// handler was supplied.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/health", h.Health)
			r.Get("/status", h.ListStatus)
			r.Get("/status/{state}/{source}", h.GetStatus)
			r.Get("/runs/{state}/{source}", h.ListRuns)
			r.Get("/apl/{state}/{upc}", h.LookupUPC)
			r.Get("/export/{state}", h.ExportState)
			r.Post("/admin/verify/{state}/{upc}/{date}", h.VerifyEntry)
		})
		// manual syncs are bounded by the run timeout instead
		r.Post("/admin/sync/{state}/{source}", h.TriggerSync)
	})
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "database connection error"})
			h.logger.Warn("Health check failed", zap.Error(err))
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
