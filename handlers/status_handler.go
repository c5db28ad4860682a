package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/worker"
)

type statusResponse struct {
	Feeds     []models.SyncStatus   `json:"feeds"`
	Scheduler []worker.SourceStatus `json:"scheduler,omitempty"`
}

// ListStatus handles GET /api/status.
func (h *Handler) ListStatus(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.statuses.List(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load sync status: "+err.Error())
		return
	}
	resp := statusResponse{Feeds: feeds}
	if resp.Feeds == nil {
		resp.Feeds = []models.SyncStatus{}
	}
	if h.syncer != nil {
		resp.Scheduler = h.syncer.Status()
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func sourceKeyParam(r *http.Request) models.SourceKey {
	return models.SourceKey{
		State:      strings.ToUpper(chi.URLParam(r, "state")),
		DataSource: models.DataSource(strings.ToLower(chi.URLParam(r, "source"))),
	}
}

// GetStatus handles GET /api/status/{state}/{source}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	key := sourceKeyParam(r)
	if !key.DataSource.Valid() {
		h.respondWithError(w, http.StatusBadRequest, "Unknown data source '"+string(key.DataSource)+"'")
		return
	}
	st, err := h.statuses.Previous(r.Context(), key)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load sync status: "+err.Error())
		return
	}
	if st == nil {
		h.respondWithError(w, http.StatusNotFound, "No sync recorded for "+key.String())
		return
	}
	h.respondWithJSON(w, http.StatusOK, st)
}

// ListRuns handles GET /api/runs/{state}/{source}?limit=N.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.respondWithError(w, http.StatusNotFound, "Run history is not enabled")
		return
	}
	key := sourceKeyParam(r)
	if !key.DataSource.Valid() {
		h.respondWithError(w, http.StatusBadRequest, "Unknown data source '"+string(key.DataSource)+"'")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := h.runs.Recent(r.Context(), key, limit)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load run history: "+err.Error())
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	h.respondWithJSON(w, http.StatusOK, runs)
}
