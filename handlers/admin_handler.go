// backend/handlers/admin_handler.go
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/database"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/utils"
	"github.com/gewnthar/aplsync/worker"
)

type syncResponse struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error,omitempty"`
	Stats   *models.IngestionStats `json:"stats,omitempty"`
}

// TriggerSync handles POST /api/admin/sync/{state}/{source}. The run happens
// inline under the state lock, so the response carries the run's stats.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Scheduler is not running")
		return
	}
	state, source := chi.URLParam(r, "state"), chi.URLParam(r, "source")
	h.logger.Info("Manual sync requested", zap.String("state", state), zap.String("data_source", source))

	// a dropped client connection does not abort a run that already holds the lock
	stats, err := h.syncer.RunNow(context.WithoutCancel(r.Context()), state, source)
	switch {
	case errors.Is(err, worker.ErrUnknownSource):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrBusy):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.respondWithJSON(w, http.StatusBadGateway, syncResponse{
			Message: fmt.Sprintf("%s/%s sync failed", state, source),
			Error:   err.Error(),
			Stats:   stats,
		})
	default:
		h.respondWithJSON(w, http.StatusOK, syncResponse{
			Message: fmt.Sprintf("%s/%s sync completed: %d added, %d updated, %d unchanged",
				state, source, stats.Additions, stats.Updates, stats.Unchanged),
			Stats: stats,
		})
	}
}

// VerifyEntry handles POST /api/admin/verify/{state}/{upc}/{date}?verified=true|false.
// The flag survives later syncs of the same entry.
func (h *Handler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.respondWithError(w, http.StatusNotFound, "Verification is not enabled")
		return
	}
	state := utils.NormalizeStateCode(chi.URLParam(r, "state"))
	u, err := utils.NormalizeUPC(chi.URLParam(r, "upc"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	effective, err := time.Parse(models.DateLayout, chi.URLParam(r, "date"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD.")
		return
	}
	verified := true
	if v := r.URL.Query().Get("verified"); v != "" {
		if verified, err = strconv.ParseBool(v); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "verified must be true or false")
			return
		}
	}

	err = h.verifier.SetVerified(r.Context(), state, u.UPC12, effective, verified)
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("No %s entry for %s effective %s", state, u.UPC12, effective.Format(models.DateLayout)))
	case err != nil:
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Info("Entry verification changed",
			zap.String("state", state), zap.String("upc", u.UPC12), zap.Bool("verified", verified))
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": state, "upc": u.UPC12, "verified": verified})
	}
}
