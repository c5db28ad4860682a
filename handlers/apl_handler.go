package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/scraper"
	"github.com/gewnthar/aplsync/utils"
)

// LookupUPC handles GET /api/apl/{state}/{upc}. Every effective version is
// returned newest first; ?date=YYYY-MM-DD narrows to the version in force then.
func (h *Handler) LookupUPC(w http.ResponseWriter, r *http.Request) {
	state := utils.NormalizeStateCode(chi.URLParam(r, "state"))
	if !utils.IsValidState(state) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state '%s'", chi.URLParam(r, "state")))
		return
	}
	upc := chi.URLParam(r, "upc")
	if _, err := utils.NormalizeUPC(upc); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.entries.QueryByStateAndUPC(r.Context(), state, upc)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to query entries: "+err.Error())
		return
	}

	if ds := r.URL.Query().Get("date"); ds != "" {
		date, err := time.Parse(models.DateLayout, ds)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD.")
			return
		}
		entries = inForce(entries, date)
	}
	if len(entries) == 0 {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("UPC %s is not on the %s APL", upc, state))
		return
	}
	h.respondWithJSON(w, http.StatusOK, entries)
}

// inForce keeps the newest entry effective on date that has not expired.
// entries must be ordered newest first.
func inForce(entries []*models.APLEntry, date time.Time) []*models.APLEntry {
	for _, e := range entries {
		if e.EffectiveDate.After(date) {
			continue
		}
		if e.ExpirationDate != nil && !e.ExpirationDate.After(date) {
			continue
		}
		return []*models.APLEntry{e}
	}
	return nil
}

// ExportState handles GET /api/export/{state} and streams the canonical CSV.
func (h *Handler) ExportState(w http.ResponseWriter, r *http.Request) {
	state := utils.NormalizeStateCode(chi.URLParam(r, "state"))
	if !utils.IsValidState(state) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state '%s'", chi.URLParam(r, "state")))
		return
	}
	entries, err := h.entries.ListByState(r.Context(), state)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to list entries: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_apl.csv"`, state))
	if err := scraper.WriteCanonicalCSV(w, entries); err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Error("Export interrupted", zap.String("state", state), zap.Error(err))
	}
}
