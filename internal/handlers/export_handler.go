// -----------------------------------------------------------------------
// Export handler - triggering, listing and downloading dump files
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/exports"
	"github.com/ternarybob/scrutor/internal/models"
)

var validateExport = validator.New()

// ExportHandler exposes the export registry over HTTP. Exports triggered
// here behave exactly like ones scheduled by the listener at a query's
// terminal state.
type ExportHandler struct {
	service  *exports.Service
	registry *exports.Registry
	store    *cache.Cache
	logger   arbor.ILogger
}

func NewExportHandler(service *exports.Service, registry *exports.Registry, store *cache.Cache, logger arbor.ILogger) *ExportHandler {
	return &ExportHandler{
		service:  service,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Trigger handles POST /export for an already finished logical query.
func (h *ExportHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := validateExport.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	anchor, err := h.store.GetJob(r.Context(), req.FirstJob)
	if err != nil {
		WriteError(w, http.StatusNotFound, "query not found or expired")
		return
	}
	if anchor.Status != models.JobStatusFinished {
		WriteError(w, http.StatusConflict, "query has not finished")
		return
	}

	msg := &models.QueryProgress{
		Action:   models.ActionQueryResult,
		Status:   models.StatusFinished,
		Job:      anchor.ID,
		FirstJob: anchor.ID,
		User:     req.User,
		Room:     req.Room,
		ToExport: &models.ExportIntent{
			Format: req.Format,
			User:   req.User,
			Room:   req.Room,
		},
	}
	if err := h.service.Schedule(r.Context(), msg); err != nil {
		h.logger.Error().Err(err).Str("first_job", req.FirstJob).Msg("Export scheduling failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":    models.StatusAccepted,
		"first_job": req.FirstJob,
	})
}

// List handles GET /exports?user=: the caller's exports, newest first.
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		WriteError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	recs, err := h.registry.ListByUser(user, 100)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"exports": recs,
	})
}

// Download handles GET /exports/{id}/download, serving the generated file.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/exports/")
	id := strings.TrimSuffix(path, "/download")
	if id == "" || id == path {
		WriteError(w, http.StatusBadRequest, "export id is required")
		return
	}

	rec, err := h.registry.Get(id)
	if errors.Is(err, exports.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "export not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.Status != exports.StatusComplete {
		WriteError(w, http.StatusConflict, "export is "+rec.Status)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+rec.ID+".tsv\"")
	w.Header().Set("Content-Type", "text/tab-separated-values")
	http.ServeFile(w, r, rec.Path)
}
