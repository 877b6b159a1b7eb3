// -----------------------------------------------------------------------
// Query handler - HTTP submission of logical queries
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/metrics"
	"github.com/ternarybob/scrutor/internal/models"
)

// QueryHandler accepts query submissions and configuration refreshes over
// HTTP. The websocket handler shares the same controller, so both paths
// produce identical iterations.
type QueryHandler struct {
	controller *engine.Controller
	submitter  *engine.Submitter
	metrics    *metrics.Metrics
	logger     arbor.ILogger
}

// NewQueryHandler wires the HTTP query surface. metrics may be nil.
func NewQueryHandler(controller *engine.Controller, submitter *engine.Submitter, m *metrics.Metrics, logger arbor.ILogger) *QueryHandler {
	return &QueryHandler{
		controller: controller,
		submitter:  submitter,
		metrics:    m,
		logger:     logger,
	}
}

// Submit handles POST /query: validate, build iteration zero and run it.
// The response names the first job; everything after arrives over the
// websocket.
func (h *QueryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.countQuery("invalid")
		WriteError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	it, err := h.controller.FromRequest(r.Context(), &req)
	if err != nil {
		h.countQuery("invalid")
		h.logger.Debug().Err(err).Str("user", req.User).Msg("Query request rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err = h.controller.Run(r.Context(), it)
	switch {
	case errors.Is(err, engine.ErrKwicLimit), errors.Is(err, engine.ErrNoBatch):
		h.countQuery("refused")
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.countQuery("error")
		h.logger.Error().Err(err).Str("user", req.User).Msg("Query submission failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.countQuery("accepted")
	WriteJSON(w, http.StatusAccepted, models.QueryResponse{
		Status: models.StatusAccepted,
		Job:    it.FirstJob,
	})
}

// Refresh handles POST /config: force a corpus configuration reload. The
// cron job does the same thing on a schedule.
func (h *QueryHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	job, err := h.submitter.SubmitConfig(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Config refresh submission failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": models.StatusAccepted,
		"job":    job.ID,
	})
}

func (h *QueryHandler) countQuery(outcome string) {
	if h.metrics != nil {
		h.metrics.CountQuery(outcome)
	}
}
