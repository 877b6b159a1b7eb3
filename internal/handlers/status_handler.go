package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/listen"
	"github.com/ternarybob/scrutor/internal/metrics"
	"github.com/ternarybob/scrutor/internal/models"
	"github.com/ternarybob/scrutor/internal/queue"
	"github.com/ternarybob/scrutor/internal/scheduler"
)

// StatusHandler reports the operational state of the server process: queue
// depths, live connections, maintenance jobs and fan-out percentiles.
type StatusHandler struct {
	store   *cache.Cache
	manager *queue.Manager
	hub     *listen.Hub
	sched   *scheduler.Scheduler
	logger  arbor.ILogger
}

func NewStatusHandler(store *cache.Cache, manager *queue.Manager, hub *listen.Hub, sched *scheduler.Scheduler, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		store:   store,
		manager: manager,
		hub:     hub,
		sched:   sched,
		logger:  logger,
	}
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	depths := make(map[string]int64)
	for _, q := range []string{models.QueueQuery, models.QueueBackground, models.QueueInternal} {
		depth, err := h.manager.Depth(r.Context(), q)
		if err != nil {
			h.logger.Warn().Err(err).Str("queue", q).Msg("Failed to read queue depth")
			continue
		}
		depths[q] = depth
	}

	samples, err := h.store.TimeBytes(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read fan-out telemetry")
	}

	out := map[string]interface{}{
		"status":      "ok",
		"queues":      depths,
		"connections": h.hub.Count(),
		"goroutines":  common.GetGoroutineCount(),
		"fanout":      metrics.Summarize(samples),
	}
	if h.sched != nil {
		out["jobs"] = h.sched.Statuses()
	}

	WriteJSON(w, http.StatusOK, out)
}
