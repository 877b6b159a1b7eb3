package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/models"
)

// MessageHandler replays stored payloads over HTTP. Large deliveries are
// stored under msg:<uuid> and clients that missed them fetch by id.
type MessageHandler struct {
	store  *cache.Cache
	logger arbor.ILogger
}

func NewMessageHandler(store *cache.Cache, logger arbor.ILogger) *MessageHandler {
	return &MessageHandler{store: store, logger: logger}
}

// Replay handles GET /messages/{uuid}: the stored payload comes back in the
// response and, when the caller names a room, goes out through the listener
// as a fetch action too.
func (h *MessageHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/messages/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusBadRequest, "message id is required")
		return
	}

	payload, err := h.store.LoadMessage(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "stored message not found or expired")
		return
	}

	envelope := map[string]interface{}{
		"action":  models.ActionFetch,
		"msg_id":  id,
		"user":    r.URL.Query().Get("user"),
		"room":    r.URL.Query().Get("room"),
		"payload": json.RawMessage(payload),
	}

	if room, _ := envelope["room"].(string); room != "" {
		data, err := json.Marshal(envelope)
		if err == nil {
			if err := h.store.PublishProgress(r.Context(), data); err != nil {
				h.logger.Warn().Err(err).Str("msg_id", id).Msg("Failed to publish fetched message")
			}
		}
	}

	WriteJSON(w, http.StatusOK, envelope)
}
