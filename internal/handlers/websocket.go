// -----------------------------------------------------------------------
// Websocket handler - the session surface of the query engine
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/cache"
	"github.com/ternarybob/scrutor/internal/common"
	"github.com/ternarybob/scrutor/internal/engine"
	"github.com/ternarybob/scrutor/internal/listen"
	"github.com/ternarybob/scrutor/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHandler upgrades connections, registers them with the hub and
// drives the per-connection read loop. Every client action funnels into the
// same controller and submitter the HTTP handlers use.
type WebSocketHandler struct {
	hub        *listen.Hub
	controller *engine.Controller
	submitter  *engine.Submitter
	store      *cache.Cache
	logger     arbor.ILogger
}

// NewWebSocketHandler wires the websocket surface.
func NewWebSocketHandler(hub *listen.Hub, controller *engine.Controller, submitter *engine.Submitter, store *cache.Cache, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		controller: controller,
		submitter:  submitter,
		store:      store,
		logger:     logger,
	}
}

// Handle upgrades GET /ws. Identity rides on the query string: `user` is
// required, `room` defaults to the user so a solo session still has a room.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	room := r.URL.Query().Get("room")
	if user == "" {
		WriteError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	if room == "" {
		room = user
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user", user).Msg("Websocket upgrade failed")
		return
	}

	client := h.hub.Register(conn, user, room)
	defer h.cleanup(client)

	for {
		data, err := client.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("user", user).Msg("Websocket read ended")
			}
			return
		}
		h.dispatch(client, data)
	}
}

// cleanup unregisters the connection and, when it was the user's last one
// in the room, cancels every job the pair still has running. Nobody is
// left to receive those results.
func (h *WebSocketHandler) cleanup(client *listen.Client) {
	h.hub.Unregister(client)
	if h.hub.HasUser(client.Room(), client.User()) {
		return
	}
	if _, err := h.controller.CancelOwned(context.Background(), client.User(), client.Room()); err != nil {
		h.logger.Warn().
			Err(err).
			Str("user", client.User()).
			Str("room", client.Room()).
			Msg("Disconnect cleanup reported errors")
	}
}

// dispatch decodes one frame and routes it by action. Undecodable frames
// are answered with a failure payload instead of killing the connection.
func (h *WebSocketHandler) dispatch(client *listen.Client, data []byte) {
	msg, err := models.DecodeClientMessage(data)
	if err != nil {
		h.sendFailure(client, "frame is not valid JSON")
		return
	}

	switch msg.Action {
	case models.ActionQuery:
		h.onQuery(client, msg)
	case models.ActionSentences:
		h.onContext(client, msg, false)
	case models.ActionMeta:
		h.onContext(client, msg, true)
	case models.ActionFetch:
		h.onFetch(client, msg)
	case models.ActionStop:
		h.onStop(client, msg)
	case models.ActionPing:
		h.sendJSON(client, map[string]string{"action": models.ActionPong})
	default:
		h.logger.Debug().Str("action", msg.Action).Str("user", client.User()).Msg("Unknown websocket action")
	}
}

// onQuery runs a query submission with the same semantics as POST /query.
// The iteration runs off the read loop so a slow compile never blocks the
// client's other frames.
func (h *WebSocketHandler) onQuery(client *listen.Client, msg *models.ClientMessage) {
	var req models.QueryRequest
	if err := msg.Into(&req); err != nil {
		h.sendFailure(client, "query frame could not be decoded")
		return
	}
	if req.User == "" {
		req.User = client.User()
	}
	if req.Room == "" {
		req.Room = client.Room()
	}

	it, err := h.controller.FromRequest(context.Background(), &req)
	if err != nil {
		h.sendFailure(client, err.Error())
		return
	}

	common.SafeGo(h.logger, "wsQuery", func() {
		if _, err := h.controller.Run(context.Background(), it); err != nil {
			if errors.Is(err, engine.ErrKwicLimit) || errors.Is(err, engine.ErrNoBatch) {
				// Already published as a refusal payload.
				return
			}
			h.logger.Error().Err(err).Str("user", req.User).Msg("Websocket query failed")
			h.sendFailure(client, err.Error())
		}
	})
}

// contextRequest names a delivered batch job and the window the client now
// wants hydrated.
type contextRequest struct {
	Query  string `json:"query"`
	Offset int    `json:"offset"`
	Needed int    `json:"needed"`
	Full   bool   `json:"full"`
}

// onContext resubmits the sentence or metadata job of a delivered batch
// with the caller's current window. Fingerprint leasing turns an unchanged
// window into an in-process replay.
func (h *WebSocketHandler) onContext(client *listen.Client, msg *models.ClientMessage, isMeta bool) {
	var req contextRequest
	if err := msg.Into(&req); err != nil || req.Query == "" {
		h.sendFailure(client, "context frame names no query job")
		return
	}

	ctx := context.Background()
	parent, err := h.store.GetJob(ctx, req.Query)
	if err != nil {
		h.sendFailure(client, "query job not found or expired")
		return
	}
	it, err := engine.IterationFromJob(parent)
	if err != nil {
		h.sendFailure(client, err.Error())
		return
	}
	it.User = client.User()
	it.Room = client.Room()
	it.Offset = req.Offset
	if req.Needed > 0 {
		it.Needed = req.Needed
	}
	if req.Full {
		it.Full = true
	}

	common.SafeGo(h.logger, "wsContext", func() {
		if _, _, err := h.submitter.SubmitContext(context.Background(), it, parent, isMeta); err != nil {
			h.logger.Warn().Err(err).Str("job", parent.ID).Msg("Context resubmission failed")
			h.sendFailure(client, err.Error())
		}
	})
}

// onFetch replays a stored payload straight back to the requesting client.
func (h *WebSocketHandler) onFetch(client *listen.Client, msg *models.ClientMessage) {
	var req struct {
		MsgID string `json:"msg_id"`
	}
	if err := msg.Into(&req); err != nil || req.MsgID == "" {
		h.sendFailure(client, "fetch frame names no msg_id")
		return
	}

	payload, err := h.store.LoadMessage(context.Background(), req.MsgID)
	if err != nil {
		h.sendFailure(client, "stored message not found or expired")
		return
	}
	h.sendJSON(client, map[string]interface{}{
		"action":  models.ActionFetch,
		"msg_id":  req.MsgID,
		"payload": json.RawMessage(payload),
	})
}

// onStop cancels a logical query end to end.
func (h *WebSocketHandler) onStop(client *listen.Client, msg *models.ClientMessage) {
	var req struct {
		FirstJob string `json:"first_job"`
		Job      string `json:"job"`
	}
	if err := msg.Into(&req); err != nil {
		h.sendFailure(client, "stop frame could not be decoded")
		return
	}
	id := req.FirstJob
	if id == "" {
		id = req.Job
	}
	if id == "" {
		h.sendFailure(client, "stop frame names no job")
		return
	}

	if err := h.controller.Cancel(context.Background(), id); err != nil {
		h.logger.Warn().Err(err).Str("first_job", id).Msg("Cancellation reported errors")
	}
}

func (h *WebSocketHandler) sendJSON(client *listen.Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := client.Send(data); err != nil {
		h.logger.Debug().Err(err).Str("user", client.User()).Msg("Direct websocket send failed")
	}
}

func (h *WebSocketHandler) sendFailure(client *listen.Client, info string) {
	h.sendJSON(client, map[string]string{
		"action": models.ActionFailed,
		"status": models.StatusError,
		"info":   info,
	})
}
