// -----------------------------------------------------------------------
// Hub - room-keyed websocket fan-out with per-connection write locks
// -----------------------------------------------------------------------

package listen

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// writeWait bounds every outbound frame; a client that cannot drain within
// it is dropped rather than allowed to stall the fan-out.
const writeWait = 10 * time.Second

// Client is one websocket connection scoped to a user and a room. Writes
// are serialized through the client's own mutex because the fan-out and
// the handler's pong replies share the connection.
type Client struct {
	conn *websocket.Conn
	user string
	room string
	mu   sync.Mutex
}

// User returns the session identity the connection was registered under.
func (c *Client) User() string { return c.user }

// Room returns the room the connection was registered under.
func (c *Client) Room() string { return c.room }

// Send writes one text frame with the standard deadline.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadMessage blocks for the next text frame from the client. Reads are
// single-threaded by the websocket handler, so no lock is taken.
func (c *Client) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// ping writes a control frame to probe liveness.
func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub tracks live connections by room. Every server process runs one hub;
// the listener pushes published payloads through it and the websocket
// handler registers and unregisters connections.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	logger arbor.ILogger
}

// NewHub creates an empty hub.
func NewHub(logger arbor.ILogger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds a connection under its room and returns the client handle.
func (h *Hub) Register(conn *websocket.Conn, user, room string) *Client {
	client := &Client{conn: conn, user: user, room: room}

	h.mu.Lock()
	peers, ok := h.rooms[room]
	if !ok {
		peers = make(map[*Client]struct{})
		h.rooms[room] = peers
	}
	peers[client] = struct{}{}
	total := h.countLocked()
	h.mu.Unlock()

	h.logger.Debug().
		Str("user", user).
		Str("room", room).
		Int("connections", total).
		Msg("Websocket client connected")
	return client
}

// Unregister removes a connection and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if peers, ok := h.rooms[client.room]; ok {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.rooms, client.room)
		}
	}
	total := h.countLocked()
	h.mu.Unlock()

	client.conn.Close()
	h.logger.Debug().
		Str("user", client.user).
		Str("room", client.room).
		Int("connections", total).
		Msg("Websocket client disconnected")
}

// Broadcast delivers a payload to a room. With userOnly set only the named
// user's connections receive it; failures and refusals never leak to the
// rest of the room. Returns the number of connections written.
func (h *Hub) Broadcast(room, user string, payload []byte, userOnly bool) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		if userOnly && client.user != user {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if err := client.Send(payload); err != nil {
			h.logger.Warn().
				Str("user", client.user).
				Str("room", client.room).
				Err(err).
				Msg("Dropping unwritable websocket client")
			h.Unregister(client)
			continue
		}
		delivered++
	}
	return delivered
}

// HasUser reports whether the user still holds a connection in the room.
func (h *Hub) HasUser(room, user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		if client.user == user {
			return true
		}
	}
	return false
}

// Count returns the number of live connections across all rooms.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	total := 0
	for _, peers := range h.rooms {
		total += len(peers)
	}
	return total
}

// Sweep pings every connection and drops the ones that no longer answer.
// The scheduler runs this periodically so half-open connections do not
// accumulate.
func (h *Hub) Sweep() int {
	h.mu.RLock()
	clients := make([]*Client, 0)
	for _, peers := range h.rooms {
		for client := range peers {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, client := range clients {
		if err := client.ping(); err != nil {
			h.Unregister(client)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Info().Int("dropped", dropped).Msg("Swept dead websocket connections")
	}
	return dropped
}
