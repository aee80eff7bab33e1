package websocket

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Hub holds the process-local realtime state: which users currently have
// a live connection and which connections sit in which broadcast room.
// It is created in main and injected into the gateway.
type Hub struct {
	mu       sync.RWMutex
	presence map[uuid.UUID]*Client
	rooms    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		presence: make(map[uuid.UUID]*Client),
		rooms:    make(map[string]map[*Client]bool),
	}
}

// UserRoom names the private room every connection is auto-joined to,
// used for out-of-band notifications to a specific user.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

func ConversationRoom(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

// Register adds a client to the presence map. A user's most recent
// connection wins: any prior connection for the same user is closed and
// dropped from its rooms.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.presence[c.UserID]; ok && prev != c {
		h.removeFromRoomsLocked(prev)
		prev.close()
	}
	h.presence[c.UserID] = c
}

// Unregister drops the client from every room and, when it still owns
// the presence entry, removes that too. The return value tells the
// caller whether the user actually went offline (a replaced connection
// does not announce the user as offline).
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoomsLocked(c)
	c.close()

	if current, ok := h.presence[c.UserID]; ok && current == c {
		delete(h.presence, c.UserID)
		return true
	}
	return false
}

func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
}

func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

// Broadcast delivers a payload to every member of a room, optionally
// skipping one connection (the typing sender excludes itself).
func (h *Hub) Broadcast(room string, payload []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for member := range h.rooms[room] {
		if member == except {
			continue
		}
		member.enqueue(payload)
	}
}

// BroadcastAll delivers a payload to every connected client. Used for
// the offline announcement on disconnect.
func (h *Hub) BroadcastAll(payload []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.presence {
		if client == except {
			continue
		}
		client.enqueue(payload)
	}
}

func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.presence[userID]
	return ok
}

func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.presence)
}

// SweepStale pings every registered connection and unregisters the ones
// whose transport no longer accepts writes. Returns how many were
// dropped. Run periodically from the cron scheduler.
func (h *Hub) SweepStale(deadline time.Duration) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.presence))
	for _, c := range h.presence {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range clients {
		if c.conn == nil {
			continue
		}
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline)); err != nil {
			h.Unregister(c)
			dropped++
		}
	}
	return dropped
}

func (h *Hub) removeFromRoomsLocked(c *Client) {
	for room, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (h *Hub) leaveLocked(room string, c *Client) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
