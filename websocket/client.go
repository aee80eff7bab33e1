package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Client pairs an authenticated user with one live connection. Writes go
// through a buffered channel drained by writePump, because the underlying
// connection does not allow concurrent writers.
type Client struct {
	UserID uuid.UUID
	conn   *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(userID uuid.UUID, conn *websocket.Conn) *Client {
	return &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("WebSocket write error for user %s: %v", c.UserID, err)
			return
		}
	}
}

// enqueue hands a payload to the write pump without blocking. A full
// buffer means the client is too slow to keep up; the payload is dropped
// rather than stalling a broadcast.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		log.Printf("Dropping payload for slow client %s", c.UserID)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendEvent(event string, data interface{}) {
	payload, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		log.Printf("Failed to marshal %s event for user %s: %v", event, c.UserID, err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendError(message string) {
	c.sendEvent("error", map[string]interface{}{"message": message})
}
