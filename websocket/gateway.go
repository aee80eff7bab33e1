package websocket

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/unihive/unihive-server/apperrors"
	"github.com/unihive/unihive-server/services"
)

// Event is the envelope both directions of the realtime protocol share.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type inboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Gateway drives authenticated websocket connections: presence
// registration, room membership, and the message/typing/read fan-out.
// All persistence goes through the same MessagingService as the REST
// facade.
type Gateway struct {
	hub *Hub
	svc *services.MessagingService
}

func NewGateway(hub *Hub, svc *services.MessagingService) *Gateway {
	return &Gateway{hub: hub, svc: svc}
}

// ServeWS runs one connection's lifetime. The upgrade middleware has
// already verified the handshake token and stored the user id in Locals;
// an unauthenticated connection never reaches this handler.
func (g *Gateway) ServeWS(conn *websocket.Conn) {
	userID, ok := conn.Locals("userID").(uuid.UUID)
	if !ok {
		log.Println("WebSocket connection reached gateway without an authenticated user, closing")
		conn.Close()
		return
	}

	userData, err := g.svc.UserSummary(userID)
	if err != nil {
		log.Printf("WebSocket refused for user %s: %v", userID, err)
		conn.Close()
		return
	}

	client := newClient(userID, conn)
	go client.writePump()

	g.hub.Register(client)
	g.hub.Join(UserRoom(userID), client)
	log.Printf("WebSocket client connected: %s", userID)

	client.sendEvent("connectionStatus", map[string]interface{}{
		"status":    "connected",
		"user_id":   userID,
		"user_data": userData,
	})

	defer func() {
		wentOffline := g.hub.Unregister(client)
		conn.Close()
		log.Printf("WebSocket client disconnected: %s", userID)
		if wentOffline {
			g.broadcastEvent("", Event{Event: "userStatus", Data: map[string]interface{}{
				"user_id": userID,
				"status":  "offline",
			}}, nil)
		}
	}()

	for {
		var evt inboundEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				break
			}
			log.Printf("WebSocket read error for user %s: %v", userID, err)
			break
		}
		g.dispatch(client, evt)
	}
}

func (g *Gateway) dispatch(client *Client, evt inboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered handler panic for user %s on %q: %v", client.UserID, evt.Event, r)
			client.sendError("Something went wrong")
		}
	}()

	switch evt.Event {
	case "joinConversation":
		g.handleJoinConversation(client, evt.Data)
	case "leaveConversation":
		g.handleLeaveConversation(client, evt.Data)
	case "sendMessage":
		g.handleSendMessage(client, evt.Data)
	case "markAsRead":
		g.handleMarkAsRead(client, evt.Data)
	case "typing":
		g.handleTyping(client, evt.Data)
	default:
		client.sendError("Unknown event: " + evt.Event)
	}
}

type conversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type sendMessagePayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	RecipientID    uuid.UUID `json:"recipient_id"`
	Content        string    `json:"content"`
}

type markAsReadPayload struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

type typingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
}

// handleJoinConversation puts the connection in a conversation room.
// Membership is re-checked here instead of trusting the caller, so
// knowing a conversation id is not enough to eavesdrop on its events.
func (g *Gateway) handleJoinConversation(client *Client, data json.RawMessage) {
	var p conversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == uuid.Nil {
		client.sendError("Invalid joinConversation payload")
		return
	}

	if _, err := g.svc.EnsureParticipant(p.ConversationID, client.UserID); err != nil {
		g.replyError(client, "joinConversation", err)
		return
	}
	g.hub.Join(ConversationRoom(p.ConversationID), client)
}

func (g *Gateway) handleLeaveConversation(client *Client, data json.RawMessage) {
	var p conversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == uuid.Nil {
		client.sendError("Invalid leaveConversation payload")
		return
	}
	g.hub.Leave(ConversationRoom(p.ConversationID), client)
}

// handleSendMessage persists through the shared store layer, then fans
// the committed message out: to every connection in the conversation
// room, and as a notification to the recipient's private room when the
// recipient is online but possibly not viewing this conversation.
func (g *Gateway) handleSendMessage(client *Client, data json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		client.sendError("Invalid sendMessage payload")
		return
	}

	detail, err := g.svc.SendMessage(p.ConversationID, client.UserID, p.Content)
	if err != nil {
		g.replyError(client, "sendMessage", err)
		return
	}

	g.broadcastEvent(ConversationRoom(p.ConversationID), Event{Event: "newMessage", Data: detail}, nil)

	recipientID := p.RecipientID
	if recipientID == uuid.Nil {
		if conv, err := g.svc.EnsureParticipant(p.ConversationID, client.UserID); err == nil {
			recipientID = conv.OtherParticipantID(client.UserID)
		}
	}
	if recipientID == uuid.Nil || recipientID == client.UserID || !g.hub.IsOnline(recipientID) {
		return
	}
	g.broadcastEvent(UserRoom(recipientID), Event{Event: "messageNotification", Data: map[string]interface{}{
		"message": detail,
		"conversation": map[string]interface{}{
			"id":          p.ConversationID,
			"sender_id":   client.UserID,
			"sender_name": detail.Sender.FullName,
		},
	}}, nil)
}

func (g *Gateway) handleMarkAsRead(client *Client, data json.RawMessage) {
	var p markAsReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == uuid.Nil {
		client.sendError("Invalid markAsRead payload")
		return
	}

	if _, err := g.svc.MarkRead(p.ConversationID, client.UserID, p.MessageIDs); err != nil {
		g.replyError(client, "markAsRead", err)
		return
	}

	var affected interface{} = "all"
	if len(p.MessageIDs) > 0 {
		affected = p.MessageIDs
	}
	g.broadcastEvent(ConversationRoom(p.ConversationID), Event{Event: "messagesRead", Data: map[string]interface{}{
		"conversation_id": p.ConversationID,
		"read_by":         client.UserID,
		"message_ids":     affected,
	}}, nil)
}

// handleTyping is broadcast-only, nothing is persisted. The sender's own
// connection is excluded from the fan-out.
func (g *Gateway) handleTyping(client *Client, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == uuid.Nil {
		client.sendError("Invalid typing payload")
		return
	}
	g.broadcastEvent(ConversationRoom(p.ConversationID), Event{Event: "userTyping", Data: map[string]interface{}{
		"user_id":   client.UserID,
		"is_typing": p.IsTyping,
	}}, client)
}

// broadcastEvent marshals once and fans out. An empty room name means
// every connected client.
func (g *Gateway) broadcastEvent(room string, evt Event, except *Client) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("Failed to marshal %s broadcast: %v", evt.Event, err)
		return
	}
	if room == "" {
		g.hub.BroadcastAll(payload, except)
		return
	}
	g.hub.Broadcast(room, payload, except)
}

// replyError surfaces store failures as an error event. Internal detail
// stays in the server log.
func (g *Gateway) replyError(client *Client, event string, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != apperrors.CodeInternal {
		client.sendError(appErr.Message)
		return
	}
	log.Printf("Handler %s failed for user %s: %v", event, client.UserID, err)
	client.sendError("Something went wrong")
}
