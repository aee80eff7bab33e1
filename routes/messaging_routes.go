package routes

import (
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/unihive/unihive-server/handlers"
	"github.com/unihive/unihive-server/middleware"
	ws "github.com/unihive/unihive-server/websocket"
)

func MessagingRoutes(app *fiber.App, gateway *ws.Gateway) {
	api := app.Group("/api/v1")

	messages := api.Group("/messages", middleware.Protected())
	messages.Post("/conversations", handlers.CreateOrGetConversation)
	messages.Get("/conversations", handlers.GetUserConversations)
	messages.Get("/conversations/:conversationId/messages", handlers.GetConversationMessages)
	messages.Put("/conversations/:conversationId/read", handlers.MarkConversationRead)
	messages.Post("/send", handlers.SendMessage)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID, err := middleware.SocketUserID(c.Query("token"))
		if err != nil {
			log.Printf("WebSocket handshake rejected: %v", err)
			return fiber.ErrUnauthorized
		}
		c.Locals("userID", userID)
		return c.Next()
	})
	api.Get("/ws", websocket.New(gateway.ServeWS))
}
