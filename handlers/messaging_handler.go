package handlers

import (
	"errors"
	"log"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/unihive/unihive-server/apperrors"
	"github.com/unihive/unihive-server/database"
	"github.com/unihive/unihive-server/services"
	"github.com/unihive/unihive-server/utils"
)

var validate = validator.New()

func messagingService() *services.MessagingService {
	return services.NewMessagingService(database.DB)
}

func authUserID(c *fiber.Ctx) (uuid.UUID, error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return uuid.Nil, apperrors.Unauthenticated("missing authentication")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, apperrors.Unauthenticated("missing authentication")
	}
	raw, _ := claims["user_id"].(string)
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.Unauthenticated("invalid user identity in token")
	}
	return userID, nil
}

// respondError maps store-layer failures onto the HTTP surface. Internal
// errors are logged with full detail and answered with a generic message.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Code != apperrors.CodeInternal {
		return c.Status(apperrors.HTTPStatus(appErr.Code)).JSON(fiber.Map{
			"status":  "error",
			"message": appErr.Message,
		})
	}
	log.Printf("🔥 Messaging handler error | Path: %s | %v", c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"status":  "error",
		"message": "Something went wrong",
	})
}

type CreateConversationRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,uuid"`
}

func CreateOrGetConversation(c *fiber.Ctx) error {
	userID, err := authUserID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": err.Error()})
	}
	recipientID, _ := uuid.Parse(req.RecipientID)

	conversation, err := messagingService().GetOrCreateConversation(userID, recipientID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"status": "success", "data": conversation})
}

func GetUserConversations(c *fiber.Ctx) error {
	userID, err := authUserID(c)
	if err != nil {
		return respondError(c, err)
	}

	conversations, err := messagingService().ListConversationsFor(userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"status": "success", "data": conversations})
}

func GetConversationMessages(c *fiber.Ctx) error {
	userID, err := authUserID(c)
	if err != nil {
		return respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("conversationId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Invalid conversation ID"})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	page, err := messagingService().ListMessages(conversationID, userID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"status":     "success",
		"data":       page.Messages,
		"count":      len(page.Messages),
		"pagination": utils.NewPagination(page.Total, limit, offset),
	})
}

func MarkConversationRead(c *fiber.Ctx) error {
	userID, err := authUserID(c)
	if err != nil {
		return respondError(c, err)
	}

	conversationID, err := uuid.Parse(c.Params("conversationId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Invalid conversation ID"})
	}

	count, err := messagingService().MarkRead(conversationID, userID, nil)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"status": "success", "message": "Messages marked as read", "count": count})
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	Content        string `json:"content" validate:"required"`
}

func SendMessage(c *fiber.Ctx) error {
	userID, err := authUserID(c)
	if err != nil {
		return respondError(c, err)
	}

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": err.Error()})
	}
	conversationID, _ := uuid.Parse(req.ConversationID)

	message, err := messagingService().SendMessage(conversationID, userID, req.Content)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "success", "data": message})
}
