package services

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/unihive/unihive-server/apperrors"
	"github.com/unihive/unihive-server/models"
	"gorm.io/gorm"
)

// MessagingService is the single store layer behind both the REST facade
// and the realtime gateway, so the message-plus-conversation-pointer
// invariant is enforced in exactly one place.
type MessagingService struct {
	db *gorm.DB
}

func NewMessagingService(db *gorm.DB) *MessagingService {
	return &MessagingService{db: db}
}

type ConversationDetail struct {
	ID               uuid.UUID          `json:"id"`
	ParticipantOne   models.UserSummary `json:"participant_one"`
	ParticipantTwo   models.UserSummary `json:"participant_two"`
	OtherParticipant models.UserSummary `json:"other_participant"`
	LastMessage      *MessageDetail     `json:"last_message,omitempty"`
	UnreadCount      int64              `json:"unread_count"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

type MessageDetail struct {
	models.Message
	Sender models.UserSummary `json:"sender"`
}

type MessagePage struct {
	Messages []MessageDetail `json:"messages"`
	Total    int64           `json:"total"`
}

func errNoAccess() error {
	return apperrors.NotFound("conversation not found or access denied")
}

// GetOrCreateConversation returns the conversation between the requester
// and the recipient, creating it on first contact. The unique index on
// the canonical pair key turns a concurrent double-create into a
// re-fetch of whichever row committed first.
func (s *MessagingService) GetOrCreateConversation(requesterID, recipientID uuid.UUID) (*ConversationDetail, error) {
	if requesterID == recipientID {
		return nil, apperrors.InvalidArg("you cannot message yourself")
	}

	pairKey := models.PairKeyFor(requesterID, recipientID)
	var conv models.Conversation

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var recipient models.User
		if err := tx.First(&recipient, "id = ?", recipientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFound("recipient not found")
			}
			return apperrors.Internal("failed to look up recipient", err)
		}

		err := tx.Where("pair_key = ?", pairKey).First(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Internal("failed to look up conversation", err)
		}

		conv = models.Conversation{
			ParticipantOneID: requesterID,
			ParticipantTwoID: recipientID,
			PairKey:          pairKey,
		}
		return tx.Create(&conv).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// The other party created the row between our check and commit.
		if ferr := s.db.Where("pair_key = ?", pairKey).First(&conv).Error; ferr != nil {
			return nil, apperrors.Internal("failed to reload conversation", ferr)
		}
		err = nil
	}
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.Internal("failed to resolve conversation", err)
	}

	return s.conversationDetail(conv.ID, requesterID)
}

// ListConversationsFor returns every conversation the user takes part in,
// most recently active first, annotated with the other participant and
// the count of unread messages from them.
func (s *MessagingService) ListConversationsFor(userID uuid.UUID) ([]ConversationDetail, error) {
	var convs []models.Conversation
	err := s.db.
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		Where("participant_one_id = ? OR participant_two_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, apperrors.Internal("failed to list conversations", err)
	}

	unread, err := s.unreadCounts(userID, convs)
	if err != nil {
		return nil, err
	}

	details := make([]ConversationDetail, 0, len(convs))
	for i := range convs {
		detail := buildConversationDetail(&convs[i], userID)
		detail.UnreadCount = unread[convs[i].ID]
		details = append(details, *detail)
	}
	return details, nil
}

// ListMessages returns a newest-first page of a conversation's messages.
// Reading is also how the REST path marks the other party's messages as
// read, so the sweep happens in the same transaction as the fetch.
func (s *MessagingService) ListMessages(conversationID, requesterID uuid.UUID, limit, offset int) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	page := &MessagePage{Messages: []MessageDetail{}}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := participantConversation(tx, conversationID, requesterID); err != nil {
			return err
		}

		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ?", conversationID).
			Count(&page.Total).Error; err != nil {
			return apperrors.Internal("failed to count messages", err)
		}

		var messages []models.Message
		if err := tx.Preload("Sender").
			Where("conversation_id = ?", conversationID).
			Order("created_at DESC").
			Limit(limit).
			Offset(offset).
			Find(&messages).Error; err != nil {
			return apperrors.Internal("failed to fetch messages", err)
		}

		if _, err := markOtherPartyRead(tx, conversationID, requesterID, nil); err != nil {
			return err
		}

		for i := range messages {
			page.Messages = append(page.Messages, MessageDetail{
				Message: messages[i],
				Sender:  messages[i].Sender.Summary(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// MarkRead flips unread messages from the other participant to read and
// reports how many rows changed. Restricting to messageIDs is optional;
// repeat calls are harmless.
func (s *MessagingService) MarkRead(conversationID, requesterID uuid.UUID, messageIDs []uuid.UUID) (int64, error) {
	var changed int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := participantConversation(tx, conversationID, requesterID); err != nil {
			return err
		}

		var err error
		changed, err = markOtherPartyRead(tx, conversationID, requesterID, messageIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// SendMessage persists a message and advances the conversation's
// last-message pointer in one transaction, so a concurrent conversation
// listing never sees one without the other.
func (s *MessagingService) SendMessage(conversationID, senderID uuid.UUID, content string) (*MessageDetail, error) {
	if conversationID == uuid.Nil {
		return nil, apperrors.InvalidArg("conversation_id is required")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.InvalidArg("message content is required")
	}

	var message models.Message
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := participantConversation(tx, conversationID, senderID); err != nil {
			return err
		}

		message = models.Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
		}
		if err := tx.Create(&message).Error; err != nil {
			return apperrors.Internal("failed to save message", err)
		}

		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"last_message_id": message.ID,
				"updated_at":      time.Now(),
			}).Error; err != nil {
			return apperrors.Internal("failed to update conversation", err)
		}

		return tx.Preload("Sender").First(&message, "id = ?", message.ID).Error
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.Internal("failed to send message", err)
	}

	return &MessageDetail{Message: message, Sender: message.Sender.Summary()}, nil
}

// EnsureParticipant exposes the participant gate to the realtime layer,
// which applies it before letting a connection join a conversation room.
func (s *MessagingService) EnsureParticipant(conversationID, userID uuid.UUID) (*models.Conversation, error) {
	return participantConversation(s.db, conversationID, userID)
}

func (s *MessagingService) UserSummary(userID uuid.UUID) (models.UserSummary, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.UserSummary{}, apperrors.NotFound("user not found")
		}
		return models.UserSummary{}, apperrors.Internal("failed to look up user", err)
	}
	return user.Summary(), nil
}

func (s *MessagingService) conversationDetail(conversationID, viewerID uuid.UUID) (*ConversationDetail, error) {
	var conv models.Conversation
	err := s.db.
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		First(&conv, "id = ?", conversationID).Error
	if err != nil {
		return nil, apperrors.Internal("failed to load conversation", err)
	}

	unread, err := s.unreadCounts(viewerID, []models.Conversation{conv})
	if err != nil {
		return nil, err
	}
	detail := buildConversationDetail(&conv, viewerID)
	detail.UnreadCount = unread[conv.ID]
	return detail, nil
}

func (s *MessagingService) unreadCounts(userID uuid.UUID, convs []models.Conversation) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(convs))
	if len(convs) == 0 {
		return counts, nil
	}

	ids := make([]uuid.UUID, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}

	type row struct {
		ConversationID uuid.UUID
		Total          int64
	}
	var rows []row
	err := s.db.Model(&models.Message{}).
		Select("conversation_id, COUNT(*) AS total").
		Where("conversation_id IN ? AND sender_id <> ? AND is_read = ?", ids, userID, false).
		Group("conversation_id").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Internal("failed to count unread messages", err)
	}

	for _, r := range rows {
		counts[r.ConversationID] = r.Total
	}
	return counts, nil
}

func buildConversationDetail(conv *models.Conversation, viewerID uuid.UUID) *ConversationDetail {
	detail := &ConversationDetail{
		ID:             conv.ID,
		ParticipantOne: conv.ParticipantOne.Summary(),
		ParticipantTwo: conv.ParticipantTwo.Summary(),
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}
	if conv.ParticipantOneID == viewerID {
		detail.OtherParticipant = conv.ParticipantTwo.Summary()
	} else {
		detail.OtherParticipant = conv.ParticipantOne.Summary()
	}
	if conv.LastMessage != nil {
		detail.LastMessage = &MessageDetail{
			Message: *conv.LastMessage,
			Sender:  conv.LastMessage.Sender.Summary(),
		}
	}
	return detail
}

func participantConversation(tx *gorm.DB, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errNoAccess()
		}
		return nil, apperrors.Internal("failed to look up conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, errNoAccess()
	}
	return &conv, nil
}

// markOtherPartyRead flips unread messages authored by the other
// participant. The sender_id guard means a reader can never mark their
// own messages, so is_read only moves false to true for the recipient.
func markOtherPartyRead(tx *gorm.DB, conversationID, readerID uuid.UUID, messageIDs []uuid.UUID) (int64, error) {
	query := tx.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false)
	if len(messageIDs) > 0 {
		query = query.Where("id IN ?", messageIDs)
	}
	result := query.Update("is_read", true)
	if result.Error != nil {
		return 0, apperrors.Internal("failed to mark messages read", result.Error)
	}
	return result.RowsAffected, nil
}
