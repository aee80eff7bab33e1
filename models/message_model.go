package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversation_id"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null;index" json:"sender_id"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IsRead         bool      `gorm:"not null;default:false" json:"is_read"`

	Sender       User         `gorm:"foreignKey:SenderID" json:"-"`
	Conversation Conversation `gorm:"foreignKey:ConversationID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
