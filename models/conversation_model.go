package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Conversation struct {
	ID               uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	ParticipantOneID uuid.UUID  `gorm:"type:uuid;not null;index" json:"participant_one_id"`
	ParticipantTwoID uuid.UUID  `gorm:"type:uuid;not null;index" json:"participant_two_id"`
	PairKey          string     `gorm:"size:80;not null;uniqueIndex" json:"-"`
	LastMessageID    *uuid.UUID `gorm:"type:uuid" json:"last_message_id"`

	ParticipantOne User     `gorm:"foreignKey:ParticipantOneID" json:"-"`
	ParticipantTwo User     `gorm:"foreignKey:ParticipantTwoID" json:"-"`
	LastMessage    *Message `gorm:"foreignKey:LastMessageID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PairKeyFor builds the canonical identity of an unordered participant
// pair. A unique index on this key is what prevents two rows for the
// same pair of users under concurrent first contact.
func PairKeyFor(a, b uuid.UUID) string {
	ids := []string{a.String(), b.String()}
	if ids[0] > ids[1] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return strings.Join(ids, "_")
}

// HasParticipant reports whether userID occupies either slot.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantOneID == userID || c.ParticipantTwoID == userID
}

// OtherParticipantID returns the slot that is not userID.
func (c *Conversation) OtherParticipantID(userID uuid.UUID) uuid.UUID {
	if c.ParticipantOneID == userID {
		return c.ParticipantTwoID
	}
	return c.ParticipantOneID
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
