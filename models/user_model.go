package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	FullName          string    `gorm:"size:255;not null" json:"full_name"`
	Email             string    `gorm:"size:255;not null;unique" json:"email"`
	Password          string    `gorm:"not null" json:"-"`
	University        *string   `gorm:"size:255" json:"university,omitempty"`
	ProfilePictureURL *string   `gorm:"size:255" json:"profile_picture_url"`
	IsVerified        bool      `gorm:"default:false" json:"is_verified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSummary is the profile slice other participants are allowed to see.
type UserSummary struct {
	ID                uuid.UUID `json:"id"`
	FullName          string    `json:"full_name"`
	ProfilePictureURL *string   `json:"profile_picture_url"`
}

func (u User) Summary() UserSummary {
	return UserSummary{
		ID:                u.ID,
		FullName:          u.FullName,
		ProfilePictureURL: u.ProfilePictureURL,
	}
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
