package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Foreign keys cascade so deleting a
// user removes their conversations and, transitively, their messages.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null;size:80"`
	Email        string `gorm:"uniqueIndex;not null;size:120"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time

	Conversations []ConversationModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

type ConversationModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null;size:200"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`

	Messages []MessageModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	Role           string `gorm:"not null;size:20"`
	Content        string `gorm:"type:text;not null"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time `gorm:"not null;index"`
}
