package store

import (
	"time"

	"conversai/pkg/domain"
)

// Store defines persistence operations for users, conversations, and
// messages. Message listings are always chronological (created_at
// ascending, ties broken by id); that order is the canonical transcript.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUsername(username string) (bool, error)
	HasUserEmail(email string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	// DeleteUser removes the user and cascades to their conversations
	// and messages.
	DeleteUser(id string) error

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error)
	DeleteConversation(id string) error
	DeleteConversationsByUser(userID string) (int, error)

	// messages
	AppendMessage(domain.Message) error
	ListConversationMessages(conversationID string) ([]domain.Message, error)
	// CompleteExchange inserts the assistant reply and refreshes the
	// conversation's updated_at in one transaction.
	CompleteExchange(conversationID string, assistant domain.Message, updatedAt time.Time) error
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
