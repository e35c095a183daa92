package domain

import "time"

// Role identifies who authored a message. It is a closed enumeration;
// persistence rejects anything outside these two values.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the two allowed values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Conversation is a titled thread of messages owned by one user.
// UpdatedAt is refreshed on every completed exchange and is the sort key
// for "recent conversations first".
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn in a conversation. Messages are immutable once
// created and strictly ordered by CreatedAt (ties broken by ID) within
// their conversation.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}
