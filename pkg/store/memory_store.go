package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"conversai/pkg/domain"
)

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	byUsername    map[string]string // username -> user ID
	byEmail       map[string]string // email -> user ID
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> ordered messages
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		byUsername:    make(map[string]string),
		byEmail:       make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

// SaveUser registers or replaces a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok {
		delete(m.byUsername, prev.Username)
		delete(m.byEmail, prev.Email)
	}
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
	m.byEmail[u.Email] = u.ID
	return nil
}

// HasUsername checks if the username is taken.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUsername[username]
	return ok, nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byEmail[email]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUsername[username]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// DeleteUser removes the user with cascading conversation/message delete.
func (m *MemoryStore) DeleteUser(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	delete(m.byUsername, u.Username)
	delete(m.byEmail, u.Email)
	delete(m.users, id)
	for convID, conv := range m.conversations {
		if conv.UserID == id {
			delete(m.conversations, convID)
			delete(m.messages, convID)
		}
	}
	return nil
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	m.conversations[c.ID] = c
	return nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// ListConversationsByUser returns conversations most recently updated first.
func (m *MemoryStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	items := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// DeleteConversationsByUser removes every conversation owned by the user.
func (m *MemoryStore) DeleteConversationsByUser(userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for convID, conv := range m.conversations {
		if conv.UserID == userID {
			delete(m.conversations, convID)
			delete(m.messages, convID)
			deleted++
		}
	}
	return deleted, nil
}

// AppendMessage records a message.
func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

// ListConversationMessages returns the transcript in chronological order.
func (m *MemoryStore) ListConversationMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CompleteExchange appends the assistant reply and refreshes the
// conversation timestamp together.
func (m *MemoryStore) CompleteExchange(conversationID string, assistant domain.Message, updatedAt time.Time) error {
	if !assistant.Role.Valid() {
		return fmt.Errorf("invalid message role %q", assistant.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	assistant.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], assistant)
	conv.UpdatedAt = updatedAt
	m.conversations[conversationID] = conv
	return nil
}
