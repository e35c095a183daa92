package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"conversai/internal/util"
	"conversai/pkg/ai"
	"conversai/pkg/auth"
	"conversai/pkg/domain"
	"conversai/pkg/store"
)

const (
	defaultConversationTitle = "Nova Conversa"
	minPasswordLength        = 8
	minUsernameLength        = 3
	conversationListLimit    = 100
)

// App holds the application use cases on top of the store, the session
// store, and the chat provider.
type App struct {
	store    store.Store
	sessions store.SessionStore
	provider ai.ChatProvider
	retryer  *ai.Retryer

	now func() time.Time

	sendLocks conversationLocks
}

// New wires the application layer.
func New(st store.Store, sessions store.SessionStore, provider ai.ChatProvider, retryer *ai.Retryer) *App {
	return &App{
		store:    st,
		sessions: sessions,
		provider: provider,
		retryer:  retryer,
		now:      func() time.Time { return time.Now().UTC() },
		sendLocks: conversationLocks{
			locks: make(map[string]*lockEntry),
		},
	}
}

// SendResult is the outcome of a completed exchange.
type SendResult struct {
	UserMessage      domain.Message
	AssistantMessage domain.Message
}

// SendMessage runs one user turn end to end: persist the user message,
// rebuild the provider context from the stored transcript, call the
// provider through the retry policy, then persist the reply together with
// the conversation timestamp. A provider failure leaves the user message
// in place and the conversation timestamp untouched.
func (a *App) SendMessage(ctx context.Context, userID, conversationID, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, &ValidationError{Msg: "message must not be empty"}
	}
	if _, err := a.ownedConversation(userID, conversationID); err != nil {
		return SendResult{}, err
	}

	// Concurrent sends into the same conversation are serialized so each
	// provider call sees a transcript ending with its own user turn.
	unlock := a.sendLocks.lock(conversationID)
	defer unlock()

	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      a.now(),
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		return SendResult{}, fmt.Errorf("append user message: %w", err)
	}

	transcript, err := a.store.ListConversationMessages(conversationID)
	if err != nil {
		return SendResult{}, fmt.Errorf("load transcript: %w", err)
	}
	history, err := ai.BuildHistory(transcript)
	if err != nil {
		return SendResult{}, err
	}

	reply, err := a.retryer.Do(ctx, func(ctx context.Context) (string, error) {
		return a.provider.SendChat(ctx, text, history)
	})
	if err != nil {
		logger := util.LoggerFromContext(ctx)
		var provErr *ai.ProviderError
		if errors.As(err, &provErr) && provErr.Kind == ai.KindFatal {
			logger.Error("provider rejected chat request",
				"conversation_id", conversationID,
				"status", provErr.Status,
				"error", provErr.Message,
			)
		} else {
			logger.Warn("provider unavailable",
				"conversation_id", conversationID,
				"error", err,
			)
		}
		return SendResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		CreatedAt:      a.now(),
	}
	if tokens, err := a.provider.CountTokens(ctx, reply); err == nil && tokens > 0 {
		assistantMsg.Metadata = map[string]string{"tokenCount": strconv.Itoa(tokens)}
	}
	if err := a.store.CompleteExchange(conversationID, assistantMsg, assistantMsg.CreatedAt); err != nil {
		return SendResult{}, fmt.Errorf("persist assistant reply: %w", err)
	}
	return SendResult{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// SignUp registers a new account.
func (a *App) SignUp(ctx context.Context, username, email, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if len(username) < minUsernameLength {
		return domain.User{}, &ValidationError{Msg: "username must have at least 3 characters"}
	}
	if !strings.Contains(email, "@") {
		return domain.User{}, &ValidationError{Msg: "invalid email address"}
	}
	if len(password) < minPasswordLength {
		return domain.User{}, &ValidationError{Msg: "password must have at least 8 characters"}
	}
	if taken, err := a.store.HasUsername(username); err != nil {
		return domain.User{}, fmt.Errorf("check username: %w", err)
	} else if taken {
		return domain.User{}, &ConflictError{Msg: "username already in use"}
	}
	if taken, err := a.store.HasUserEmail(email); err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	} else if taken {
		return domain.User{}, &ConflictError{Msg: "email already in use"}
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// Login authenticates by username or email and issues a session token.
func (a *App) Login(ctx context.Context, identifier, password string) (domain.User, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByUsername(identifier)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		user, ok, err = a.store.GetUserByEmail(strings.ToLower(identifier))
		if err != nil {
			return domain.User{}, "", fmt.Errorf("lookup user: %w", err)
		}
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(token)
}

// GetUser returns the account for the authenticated user.
func (a *App) GetUser(userID string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// ProfileUpdate carries optional profile changes; nil fields are untouched.
type ProfileUpdate struct {
	Username *string
	Email    *string
}

// UpdateProfile changes username and/or email with uniqueness checks.
func (a *App) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (domain.User, error) {
	user, err := a.GetUser(userID)
	if err != nil {
		return domain.User{}, err
	}
	if update.Username != nil {
		username := strings.TrimSpace(*update.Username)
		if len(username) < minUsernameLength {
			return domain.User{}, &ValidationError{Msg: "username must have at least 3 characters"}
		}
		if username != user.Username {
			if taken, err := a.store.HasUsername(username); err != nil {
				return domain.User{}, fmt.Errorf("check username: %w", err)
			} else if taken {
				return domain.User{}, &ConflictError{Msg: "username already in use"}
			}
			user.Username = username
		}
	}
	if update.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*update.Email))
		if !strings.Contains(email, "@") {
			return domain.User{}, &ValidationError{Msg: "invalid email address"}
		}
		if email != user.Email {
			if taken, err := a.store.HasUserEmail(email); err != nil {
				return domain.User{}, fmt.Errorf("check email: %w", err)
			} else if taken {
				return domain.User{}, &ConflictError{Msg: "email already in use"}
			}
			user.Email = email
		}
	}
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// ChangePassword verifies the current password before setting a new one.
func (a *App) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := a.GetUser(userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return &ValidationError{Msg: "password must have at least 8 characters"}
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = a.now()
	if err := a.store.SaveUser(user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("password changed", "user_id", userID)
	return nil
}

// DeleteAccount removes the user and everything they own after verifying
// the password.
func (a *App) DeleteAccount(ctx context.Context, userID, password string) error {
	user, err := a.GetUser(userID)
	if err != nil {
		return err
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := a.store.DeleteUser(userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("account deleted", "user_id", userID)
	return nil
}

// CreateConversation opens a new conversation for the user.
func (a *App) CreateConversation(ctx context.Context, userID, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}
	now := a.now()
	conversation := domain.Conversation{
		ID:        util.NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// ListConversations returns the user's conversations, most recent first.
func (a *App) ListConversations(userID string) ([]domain.Conversation, error) {
	return a.store.ListConversationsByUser(userID, conversationListLimit)
}

// GetConversation returns one conversation with its ordered transcript.
func (a *App) GetConversation(userID, conversationID string) (domain.Conversation, []domain.Message, error) {
	conversation, err := a.ownedConversation(userID, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	messages, err := a.store.ListConversationMessages(conversationID)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("load transcript: %w", err)
	}
	return conversation, messages, nil
}

// DeleteConversation removes one conversation and its messages.
func (a *App) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := a.ownedConversation(userID, conversationID); err != nil {
		return err
	}
	if err := a.store.DeleteConversation(conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// DeleteAllConversations removes every conversation the user owns and
// returns the count.
func (a *App) DeleteAllConversations(ctx context.Context, userID string) (int, error) {
	deleted, err := a.store.DeleteConversationsByUser(userID)
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	util.LoggerFromContext(ctx).Info("conversations cleared",
		"user_id", userID,
		"deleted", deleted,
	)
	return deleted, nil
}

func (a *App) ownedConversation(userID, conversationID string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}
	if !ok || conversation.UserID != userID {
		return domain.Conversation{}, ErrNotFound
	}
	return conversation, nil
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// conversationLocks hands out one mutex per conversation ID. Entries are
// refcounted and removed once the last holder releases.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func (c *conversationLocks) lock(id string) func() {
	c.mu.Lock()
	entry, ok := c.locks[id]
	if !ok {
		entry = &lockEntry{}
		c.locks[id] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}
