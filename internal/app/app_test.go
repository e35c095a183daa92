package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conversai/internal/ratelimit"
	"conversai/pkg/ai"
	"conversai/pkg/domain"
	"conversai/pkg/store"
)

type fakeProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	history [][]ai.ChatMessage
	tokens  int
}

func (f *fakeProvider) SendChat(ctx context.Context, message string, history []ai.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	copied := make([]ai.ChatMessage, len(history))
	copy(copied, history)
	f.history = append(f.history, copied)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.replies) {
		return f.replies[idx], nil
	}
	return "ok", nil
}

func (f *fakeProvider) CountTokens(ctx context.Context, text string) (int, error) {
	if f.tokens <= 0 {
		return 0, errors.New("unavailable")
	}
	return f.tokens, nil
}

func newTestApp(t *testing.T, provider ai.ChatProvider) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore(
		"0123456789abcdef0123456789abcdef", time.Hour,
		store.NewMemoryTokenRevoker(), store.JWTOptions{},
	)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	retryer := ai.NewRetryer(ratelimit.NewPacer(time.Millisecond), ai.RetryerConfig{
		BaseDelay: time.Millisecond,
		MaxJitter: time.Millisecond,
	})
	return New(st, sessions, provider, retryer), st
}

func signUpAndConverse(t *testing.T, a *App) (domain.User, domain.Conversation) {
	t.Helper()
	ctx := context.Background()
	user, err := a.SignUp(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	conversation, err := a.CreateConversation(ctx, user.ID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return user, conversation
}

func TestSendMessagePersistsBothTurns(t *testing.T) {
	provider := &fakeProvider{replies: []string{"hello there"}, tokens: 5}
	a, st := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)

	result, err := a.SendMessage(context.Background(), user.ID, conversation.ID, "  hi  ")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if result.UserMessage.Content != "hi" {
		t.Fatalf("user content = %q, want trimmed %q", result.UserMessage.Content, "hi")
	}
	if result.AssistantMessage.Content != "hello there" {
		t.Fatalf("assistant content = %q", result.AssistantMessage.Content)
	}
	if result.AssistantMessage.Metadata["tokenCount"] != "5" {
		t.Fatalf("metadata = %v, want tokenCount 5", result.AssistantMessage.Metadata)
	}

	msgs, err := st.ListConversationMessages(conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}

	updated, _, _ := st.GetConversation(conversation.ID)
	if !updated.UpdatedAt.After(conversation.UpdatedAt) {
		t.Fatalf("updated_at = %v, want after %v", updated.UpdatedAt, conversation.UpdatedAt)
	}
}

func TestSendMessageBuildsContextFromTranscript(t *testing.T) {
	provider := &fakeProvider{replies: []string{"first reply", "second reply"}}
	a, _ := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)
	ctx := context.Background()

	if _, err := a.SendMessage(ctx, user.ID, conversation.ID, "first question"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := a.SendMessage(ctx, user.ID, conversation.ID, "second question"); err != nil {
		t.Fatalf("second send: %v", err)
	}

	second := provider.history[1]
	want := []ai.ChatMessage{
		{Role: ai.ProviderRoleUser, Content: "first question"},
		{Role: ai.ProviderRoleModel, Content: "first reply"},
		{Role: ai.ProviderRoleUser, Content: "second question"},
	}
	if len(second) != len(want) {
		t.Fatalf("history = %d turns, want %d", len(second), len(want))
	}
	for i := range want {
		if second[i] != want[i] {
			t.Fatalf("turn %d = %+v, want %+v", i, second[i], want[i])
		}
	}
}

func TestSendMessageEmptyTextHasNoSideEffects(t *testing.T) {
	provider := &fakeProvider{}
	a, st := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)

	_, err := a.SendMessage(context.Background(), user.ID, conversation.ID, "   \n\t ")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	msgs, _ := st.ListConversationMessages(conversation.ID)
	if len(msgs) != 0 {
		t.Fatalf("transcript = %d messages, want none", len(msgs))
	}
	if provider.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", provider.calls)
	}
}

func TestSendMessageWrongOwnerIsNotFound(t *testing.T) {
	provider := &fakeProvider{}
	a, _ := newTestApp(t, provider)
	_, conversation := signUpAndConverse(t, a)
	intruder, err := a.SignUp(context.Background(), "mallory", "mallory@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	_, err = a.SendMessage(context.Background(), intruder.ID, conversation.ID, "hi")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", provider.calls)
	}
}

func TestSendMessageProviderFailureKeepsUserTurn(t *testing.T) {
	fatal := &ai.ProviderError{Kind: ai.KindFatal, Status: 400, Message: "bad request"}
	provider := &fakeProvider{errs: []error{fatal}}
	a, st := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)

	_, err := a.SendMessage(context.Background(), user.ID, conversation.ID, "hi")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}

	msgs, _ := st.ListConversationMessages(conversation.ID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("transcript = %+v, want only the user turn", msgs)
	}
	after, _, _ := st.GetConversation(conversation.ID)
	if !after.UpdatedAt.Equal(conversation.UpdatedAt) {
		t.Fatalf("updated_at changed to %v on failure", after.UpdatedAt)
	}
}

func TestSendMessageThrottleExhaustionReportsUnavailable(t *testing.T) {
	throttle := &ai.ProviderError{Kind: ai.KindThrottled, Status: 429, Message: "slow down"}
	provider := &fakeProvider{errs: []error{throttle, throttle, throttle}}
	a, _ := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)

	_, err := a.SendMessage(context.Background(), user.ID, conversation.ID, "hi")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}
	if provider.calls != 3 {
		t.Fatalf("provider calls = %d, want 3 attempts", provider.calls)
	}
}

func TestSignUpRejectsDuplicates(t *testing.T) {
	a, _ := newTestApp(t, &fakeProvider{})
	ctx := context.Background()
	if _, err := a.SignUp(ctx, "alice", "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	var cErr *ConflictError
	if _, err := a.SignUp(ctx, "alice", "other@example.com", "password123"); !errors.As(err, &cErr) {
		t.Fatalf("duplicate username error = %v, want ConflictError", err)
	}
	if _, err := a.SignUp(ctx, "bob", "alice@example.com", "password123"); !errors.As(err, &cErr) {
		t.Fatalf("duplicate email error = %v, want ConflictError", err)
	}
}

func TestLoginByUsernameOrEmail(t *testing.T) {
	a, _ := newTestApp(t, &fakeProvider{})
	ctx := context.Background()
	if _, err := a.SignUp(ctx, "alice", "alice@example.com", "password123"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, _, err := a.Login(ctx, "alice", "password123"); err != nil {
		t.Fatalf("login by username: %v", err)
	}
	if _, _, err := a.Login(ctx, "alice@example.com", "password123"); err != nil {
		t.Fatalf("login by email: %v", err)
	}
	if _, _, err := a.Login(ctx, "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := a.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestUpdateProfileEnforcesUniqueness(t *testing.T) {
	a, _ := newTestApp(t, &fakeProvider{})
	ctx := context.Background()
	alice, err := a.SignUp(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := a.SignUp(ctx, "bob", "bob@example.com", "password123"); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	taken := "bob"
	var cErr *ConflictError
	if _, err := a.UpdateProfile(ctx, alice.ID, ProfileUpdate{Username: &taken}); !errors.As(err, &cErr) {
		t.Fatalf("taken username error = %v, want ConflictError", err)
	}

	fresh := "alice2"
	updated, err := a.UpdateProfile(ctx, alice.ID, ProfileUpdate{Username: &fresh})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Username != "alice2" {
		t.Fatalf("username = %q, want alice2", updated.Username)
	}
}

func TestChangePasswordRequiresCurrent(t *testing.T) {
	a, _ := newTestApp(t, &fakeProvider{})
	ctx := context.Background()
	alice, err := a.SignUp(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := a.ChangePassword(ctx, alice.ID, "wrong", "newpassword1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if err := a.ChangePassword(ctx, alice.ID, "password123", "newpassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, _, err := a.Login(ctx, "alice", "newpassword1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	a, st := newTestApp(t, &fakeProvider{replies: []string{"reply"}})
	user, conversation := signUpAndConverse(t, a)
	ctx := context.Background()
	if _, err := a.SendMessage(ctx, user.ID, conversation.ID, "hi"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	if err := a.DeleteAccount(ctx, user.ID, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if err := a.DeleteAccount(ctx, user.ID, "password123"); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, ok, _ := st.GetUserByID(user.ID); ok {
		t.Fatal("user should be gone")
	}
	if _, ok, _ := st.GetConversation(conversation.ID); ok {
		t.Fatal("conversation should be gone")
	}
}

func TestConversationLifecycle(t *testing.T) {
	a, _ := newTestApp(t, &fakeProvider{})
	ctx := context.Background()
	user, err := a.SignUp(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}

	first, err := a.CreateConversation(ctx, user.ID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Title != "Nova Conversa" {
		t.Fatalf("default title = %q", first.Title)
	}
	if _, err := a.CreateConversation(ctx, user.ID, "Trip planning"); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := a.ListConversations(user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("conversations = %d, want 2", len(items))
	}

	if err := a.DeleteConversation(ctx, user.ID, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := a.GetConversation(user.ID, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted lookup error = %v, want ErrNotFound", err)
	}

	deleted, err := a.DeleteAllConversations(ctx, user.ID)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}

func TestConcurrentSendsSerializePerConversation(t *testing.T) {
	provider := &fakeProvider{replies: []string{"r1", "r2"}}
	a, st := newTestApp(t, provider)
	user, conversation := signUpAndConverse(t, a)

	var wg sync.WaitGroup
	for _, text := range []string{"one", "two"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if _, err := a.SendMessage(context.Background(), user.ID, conversation.ID, text); err != nil {
				t.Errorf("send %q: %v", text, err)
			}
		}(text)
	}
	wg.Wait()

	msgs, _ := st.ListConversationMessages(conversation.ID)
	if len(msgs) != 4 {
		t.Fatalf("transcript = %d messages, want 4", len(msgs))
	}
	// Each provider call must end with its own user turn.
	for _, h := range provider.history {
		if len(h) == 0 || h[len(h)-1].Role != ai.ProviderRoleUser {
			t.Fatalf("history does not end with a user turn: %+v", h)
		}
	}
}
