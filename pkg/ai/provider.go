package ai

import "context"

// Provider-side role labels. Stored assistant messages map to "model".
const (
	ProviderRoleUser  = "user"
	ProviderRoleModel = "model"
)

// ChatMessage is one role-tagged turn of provider context.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatProvider is the narrow surface the orchestrator needs from an LLM API.
// History must be the full chronological transcript, ending with the user's
// latest message. CountTokens is diagnostic only, never on the critical path.
type ChatProvider interface {
	SendChat(ctx context.Context, message string, history []ChatMessage) (string, error)
	CountTokens(ctx context.Context, text string) (int, error)
}

// ErrorKind classifies a provider failure. The retry policy pattern-matches
// on the kind instead of inspecting error text.
type ErrorKind int

const (
	// KindThrottled marks provider-side rate rejection (HTTP 429,
	// RESOURCE_EXHAUSTED). The only retryable kind.
	KindThrottled ErrorKind = iota
	// KindTransport marks network failures and provider 5xx responses.
	KindTransport
	// KindFatal marks non-transient failures: bad request, auth failure,
	// content-safety blocks.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindTransport:
		return "transport"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return "provider " + e.Kind.String() + ": " + e.Message
}

// RateLimitError reports that the retry policy exhausted every attempt
// against a throttling provider.
type RateLimitError struct {
	Attempts int
}

func (e *RateLimitError) Error() string {
	return "provider rate limit exceeded after retries"
}

// InvalidRoleError reports a stored message whose role is outside the
// user/assistant enumeration. This signals a data-integrity bug, never
// user input.
type InvalidRoleError struct {
	Role string
}

func (e *InvalidRoleError) Error() string {
	return "invalid message role in stored history: " + e.Role
}
