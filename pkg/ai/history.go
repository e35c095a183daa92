package ai

import "conversai/pkg/domain"

// BuildHistory translates a conversation's timestamp-ordered messages into
// the role-tagged history the provider expects, preserving order exactly.
// Stored "assistant" turns become the provider's "model" role; "user" stays
// as-is. An unknown role returns *InvalidRoleError.
func BuildHistory(messages []domain.Message) ([]ChatMessage, error) {
	history := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.Role {
		case domain.RoleUser:
			role = ProviderRoleUser
		case domain.RoleAssistant:
			role = ProviderRoleModel
		default:
			return nil, &InvalidRoleError{Role: string(msg.Role)}
		}
		history = append(history, ChatMessage{Role: role, Content: msg.Content})
	}
	return history, nil
}
