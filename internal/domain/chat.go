package domain

// Role identifies the author of a chat message or conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the reply
// generator and LLM integrations.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters passed to a chat backend.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
}
