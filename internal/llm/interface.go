package llm

import "context"

// Roles accepted by chat completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role/content pair of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Endpoint is where and how to reach a provider. APIKey may be empty.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// Backend is the minimal chat capability the conversation service needs; it
// is easy to fake in tests. Implementations must be safe for concurrent use.
//
// Chat fails outright only when the request cannot be started or the backend
// rejects it before streaming; everything after that arrives as stream items.
type Backend interface {
	Chat(ctx context.Context, ep Endpoint, modelID string, messages []Message) (*Stream, error)
}

// ModelLister lists the models an endpoint serves, which also shows the
// endpoint is reachable and accepts its credentials.
type ModelLister interface {
	ListModels(ctx context.Context, ep Endpoint) ([]string, error)
}
