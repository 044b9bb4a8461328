package completion

import "context"

// Answer is one completion turn: the answer text and the handle that
// continues the conversation it belongs to.
type Answer struct {
	Text   string
	Handle string
}

// Message is a chat turn exchanged with a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chatter is a stateless chat backend: it sees the full transcript on every
// call and returns the assistant reply.
type Chatter interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
