package completion

import (
	"context"
	"fmt"
	"io"
)

// ChatService turns a stateless Chatter into a conversational completer.
// Each Complete call replays the transcript behind handle, appends the
// prompt and stores the extended transcript under a fresh handle.
type ChatService struct {
	chatter      Chatter
	systemPrompt string
	convs        *Conversations
}

func NewChatService(chatter Chatter, systemPrompt string, maxConversations int) *ChatService {
	return &ChatService{
		chatter:      chatter,
		systemPrompt: systemPrompt,
		convs:        NewConversations(maxConversations),
	}
}

// Complete sends prompt, continuing the conversation behind handle when it
// is non-empty. Backend errors are returned as-is.
func (s *ChatService) Complete(ctx context.Context, prompt, handle string) (Answer, error) {
	var history []Message
	if handle != "" {
		h, err := s.convs.Get(handle)
		if err != nil {
			return Answer{}, fmt.Errorf("continuing %s: %w", handle, err)
		}
		history = h
	}

	history = append(history, Message{Role: RoleUser, Content: prompt})

	msgs := make([]Message, 0, len(history)+1)
	if s.systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s.systemPrompt})
	}
	msgs = append(msgs, history...)

	reply, err := s.chatter.Chat(ctx, msgs)
	if err != nil {
		return Answer{}, err
	}

	history = append(history, Message{Role: RoleAssistant, Content: reply})
	return Answer{Text: reply, Handle: s.convs.Put(history)}, nil
}

// Close releases the backend when it holds resources.
func (s *ChatService) Close() error {
	if c, ok := s.chatter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
