package completion

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned for a handle that was never issued or has
// been evicted.
var ErrUnknownHandle = errors.New("unknown conversation handle")

// Conversations holds transcripts behind opaque handles. It keeps at most
// max transcripts and evicts the oldest first.
type Conversations struct {
	mu    sync.Mutex
	max   int
	order []string
	byID  map[string][]Message
}

// NewConversations creates a store holding at most max transcripts.
func NewConversations(max int) *Conversations {
	if max < 1 {
		max = 1
	}
	return &Conversations{max: max, byID: make(map[string][]Message)}
}

// Get returns a copy of the transcript stored under handle.
func (c *Conversations) Get(handle string) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.byID[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return append([]Message(nil), msgs...), nil
}

// Put stores a snapshot of messages and returns its new handle.
func (c *Conversations) Put(messages []Message) string {
	handle := uuid.New().String()
	snapshot := append([]Message(nil), messages...)

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) >= c.max {
		delete(c.byID, c.order[0])
		c.order = c.order[1:]
	}
	c.byID[handle] = snapshot
	c.order = append(c.order, handle)
	return handle
}

// Len returns the number of transcripts held.
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
