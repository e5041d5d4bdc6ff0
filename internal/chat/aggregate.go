// internal/chat/aggregate.go
package chat

import (
	"time"

	"github.com/user/chatfold/internal/types"
)

// Chat is the materialized aggregate for a single conversation.
type Chat struct {
	ID             types.ChatID `json:"id"`
	UserID         types.UserID `json:"user_id"`
	Name           string       `json:"name"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Shared         bool         `json:"shared"`
	Deleted        bool         `json:"deleted"`
	BranchedFromID types.ChatID `json:"branched_from_id,omitempty"`
	History        []*Message   `json:"history"`
}

// Clone returns a deep copy of the chat, including its history.
func (c *Chat) Clone() *Chat {
	out := *c
	out.History = make([]*Message, len(c.History))
	for i, m := range c.History {
		out.History[i] = m.Clone()
	}
	return &out
}

// Find returns the message with the given id, or nil.
func (c *Chat) Find(id types.MessageID) *Message {
	for _, m := range c.History {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// IndexOf returns the history index of the message with the given id, or -1.
func (c *Chat) IndexOf(id types.MessageID) int {
	for i, m := range c.History {
		if m.ID == id {
			return i
		}
	}
	return -1
}
