// internal/projector/increment.go
package projector

import (
	"fmt"
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/types"
)

// UserIncrement is the root of one user's buffered delta tree. Trees are
// ephemeral: built fresh at the start of a flush cycle and discarded once
// handed to the storage gateway.
type UserIncrement struct {
	UserID         types.UserID
	Size           int64
	EarliestUpdate time.Time
	LatestUpdate   time.Time
	Chats          map[types.ChatID]*ChatIncrement
}

// Truncation records a delete-after-message operation.
type Truncation struct {
	AfterMessageID types.MessageID
	Exclusive      bool
}

// ChatIncrement accumulates deltas for one chat. It has two shapes: when
// Chat is non-nil the chat was created inside this cycle and the increment
// carries the full aggregate; otherwise the fields below describe net
// additions to a chat that already exists in storage.
type ChatIncrement struct {
	ChatID         types.ChatID
	Size           int64
	EarliestUpdate time.Time
	LatestUpdate   time.Time

	Chat *chat.Chat

	Messages      map[types.MessageID]*MessageIncrement
	Name          *string
	Shared        *bool
	Deleted       bool
	Truncate      *Truncation
	BranchedFrom  types.ChatID

	// ownSize is the portion of Size contributed by chat-level events
	// (rename, the embedded aggregate, ...) rather than message children.
	ownSize int64
}

// MessageIncrement accumulates deltas for one message. When Message is
// non-nil the message was created inside this cycle and carries the full
// snapshot; otherwise the remaining fields are net additions to an existing
// message.
type MessageIncrement struct {
	MessageID types.MessageID
	Size      int64

	Message *chat.Message

	Text            string
	Files           []chat.File
	References      []chat.Reference
	ToolInvocations []chat.ToolInvocation
	Usage           *chat.Usage
	Reasoning       *string
	Audio           *string
	HasAudio        bool
	Finished        bool
}

// touch widens the node's timestamp bounds to include t. Bounds only ever
// move outward.
func (u *UserIncrement) touch(t time.Time) {
	if u.EarliestUpdate.IsZero() || t.Before(u.EarliestUpdate) {
		u.EarliestUpdate = t
	}
	if t.After(u.LatestUpdate) {
		u.LatestUpdate = t
	}
}

func (ci *ChatIncrement) touch(t time.Time) {
	if ci.EarliestUpdate.IsZero() || t.Before(ci.EarliestUpdate) {
		ci.EarliestUpdate = t
	}
	if t.After(ci.LatestUpdate) {
		ci.LatestUpdate = t
	}
}

// CheckSizes verifies the accounting invariant: every node's cached size
// equals the sum of its children's sizes plus its own contribution. Called
// at flush; a failure indicates a bookkeeping bug, not bad input.
func (u *UserIncrement) CheckSizes() error {
	var chatsTotal int64
	for id, ci := range u.Chats {
		var msgTotal int64
		for _, mi := range ci.Messages {
			if mi.Size < 0 {
				return fmt.Errorf("message %s has negative size %d", mi.MessageID, mi.Size)
			}
			msgTotal += mi.Size
		}
		if got := ci.ownSize + msgTotal; got != ci.Size {
			return fmt.Errorf("chat %s size %d != children %d", id, ci.Size, got)
		}
		chatsTotal += ci.Size
	}
	if chatsTotal != u.Size {
		return fmt.Errorf("user %s size %d != children %d", u.UserID, u.Size, chatsTotal)
	}
	return nil
}
