// internal/reducer/reducer.go

// Package reducer materializes chat aggregates from events. Apply is the
// single state-transition table: every read view and the increment buffer's
// handlers are defined against its semantics.
package reducer

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
)

var (
	// ErrChatExists is returned when chat.created targets an existing chat.
	ErrChatExists = errors.New("chat already exists")
	// ErrNoChat is returned when a non-create event has no target chat.
	ErrNoChat = errors.New("no target chat")
	// ErrNoMessage is returned when an event names a message that is not in
	// the chat's history.
	ErrNoMessage = errors.New("message not found")
	// ErrUnsupportedEvent is returned for event types outside the closed set.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Apply folds one event into the aggregate and returns the resulting state.
// chat.created requires a nil aggregate; every other type requires an
// existing one. The aggregate is mutated in place except for chat.branched,
// which returns a fresh deep copy and leaves the source untouched.
func Apply(c *chat.Chat, ev *event.Event) (*chat.Chat, error) {
	if ev.Type == event.TypeChatCreated {
		if c != nil {
			return nil, fmt.Errorf("%w: %s", ErrChatExists, c.ID)
		}
		return create(ev), nil
	}
	if c == nil {
		return nil, fmt.Errorf("%w: event %s for chat %s", ErrNoChat, ev.Type, ev.ChatID)
	}

	switch ev.Type {
	case event.TypeMessageCreated:
		if ev.Message == nil {
			return nil, fmt.Errorf("message.created without message payload")
		}
		c.History = append(c.History, ev.Message.Clone())

	case event.TypeMessageTextAdded:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.Text += ev.Chunk

	case event.TypeMessageTextCompleted:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.Finished = true

	case event.TypeMessageCompleted:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.Finished = true

	case event.TypeToolCallStarted:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		if ev.ToolInvocation != nil {
			m.ToolInvocations = append(m.ToolInvocations, *ev.ToolInvocation)
		}

	case event.TypeToolCallFinished:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		if ev.ToolInvocation != nil {
			finishToolCall(m, ev.ToolInvocation)
		}

	case event.TypeReasoningFinished:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.Reasoning = ev.Reasoning

	case event.TypeUsageRecorded:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		if ev.Usage != nil {
			u := *ev.Usage
			m.Usage = &u
		}

	case event.TypeFilesUpdated:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, ev.Files...)

	case event.TypeReferencesUpdated:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.References = append(m.References, ev.References...)

	case event.TypeAudioGenerated:
		m, err := target(c, ev)
		if err != nil {
			return nil, err
		}
		m.HasAudio = true

	case event.TypeChatRenamed:
		c.Name = ev.Name

	case event.TypeChatSharedToggled:
		c.Shared = ev.Shared

	case event.TypeChatDeleted:
		// Soft delete: history is not retained for undo.
		c.History = nil
		c.Deleted = true

	case event.TypeChatDeletedAfterMessage:
		idx := c.IndexOf(ev.AfterMessageID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: pivot %s", ErrNoMessage, ev.AfterMessageID)
		}
		if ev.Exclusive {
			c.History = c.History[:idx]
		} else {
			c.History = c.History[:idx+1]
		}

	case event.TypeChatBranched:
		branch := c.Clone()
		branch.ID = ev.ChatID
		branch.BranchedFromID = ev.BranchedFromChatID
		branch.CreatedAt = ev.Timestamp
		branch.UpdatedAt = ev.Timestamp
		return branch, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}

	touch(c, ev.Timestamp)
	return c, nil
}

// create seeds a fresh aggregate from a chat.created event, including the
// initiating user message when present.
func create(ev *event.Event) *chat.Chat {
	c := &chat.Chat{
		ID:        ev.ChatID,
		UserID:    ev.UserID,
		Name:      ev.Name,
		CreatedAt: ev.Timestamp,
		UpdatedAt: ev.Timestamp,
	}
	if ev.Message != nil {
		c.History = append(c.History, ev.Message.Clone())
	}
	return c
}

// target resolves the message an event addresses.
func target(c *chat.Chat, ev *event.Event) (*chat.Message, error) {
	m := c.Find(ev.MessageID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s in chat %s (event %s)", ErrNoMessage, ev.MessageID, c.ID, ev.Type)
	}
	return m, nil
}

// finishToolCall merges the finished invocation into its started entry, or
// appends it when the start was never observed.
func finishToolCall(m *chat.Message, inv *chat.ToolInvocation) {
	for i := range m.ToolInvocations {
		if m.ToolInvocations[i].ID == inv.ID {
			m.ToolInvocations[i].Result = inv.Result
			m.ToolInvocations[i].Finished = true
			return
		}
	}
	done := *inv
	done.Finished = true
	m.ToolInvocations = append(m.ToolInvocations, done)
}

func touch(c *chat.Chat, at time.Time) {
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}
