// internal/projector/buffer.go
package projector

import (
	"log/slog"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/reducer"
	"github.com/user/chatfold/internal/types"
)

// Buffer accumulates claimed events into increment trees. One disposable
// Buffer is created per flush cycle; replaying a sequence through it and
// persisting the result must be equivalent to folding the reducer over the
// same sequence.
type Buffer struct {
	users  map[types.UserID]*UserIncrement
	logger *slog.Logger
}

// NewBuffer creates an empty buffer.
func NewBuffer(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		users:  make(map[types.UserID]*UserIncrement),
		logger: logger,
	}
}

// User returns the increment tree for a user, or nil if no event touched it.
func (b *Buffer) User(id types.UserID) *UserIncrement {
	return b.users[id]
}

// Users returns every buffered increment tree.
func (b *Buffer) Users() map[types.UserID]*UserIncrement {
	return b.users
}

// Handle folds one event into the buffer. Invalid sequences (missing
// targets, unknown types) are logged and skipped; a flush cycle degrades
// by dropping the bad event, it never crashes.
func (b *Buffer) Handle(ev *event.Event) {
	switch ev.Type {
	case event.TypeChatCreated:
		b.handleChatCreated(ev)
	case event.TypeMessageCreated:
		b.handleMessageCreated(ev)
	case event.TypeMessageTextAdded:
		b.handleTextAdded(ev)
	case event.TypeMessageTextCompleted, event.TypeMessageCompleted:
		b.handleCompleted(ev)
	case event.TypeToolCallStarted, event.TypeToolCallFinished:
		b.handleToolCall(ev)
	case event.TypeReasoningFinished:
		b.handleReasoningFinished(ev)
	case event.TypeUsageRecorded:
		b.handleUsageRecorded(ev)
	case event.TypeFilesUpdated:
		b.handleFilesUpdated(ev)
	case event.TypeReferencesUpdated:
		b.handleReferencesUpdated(ev)
	case event.TypeAudioGenerated:
		b.handleAudioGenerated(ev)
	case event.TypeChatRenamed:
		b.handleChatRenamed(ev)
	case event.TypeChatSharedToggled:
		b.handleSharedToggled(ev)
	case event.TypeChatDeleted:
		b.handleChatDeleted(ev)
	case event.TypeChatDeletedAfterMessage:
		b.handleDeletedAfterMessage(ev)
	case event.TypeChatBranched:
		b.handleChatBranched(ev)
	default:
		b.logger.Warn("buffer skipping unsupported event", "event_type", ev.Type)
	}
}

// getOrCreateUser lazily instantiates the user node and widens its
// timestamp bounds.
func (b *Buffer) getOrCreateUser(ev *event.Event) *UserIncrement {
	u, ok := b.users[ev.UserID]
	if !ok {
		u = &UserIncrement{
			UserID: ev.UserID,
			Chats:  make(map[types.ChatID]*ChatIncrement),
		}
		b.users[ev.UserID] = u
	}
	u.touch(ev.Timestamp)
	return u
}

// getOrCreateChat lazily instantiates the chat node in add-to-chat shape.
func (b *Buffer) getOrCreateChat(ev *event.Event) (*UserIncrement, *ChatIncrement) {
	u := b.getOrCreateUser(ev)
	ci, ok := u.Chats[ev.ChatID]
	if !ok {
		ci = &ChatIncrement{
			ChatID:   ev.ChatID,
			Messages: make(map[types.MessageID]*MessageIncrement),
		}
		u.Chats[ev.ChatID] = ci
	}
	ci.touch(ev.Timestamp)
	return u, ci
}

// addChatSize charges a chat-level contribution to the chat and user nodes.
func addChatSize(u *UserIncrement, ci *ChatIncrement, sz int64) {
	ci.ownSize += sz
	ci.Size += sz
	u.Size += sz
}

// addMessageSize charges a message-level contribution along the whole path.
func addMessageSize(u *UserIncrement, ci *ChatIncrement, mi *MessageIncrement, sz int64) {
	mi.Size += sz
	ci.Size += sz
	u.Size += sz
}

// applyToNewChat runs the reducer against the embedded aggregate of a
// new-chat increment. Returns false if the event could not be applied.
func (b *Buffer) applyToNewChat(ci *ChatIncrement, ev *event.Event) bool {
	next, err := reducer.Apply(ci.Chat, ev)
	if err != nil {
		b.logger.Warn("buffer dropping event for new chat",
			"event_type", ev.Type, "chat_id", ev.ChatID, "error", err)
		return false
	}
	ci.Chat = next
	return true
}

// message returns the message increment for the event, seeding it when
// create is true. Returns nil when the increment is absent and create is
// false.
func (ci *ChatIncrement) message(ev *event.Event, create bool) *MessageIncrement {
	mi, ok := ci.Messages[ev.MessageID]
	if !ok {
		if !create {
			return nil
		}
		mi = &MessageIncrement{MessageID: ev.MessageID}
		ci.Messages[ev.MessageID] = mi
	}
	return mi
}

func (b *Buffer) handleChatCreated(ev *event.Event) {
	u := b.getOrCreateUser(ev)
	if _, exists := u.Chats[ev.ChatID]; exists {
		b.logger.Warn("buffer dropping duplicate chat.created", "chat_id", ev.ChatID)
		return
	}
	full, err := reducer.Apply(nil, ev)
	if err != nil {
		b.logger.Warn("buffer dropping chat.created", "chat_id", ev.ChatID, "error", err)
		return
	}
	ci := &ChatIncrement{ChatID: ev.ChatID, Chat: full}
	ci.touch(ev.Timestamp)
	u.Chats[ev.ChatID] = ci
	addChatSize(u, ci, EventSize(ev))
}

func (b *Buffer) handleMessageCreated(ev *event.Event) {
	if ev.Message == nil {
		b.logger.Warn("buffer dropping message.created without payload", "chat_id", ev.ChatID)
		return
	}
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	mi.Message = ev.Message.Clone()
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleTextAdded(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	if mi.Message != nil {
		mi.Message.Text += ev.Chunk
	} else {
		mi.Text += ev.Chunk
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

// handleCompleted marks an already-buffered message finished. A completion
// marker with nothing buffered for the message is a no-op rather than a
// spurious increment.
func (b *Buffer) handleCompleted(ev *event.Event) {
	_, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		b.applyToNewChat(ci, ev)
		return
	}
	if mi := ci.message(ev, false); mi != nil {
		if mi.Message != nil {
			mi.Message.Finished = true
		} else {
			mi.Finished = true
		}
	}
}

func (b *Buffer) handleToolCall(ev *event.Event) {
	if ev.ToolInvocation == nil {
		return
	}
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	inv := *ev.ToolInvocation
	if ev.Type == event.TypeToolCallFinished {
		inv.Finished = true
	}
	mergeToolInvocation(mi, inv)
	addMessageSize(u, ci, mi, EventSize(ev))
}

// mergeToolInvocation folds a started/finished pair into a single entry,
// matching the reducer's behavior.
func mergeToolInvocation(mi *MessageIncrement, inv chat.ToolInvocation) {
	list := mi.ToolInvocations
	if mi.Message != nil {
		list = mi.Message.ToolInvocations
	}
	for i := range list {
		if list[i].ID == inv.ID {
			if inv.Finished {
				list[i].Result = inv.Result
				list[i].Finished = true
			}
			return
		}
	}
	if mi.Message != nil {
		mi.Message.ToolInvocations = append(mi.Message.ToolInvocations, inv)
	} else {
		mi.ToolInvocations = append(mi.ToolInvocations, inv)
	}
}

func (b *Buffer) handleReasoningFinished(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	if mi.Message != nil {
		mi.Message.Reasoning = ev.Reasoning
	} else {
		r := ev.Reasoning
		mi.Reasoning = &r
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleUsageRecorded(ev *event.Event) {
	if ev.Usage == nil {
		return
	}
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	usage := *ev.Usage
	if mi.Message != nil {
		mi.Message.Usage = &usage
	} else {
		mi.Usage = &usage
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleFilesUpdated(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	if mi.Message != nil {
		mi.Message.Files = append(mi.Message.Files, ev.Files...)
	} else {
		mi.Files = append(mi.Files, ev.Files...)
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleReferencesUpdated(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	if mi.Message != nil {
		mi.Message.References = append(mi.Message.References, ev.References...)
	} else {
		mi.References = append(mi.References, ev.References...)
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleAudioGenerated(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	mi := ci.message(ev, true)
	if mi.Message != nil {
		mi.Message.HasAudio = true
	} else {
		mi.HasAudio = true
		if ev.Audio != "" {
			a := ev.Audio
			mi.Audio = &a
		}
	}
	addMessageSize(u, ci, mi, EventSize(ev))
}

func (b *Buffer) handleChatRenamed(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		if b.applyToNewChat(ci, ev) {
			addChatSize(u, ci, EventSize(ev))
		}
		return
	}
	name := ev.Name
	ci.Name = &name
	addChatSize(u, ci, EventSize(ev))
}

func (b *Buffer) handleSharedToggled(ev *event.Event) {
	_, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		b.applyToNewChat(ci, ev)
		return
	}
	shared := ev.Shared
	ci.Shared = &shared
}

func (b *Buffer) handleChatDeleted(ev *event.Event) {
	u, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		b.applyToNewChat(ci, ev)
		return
	}
	// Buffered additions for a deleted chat would be persisted only to be
	// dropped; discard them and charge back their size.
	var dropped int64
	for _, mi := range ci.Messages {
		dropped += mi.Size
	}
	ci.Messages = make(map[types.MessageID]*MessageIncrement)
	ci.Size -= dropped
	u.Size -= dropped
	ci.Deleted = true
}

func (b *Buffer) handleDeletedAfterMessage(ev *event.Event) {
	_, ci := b.getOrCreateChat(ev)
	if ci.Chat != nil {
		b.applyToNewChat(ci, ev)
		return
	}
	ci.Truncate = &Truncation{
		AfterMessageID: ev.AfterMessageID,
		Exclusive:      ev.Exclusive,
	}
}

func (b *Buffer) handleChatBranched(ev *event.Event) {
	u := b.getOrCreateUser(ev)
	if src, ok := u.Chats[ev.BranchedFromChatID]; ok && src.Chat != nil {
		// Source chat was created in this same cycle; the branch can be
		// materialized immediately.
		branched, err := reducer.Apply(src.Chat, ev)
		if err != nil {
			b.logger.Warn("buffer dropping chat.branched", "chat_id", ev.ChatID, "error", err)
			return
		}
		ci := &ChatIncrement{ChatID: ev.ChatID, Chat: branched}
		ci.touch(ev.Timestamp)
		u.Chats[ev.ChatID] = ci
		return
	}
	// Source lives in durable storage; record the origin and let the
	// gateway clone it on the cold path.
	_, ci := b.getOrCreateChat(ev)
	ci.BranchedFrom = ev.BranchedFromChatID
}
