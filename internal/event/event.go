// internal/event/event.go
package event

import (
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/types"
)

// Type discriminates the event union. The set is closed: every dispatch site
// (reducer, increment buffer, size calculator) switches over it and treats
// anything else as an error.
type Type string

const (
	TypeChatCreated             Type = "chat.created"
	TypeMessageCreated          Type = "message.created"
	TypeMessageTextAdded        Type = "message.text.added"
	TypeMessageTextCompleted    Type = "message.text.completed"
	TypeMessageCompleted        Type = "message.completed"
	TypeToolCallStarted         Type = "tool.call.started"
	TypeToolCallFinished        Type = "tool.call.finished"
	TypeReasoningFinished       Type = "reasoning.finished"
	TypeUsageRecorded           Type = "usage.recorded"
	TypeFilesUpdated            Type = "message.files.updated"
	TypeReferencesUpdated       Type = "message.references.updated"
	TypeAudioGenerated          Type = "message.audio.generated"
	TypeChatRenamed             Type = "chat.renamed"
	TypeChatSharedToggled       Type = "chat.shared.toggled"
	TypeChatDeleted             Type = "chat.deleted"
	TypeChatDeletedAfterMessage Type = "chat.deleted.after.message"
	TypeChatBranched            Type = "chat.branched"
)

// Event is a single entry in the log. UserID is always set; ChatID and
// MessageID are set for the variants that target a chat or message. The
// payload fields are populated per Type and zero-valued otherwise.
type Event struct {
	ID        types.EventID   `json:"id"`
	Type      Type            `json:"type"`
	UserID    types.UserID    `json:"user_id"`
	ChatID    types.ChatID    `json:"chat_id,omitempty"`
	MessageID types.MessageID `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// chat.created carries the initiating user message; message.created
	// carries the new message snapshot.
	Message *chat.Message `json:"message,omitempty"`

	// message.text.added
	Chunk string `json:"chunk,omitempty"`

	// chat.renamed
	Name string `json:"name,omitempty"`

	// chat.shared.toggled
	Shared bool `json:"shared,omitempty"`

	// chat.deleted.after.message
	AfterMessageID types.MessageID `json:"after_message_id,omitempty"`
	Exclusive      bool            `json:"exclusive,omitempty"`

	// chat.branched: ChatID is the new chat's id.
	BranchedFromChatID types.ChatID `json:"branched_from_chat_id,omitempty"`

	// usage.recorded
	Usage *chat.Usage `json:"usage,omitempty"`

	// tool.call.started / tool.call.finished
	ToolInvocation *chat.ToolInvocation `json:"tool_invocation,omitempty"`

	// reasoning.finished
	Reasoning string `json:"reasoning,omitempty"`

	// message.files.updated / message.references.updated
	Files      []chat.File      `json:"files,omitempty"`
	References []chat.Reference `json:"references,omitempty"`

	// message.audio.generated: base64 audio payload.
	Audio string `json:"audio,omitempty"`

	// message.created (assistant variants)
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}
