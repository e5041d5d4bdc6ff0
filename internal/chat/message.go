// internal/chat/message.go
package chat

import (
	"time"

	"github.com/user/chatfold/internal/types"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Usage tracks token consumption for an assistant turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// File is an attachment carried by a message. Data holds the base64-encoded
// payload.
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
}

// Reference is a source citation attached to an assistant message.
type Reference struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ToolInvocation records a single tool call made during an assistant turn.
type ToolInvocation struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Args     string `json:"args,omitempty"`
	Result   string `json:"result,omitempty"`
	Finished bool   `json:"finished"`
}

// Message is one entry in a chat's history. The assistant-only fields stay
// zero-valued for other roles.
type Message struct {
	ID       types.MessageID `json:"id"`
	Role     Role            `json:"role"`
	Text     string          `json:"text"`
	Time     time.Time       `json:"time"`
	Finished bool            `json:"finished"`

	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	Usage           *Usage           `json:"usage,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Files           []File           `json:"files,omitempty"`
	References      []Reference      `json:"references,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	Model           string           `json:"model,omitempty"`
	HasAudio        bool             `json:"has_audio,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.ToolInvocations != nil {
		out.ToolInvocations = make([]ToolInvocation, len(m.ToolInvocations))
		copy(out.ToolInvocations, m.ToolInvocations)
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	if m.Files != nil {
		out.Files = make([]File, len(m.Files))
		copy(out.Files, m.Files)
	}
	if m.References != nil {
		out.References = make([]Reference, len(m.References))
		copy(out.References, m.References)
	}
	return &out
}
