// internal/projector/size.go
package projector

import (
	"encoding/json"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
)

// EventSize returns the deterministic byte-size contribution of an event:
// UTF-8 length for text payloads, base64 payload length for files, metadata
// field lengths for references, and encoded JSON length for structured
// payloads. Events with no textual payload contribute zero. The same
// function grows increment node sizes and drives the flush triggers, so it
// must stay additive over concatenated text chunks.
func EventSize(ev *event.Event) int64 {
	switch ev.Type {
	case event.TypeMessageTextAdded:
		return int64(len(ev.Chunk))

	case event.TypeChatCreated:
		n := int64(len(ev.Name))
		if ev.Message != nil {
			n += messageSize(ev.Message)
		}
		return n

	case event.TypeMessageCreated:
		if ev.Message == nil {
			return 0
		}
		return messageSize(ev.Message)

	case event.TypeFilesUpdated:
		return filesSize(ev.Files)

	case event.TypeReferencesUpdated:
		return referencesSize(ev.References)

	case event.TypeAudioGenerated:
		return int64(len(ev.Audio))

	case event.TypeReasoningFinished:
		return int64(len(ev.Reasoning))

	case event.TypeUsageRecorded:
		if ev.Usage == nil {
			return 0
		}
		return jsonSize(ev.Usage)

	case event.TypeToolCallFinished:
		if ev.ToolInvocation == nil {
			return 0
		}
		return jsonSize(ev.ToolInvocation)

	case event.TypeChatRenamed:
		return int64(len(ev.Name))

	default:
		// tool.call.started, completion markers, shared/deleted/branched
		// carry no accumulating payload.
		return 0
	}
}

func messageSize(m *chat.Message) int64 {
	n := int64(len(m.Text) + len(m.Reasoning))
	n += filesSize(m.Files)
	n += referencesSize(m.References)
	for i := range m.ToolInvocations {
		n += jsonSize(&m.ToolInvocations[i])
	}
	if m.Usage != nil {
		n += jsonSize(m.Usage)
	}
	return n
}

func filesSize(files []chat.File) int64 {
	var n int64
	for _, f := range files {
		n += int64(len(f.Name) + len(f.MimeType) + len(f.Data))
	}
	return n
}

func referencesSize(refs []chat.Reference) int64 {
	var n int64
	for _, r := range refs {
		n += int64(len(r.Title) + len(r.URL) + len(r.Snippet))
	}
	return n
}

func jsonSize(v any) int64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
