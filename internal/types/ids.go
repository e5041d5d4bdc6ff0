// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type UserID string
type ChatID string
type MessageID string
type EventID string

func NewChatID() ChatID {
	return ChatID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}
