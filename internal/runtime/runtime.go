// internal/runtime/runtime.go

// Package runtime executes assistant turns. It is the main event producer:
// every step of a turn (message creation, streamed text chunks, tool calls,
// usage, completion) is published to the event log, and the projector and
// live subscribers take it from there.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/reducer"
	"github.com/user/chatfold/internal/storage"
	"github.com/user/chatfold/internal/types"
	"github.com/user/chatfold/pkg/llm"
)

// Turn is one user message to process against a chat.
type Turn struct {
	UserID types.UserID
	ChatID types.ChatID
	Text   string

	// NewChat marks the first turn of a chat whose chat.created event
	// already carries the user message.
	NewChat bool

	Ctx context.Context
}

// ChatReader is the cold-read path used to materialize a chat before a
// turn. Implemented by the storage gateway.
type ChatReader interface {
	ReadChatContext(ctx context.Context, userID types.UserID, chatID types.ChatID) (*chat.Chat, error)
}

// PromptBuilder assembles provider prompts from a materialized chat.
type PromptBuilder interface {
	Build(c *chat.Chat, toolNames []string) []llm.Message
	EstimateUsage(prompt []llm.Message, completion string) chat.Usage
}

// Runtime implements the streaming turn loop.
type Runtime struct {
	provider  llm.Provider
	engine    PromptBuilder
	log       *event.Log
	store     ChatReader
	registry  *Registry
	maxRounds int
	logger    *slog.Logger
}

// New creates a Runtime with the given dependencies.
func New(provider llm.Provider, engine PromptBuilder, log *event.Log, store ChatReader, registry *Registry, maxRounds int) *Runtime {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Runtime{
		provider:  provider,
		engine:    engine,
		log:       log,
		store:     store,
		registry:  registry,
		maxRounds: maxRounds,
		logger:    slog.Default(),
	}
}

// Materialize folds the durable aggregate with the events still buffered in
// the log, so a turn always sees writes that have not been flushed yet.
func (rt *Runtime) Materialize(ctx context.Context, userID types.UserID, chatID types.ChatID) (*chat.Chat, error) {
	c, err := rt.store.ReadChatContext(ctx, userID, chatID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read chat: %w", err)
	}

	for _, ev := range rt.log.Events(event.Filter{ChatID: chatID}, 0) {
		next, err := reducer.Apply(c, ev)
		if err != nil {
			rt.logger.Warn("skipping invalid buffered event",
				"chat_id", chatID, "event_type", ev.Type, "error", err)
			continue
		}
		c = next
	}
	if c == nil {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

// ProcessTurn executes one assistant turn. This is the function passed to
// Queue.SetProcessor.
func (rt *Runtime) ProcessTurn(turn *Turn) error {
	ctx := turn.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if !turn.NewChat {
		userMsgID := types.NewMessageID()
		rt.log.Publish(&event.Event{
			Type:      event.TypeMessageCreated,
			UserID:    turn.UserID,
			ChatID:    turn.ChatID,
			MessageID: userMsgID,
			Message: &chat.Message{
				ID:       userMsgID,
				Role:     chat.RoleUser,
				Text:     turn.Text,
				Time:     time.Now(),
				Finished: true,
			},
		})
	}

	c, err := rt.Materialize(ctx, turn.UserID, turn.ChatID)
	if err != nil {
		return fmt.Errorf("materialize chat %s: %w", turn.ChatID, err)
	}

	assistantID := types.NewMessageID()
	rt.log.Publish(&event.Event{
		Type:      event.TypeMessageCreated,
		UserID:    turn.UserID,
		ChatID:    turn.ChatID,
		MessageID: assistantID,
		Message: &chat.Message{
			ID:       assistantID,
			Role:     chat.RoleAssistant,
			Time:     time.Now(),
			Provider: rt.provider.Name(),
			Model:    rt.provider.Model(),
		},
	})

	text, err := rt.runRounds(ctx, turn, c, assistantID)

	// The terminal events go out even when the stream failed partway; the
	// message is marked finished with whatever text made it through.
	rt.log.Publish(&event.Event{
		Type:      event.TypeMessageTextCompleted,
		UserID:    turn.UserID,
		ChatID:    turn.ChatID,
		MessageID: assistantID,
	})
	rt.log.Publish(&event.Event{
		Type:      event.TypeMessageCompleted,
		UserID:    turn.UserID,
		ChatID:    turn.ChatID,
		MessageID: assistantID,
	})
	if err != nil {
		return err
	}

	if c.Name == "" {
		rt.titleChat(ctx, turn, text)
	}
	return nil
}

// runRounds drives the stream/tool loop and returns the accumulated
// assistant text.
func (rt *Runtime) runRounds(ctx context.Context, turn *Turn, c *chat.Chat, assistantID types.MessageID) (string, error) {
	conversation := rt.engine.Build(c, rt.registry.Names())
	tools := rt.registry.AsLLMTools()

	var text, reasoning strings.Builder
	var usage *llm.Usage

	for round := 0; round < rt.maxRounds; round++ {
		deltas, err := rt.provider.Stream(ctx, conversation, tools)
		if err != nil {
			return text.String(), fmt.Errorf("stream: %w", err)
		}

		var calls []llm.ToolCall
		for d := range deltas {
			if d.Content != "" {
				text.WriteString(d.Content)
				rt.log.Publish(&event.Event{
					Type:      event.TypeMessageTextAdded,
					UserID:    turn.UserID,
					ChatID:    turn.ChatID,
					MessageID: assistantID,
					Chunk:     d.Content,
				})
			}
			if d.Reasoning != "" {
				reasoning.WriteString(d.Reasoning)
			}
			if d.Usage != nil {
				usage = d.Usage
			}
			calls = append(calls, d.ToolCalls...)
		}

		if len(calls) == 0 {
			break
		}
		conversation = append(conversation, llm.Message{
			Role: "assistant", Content: "", Tools: calls,
		})
		for _, call := range calls {
			result := rt.executeCall(ctx, turn, assistantID, call)
			conversation = append(conversation, llm.Message{
				Role:    "tool",
				Content: result,
				Tools:   []llm.ToolCall{{ID: call.ID}},
			})
		}
	}

	if reasoning.Len() > 0 {
		rt.log.Publish(&event.Event{
			Type:      event.TypeReasoningFinished,
			UserID:    turn.UserID,
			ChatID:    turn.ChatID,
			MessageID: assistantID,
			Reasoning: reasoning.String(),
		})
	}

	recorded := chat.Usage{}
	if usage != nil {
		recorded = chat.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		}
	} else {
		recorded = rt.engine.EstimateUsage(conversation, text.String())
	}
	rt.log.Publish(&event.Event{
		Type:      event.TypeUsageRecorded,
		UserID:    turn.UserID,
		ChatID:    turn.ChatID,
		MessageID: assistantID,
		Usage:     &recorded,
	})

	return text.String(), nil
}

// executeCall runs one tool call, publishing the started/finished events
// and any references the tool produced.
func (rt *Runtime) executeCall(ctx context.Context, turn *Turn, assistantID types.MessageID, call llm.ToolCall) string {
	inv := &chat.ToolInvocation{
		ID:   call.ID,
		Name: call.Function.Name,
		Args: string(call.Function.Arguments),
	}
	rt.log.Publish(&event.Event{
		Type:           event.TypeToolCallStarted,
		UserID:         turn.UserID,
		ChatID:         turn.ChatID,
		MessageID:      assistantID,
		ToolInvocation: inv,
	})

	var result string
	tool, ok := rt.registry.Get(call.Function.Name)
	if !ok {
		result = fmt.Sprintf("unknown tool: %s", call.Function.Name)
	} else {
		out, err := tool.Execute(ctx, call.Function.Arguments)
		if err != nil {
			result = fmt.Sprintf("tool error: %v", err)
		} else {
			result = out
		}
		if ref, ok := tool.(Referencer); ok {
			if refs := toChatReferences(ref.References()); len(refs) > 0 {
				rt.log.Publish(&event.Event{
					Type:       event.TypeReferencesUpdated,
					UserID:     turn.UserID,
					ChatID:     turn.ChatID,
					MessageID:  assistantID,
					References: refs,
				})
			}
		}
	}

	done := *inv
	done.Result = result
	done.Finished = true
	rt.log.Publish(&event.Event{
		Type:           event.TypeToolCallFinished,
		UserID:         turn.UserID,
		ChatID:         turn.ChatID,
		MessageID:      assistantID,
		ToolInvocation: &done,
	})
	return result
}

func toChatReferences(refs []ToolReference) []chat.Reference {
	out := make([]chat.Reference, 0, len(refs))
	for _, r := range refs {
		out = append(out, chat.Reference{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out
}

// titleChat asks the provider for a short conversation title and publishes
// the rename. Failures are logged and skipped; an untitled chat is fine.
func (rt *Runtime) titleChat(ctx context.Context, turn *Turn, assistantText string) {
	req := []llm.Message{
		{Role: "system", Content: "Reply with a conversation title of at most five words. No quotes, no punctuation."},
		{Role: "user", Content: turn.Text + "\n\n" + assistantText},
	}
	resp, err := rt.provider.Complete(ctx, req, nil)
	if err != nil {
		rt.logger.Warn("chat titling failed", "chat_id", turn.ChatID, "error", err)
		return
	}
	title := strings.TrimSpace(resp.Content)
	if title == "" {
		return
	}
	rt.log.Publish(&event.Event{
		Type:   event.TypeChatRenamed,
		UserID: turn.UserID,
		ChatID: turn.ChatID,
		Name:   title,
	})
}
