// internal/prompt/engine.go

// Package prompt assembles token-budgeted LLM prompts from chat history
// and estimates token usage when a provider does not report it.
package prompt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a prompt engine with the specified token budget. model
// selects the tokenizer; maxTokens is the model's context window size;
// reserve is held back for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Build assembles a prompt from the chat's history, newest messages kept
// first when the budget forces truncation, returned in chronological order.
func (e *Engine) Build(c *chat.Chat, toolNames []string) []llm.Message {
	sysPrompt := systemPrompt(c, toolNames)
	remaining := e.maxTokens - e.reserve - e.CountTokens(sysPrompt)

	// Walk history newest-first so recent context survives truncation.
	var kept []llm.Message
	used := 0
	for i := len(c.History) - 1; i >= 0; i-- {
		msgs := historyMessages(c.History[i])
		cost := 0
		for _, m := range msgs {
			cost += e.messageTokens(m)
		}
		if used+cost > remaining {
			break
		}
		// Prepend to preserve chronological order.
		kept = append(msgs, kept...)
		used += cost
	}

	out := make([]llm.Message, 0, 1+len(kept))
	out = append(out, llm.Message{Role: "system", Content: sysPrompt})
	return append(out, kept...)
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := e.CountTokens(m.Content)
	for _, tc := range m.Tools {
		n += e.CountTokens(tc.Function.Name)
		n += e.CountTokens(string(tc.Function.Arguments))
	}
	return n
}

// EstimateUsage approximates token usage for a turn when the provider does
// not report it.
func (e *Engine) EstimateUsage(prompt []llm.Message, completion string) chat.Usage {
	in := 0
	for _, m := range prompt {
		in += e.messageTokens(m)
	}
	out := e.CountTokens(completion)
	return chat.Usage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
	}
}

func systemPrompt(c *chat.Chat, toolNames []string) string {
	p := fmt.Sprintf(
		"You are a helpful assistant. Current time: %s. Conversation: %s.",
		time.Now().Format(time.RFC3339), c.ID)
	if len(toolNames) > 0 {
		p += fmt.Sprintf(" You have access to the following tools: %v.", toolNames)
	}
	return p
}

// historyMessages converts one stored message into provider messages. An
// assistant message with tool invocations expands into the call/result
// pairs the API expects.
func historyMessages(m *chat.Message) []llm.Message {
	base := llm.Message{Role: string(m.Role), Content: m.Text}
	if len(m.ToolInvocations) == 0 {
		return []llm.Message{base}
	}

	out := []llm.Message{}
	calls := llm.Message{Role: "assistant", Content: m.Text}
	for _, inv := range m.ToolInvocations {
		calls.Tools = append(calls.Tools, llm.ToolCall{
			ID:   inv.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      inv.Name,
				Arguments: json.RawMessage(inv.Args),
			},
		})
	}
	out = append(out, calls)
	for _, inv := range m.ToolInvocations {
		if !inv.Finished {
			continue
		}
		out = append(out, llm.Message{
			Role:    "tool",
			Content: inv.Result,
			Tools:   []llm.ToolCall{{ID: inv.ID}},
		})
	}
	return out
}
