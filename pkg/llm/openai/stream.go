package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/user/chatfold/pkg/llm"
)

// streamChunk is one SSE data payload from the chat completions stream.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type streamDelta struct {
	Content   string          `json:"content"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

// toolCallDelta is the fragmented tool-call format used by the streaming
// API: the first fragment carries id and name, later ones append argument
// text at the same index.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// Stream sends a streaming chat completion request and forwards each SSE
// delta on the returned channel. Fragmented tool calls are assembled and
// emitted once complete; usage arrives on the final delta.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	resp, err := c.post(ctx, c.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Tool-call fragments accumulate per index until the stream ends.
		calls := map[int]*pendingCall{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				slog.Warn("skipping malformed stream chunk", "error", err)
				continue
			}

			out := llm.Delta{}
			if chunk.Usage != nil {
				out.Usage = &llm.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			for _, choice := range chunk.Choices {
				out.Content += choice.Delta.Content
				out.Reasoning += choice.Delta.Reasoning
				for _, tc := range choice.Delta.ToolCalls {
					p, ok := calls[tc.Index]
					if !ok {
						p = &pendingCall{}
						calls[tc.Index] = p
					}
					if tc.ID != "" {
						p.id = tc.ID
					}
					if tc.Function.Name != "" {
						p.name = tc.Function.Name
					}
					p.args.WriteString(tc.Function.Arguments)
				}
			}
			if out.Content == "" && out.Reasoning == "" && out.Usage == nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("stream read failed", "error", err)
		}

		if len(calls) > 0 {
			final := llm.Delta{}
			for i := 0; i < len(calls); i++ {
				p, ok := calls[i]
				if !ok || p.name == "" {
					continue
				}
				final.ToolCalls = append(final.ToolCalls, llm.ToolCall{
					ID:   p.id,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      p.name,
						Arguments: json.RawMessage(p.args.String()),
					},
				})
			}
			if len(final.ToolCalls) > 0 {
				select {
				case ch <- final:
				case <-ctx.Done():
				}
			}
		}
	}()

	return ch, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}
