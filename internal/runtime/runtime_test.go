package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/storage"
	"github.com/user/chatfold/internal/types"
	"github.com/user/chatfold/pkg/llm"
)

type fakeStore struct {
	chats map[types.ChatID]*chat.Chat
}

func (s *fakeStore) ReadChatContext(_ context.Context, _ types.UserID, chatID types.ChatID) (*chat.Chat, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

type fakeEngine struct{}

func (fakeEngine) Build(c *chat.Chat, toolNames []string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: "system"}}
	for _, m := range c.History {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Text})
	}
	return msgs
}

func (fakeEngine) EstimateUsage(prompt []llm.Message, completion string) chat.Usage {
	return chat.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
}

// fakeProvider plays back one scripted delta sequence per Stream call.
type fakeProvider struct {
	mu        sync.Mutex
	rounds    [][]llm.Delta
	streamErr error

	completeContent string
	completeErr     error
	completeCalls   int
}

func (p *fakeProvider) Stream(_ context.Context, _ []llm.Message, _ []llm.Tool) (<-chan llm.Delta, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	p.mu.Lock()
	var deltas []llm.Delta
	if len(p.rounds) > 0 {
		deltas = p.rounds[0]
		p.rounds = p.rounds[1:]
	}
	p.mu.Unlock()

	ch := make(chan llm.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Complete(_ context.Context, _ []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	p.mu.Lock()
	p.completeCalls++
	p.mu.Unlock()
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	return &llm.Response{Content: p.completeContent}, nil
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Model() string { return "fake-1" }

// echoTool returns its arguments and cites a source.
type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "Echo the arguments" }
func (echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}
func (echoTool) References() []ToolReference {
	return []ToolReference{{Title: "Echo", URL: "https://example.com/echo"}}
}

func seededStore() *fakeStore {
	return &fakeStore{chats: map[types.ChatID]*chat.Chat{
		"c1": {
			ID: "c1", UserID: "u1", Name: "existing",
			History: []*chat.Message{
				{ID: "m1", Role: chat.RoleUser, Text: "earlier question", Time: time.Now(), Finished: true},
			},
		},
	}}
}

func typesOf(evs []*event.Event) []event.Type {
	out := make([]event.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func countType(evs []*event.Event, t event.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestMaterialize_MergesStoredAndBuffered(t *testing.T) {
	log := event.NewLog()
	rt := New(&fakeProvider{}, fakeEngine{}, log, seededStore(), NewRegistry(), 3)

	log.Publish(&event.Event{
		Type: event.TypeMessageTextAdded, UserID: "u1", ChatID: "c1", MessageID: "m1",
		Chunk: " plus buffered",
	})

	c, err := rt.Materialize(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if c.History[0].Text != "earlier question plus buffered" {
		t.Errorf("buffered events not folded: %q", c.History[0].Text)
	}
}

func TestMaterialize_NotFound(t *testing.T) {
	log := event.NewLog()
	rt := New(&fakeProvider{}, fakeEngine{}, log, &fakeStore{chats: map[types.ChatID]*chat.Chat{}}, NewRegistry(), 3)

	if _, err := rt.Materialize(context.Background(), "u1", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMaterialize_ChatOnlyInLog(t *testing.T) {
	log := event.NewLog()
	rt := New(&fakeProvider{}, fakeEngine{}, log, &fakeStore{chats: map[types.ChatID]*chat.Chat{}}, NewRegistry(), 3)

	log.Publish(&event.Event{
		Type: event.TypeChatCreated, UserID: "u1", ChatID: "c9",
		Message: &chat.Message{ID: "m1", Role: chat.RoleUser, Text: "brand new", Time: time.Now()},
	})

	c, err := rt.Materialize(context.Background(), "u1", "c9")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(c.History) != 1 || c.History[0].Text != "brand new" {
		t.Errorf("log-only chat not materialized: %+v", c)
	}
}

func TestProcessTurn_StreamsAndCompletes(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{
		rounds: [][]llm.Delta{{
			{Content: "Hello"},
			{Content: " world"},
			{Usage: &llm.Usage{InputTokens: 7, OutputTokens: 2, TotalTokens: 9}},
		}},
	}
	rt := New(provider, fakeEngine{}, log, seededStore(), NewRegistry(), 3)

	err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c1", Text: "hi"})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	evs := log.Events(event.Filter{ChatID: "c1"}, 0)
	if countType(evs, event.TypeMessageCreated) != 2 {
		t.Errorf("expected user + assistant message.created, got %v", typesOf(evs))
	}
	if countType(evs, event.TypeMessageTextAdded) != 2 {
		t.Errorf("expected one event per content delta, got %v", typesOf(evs))
	}
	if countType(evs, event.TypeMessageTextCompleted) != 1 || countType(evs, event.TypeMessageCompleted) != 1 {
		t.Errorf("missing terminal events: %v", typesOf(evs))
	}

	var usage *chat.Usage
	for _, ev := range evs {
		if ev.Type == event.TypeUsageRecorded {
			usage = ev.Usage
		}
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Errorf("provider usage not recorded: %+v", usage)
	}

	// The chat already has a name, so no titling round trip.
	if provider.completeCalls != 0 {
		t.Errorf("unexpected titling call for named chat")
	}

	c, err := rt.Materialize(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("materialize after turn: %v", err)
	}
	last := c.History[len(c.History)-1]
	if last.Role != chat.RoleAssistant || last.Text != "Hello world" || !last.Finished {
		t.Errorf("assistant message wrong: %+v", last)
	}
	if last.Provider != "fake" || last.Model != "fake-1" {
		t.Errorf("provider identity not stamped: %+v", last)
	}
}

func TestProcessTurn_NewChatSkipsUserMessage(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{rounds: [][]llm.Delta{{{Content: "ok"}}}, completeContent: "Short title"}
	rt := New(provider, fakeEngine{}, log, &fakeStore{chats: map[types.ChatID]*chat.Chat{}}, NewRegistry(), 3)

	// The chat.created event already carries the user message.
	log.Publish(&event.Event{
		Type: event.TypeChatCreated, UserID: "u1", ChatID: "c9",
		Message: &chat.Message{ID: "m1", Role: chat.RoleUser, Text: "first", Time: time.Now(), Finished: true},
	})

	err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c9", Text: "first", NewChat: true})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}

	evs := log.Events(event.Filter{ChatID: "c9"}, 0)
	created := 0
	for _, ev := range evs {
		if ev.Type == event.TypeMessageCreated {
			created++
			if ev.Message.Role == chat.RoleUser {
				t.Error("NewChat turn published a duplicate user message")
			}
		}
	}
	if created != 1 {
		t.Errorf("expected only the assistant message.created, got %d", created)
	}

	// Untitled chat gets a title after the first turn.
	if provider.completeCalls != 1 {
		t.Errorf("expected 1 titling call, got %d", provider.completeCalls)
	}
	renames := log.Events(event.Filter{ChatID: "c9", Type: event.TypeChatRenamed}, 0)
	if len(renames) != 1 || renames[0].Name != "Short title" {
		t.Errorf("rename not published: %+v", renames)
	}
}

func TestProcessTurn_ToolRound(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{
		rounds: [][]llm.Delta{
			{{ToolCalls: []llm.ToolCall{{
				ID: "t1", Type: "function",
				Function: llm.FunctionCall{Name: "echo", Arguments: json.RawMessage(`{"x":1}`)},
			}}}},
			{{Content: "done with tools"}},
		},
	}
	registry := NewRegistry()
	registry.Register(echoTool{})
	rt := New(provider, fakeEngine{}, log, seededStore(), registry, 3)

	if err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c1", Text: "use the tool"}); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	evs := log.Events(event.Filter{ChatID: "c1"}, 0)
	if countType(evs, event.TypeToolCallStarted) != 1 || countType(evs, event.TypeToolCallFinished) != 1 {
		t.Fatalf("tool lifecycle events missing: %v", typesOf(evs))
	}
	for _, ev := range evs {
		if ev.Type == event.TypeToolCallFinished {
			if !ev.ToolInvocation.Finished || ev.ToolInvocation.Result != `{"x":1}` {
				t.Errorf("tool result wrong: %+v", ev.ToolInvocation)
			}
		}
	}
	refs := log.Events(event.Filter{ChatID: "c1", Type: event.TypeReferencesUpdated}, 0)
	if len(refs) != 1 || refs[0].References[0].URL != "https://example.com/echo" {
		t.Errorf("tool references not published: %+v", refs)
	}

	c, err := rt.Materialize(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	last := c.History[len(c.History)-1]
	if last.Text != "done with tools" {
		t.Errorf("second round text missing: %q", last.Text)
	}
}

func TestProcessTurn_UnknownToolReportsError(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{
		rounds: [][]llm.Delta{
			{{ToolCalls: []llm.ToolCall{{
				ID: "t1", Type: "function",
				Function: llm.FunctionCall{Name: "missing", Arguments: json.RawMessage(`{}`)},
			}}}},
			{{Content: "recovered"}},
		},
	}
	rt := New(provider, fakeEngine{}, log, seededStore(), NewRegistry(), 3)

	if err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c1", Text: "x"}); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	finished := log.Events(event.Filter{ChatID: "c1", Type: event.TypeToolCallFinished}, 0)
	if len(finished) != 1 {
		t.Fatalf("expected 1 finished event, got %d", len(finished))
	}
	if finished[0].ToolInvocation.Result != "unknown tool: missing" {
		t.Errorf("unexpected result: %q", finished[0].ToolInvocation.Result)
	}
}

func TestProcessTurn_StreamErrorStillCompletes(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{streamErr: errors.New("connection reset")}
	rt := New(provider, fakeEngine{}, log, seededStore(), NewRegistry(), 3)

	err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c1", Text: "hi"})
	if err == nil {
		t.Fatal("expected stream error surfaced")
	}

	// Even a failed turn closes out the assistant message so readers never
	// see a hung stream.
	evs := log.Events(event.Filter{ChatID: "c1"}, 0)
	if countType(evs, event.TypeMessageTextCompleted) != 1 || countType(evs, event.TypeMessageCompleted) != 1 {
		t.Errorf("terminal events missing after error: %v", typesOf(evs))
	}
}

func TestProcessTurn_EstimatesUsageWhenUnreported(t *testing.T) {
	log := event.NewLog()
	provider := &fakeProvider{rounds: [][]llm.Delta{{{Content: "no usage here"}}}}
	rt := New(provider, fakeEngine{}, log, seededStore(), NewRegistry(), 3)

	if err := rt.ProcessTurn(&Turn{UserID: "u1", ChatID: "c1", Text: "hi"}); err != nil {
		t.Fatalf("process turn: %v", err)
	}

	usages := log.Events(event.Filter{ChatID: "c1", Type: event.TypeUsageRecorded}, 0)
	if len(usages) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(usages))
	}
	if usages[0].Usage.TotalTokens != 15 {
		t.Errorf("expected estimated usage, got %+v", usages[0].Usage)
	}
}
