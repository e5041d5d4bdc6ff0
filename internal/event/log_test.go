package event

import (
	"fmt"
	"sync"
	"testing"

	"github.com/user/chatfold/internal/types"
)

func textEvent(uid types.UserID, cid types.ChatID, chunk string) *Event {
	return &Event{
		Type:      TypeMessageTextAdded,
		UserID:    uid,
		ChatID:    cid,
		MessageID: "m1",
		Chunk:     chunk,
	}
}

func TestPublish_AssignsIDAndTimestamp(t *testing.T) {
	l := NewLog()
	ev := textEvent("u1", "c1", "hello")
	l.Publish(ev)

	if ev.ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be assigned")
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 event in log, got %d", l.Len())
	}
}

func TestSubscribe_ReceivesMatchingEvents(t *testing.T) {
	l := NewLog()

	var got []*Event
	unsub := l.Subscribe(func(ev *Event) {
		got = append(got, ev)
	}, ForUser("u1"))
	defer unsub()

	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(textEvent("u2", "c2", "b"))
	l.Publish(textEvent("u1", "c1", "c"))

	if len(got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(got))
	}
	if got[0].Chunk != "a" || got[1].Chunk != "c" {
		t.Errorf("wrong events delivered: %q, %q", got[0].Chunk, got[1].Chunk)
	}
}

func TestSubscribe_ForTypes(t *testing.T) {
	l := NewLog()

	var got []Type
	l.Subscribe(func(ev *Event) {
		got = append(got, ev.Type)
	}, ForTypes(TypeChatRenamed, TypeChatDeleted))

	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(&Event{Type: TypeChatRenamed, UserID: "u1", ChatID: "c1", Name: "new name"})
	l.Publish(&Event{Type: TypeChatDeleted, UserID: "u1", ChatID: "c1"})

	if len(got) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(got))
	}
	if got[0] != TypeChatRenamed || got[1] != TypeChatDeleted {
		t.Errorf("wrong types delivered: %v", got)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	l := NewLog()

	count := 0
	unsub := l.Subscribe(func(ev *Event) { count++ })

	l.Publish(textEvent("u1", "c1", "a"))
	unsub()
	l.Publish(textEvent("u1", "c1", "b"))

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestPublish_RecoversSubscriberPanic(t *testing.T) {
	l := NewLog()

	l.Subscribe(func(ev *Event) { panic("boom") })

	var survived []string
	l.Subscribe(func(ev *Event) {
		survived = append(survived, ev.Chunk)
	})

	// Must not panic the publisher, and the second subscriber still runs.
	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(textEvent("u1", "c1", "b"))

	if len(survived) != 2 {
		t.Errorf("expected second subscriber to receive 2 events, got %d", len(survived))
	}
	if l.Len() != 2 {
		t.Errorf("expected both events recorded, got %d", l.Len())
	}
}

func TestConsume_ClaimsAndRemoves(t *testing.T) {
	l := NewLog()
	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(textEvent("u2", "c2", "b"))
	l.Publish(textEvent("u1", "c1", "c"))

	var claimed []string
	n := l.Consume(Filter{UserID: "u1"}, func(ev *Event) {
		claimed = append(claimed, ev.Chunk)
	})

	if n != 2 {
		t.Fatalf("expected 2 claimed, got %d", n)
	}
	if claimed[0] != "a" || claimed[1] != "c" {
		t.Errorf("claimed events out of order: %v", claimed)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 event left, got %d", l.Len())
	}

	// A second consume with the same filter finds nothing.
	n = l.Consume(Filter{UserID: "u1"}, func(ev *Event) {
		t.Errorf("unexpected second claim of %s", ev.Chunk)
	})
	if n != 0 {
		t.Errorf("expected 0 on second consume, got %d", n)
	}
}

func TestConsume_ZeroFilterClaimsAll(t *testing.T) {
	l := NewLog()
	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(textEvent("u2", "c2", "b"))

	n := l.Consume(Filter{}, func(ev *Event) {})
	if n != 2 {
		t.Errorf("expected 2 claimed, got %d", n)
	}
	if l.Len() != 0 {
		t.Errorf("expected empty log, got %d", l.Len())
	}
}

func TestConsume_ConcurrentNoDoubleClaim(t *testing.T) {
	l := NewLog()
	for i := 0; i < 200; i++ {
		l.Publish(textEvent("u1", "c1", fmt.Sprintf("%d", i)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Consume(Filter{UserID: "u1"}, func(ev *Event) {
				mu.Lock()
				seen[ev.Chunk]++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if len(seen) != 200 {
		t.Errorf("expected 200 distinct events claimed, got %d", len(seen))
	}
	for chunk, count := range seen {
		if count != 1 {
			t.Errorf("event %s claimed %d times", chunk, count)
		}
	}
	if l.Len() != 0 {
		t.Errorf("expected empty log after concurrent consume, got %d", l.Len())
	}
}

func TestHistoryLimit_DropsOldest(t *testing.T) {
	l := NewLog(WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		l.Publish(textEvent("u1", "c1", fmt.Sprintf("%d", i)))
	}

	if l.Len() != 3 {
		t.Fatalf("expected log capped at 3, got %d", l.Len())
	}
	evs := l.Events(Filter{}, 0)
	if evs[0].Chunk != "2" || evs[2].Chunk != "4" {
		t.Errorf("expected oldest dropped, got %q..%q", evs[0].Chunk, evs[2].Chunk)
	}
}

func TestEvents_FilterAndLimit(t *testing.T) {
	l := NewLog()
	l.Publish(textEvent("u1", "c1", "a"))
	l.Publish(textEvent("u1", "c2", "b"))
	l.Publish(textEvent("u1", "c1", "c"))
	l.Publish(textEvent("u1", "c1", "d"))

	evs := l.Events(Filter{ChatID: "c1"}, 2)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Chunk != "c" || evs[1].Chunk != "d" {
		t.Errorf("expected most recent matches in order, got %q, %q", evs[0].Chunk, evs[1].Chunk)
	}
}

func TestFilter_FieldEquality(t *testing.T) {
	ev := &Event{Type: TypeMessageTextAdded, UserID: "u1", ChatID: "c1", MessageID: "m1"}

	if !(Filter{}).Matches(ev) {
		t.Error("zero filter should match everything")
	}
	if !(Filter{UserID: "u1", ChatID: "c1"}).Matches(ev) {
		t.Error("matching fields should match")
	}
	if (Filter{UserID: "u2"}).Matches(ev) {
		t.Error("mismatched user should not match")
	}
	if (Filter{Type: TypeChatDeleted}).Matches(ev) {
		t.Error("mismatched type should not match")
	}
	if (Filter{MessageID: "m2"}).Matches(ev) {
		t.Error("mismatched message should not match")
	}
}
