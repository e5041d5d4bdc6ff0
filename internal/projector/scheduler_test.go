package projector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/types"
)

// fakeDelayer captures scheduled functions so tests can fire timers
// deterministically.
type fakeDelayer struct {
	mu  sync.Mutex
	fns map[int]func()
	n   int
}

func newFakeDelayer() *fakeDelayer {
	return &fakeDelayer{fns: make(map[int]func())}
}

func (d *fakeDelayer) Schedule(_ time.Duration, fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	id := d.n
	d.fns[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.fns, id)
	}
}

// fire runs and clears every pending timer.
func (d *fakeDelayer) fire() {
	d.mu.Lock()
	pending := make([]func(), 0, len(d.fns))
	for id, fn := range d.fns {
		pending = append(pending, fn)
		delete(d.fns, id)
	}
	d.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (d *fakeDelayer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fns)
}

// fakeGateway records applied increments.
type fakeGateway struct {
	mu      sync.Mutex
	applied []*UserIncrement
	err     error
}

func (g *fakeGateway) ApplyIncrements(_ context.Context, _ types.UserID, inc *UserIncrement) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.applied = append(g.applied, inc)
	return nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.applied)
}

func (g *fakeGateway) last() *UserIncrement {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.applied) == 0 {
		return nil
	}
	return g.applied[len(g.applied)-1]
}

// waitFor polls until cond holds or the deadline passes. Threshold flushes
// run on their own goroutines, so tests need a sync point.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func chunkEvent(uid types.UserID, cid types.ChatID, chunk string) *event.Event {
	return &event.Event{
		Type: event.TypeMessageTextAdded, UserID: uid, ChatID: cid, MessageID: "m1",
		Chunk: chunk,
	}
}

func TestProjector_DebounceFlush(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d))

	log.Publish(chunkEvent("u1", "c1", "a"))
	log.Publish(chunkEvent("u1", "c1", "b"))
	log.Publish(chunkEvent("u1", "c1", "c"))

	// Only one timer per user, armed on the first event.
	if d.pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", d.pending())
	}
	if gw.count() != 0 {
		t.Fatal("flush should not run before the timer fires")
	}

	d.fire()

	if gw.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", gw.count())
	}
	inc := gw.last()
	if inc.UserID != "u1" {
		t.Errorf("wrong user flushed: %s", inc.UserID)
	}
	mi := inc.Chats["c1"].Messages["m1"]
	if mi == nil || mi.Text != "abc" {
		t.Errorf("chunks not merged in flushed increment: %+v", mi)
	}
	if log.Len() != 0 {
		t.Errorf("flushed events should be removed from the log, got %d", log.Len())
	}
	if p.BufferedBytes() != 0 {
		t.Errorf("buffered bytes not released: %d", p.BufferedBytes())
	}
}

func TestProjector_DoubleFireIsIdempotent(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d))

	log.Publish(chunkEvent("u1", "c1", "abc"))
	d.fire()

	if gw.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", gw.count())
	}

	// A second flush for the same user finds nothing to claim and must not
	// reach the gateway.
	p.FlushUser(context.Background(), "u1")
	if gw.count() != 1 {
		t.Errorf("empty flush reached the gateway: %d calls", gw.count())
	}
}

func TestProjector_PerUserSizeTriggersChatFlush(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d), WithPerUserSize(10))

	log.Publish(chunkEvent("u1", "c1", strings.Repeat("x", 8)))
	if gw.count() != 0 {
		t.Fatal("under-threshold publish must not flush")
	}

	// Crossing the per-user threshold flushes the offending chat without
	// waiting for the timer.
	log.Publish(chunkEvent("u1", "c1", strings.Repeat("y", 8)))
	waitFor(t, func() bool { return gw.count() == 1 })

	inc := gw.last()
	if inc.Chats["c1"] == nil {
		t.Fatal("expected chat c1 in flushed increment")
	}
	if got := inc.Chats["c1"].Messages["m1"].Text; len(got) != 16 {
		t.Errorf("expected all 16 buffered bytes flushed, got %d", len(got))
	}

	waitFor(t, func() bool { return p.BufferedBytes() == 0 })

	// The user entry survives a chat flush; the debounce timer still covers
	// later events without arming a second timer.
	log.Publish(chunkEvent("u1", "c2", "z"))
	if d.pending() != 1 {
		t.Errorf("expected the original timer still pending, got %d", d.pending())
	}
}

func TestProjector_TerminalEventFlushesChat(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	New(log, gw, WithDelayer(d))

	log.Publish(chunkEvent("u1", "c1", "partial answer"))
	log.Publish(&event.Event{
		Type: event.TypeMessageCompleted, UserID: "u1", ChatID: "c1", MessageID: "m1",
	})

	waitFor(t, func() bool { return gw.count() == 1 })
	inc := gw.last()
	mi := inc.Chats["c1"].Messages["m1"]
	if mi == nil || mi.Text != "partial answer" {
		t.Errorf("terminal flush missing buffered text: %+v", mi)
	}
}

func TestProjector_GlobalCapEvictsLargest(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d), WithGlobalSize(100), WithPerUserSize(1<<20))

	log.Publish(chunkEvent("u1", "c1", strings.Repeat("a", 60)))
	log.Publish(chunkEvent("u2", "c2", strings.Repeat("b", 30)))
	if gw.count() != 0 {
		t.Fatal("no flush expected below the cap")
	}

	// 60+30+20 = 110 > 100: evict the largest buffer (u1) until the total
	// falls to half the cap (50).
	log.Publish(chunkEvent("u3", "c3", strings.Repeat("c", 20)))
	waitFor(t, func() bool { return gw.count() == 1 })
	if gw.last().UserID != "u1" {
		t.Errorf("expected largest user evicted, got %s", gw.last().UserID)
	}
	if p.BufferedBytes() != 50 {
		t.Errorf("expected 50 buffered bytes after eviction, got %d", p.BufferedBytes())
	}
}

func TestProjector_PersistFailureDropsIncrement(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{err: errors.New("disk full")}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d))

	log.Publish(chunkEvent("u1", "c1", "doomed"))
	d.fire()

	// At-most-once: the failed increment is gone, nothing is retried.
	if log.Len() != 0 {
		t.Errorf("claimed events should not return to the log, got %d", log.Len())
	}
	if p.BufferedBytes() != 0 {
		t.Errorf("failed flush must still release bookkeeping, got %d", p.BufferedBytes())
	}

	gw.mu.Lock()
	gw.err = nil
	gw.mu.Unlock()
	log.Publish(chunkEvent("u1", "c1", "fresh"))
	d.fire()
	if gw.count() != 1 {
		t.Errorf("later flushes should proceed normally, got %d", gw.count())
	}
}

func TestProjector_CloseFlushesEverything(t *testing.T) {
	log := event.NewLog()
	gw := &fakeGateway{}
	d := newFakeDelayer()
	p := New(log, gw, WithDelayer(d))

	log.Publish(chunkEvent("u1", "c1", "one"))
	log.Publish(chunkEvent("u2", "c2", "two"))

	p.Close(context.Background())

	if gw.count() != 2 {
		t.Fatalf("expected both users flushed on close, got %d", gw.count())
	}
	if log.Len() != 0 {
		t.Errorf("expected log drained, got %d", log.Len())
	}

	// After close the projector is unsubscribed.
	log.Publish(chunkEvent("u3", "c3", "late"))
	if p.BufferedBytes() != 0 {
		t.Errorf("closed projector still tracking events: %d", p.BufferedBytes())
	}
}
