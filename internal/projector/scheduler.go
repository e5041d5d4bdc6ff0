// internal/projector/scheduler.go
package projector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/types"
)

// Defaults for the flush triggers. The size limits can be overridden via
// config (DATABASE_PROJECTOR_GARBAGE_CLEANUP_SIZE and
// DATABASE_PROJECTOR_PER_USER_GARBAGE_CLEANUP_SIZE in the environment).
const (
	DefaultDebounce    = 5 * time.Second
	DefaultPerUserSize = 512 << 10 // 512 KiB
	DefaultGlobalSize  = 100 << 20 // 100 MiB
)

// Gateway persists flushed increment trees. ApplyIncrements must tolerate
// partially-formed increments, e.g. a chat increment with zero messages.
type Gateway interface {
	ApplyIncrements(ctx context.Context, userID types.UserID, inc *UserIncrement) error
}

// userEntry is the scheduler's bookkeeping for one actively-buffering user.
type userEntry struct {
	size   int64
	cancel func()
}

// Projector subscribes to the event log and schedules flushes. Three
// triggers all converge on the same claim-replay-persist-discard action:
// a per-user debounce timer, a per-chat size/terminal-event trigger, and a
// global memory cap that evicts the largest buffers. Every flush path is
// idempotent: consuming an already-empty filter match is a no-op.
type Projector struct {
	log     *event.Log
	gw      Gateway
	delayer Delayer
	logger  *slog.Logger

	debounce    time.Duration
	perUserSize int64
	globalSize  int64

	mu    sync.Mutex
	users map[types.UserID]*userEntry
	total int64

	unsub func()
	wg    sync.WaitGroup
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithDelayer replaces the wall-clock timer, for tests.
func WithDelayer(d Delayer) ProjectorOption {
	return func(p *Projector) { p.delayer = d }
}

// WithDebounce sets the per-user quiet period before a timer flush.
func WithDebounce(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithPerUserSize sets the per-user buffered-bytes threshold that forces an
// immediate chat flush.
func WithPerUserSize(n int64) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.perUserSize = n
		}
	}
}

// WithGlobalSize sets the process-wide buffered-bytes cap.
func WithGlobalSize(n int64) ProjectorOption {
	return func(p *Projector) {
		if n > 0 {
			p.globalSize = n
		}
	}
}

// WithProjectorLogger sets the slog logger.
func WithProjectorLogger(lg *slog.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = lg }
}

// New creates a Projector and subscribes it to the log. Call Close to
// unsubscribe and drain.
func New(log *event.Log, gw Gateway, opts ...ProjectorOption) *Projector {
	p := &Projector{
		log:         log,
		gw:          gw,
		delayer:     WallClock(),
		logger:      slog.Default(),
		debounce:    DefaultDebounce,
		perUserSize: DefaultPerUserSize,
		globalSize:  DefaultGlobalSize,
		users:       make(map[types.UserID]*userEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.unsub = log.Subscribe(p.onEvent)
	return p
}

// onEvent updates bookkeeping for every published event and fires the
// size-based triggers.
func (p *Projector) onEvent(ev *event.Event) {
	sz := EventSize(ev)

	p.mu.Lock()
	e, ok := p.users[ev.UserID]
	if !ok {
		e = &userEntry{}
		p.users[ev.UserID] = e
		uid := ev.UserID
		e.cancel = p.delayer.Schedule(p.debounce, func() {
			p.FlushUser(context.Background(), uid)
		})
	}
	e.size += sz
	p.total += sz

	overPerUser := e.size > p.perUserSize
	overGlobal := p.total > p.globalSize
	p.mu.Unlock()

	// Threshold flushes run off the publish path: Publish must never block
	// its caller on storage I/O.
	terminal := ev.Type == event.TypeMessageCompleted
	if (overPerUser || terminal) && ev.ChatID != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.flushChat(context.Background(), ev.UserID, ev.ChatID)
		}()
	}
	if overGlobal {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.evict(context.Background())
		}()
	}
}

// FlushUser claims every outstanding event for the user, replays them into
// a fresh buffer, and hands the increments to the gateway. The user's
// bookkeeping entry is removed before persistence starts, so events
// published during the persist call begin a new buffering cycle.
func (p *Projector) FlushUser(ctx context.Context, uid types.UserID) {
	p.mu.Lock()
	if e, ok := p.users[uid]; ok {
		e.cancel()
		p.total -= e.size
		delete(p.users, uid)
	}
	p.mu.Unlock()

	p.flush(ctx, event.Filter{UserID: uid})
}

// flushChat claims one chat's events, independent of the debounce timer.
// The user's running size is charged back by the claimed bytes but the
// entry itself stays, so the timer still covers the user's other chats.
func (p *Projector) flushChat(ctx context.Context, uid types.UserID, cid types.ChatID) {
	claimed := p.flush(ctx, event.Filter{ChatID: cid})

	p.mu.Lock()
	if e, ok := p.users[uid]; ok {
		e.size -= claimed
		if e.size < 0 {
			e.size = 0
		}
	}
	p.total -= claimed
	if p.total < 0 {
		p.total = 0
	}
	p.mu.Unlock()
}

// evict flushes the largest buffered users until the grand total falls to
// half the global cap.
func (p *Projector) evict(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.total <= p.globalSize/2 {
			p.mu.Unlock()
			return
		}
		var victim types.UserID
		var largest int64 = -1
		for uid, e := range p.users {
			if e.size > largest {
				victim = uid
				largest = e.size
			}
		}
		p.mu.Unlock()
		if largest < 0 {
			return
		}
		p.logger.Info("projector evicting largest buffer",
			"user_id", victim, "buffered_bytes", largest)
		p.FlushUser(ctx, victim)
	}
}

// flush is the shared claim-replay-persist-discard action. Returns the
// total byte size of the claimed events. Persistence failures are logged
// and the increment is dropped: claimed events are gone from the log by
// then, so this is deliberately at-most-once.
func (p *Projector) flush(ctx context.Context, f event.Filter) int64 {
	buf := NewBuffer(p.logger)
	var claimed int64
	n := p.log.Consume(f, func(ev *event.Event) {
		claimed += EventSize(ev)
		buf.Handle(ev)
	})
	if n == 0 {
		return 0
	}

	for uid, inc := range buf.Users() {
		if err := inc.CheckSizes(); err != nil {
			p.logger.Error("projector size accounting mismatch", "user_id", uid, "error", err)
		}
		if err := p.gw.ApplyIncrements(ctx, uid, inc); err != nil {
			p.logger.Error("projector persist failed, dropping increment",
				"user_id", uid, "events", n, "error", err)
		}
	}
	return claimed
}

// Close unsubscribes from the log and flushes every buffered user.
func (p *Projector) Close(ctx context.Context) {
	if p.unsub != nil {
		p.unsub()
	}

	p.mu.Lock()
	uids := make([]types.UserID, 0, len(p.users))
	for uid := range p.users {
		uids = append(uids, uid)
	}
	p.mu.Unlock()

	for _, uid := range uids {
		p.FlushUser(ctx, uid)
	}
	p.wg.Wait()
}

// BufferedBytes returns the process-wide buffered size. Used by tests and
// the health endpoint.
func (p *Projector) BufferedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
