// internal/runtime/queue.go
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/chatfold/internal/types"
)

// Queue manages per-chat lanes with a global concurrency semaphore. Each
// chat gets its own FIFO channel (lane) so turns within a conversation run
// sequentially, while the semaphore limits the total number of concurrent
// turns across all chats.
type Queue struct {
	lanes     map[types.ChatID]chan *Turn
	semaphore *semaphore.Weighted
	processor func(*Turn) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent turns to execute
// simultaneously across all chat lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Queue{
		lanes:     make(map[types.ChatID]chan *Turn),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// turns to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for _, lane := range q.lanes {
		close(lane)
	}
	q.lanes = make(map[types.ChatID]chan *Turn)
	q.mu.Unlock()
	q.wg.Wait()
}

// SetProcessor sets the function invoked for each dequeued Turn.
func (q *Queue) SetProcessor(fn func(*Turn) error) {
	q.processor = fn
}

// Enqueue adds a Turn to its chat's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(turn *Turn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, exists := q.lanes[turn.ChatID]
	if !exists {
		lane = make(chan *Turn, 100)
		q.lanes[turn.ChatID] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- turn:
		return nil
	default:
		return fmt.Errorf("queue full for chat %s", turn.ChatID)
	}
}

// processLane drains a single chat lane, acquiring a semaphore slot before
// running the processor synchronously. Strict FIFO within a chat; the
// semaphore limits cross-chat parallelism.
func (q *Queue) processLane(lane chan *Turn) {
	defer q.wg.Done()
	for {
		select {
		case turn, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			if q.processor != nil {
				q.active.Add(1)
				turn.Ctx = q.ctx
				if err := q.processor(turn); err != nil {
					slog.Error("turn failed",
						"chat_id", string(turn.ChatID),
						"user_id", string(turn.UserID),
						"error", err)
				}
				q.active.Add(-1)
			}
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no turns are actively being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
