// internal/projector/timer.go
package projector

import "time"

// Delayer schedules a function to run once after a delay and returns a
// cancel closure. Cancel is a no-op once the function has started. The
// indirection exists so debounce behavior is testable without wall-clock
// waits.
type Delayer interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// wallClock is the production Delayer backed by time.AfterFunc.
type wallClock struct{}

// WallClock returns a Delayer that fires on real time.
func WallClock() Delayer { return wallClock{} }

func (wallClock) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
