package persist

import (
	"sync"
	"time"
)

// debounceTimer is a cancellable, resettable scheduled task. Every Reset
// pushes the deadline out by the full interval; Cancel stops a scheduled
// fire without racing an in-flight one being rescheduled.
type debounceTimer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	fn       func()
}

func newDebounceTimer(interval time.Duration, fn func()) *debounceTimer {
	return &debounceTimer{interval: interval, fn: fn}
}

func (t *debounceTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.fn)
		return
	}
	t.timer.Stop()
	t.timer.Reset(t.interval)
}

func (t *debounceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
