package monitor

import "sync"

// DefaultFeedSize is the number of events a Feed keeps.
const DefaultFeedSize = 200

// Feed keeps the most recent events in a fixed-size ring. Its Push method
// can be passed to Start as the callback.
type Feed struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	count int
}

// NewFeed returns a feed holding up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{buf: make([]Event, size)}
}

// Push stores ev, evicting the oldest event when full.
func (f *Feed) Push(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = ev
	f.next = (f.next + 1) % len(f.buf)
	if f.count < len(f.buf) {
		f.count++
	}
}

// Len returns the number of stored events.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Since returns stored events whose transaction id is above after, oldest first.
func (f *Feed) Since(after int64) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Event, 0, f.count)
	start := (f.next - f.count + len(f.buf)) % len(f.buf)
	for i := 0; i < f.count; i++ {
		ev := f.buf[(start+i)%len(f.buf)]
		if ev.Transaction.ID > after {
			out = append(out, ev)
		}
	}
	return out
}
