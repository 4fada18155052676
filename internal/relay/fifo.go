// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package relay

import "sync"

// fifo is the bounded pending-event buffer. It is confined to the relay;
// overflow drops the oldest entry.
type fifo struct {
	mu    sync.Mutex
	buf   []Event
	cap   int
	ready chan struct{}
}

func newFIFO(capacity int) *fifo {
	return &fifo{
		buf:   make([]Event, 0, capacity),
		cap:   capacity,
		ready: make(chan struct{}, 1),
	}
}

// push appends ev, evicting the head when full. It reports the evicted
// event when an eviction happened.
func (f *fifo) push(ev Event) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dropped Event
	evicted := false
	if len(f.buf) >= f.cap {
		dropped = f.buf[0]
		f.buf = f.buf[1:]
		evicted = true
	}
	f.buf = append(f.buf, ev)

	select {
	case f.ready <- struct{}{}:
	default:
	}
	return dropped, evicted
}

// pop removes and returns the head.
func (f *fifo) pop() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) == 0 {
		return Event{}, false
	}
	head := f.buf[0]
	f.buf = f.buf[1:]
	return head, true
}

// unpop restores a failed head entry without disturbing order.
func (f *fifo) unpop(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) >= f.cap {
		// the buffer refilled meanwhile; the entry is the oldest, drop it
		return
	}
	f.buf = append([]Event{ev}, f.buf...)
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}
