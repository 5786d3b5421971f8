package broadcast

import "github.com/yegors/windburglr/internal/wind"

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full
type ring struct {
	buf   []wind.ChangeEvent
	head  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]wind.ChangeEvent, size)}
}

// push appends event and reports whether the oldest entry was overwritten
func (r *ring) push(event wind.ChangeEvent) bool {
	if r.count == len(r.buf) {
		r.buf[r.head] = event
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = event
	r.count++
	return false
}

func (r *ring) pop() (wind.ChangeEvent, bool) {
	if r.count == 0 {
		return wind.ChangeEvent{}, false
	}
	event := r.buf[r.head]
	r.buf[r.head] = wind.ChangeEvent{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return event, true
}

func (r *ring) len() int { return r.count }
