// ABOUTME: Fixed-capacity ring of published events
// ABOUTME: Oldest events are overwritten once the ring is full

package eventbus

type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// each visits events oldest first.
func (r *ring) each(fn func(Event)) {
	for i := range r.size {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}

func (r *ring) len() int { return r.size }
