// ABOUTME: Unbounded FIFO queue feeding an agent's processing loop
// ABOUTME: Push never blocks; a one-slot channel wakes the consumer

package agent

import (
	"sync"

	"github.com/2389/quill-gateway/internal/message"
)

type queue struct {
	mu     sync.Mutex
	items  []*message.Message
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
