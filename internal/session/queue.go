package session

import "sync"

// OutreachItem is one pending (recipient, message) pair.
type OutreachItem struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// queue is a FIFO of outreach items. Enqueueing while the dispatcher drains
// is safe; order is strictly insertion order.
type queue struct {
	mu    sync.Mutex
	items []OutreachItem
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

// Push appends items and wakes a dispatcher parked on Wake.
func (q *queue) Push(items ...OutreachItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head item.
func (q *queue) Pop() (OutreachItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutreachItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// DrainAll empties the queue and returns what was left, in order.
func (q *queue) DrainAll() []OutreachItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.items
	q.items = nil
	return left
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake returns the channel the dispatcher parks on while the queue is empty.
func (q *queue) Wake() <-chan struct{} {
	return q.wake
}
