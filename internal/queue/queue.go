package queue

import (
	"sync"
)

// Base queue.
type queue struct {
	h, t *Item
	n    int
	sync.Mutex
}

// Basic is a FIFO with an optional capacity. Producers that must never block,
// such as the network receive path, use TryAdd and count the rejects.
type Basic struct {
	queue
	max int
}

// Init sets the capacity. Zero means unbounded.
func (q *Basic) Init(max int) {
	q.max = max
}

func (q *queue) add(i *Item) {
	if q.h == nil {
		q.h = i
		q.t = i
	} else {
		q.t.next = i
		i.prev = q.t
		q.t = i
	}
	q.n++
}

func (q *queue) remove(i *Item) {
	if i.prev == nil { // is h
		q.h = i.next
	} else {
		i.prev.next = i.next
	}

	if i.next == nil { // is t
		q.t = i.prev
	} else {
		i.next.prev = i.prev
	}

	i.prev, i.next = nil, nil // avoid memory leaks
	q.n--
}

// TryAdd appends i unless the queue is full.
func (q *Basic) TryAdd(i *Item) bool {
	q.Lock()
	defer q.Unlock()
	if q.max > 0 && q.n >= q.max {
		return false
	}
	q.add(i)
	return true
}

// Pop removes and returns the oldest item, or nil.
func (q *Basic) Pop() *Item {
	q.Lock()
	i := q.h
	if i != nil {
		q.remove(i)
	}
	q.Unlock()
	return i
}

func (q *Basic) Len() int {
	q.Lock()
	n := q.n
	q.Unlock()
	return n
}

// Reset empties the queue, handing every item to f first if it is not nil.
func (q *Basic) Reset(f func(*Item)) {
	q.Lock()
	for i := q.h; i != nil; {
		next := i.next
		q.remove(i)
		if f != nil {
			f(i)
		}
		i = next
	}
	q.h, q.t, q.n = nil, nil, 0
	q.Unlock()
}
