package queue

import (
	"context"
	"time"
)

// Pending holds in-flight items keyed by packet identifier, in send order.
type Pending struct {
	queue
	lookup map[uint16]*Item
	wake   chan struct{}
}

func (q *Pending) Init() {
	q.lookup = make(map[uint16]*Item)
	q.wake = make(chan struct{}, 1)
}

// Add stores i under i.PId. It reports false if the identifier is already in use.
func (q *Pending) Add(i *Item) bool {
	q.Lock()
	if _, ok := q.lookup[i.PId]; ok {
		q.Unlock()
		return false
	}
	q.add(i)
	q.lookup[i.PId] = i
	q.Unlock()
	if !i.Due.IsZero() {
		q.notify()
	}
	return true
}

// Remove finalized item.
func (q *Pending) Remove(id uint16) *Item {
	q.Lock()
	if i, ok := q.lookup[id]; ok {
		q.remove(i)
		delete(q.lookup, id)
		q.Unlock()
		return i
	}
	q.Unlock()
	return nil
}

// RemoveItem removes i if it is still stored, reporting whether it was.
func (q *Pending) RemoveItem(i *Item) bool {
	q.Lock()
	defer q.Unlock()
	if cur, ok := q.lookup[i.PId]; !ok || cur != i {
		return false
	}
	q.remove(i)
	delete(q.lookup, i.PId)
	return true
}

func (q *Pending) Get(id uint16) *Item {
	q.Lock()
	i := q.lookup[id]
	q.Unlock()
	return i
}

// Present checks if an item with the identifier is outstanding.
func (q *Pending) Present(id uint16) bool {
	q.Lock()
	_, ok := q.lookup[id]
	q.Unlock()
	return ok
}

// Rekey moves i to a new identifier. The old identifier is forgotten.
func (q *Pending) Rekey(i *Item, id uint16) bool {
	q.Lock()
	defer q.Unlock()
	if cur, ok := q.lookup[i.PId]; !ok || cur != i {
		return false
	}
	if _, ok := q.lookup[id]; ok {
		return false
	}
	delete(q.lookup, i.PId)
	i.PId = id
	q.lookup[id] = i
	return true
}

// SetDue arms or, with a zero time, disarms the timeout of i.
func (q *Pending) SetDue(i *Item, due time.Time) {
	q.Lock()
	i.Due = due
	q.Unlock()
	q.notify()
}

func (q *Pending) Len() int {
	q.Lock()
	n := q.n
	q.Unlock()
	return n
}

// Reset removes and returns all outstanding items in send order.
func (q *Pending) Reset() []*Item {
	q.Lock()
	items := make([]*Item, 0, q.n)
	for i := q.h; i != nil; {
		next := i.next
		q.remove(i)
		delete(q.lookup, i.PId)
		items = append(items, i)
		i = next
	}
	q.h, q.t, q.n = nil, nil, 0
	q.Unlock()
	return items
}

func (q *Pending) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// MonitorTimeouts calls timedOut for every item whose due time has passed,
// until ctx is done. The due time is cleared before the call, timedOut may arm it again.
func (q *Pending) MonitorTimeouts(ctx context.Context, timedOut func(*Item)) {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()

	var expired []*Item
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-t.C:
		}

		now := time.Now()
		nextRun := time.Duration(-1)
		expired = expired[:0]

		q.Lock()
		for i := q.h; i != nil; i = i.next {
			if i.Due.IsZero() {
				continue
			}
			if pending := i.Due.Sub(now); pending > 0 {
				if nextRun < 0 || pending < nextRun {
					nextRun = pending
				}
				continue
			}
			i.Due = time.Time{}
			expired = append(expired, i)
		}
		q.Unlock()

		for _, i := range expired {
			timedOut(i)
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		if nextRun >= 0 {
			t.Reset(nextRun)
		}
	}
}
