package queue

import (
	"sync"
	"time"
)

// Item is stored in the pending and message queues.
type Item struct {
	V interface{}

	// Pending: time the item times out. Zero means no timeout armed.
	Due time.Time

	PId uint16 // Pending lookup key

	next, prev *Item
}

var pool = sync.Pool{}

func GetItem(v interface{}) (i *Item) {
	if pi := pool.Get(); pi == nil {
		i = new(Item)
	} else {
		i = pi.(*Item)
	}

	i.V = v
	return i
}

func ReturnItem(i *Item) {
	i.V, i.PId, i.Due = nil, 0, time.Time{}
	pool.Put(i)
}
