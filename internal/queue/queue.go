// Package queue buffers outbound commands in priority order and tracks the
// ones already sent. It is not safe for concurrent use; the manager owns it.
package queue

import (
	"sort"
	"time"
)

type Status struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
	Total  int `json:"total"`
}

type Queue struct {
	capacity  int
	batchSize int
	weights   Weights

	items  []*Request
	active []*Request
	seq    uint64
}

func New(capacity, batchSize int, w Weights) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Queue{capacity: capacity, batchSize: batchSize, weights: w}
}

// Enqueue inserts r by priority weight, oldest first within a weight. When
// the queue is full the oldest entry of the lowest weight present is evicted
// first, even if r itself has that weight.
func (q *Queue) Enqueue(r *Request, now time.Time) (evicted *Request) {
	if r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = now
	}
	q.seq++
	r.seq = q.seq
	return q.insert(r)
}

// Requeue puts back a request whose send failed, keeping its original place
// in the FIFO order.
func (q *Queue) Requeue(r *Request) (evicted *Request) {
	q.removeActive(r.ID)
	r.SentAt = time.Time{}
	return q.insert(r)
}

func (q *Queue) insert(r *Request) (evicted *Request) {
	if len(q.items) >= q.capacity {
		evicted = q.evict()
	}
	i := sort.Search(len(q.items), func(i int) bool { return q.before(r, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
	return evicted
}

func (q *Queue) before(a, b *Request) bool {
	wa, wb := q.weights.Of(a.Priority), q.weights.Of(b.Priority)
	if wa != wb {
		return wa > wb
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (q *Queue) evict() *Request {
	if len(q.items) == 0 {
		return nil
	}
	lowest := q.weights.Of(q.items[len(q.items)-1].Priority)
	i := len(q.items) - 1
	for i > 0 && q.weights.Of(q.items[i-1].Priority) == lowest {
		i--
	}
	victim := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return victim
}

// NextBatch removes and returns up to batchSize requests from the head.
func (q *Queue) NextBatch() []*Request {
	n := q.batchSize
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*Request, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

// Activate records r as sent and awaiting completion.
func (q *Queue) Activate(r *Request, now time.Time) {
	r.SentAt = now
	q.active = append(q.active, r)
}

// Complete removes the active request with id.
func (q *Queue) Complete(id string) (*Request, bool) {
	return q.removeActive(id)
}

// OldestActive returns the earliest-sent active request of any of kinds.
func (q *Queue) OldestActive(kinds ...Kind) (*Request, bool) {
	for _, r := range q.active {
		for _, k := range kinds {
			if r.Kind == k {
				return r, true
			}
		}
	}
	return nil, false
}

func (q *Queue) removeActive(id string) (*Request, bool) {
	for i, r := range q.active {
		if r.ID == id {
			q.active = append(q.active[:i], q.active[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// AbandonActive drops every in-flight request. Used when the channel drops:
// sent requests are not re-enqueued, queued ones stay.
func (q *Queue) AbandonActive() []*Request {
	out := q.active
	q.active = nil
	return out
}

// Clear empties both the queue and the active set.
func (q *Queue) Clear() (queued, active []*Request) {
	queued, active = q.items, q.active
	q.items, q.active = nil, nil
	return queued, active
}

func (q *Queue) Len() int { return len(q.items) }

// IsActive reports whether id was sent and is still awaiting its outcome.
func (q *Queue) IsActive(id string) bool {
	for _, r := range q.active {
		if r.ID == id {
			return true
		}
	}
	return false
}

// HasQueued reports whether a request of any of kinds is waiting to be sent.
func (q *Queue) HasQueued(kinds ...Kind) bool {
	for _, r := range q.items {
		for _, k := range kinds {
			if r.Kind == k {
				return true
			}
		}
	}
	return false
}

func (q *Queue) Status() Status {
	return Status{
		Queued: len(q.items),
		Active: len(q.active),
		Total:  len(q.items) + len(q.active),
	}
}
