// Package delay holds a keyed priority queue ordered by due time.
package delay

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key   K
	at    time.Time
	value V
	seq   uint64
	index int
}

type entryHeap[K comparable, V any] []*entry[K, V]

func (h entryHeap[K, V]) Len() int { return len(h) }

// Less orders by due time, then by insertion order.
func (h entryHeap[K, V]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is safe for concurrent use. At most one entry exists per key.
type Queue[K comparable, V any] struct {
	mu    sync.Mutex
	h     entryHeap[K, V]
	index map[K]*entry[K, V]
	seq   uint64
	wake  chan struct{}
}

func New[K comparable, V any]() *Queue[K, V] {
	return &Queue[K, V]{
		index: make(map[K]*entry[K, V]),
		wake:  make(chan struct{}, 1),
	}
}

// Push schedules value under key at the given time, replacing any entry
// already queued for key.
func (q *Queue[K, V]) Push(key K, at time.Time, value V) {
	q.mu.Lock()
	q.seq++
	if e, ok := q.index[key]; ok {
		e.at = at
		e.value = value
		e.seq = q.seq
		heap.Fix(&q.h, e.index)
	} else {
		e := &entry[K, V]{key: key, at: at, value: value, seq: q.seq}
		heap.Push(&q.h, e)
		q.index[key] = e
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[K, V]) Remove(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	heap.Remove(&q.h, e.index)
	delete(q.index, key)
	return e.value, true
}

func (q *Queue[K, V]) Contains(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok
}

func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Peek returns the earliest due time.
func (q *Queue[K, V]) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

// PopDue removes and returns every value due at or before now, earliest first.
func (q *Queue[K, V]) PopDue(now time.Time) []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []V
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		e := heap.Pop(&q.h).(*entry[K, V])
		delete(q.index, e.key)
		out = append(out, e.value)
	}
	return out
}

// Take removes up to max values accepted by pred regardless of due time,
// earliest first. max <= 0 means no limit.
func (q *Queue[K, V]) Take(pred func(V) bool, max int) []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := make(entryHeap[K, V], len(q.h))
	copy(sorted, q.h)
	sort.Slice(sorted, func(i, j int) bool { return lessEntry(sorted[i], sorted[j]) })

	var out []V
	for _, e := range sorted {
		if max > 0 && len(out) >= max {
			break
		}
		if !pred(e.value) {
			continue
		}
		heap.Remove(&q.h, e.index)
		delete(q.index, e.key)
		out = append(out, e.value)
	}
	return out
}

// Drain empties the queue and returns everything in due order.
func (q *Queue[K, V]) Drain() []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]V, 0, len(q.h))
	for len(q.h) > 0 {
		e := heap.Pop(&q.h).(*entry[K, V])
		delete(q.index, e.key)
		out = append(out, e.value)
	}
	return out
}

// Wait blocks until the earliest entry is due and removes it.
func (q *Queue[K, V]) Wait(ctx context.Context) (V, error) {
	var zero V
	for {
		q.mu.Lock()
		if len(q.h) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		d := time.Until(q.h[0].at)
		if d <= 0 {
			e := heap.Pop(&q.h).(*entry[K, V])
			delete(q.index, e.key)
			more := len(q.h) > 0
			q.mu.Unlock()
			if more {
				// let another waiter look at the next entry
				q.signal()
			}
			return e.value, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}

func (q *Queue[K, V]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func lessEntry[K comparable, V any](a, b *entry[K, V]) bool {
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}
