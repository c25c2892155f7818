// Package delayqueue implements a deduplicating, per-key delayed work
// queue: SeedFetcher schedules a retry for an identity, and scheduling a
// new retry for the same identity before the old one fires replaces it
// rather than piling up duplicate work, matching spec.md §4.3's retry
// model.
package delayqueue

import (
	"container/heap"
	"sync"
	"time"
)

type item struct {
	key   string
	ready time.Time
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].ready.Before(h[j].ready) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a deduplicating delay queue keyed by string. Zero value is not
// usable; construct with New.
type Queue struct {
	mu       sync.Mutex
	byKey    map[string]*item
	h        itemHeap
	wake     chan struct{}
	now      func() time.Time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		byKey: make(map[string]*item),
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Schedule arranges for key to become ready at now+delay. If key is already
// scheduled, its ready time is replaced (not duplicated) — the newest call
// wins, matching a retry being rescheduled after a fresh failure.
func (q *Queue) Schedule(key string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := q.now().Add(delay)
	if it, ok := q.byKey[key]; ok {
		it.ready = ready
		heap.Fix(&q.h, it.index)
	} else {
		it := &item{key: key, ready: ready}
		q.byKey[key] = it
		heap.Push(&q.h, it)
	}
	q.notify()
}

// Cancel removes key from the queue, if present.
func (q *Queue) Cancel(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&q.h, it.index)
	delete(q.byKey, key)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// nextReady returns the earliest ready time in the queue, and whether the
// queue is non-empty.
func (q *Queue) nextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].ready, true
}

// pop removes and returns the earliest key if it is due by now, else ok=false.
func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return "", false
	}
	if q.h[0].ready.After(q.now()) {
		return "", false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byKey, it.key)
	return it.key, true
}

// Wait blocks until a key becomes due, the queue is cancelled for that key
// in the meantime (in which case it loops), or ctx-like cancellation is
// requested via done. It returns ok=false only when done fires.
func (q *Queue) Wait(done <-chan struct{}) (string, bool) {
	for {
		if key, ok := q.pop(); ok {
			return key, true
		}

		var timer *time.Timer
		if ready, ok := q.nextReady(); ok {
			d := time.Until(ready)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		} else {
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-done:
			timer.Stop()
			return "", false
		}
	}
}

// Len reports the number of scheduled, not-yet-popped keys.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
