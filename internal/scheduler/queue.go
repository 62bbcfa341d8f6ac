package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type orderHeap []*Order

func (h orderHeap) Len() int { return len(h) }

func (h orderHeap) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }

func (h orderHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *orderHeap) Push(e any) {
	//nolint:forcetypeassert // only *Order is ever pushed
	o := e.(*Order)
	o.index = len(*h)
	*h = append(*h, o)
}

func (h *orderHeap) Pop() any {
	old := *h
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.index = -1
	*h = old[:n-1]
	return o
}

// Queue is a delay queue of orders. Only the head is ever taken out, and only
// once it has expired.
type Queue struct {
	mu     sync.Mutex
	orders orderHeap
	wake   chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Add enqueues o and wakes a waiting Poll.
func (q *Queue) Add(o *Order) {
	q.mu.Lock()
	heap.Push(&q.orders, o)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Poll waits up to timeout for the head order to expire and removes it. It
// returns nil when nothing expired in time. Canceled orders are returned like
// any other; the caller skips them.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (*Order, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		wait := time.Until(deadline)
		if len(q.orders) > 0 {
			head := q.orders[0]
			left := head.Remaining()
			if left <= 0 {
				heap.Pop(&q.orders)
				q.mu.Unlock()
				return head, nil
			}
			wait = min(wait, left)
		}
		q.mu.Unlock()

		if wait <= 0 {
			return nil, nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Sweep removes canceled orders and returns how many were dropped.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.orders[:0]
	dropped := 0
	for _, o := range q.orders {
		if o.Canceled() {
			o.index = -1
			dropped++
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(q.orders); i++ {
		q.orders[i] = nil
	}
	q.orders = kept
	if dropped > 0 {
		for i, o := range q.orders {
			o.index = i
		}
		heap.Init(&q.orders)
	}
	return dropped
}

// Len returns the number of queued orders, canceled ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}

// Drain empties the queue and returns the orders in expiry order.
func (q *Queue) Drain() []*Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Order, 0, len(q.orders))
	for len(q.orders) > 0 {
		out = append(out, heap.Pop(&q.orders).(*Order))
	}
	return out
}

// Pending returns the queued orders that are not canceled.
func (q *Queue) Pending() []*Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Order, 0, len(q.orders))
	for _, o := range q.orders {
		if !o.Canceled() {
			out = append(out, o)
		}
	}
	return out
}
