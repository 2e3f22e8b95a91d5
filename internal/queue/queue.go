// Package queue holds pending units in a single priority heap keyed by
// (priority, enqueue sequence). Critical units are dequeued before high,
// high before normal, normal before low; within a priority, dequeue order
// is strict FIFO by enqueue order.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/conductor/internal/unit"
)

var (
	// ErrQueueFull is returned when the unit's priority bucket is at capacity.
	// Callers may retry later.
	ErrQueueFull = errors.New("queue full")

	ErrDuplicate = errors.New("unit already queued")
)

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	index    map[string]*item
	depth    map[unit.Priority]int
	capacity int
	seq      uint64
}

// New creates a queue that admits at most capacity units per priority.
// A capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	return &Queue{
		index:    make(map[string]*item),
		depth:    make(map[unit.Priority]int),
		capacity: capacity,
	}
}

// Enqueue appends u at the tail of its priority bucket.
func (q *Queue) Enqueue(u *unit.Unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !u.Priority.Valid() {
		return fmt.Errorf("enqueue unit %s: invalid priority %d", u.ID, int(u.Priority))
	}
	if q.capacity > 0 && q.depth[u.Priority] >= q.capacity {
		return fmt.Errorf("%w: %s bucket holds %d units", ErrQueueFull, u.Priority, q.capacity)
	}
	return q.pushLocked(u)
}

// Requeue puts back a unit that was already admitted: one deferred during a
// dispatch scan, or one going round for another attempt. It goes to the tail
// of its bucket and bypasses the capacity check.
func (q *Queue) Requeue(u *unit.Unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(u)
}

func (q *Queue) pushLocked(u *unit.Unit) error {
	if _, ok := q.index[u.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, u.ID)
	}
	q.seq++
	it := &item{u: u, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[u.ID] = it
	q.depth[u.Priority]++
	return nil
}

// Dequeue removes and returns the head unit, or nil if the queue is empty.
func (q *Queue) Dequeue() *unit.Unit {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	q.forgetLocked(it)
	return it.u
}

// Scan visits queued units in dispatch order. visit reports whether to take
// the unit out of the queue and whether to end the scan. Visited units that
// are not taken go back to the tail of their bucket in the order they were
// visited; units after the stop point are not touched.
func (q *Queue) Scan(visit func(u *unit.Unit) (take, stop bool)) []*unit.Unit {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []*unit.Unit
	var skipped []*item
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(*item)
		take, stop := visit(it.u)
		if take {
			q.forgetLocked(it)
			taken = append(taken, it.u)
		} else {
			skipped = append(skipped, it)
		}
		if stop {
			break
		}
	}
	for _, it := range skipped {
		q.seq++
		it.seq = q.seq
		heap.Push(&q.items, it)
	}
	return taken
}

// Remove takes the unit with the given id out of the queue.
func (q *Queue) Remove(id string) (*unit.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, it.index)
	q.forgetLocked(it)
	return it.u, true
}

func (q *Queue) forgetLocked(it *item) {
	delete(q.index, it.u.ID)
	q.depth[it.u.Priority]--
}

// Get returns the queued unit with the given id.
func (q *Queue) Get(id string) (*unit.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return it.u, true
}

// Len returns the total number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Depths returns the number of queued units per priority. Every priority is
// present in the result.
func (q *Queue) Depths() map[unit.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[unit.Priority]int, len(unit.Priorities))
	for _, p := range unit.Priorities {
		out[p] = q.depth[p]
	}
	return out
}

type item struct {
	u     *unit.Unit
	seq   uint64
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].u.Priority != h[j].u.Priority {
		return h[i].u.Priority < h[j].u.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
