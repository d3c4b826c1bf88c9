package loader

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrQueueFull reports that an event queue push exceeded capacity. Overflow
// is an explicit backpressure error, never silent slot reuse.
var ErrQueueFull = errors.New("event queue full")

// EventQueue is a fixed-capacity multi-producer multi-consumer ring of node
// handles. Push claims a head slot with an atomic increment and publishes
// with a compare-and-swap; pop claims the tail the same way and spins only
// for the claiming producer's publish to land.
type EventQueue struct {
	slots []atomic.Int64
	head  atomic.Uint64
	tail  atomic.Uint64
	mask  uint64
}

// NewEventQueue returns a queue holding up to capacity nodes. Capacity is
// rounded up to a power of two.
func NewEventQueue(capacity int) *EventQueue {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &EventQueue{
		slots: make([]atomic.Int64, size),
		mask:  size - 1,
	}
}

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int { return len(q.slots) }

// Len returns the approximate number of queued nodes.
func (q *EventQueue) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Push enqueues a node handle. Returns ErrQueueFull when the ring is at
// capacity.
func (q *EventQueue) Push(id NodeID) error {
	for {
		head := q.head.Load()
		if head-q.tail.Load() >= uint64(len(q.slots)) {
			return ErrQueueFull
		}
		if !q.head.CompareAndSwap(head, head+1) {
			continue
		}
		slot := &q.slots[head&q.mask]
		// Slot ids are stored +1 so zero means empty. A non-empty slot here
		// belongs to an in-flight pop that claimed it but has not cleared it
		// yet; wait for that publish to finish.
		for !slot.CompareAndSwap(0, int64(id)+1) {
			runtime.Gosched()
		}
		return nil
	}
}

// Pop dequeues one node handle, reporting false when the queue is empty.
func (q *EventQueue) Pop() (NodeID, bool) {
	for {
		tail := q.tail.Load()
		if tail == q.head.Load() {
			return InvalidNode, false
		}
		if !q.tail.CompareAndSwap(tail, tail+1) {
			continue
		}
		slot := &q.slots[tail&q.mask]
		for {
			v := slot.Load()
			if v != 0 && slot.CompareAndSwap(v, 0) {
				return NodeID(v - 1), true
			}
			// The producer claimed the slot but has not published yet.
			runtime.Gosched()
		}
	}
}

// gameThreadQueue carries nodes that only the game thread may execute.
// Plain mutex; contention here is a handful of pushes per package.
type gameThreadQueue struct {
	mu    sync.Mutex
	nodes []NodeID
}

func (q *gameThreadQueue) push(id NodeID) {
	q.mu.Lock()
	q.nodes = append(q.nodes, id)
	q.mu.Unlock()
}

func (q *gameThreadQueue) popAll() []NodeID {
	q.mu.Lock()
	nodes := q.nodes
	q.nodes = nil
	q.mu.Unlock()
	return nodes
}

func (q *gameThreadQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nodes)
}
