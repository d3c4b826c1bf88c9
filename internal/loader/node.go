package loader

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// NodeID is a typed handle into the node arena. Nodes are always addressed
// through the arena so the backing storage can grow without invalidating
// handles.
type NodeID int32

// InvalidNode is the null node handle.
const InvalidNode NodeID = -1

// arenaBlockSize nodes are allocated per arena block. Blocks never move once
// allocated, keeping node pointers stable across growth.
const arenaBlockSize = 256

type arenaBlock [arenaBlockSize]EventNode

// NodeArena owns every event node of one loader instance. Allocation happens
// on the loading goroutine; lookups happen on any worker.
type NodeArena struct {
	mu     sync.Mutex
	blocks atomic.Pointer[[]*arenaBlock]
	next   int32
}

// NewNodeArena returns an empty arena.
func NewNodeArena() *NodeArena {
	a := &NodeArena{}
	empty := []*arenaBlock{}
	a.blocks.Store(&empty)
	return a
}

// Alloc reserves one node and returns its handle. The node starts with a
// zero barrier and no dependents.
func (a *NodeArena) Alloc() NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := NodeID(a.next)
	blockIdx := int(a.next) / arenaBlockSize
	blocks := *a.blocks.Load()
	if blockIdx >= len(blocks) {
		grown := make([]*arenaBlock, len(blocks)+1)
		copy(grown, blocks)
		grown[len(blocks)] = &arenaBlock{}
		a.blocks.Store(&grown)
		blocks = grown
	}
	a.next++

	n := &blocks[blockIdx][int(id)%arenaBlockSize]
	n.id = id
	n.deps.inline = InvalidNode
	return id
}

// Node resolves a handle. Safe to call concurrently with Alloc.
func (a *NodeArena) Node(id NodeID) *EventNode {
	blocks := *a.blocks.Load()
	return &blocks[int(id)/arenaBlockSize][int(id)%arenaBlockSize]
}

// Len returns the number of allocated nodes.
func (a *NodeArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next)
}

// depList is the dependent storage of one node: a single inline slot,
// promoted to a capacity-doubling array on the second dependent. Mutation
// and the firing pass both hold the owning node's dep spinlock, so readers
// never observe a half-grown array.
type depList struct {
	inline NodeID
	heap   []NodeID
	count  int32
}

func (d *depList) add(id NodeID) {
	switch {
	case d.count == 0:
		d.inline = id
	case d.count == 1:
		d.heap = make([]NodeID, 2, 2)
		d.heap[0] = d.inline
		d.heap[1] = id
		d.inline = InvalidNode
	default:
		if int(d.count) == cap(d.heap) {
			grown := make([]NodeID, d.count, cap(d.heap)*2)
			copy(grown, d.heap)
			d.heap = grown
		}
		d.heap = d.heap[:d.count+1]
		d.heap[d.count] = id
	}
	d.count++
}

// take returns the dependents and resets the list.
func (d *depList) take() []NodeID {
	switch d.count {
	case 0:
		return nil
	case 1:
		deps := []NodeID{d.inline}
		d.inline = InvalidNode
		d.count = 0
		return deps
	default:
		deps := d.heap
		d.heap = nil
		d.count = 0
		return deps
	}
}

// ExecFunc is a node's phase function. It runs to completion once scheduled;
// asynchronous waits are expressed as barriers released by IO callbacks, not
// by blocking inside the function.
type ExecFunc func(tctx *ThreadContext)

// EventNode is one vertex of the runtime dependency graph. Its barrier
// counts unfinished prerequisites; reaching zero fires the node onto its
// assigned queue.
type EventNode struct {
	id NodeID

	barrier atomic.Int32
	done    atomic.Bool
	fired   atomic.Bool

	// depLock serializes DependsOn registration against the firing pass.
	depLock atomic.Int32
	deps    depList

	exec       ExecFunc
	gameThread bool
}

// ID returns the node's arena handle.
func (n *EventNode) ID() NodeID { return n.id }

// Done reports whether the node has executed.
func (n *EventNode) Done() bool { return n.done.Load() }

// Barrier returns the current prerequisite count.
func (n *EventNode) Barrier() int32 { return n.barrier.Load() }

// Setup initializes the node's phase function and queue affinity and arms
// the barrier. Must run before any DependsOn or ReleaseBarrier touches the
// node.
func (n *EventNode) Setup(exec ExecFunc, barrier int32, gameThread bool) {
	n.exec = exec
	n.gameThread = gameThread
	n.barrier.Store(barrier)
}

// AddBarrier raises the prerequisite count by delta.
func (n *EventNode) AddBarrier(delta int32) {
	n.barrier.Add(delta)
}

func (n *EventNode) lockDeps() {
	for !n.depLock.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (n *EventNode) unlockDeps() {
	n.depLock.Store(0)
}

// DependsOn registers n as a dependent of other and raises n's barrier,
// unless other is already done, in which case nothing happens. The done
// check and the registration are atomic with respect to other's firing
// pass.
func (n *EventNode) DependsOn(other *EventNode) {
	other.lockDeps()
	if other.done.Load() {
		other.unlockDeps()
		return
	}
	n.barrier.Add(1)
	other.deps.add(n.id)
	other.unlockDeps()
}

// ReleaseBarrier drops one prerequisite. The caller that observes zero owns
// firing the node; tctx collects it for deferred dispatch.
func (n *EventNode) ReleaseBarrier(tctx *ThreadContext) {
	remaining := n.barrier.Add(-1)
	if remaining == 0 {
		n.fire(tctx)
	} else if remaining < 0 {
		panic(fmt.Sprintf("event node %d: barrier released below zero", n.id))
	}
}

// fire transitions the node to fired exactly once and hands it to the thread
// context for dispatch. Firing twice means the build graph is corrupt.
func (n *EventNode) fire(tctx *ThreadContext) {
	if !n.fired.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("event node %d: fired twice", n.id))
	}
	tctx.push(n.id)
}

// Execute runs the phase function, marks the node done, and releases every
// dependent's barrier. Newly ready nodes are batched onto the thread context
// stack, bounding recursion on long chains.
func (n *EventNode) Execute(tctx *ThreadContext) {
	if n.done.Load() {
		panic(fmt.Sprintf("event node %d: executed twice", n.id))
	}
	if n.exec != nil {
		n.exec(tctx)
	}

	n.lockDeps()
	n.done.Store(true)
	deps := n.deps.take()
	n.unlockDeps()

	for _, depID := range deps {
		tctx.arena.Node(depID).ReleaseBarrier(tctx)
	}
}
