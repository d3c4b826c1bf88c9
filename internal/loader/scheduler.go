package loader

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/vk/packstream/internal/ctxlog"
)

// ThreadContext is the per-goroutine execution state of one scheduling pass.
// Nodes fired while executing a node are pushed here and drained after the
// current node returns, bounding recursion on long dependency chains.
type ThreadContext struct {
	arena *NodeArena
	sched *Scheduler

	// gameThread marks the context as the game thread's; game-thread nodes
	// fired here execute locally instead of crossing a queue.
	gameThread bool

	// local contexts drain their own stack; external contexts (IO callbacks)
	// hand everything to the shared queues via flush.
	local bool

	nodesToFire []NodeID
}

func (t *ThreadContext) push(id NodeID) {
	n := t.arena.Node(id)
	if n.gameThread != t.gameThread || !t.local {
		if n.gameThread {
			t.sched.gameQueue.push(id)
		} else {
			t.sched.submit(id)
		}
		return
	}
	t.nodesToFire = append(t.nodesToFire, id)
}

func (t *ThreadContext) pop() (NodeID, bool) {
	if len(t.nodesToFire) == 0 {
		return InvalidNode, false
	}
	id := t.nodesToFire[len(t.nodesToFire)-1]
	t.nodesToFire = t.nodesToFire[:len(t.nodesToFire)-1]
	return id, true
}

// flush hands any collected nodes to the shared queues.
func (t *ThreadContext) flush() {
	for _, id := range t.nodesToFire {
		if t.arena.Node(id).gameThread {
			t.sched.gameQueue.push(id)
		} else {
			t.sched.submit(id)
		}
	}
	t.nodesToFire = t.nodesToFire[:0]
}

// Scheduler runs the worker pool that drains the event queue. Suspension is
// cooperative: workers poll the suspend flag between node executions only,
// so no node is ever interrupted mid-execution.
type Scheduler struct {
	arena     *NodeArena
	queue     *EventQueue
	gameQueue *gameThreadQueue
	logger    *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	ackCond   *sync.Cond
	suspended bool
	parked    int
	workers   int
	closed    bool

	wg sync.WaitGroup
}

// NewScheduler starts workerCount workers draining a queue of queueCapacity.
func NewScheduler(ctx context.Context, arena *NodeArena, workerCount, queueCapacity int) *Scheduler {
	s := &Scheduler{
		arena:     arena,
		queue:     NewEventQueue(queueCapacity),
		gameQueue: &gameThreadQueue{},
		logger:    ctxlog.FromContext(ctx),
		workers:   workerCount,
	}
	s.cond = sync.NewCond(&s.mu)
	s.ackCond = sync.NewCond(&s.mu)

	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go s.worker(i)
	}
	return s
}

// ExternalContext returns a context for barrier releases performed outside
// the worker pool, typically IO completion callbacks. Fired nodes route
// straight to the shared queues.
func (s *Scheduler) ExternalContext() *ThreadContext {
	return &ThreadContext{arena: s.arena, sched: s}
}

// GameThreadContext returns the context the game thread ticks with.
func (s *Scheduler) GameThreadContext() *ThreadContext {
	return &ThreadContext{arena: s.arena, sched: s, gameThread: true, local: true}
}

// submit pushes a node onto the shared queue and wakes a worker. A full
// queue applies backpressure to the submitter instead of dropping work.
func (s *Scheduler) submit(id NodeID) {
	warned := false
	for {
		err := s.queue.Push(id)
		if err == nil {
			break
		}
		if !warned {
			s.logger.Warn("Event queue full, submitter backing off.", "capacity", s.queue.Cap())
			warned = true
		}
		runtime.Gosched()
	}
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// Suspend stops the workers cooperatively and returns once every worker has
// acknowledged the suspension boundary. Queued nodes are retained.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.suspended = true
	s.cond.Broadcast()
	for s.parked < s.workers && !s.closed {
		s.ackCond.Wait()
	}
}

// Resume restarts the workers with the same remaining node set.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	s.cond.Broadcast()
}

// Suspended reports whether the pool is currently suspended.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// QueuedNodes returns the approximate shared queue depth.
func (s *Scheduler) QueuedNodes() int {
	return s.queue.Len()
}

// Close stops the workers after the queue drains from their perspective.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.ackCond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) worker(index int) {
	defer s.wg.Done()

	tctx := &ThreadContext{arena: s.arena, sched: s, local: true}
	for {
		if !s.waitForWork(tctx) {
			return
		}
		id, ok := s.queue.Pop()
		if !ok {
			continue
		}
		s.executeChain(tctx, id)
	}
}

// executeChain runs one node and then drains the locally fired stack,
// checking the suspend flag between nodes.
func (s *Scheduler) executeChain(tctx *ThreadContext, id NodeID) {
	s.arena.Node(id).Execute(tctx)
	for {
		if s.suspendRequested() {
			// Unexecuted local nodes go back to the shared queue so resume
			// sees the exact remaining set.
			tctx.flush()
			return
		}
		next, ok := tctx.pop()
		if !ok {
			return
		}
		s.arena.Node(next).Execute(tctx)
	}
}

func (s *Scheduler) suspendRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// waitForWork blocks until the queue is non-empty, parking through suspend
// windows. Returns false when the scheduler is closed.
func (s *Scheduler) waitForWork(tctx *ThreadContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return false
		}
		if s.suspended {
			s.parked++
			s.ackCond.Broadcast()
			for s.suspended && !s.closed {
				s.cond.Wait()
			}
			s.parked--
			continue
		}
		if s.queue.Len() > 0 {
			return true
		}
		s.cond.Wait()
	}
}

// TickGameThread executes every queued game-thread node. Must be called from
// the goroutine acting as the game thread.
func (s *Scheduler) TickGameThread(tctx *ThreadContext) int {
	executed := 0
	for {
		nodes := s.gameQueue.popAll()
		if len(nodes) == 0 {
			break
		}
		for _, id := range nodes {
			s.arena.Node(id).Execute(tctx)
			executed++
			for {
				next, ok := tctx.pop()
				if !ok {
					break
				}
				s.arena.Node(next).Execute(tctx)
				executed++
			}
		}
	}
	return executed
}
