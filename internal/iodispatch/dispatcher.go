package iodispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/ctxlog"
)

// ErrChunkNotFound is returned through the callback when no mounted container
// holds the requested chunk.
type ErrChunkNotFound struct {
	ID chunk.ID
}

func (e *ErrChunkNotFound) Error() string {
	return fmt.Sprintf("chunk %s not found in any mounted container", e.ID)
}

// ReadResult carries the outcome of one asynchronous read.
type ReadResult struct {
	Data []byte
	Err  error
}

// Callback receives a completed read on the dispatch goroutine. It must not
// block on another dispatcher read completing.
type Callback func(ReadResult)

// Dispatcher is the asynchronous chunk read interface the loader consumes.
type Dispatcher interface {
	// ReadWithCallback enqueues a read. Lower priority values are served
	// first; ties are served in submission order.
	ReadWithCallback(id chunk.ID, priority int64, fn Callback)
	// SizeOf returns the uncompressed chunk size without reading it.
	SizeOf(id chunk.ID) (uint32, bool)
	// Contains reports whether any mounted container holds the chunk.
	Contains(id chunk.ID) bool
}

type request struct {
	id       chunk.ID
	priority int64
	seq      uint64
	fn       Callback
}

type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// FileDispatcher serves reads from container files on a single dispatch
// goroutine. Containers mounted later with a higher mount order shadow
// earlier ones for chunks both hold.
type FileDispatcher struct {
	mu         sync.Mutex
	cond       *sync.Cond
	pending    requestHeap
	containers []*chunk.Container
	seq        uint64
	closed     bool
	done       chan struct{}
}

// NewFileDispatcher starts the dispatch goroutine.
func NewFileDispatcher(ctx context.Context) *FileDispatcher {
	d := &FileDispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run(ctx)
	return d
}

// Mount adds a container. Chunks present in multiple containers resolve to
// the one with the highest mount order.
func (d *FileDispatcher) Mount(c *chunk.Container) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Keep descending mount order so lookup takes the first hit. The slice
	// is rebuilt rather than shifted in place because the dispatch goroutine
	// snapshots the header outside the lock.
	pos := len(d.containers)
	for i, existing := range d.containers {
		if c.MountOrder() > existing.MountOrder() {
			pos = i
			break
		}
	}
	mounted := make([]*chunk.Container, 0, len(d.containers)+1)
	mounted = append(mounted, d.containers[:pos]...)
	mounted = append(mounted, c)
	mounted = append(mounted, d.containers[pos:]...)
	d.containers = mounted
}

// ReadWithCallback implements Dispatcher.
func (d *FileDispatcher) ReadWithCallback(id chunk.ID, priority int64, fn Callback) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fn(ReadResult{Err: fmt.Errorf("dispatcher closed")})
		return
	}
	d.seq++
	heap.Push(&d.pending, &request{id: id, priority: priority, seq: d.seq, fn: fn})
	d.mu.Unlock()
	d.cond.Signal()
}

// SizeOf implements Dispatcher.
func (d *FileDispatcher) SizeOf(id chunk.ID) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if size, ok := c.Size(id); ok {
			return size, true
		}
	}
	return 0, false
}

// Contains implements Dispatcher.
func (d *FileDispatcher) Contains(id chunk.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.Contains(id) {
			return true
		}
	}
	return false
}

// Close stops the dispatch goroutine after draining pending requests with a
// closed error.
func (d *FileDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
	<-d.done
}

func (d *FileDispatcher) run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	defer close(d.done)

	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			drained := d.pending
			d.pending = nil
			d.mu.Unlock()
			for _, req := range drained {
				req.fn(ReadResult{Err: fmt.Errorf("dispatcher closed")})
			}
			return
		}
		req := heap.Pop(&d.pending).(*request)
		containers := d.containers
		d.mu.Unlock()

		var served bool
		for _, c := range containers {
			if !c.Contains(req.id) {
				continue
			}
			data, err := c.Read(req.id)
			if err != nil {
				logger.Warn("Chunk read failed.", "chunk", req.id.String(), "error", err)
			}
			req.fn(ReadResult{Data: data, Err: err})
			served = true
			break
		}
		if !served {
			req.fn(ReadResult{Err: &ErrChunkNotFound{ID: req.id}})
		}
	}
}
