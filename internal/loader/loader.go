package loader

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/ctxlog"
	"github.com/vk/packstream/internal/iodispatch"
	"github.com/vk/packstream/internal/packstore"
)

// LoadFlags modify a single load request.
type LoadFlags uint32

const (
	// LoadFlagNone is the default request behavior.
	LoadFlagNone LoadFlags = 0
	// LoadFlagHighPriority front-runs the request's IO ahead of load order.
	LoadFlagHighPriority LoadFlags = 1 << iota
)

// Env carries the collaborators every load shares. Passed explicitly so the
// loader holds no ambient global state.
type Env struct {
	Store      *packstore.Store
	Imports    *packstore.ImportStore
	Dispatcher iodispatch.Dispatcher
	Factory    ObjectFactory
}

// Options tune the loader's scheduling and backpressure behavior.
type Options struct {
	// WorkerCount is the number of event graph workers.
	WorkerCount int
	// QueueCapacity bounds the shared event queue.
	QueueCapacity int
	// IoBytesCap limits total in-flight export bundle bytes.
	IoBytesCap int64
	// BatchGranularity is how many queued requests one creation pass takes.
	BatchGranularity int
	// TimeSlice bounds one request creation pass.
	TimeSlice time.Duration
}

func (o *Options) withDefaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 2
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	if o.IoBytesCap <= 0 {
		o.IoBytesCap = 8 << 20
	}
	if o.BatchGranularity <= 0 {
		o.BatchGranularity = 4
	}
	if o.TimeSlice <= 0 {
		o.TimeSlice = 2 * time.Millisecond
	}
}

type queuedRequest struct {
	id         RequestID
	name       string
	pkgID      uint64
	sourceID   uint64
	guid       uuid.UUID
	flags      LoadFlags
	priority   int64
	onComplete CompletionFunc
}

type completionEvent struct {
	name      string
	requests  []RequestID
	callbacks []CompletionFunc
	result    Result
}

type bundleIoRequest struct {
	pkg      *AsyncPackage
	priority int64
	size     int64
	seq      uint64
}

type ioRequestHeap []*bundleIoRequest

func (h ioRequestHeap) Len() int { return len(h) }
func (h ioRequestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h ioRequestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *ioRequestHeap) Push(x any)   { *h = append(*h, x.(*bundleIoRequest)) }
func (h *ioRequestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Loader is the async loading orchestrator: it drains external requests into
// in-flight packages, wires the event graph from summaries, admits bundle IO
// under a byte budget, and reports completions on the game thread.
type Loader struct {
	env    Env
	opts   Options
	logger *slog.Logger

	arena *NodeArena
	sched *Scheduler
	ioSem *semaphore.Weighted

	mu            sync.Mutex
	pending       []*queuedRequest
	inFlight      map[uint64]*AsyncPackage
	active        int
	completions   []completionEvent
	firedRequests map[RequestID]struct{}
	ioPending     ioRequestHeap
	ioSeq         uint64

	nextRequest atomic.Int64

	kick        chan struct{}
	stop        chan struct{}
	loadingDone chan struct{}
}

// New starts the loading goroutine and worker pool.
func New(ctx context.Context, env Env, opts Options) *Loader {
	opts.withDefaults()
	if env.Factory == nil {
		env.Factory = BasicFactory{}
	}

	arena := NewNodeArena()
	l := &Loader{
		env:           env,
		opts:          opts,
		logger:        ctxlog.FromContext(ctx),
		arena:         arena,
		sched:         NewScheduler(ctx, arena, opts.WorkerCount, opts.QueueCapacity),
		ioSem:         semaphore.NewWeighted(opts.IoBytesCap),
		inFlight:      make(map[uint64]*AsyncPackage),
		firedRequests: make(map[RequestID]struct{}),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		loadingDone:   make(chan struct{}),
	}
	go l.loadingThread()
	return l
}

// Close stops the loading goroutine and workers. In-flight loads are not
// waited for; call Flush first for a clean drain.
func (l *Loader) Close() {
	close(l.stop)
	<-l.loadingDone
	l.sched.Close()
}

// LoadPackage requests an asynchronous load. The completion callback fires
// exactly once, from Tick on the game thread. Unknown packages fail
// immediately by queuing the completion rather than erroring out.
//
// A non-empty loadFrom names the package whose chunks back the load; the
// result still registers under name, so one package's data can be loaded as
// another instance. An empty loadFrom reads from name itself.
func (l *Loader) LoadPackage(name string, guid uuid.UUID, loadFrom string, onComplete CompletionFunc, flags LoadFlags, priority int64) RequestID {
	id := RequestID(l.nextRequest.Add(1))
	source := name
	if loadFrom != "" {
		source = loadFrom
	}

	entry, ok := l.env.Store.FindEntry(uint64(xxhash.Sum64String(source)))
	if !ok {
		l.logger.Warn("Requested package not in any mounted container.", "package", name, "source", source)
		l.mu.Lock()
		l.queueCompletionLocked(completionEvent{
			name:      name,
			requests:  []RequestID{id},
			callbacks: callbackList(onComplete),
			result:    Failed,
		})
		l.mu.Unlock()
		return id
	}

	req := &queuedRequest{
		id:         id,
		name:       entry.Name,
		pkgID:      entry.ID,
		sourceID:   entry.ID,
		guid:       guid,
		flags:      flags,
		priority:   priority,
		onComplete: onComplete,
	}
	if loadFrom != "" {
		req.name = name
		req.pkgID = uint64(xxhash.Sum64String(name))
	}
	l.mu.Lock()
	l.pending = append(l.pending, req)
	l.mu.Unlock()
	l.kickLoading()
	return id
}

// Suspend cooperatively stops the workers. Returns after every worker has
// acknowledged the boundary; no node is interrupted mid-execution.
func (l *Loader) Suspend() {
	l.sched.Suspend()
}

// Resume restarts the workers.
func (l *Loader) Resume() {
	l.sched.Resume()
}

// IsLoading reports whether any request or package is still in flight.
func (l *Loader) IsLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active > 0 || len(l.pending) > 0 || len(l.completions) > 0
}

// Tick processes game-thread-only phases and fires queued completion
// callbacks. Must run on the goroutine acting as the game thread.
func (l *Loader) Tick() int {
	tctx := l.sched.GameThreadContext()
	executed := l.sched.TickGameThread(tctx)

	for {
		l.mu.Lock()
		events := l.completions
		l.completions = nil
		for _, ev := range events {
			for _, id := range ev.requests {
				l.firedRequests[id] = struct{}{}
			}
		}
		l.mu.Unlock()
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			for i, cb := range ev.callbacks {
				if cb != nil {
					cb(ev.name, ev.requests[i], ev.result)
				}
			}
		}
		executed += l.sched.TickGameThread(tctx)
	}
	return executed
}

// Flush ticks until the given request completes, simulating a synchronous
// load. A zero request id flushes all loading.
func (l *Loader) Flush(ctx context.Context, id RequestID) error {
	for {
		l.Tick()
		l.mu.Lock()
		done := false
		if id == 0 {
			done = l.active == 0 && len(l.pending) == 0 && len(l.completions) == 0
		} else {
			_, done = l.firedRequests[id]
		}
		l.mu.Unlock()
		if done {
			return nil
		}
		if l.sched.Suspended() {
			return fmt.Errorf("flush while loading is suspended")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Microsecond):
		}
	}
}

// CancelAll aborts every pending request and marks in-flight packages
// canceled; their remaining phases drain as no-ops and callbacks report
// Canceled.
func (l *Loader) CancelAll() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	for _, p := range l.inFlight {
		p.canceled.Store(true)
		p.failed.Store(true)
	}
	for _, req := range pending {
		l.queueCompletionLocked(completionEvent{
			name:      req.name,
			requests:  []RequestID{req.id},
			callbacks: callbackList(req.onComplete),
			result:    Canceled,
		})
	}
	l.mu.Unlock()
}

func (l *Loader) kickLoading() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loader) loadingThread() {
	defer close(l.loadingDone)
	for {
		select {
		case <-l.stop:
			return
		case <-l.kick:
			l.createAsyncPackagesFromQueue()
		}
	}
}

// createAsyncPackagesFromQueue drains the external request queue in small
// batches under a time slice, re-kicking itself when the slice expires with
// requests still queued.
func (l *Loader) createAsyncPackagesFromQueue() {
	deadline := time.Now().Add(l.opts.TimeSlice)
	for {
		l.mu.Lock()
		n := l.opts.BatchGranularity
		if n > len(l.pending) {
			n = len(l.pending)
		}
		batch := l.pending[:n]
		l.pending = l.pending[n:]
		for _, req := range batch {
			l.findOrInsertPackageLocked(req)
		}
		remaining := len(l.pending)
		l.mu.Unlock()

		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			l.kickLoading()
			return
		}
	}
}

// findOrInsertPackageLocked merges the request into an in-flight load or
// inserts a new package and recursively queues its imports. Caller holds
// l.mu.
func (l *Loader) findOrInsertPackageLocked(req *queuedRequest) {
	if p, ok := l.inFlight[req.pkgID]; ok {
		p.requests = append(p.requests, req.id)
		p.callbacks = append(p.callbacks, req.onComplete)
		return
	}
	p := l.insertPackageLocked(req.name, req.pkgID, req.sourceID, req.priority, req.flags)
	if p == nil {
		l.queueCompletionLocked(completionEvent{
			name:      req.name,
			requests:  []RequestID{req.id},
			callbacks: callbackList(req.onComplete),
			result:    Failed,
		})
		return
	}
	p.guid = req.guid
	p.requests = append(p.requests, req.id)
	p.callbacks = append(p.callbacks, req.onComplete)
}

// insertPackageLocked sets up the package's event nodes and starts its
// summary read. The package registers under pkgID while its chunks come from
// sourceID's catalog entry; an empty name falls back to the entry's name.
// Returns nil when the source package is not in the catalog.
func (l *Loader) insertPackageLocked(name string, pkgID, sourceID uint64, priority int64, flags LoadFlags) *AsyncPackage {
	entry, ok := l.env.Store.FindEntry(sourceID)
	if !ok {
		return nil
	}
	if p, inflight := l.inFlight[pkgID]; inflight {
		return p
	}
	if name == "" {
		name = entry.Name
	}

	p := &AsyncPackage{
		id:       pkgID,
		sourceID: entry.ID,
		name:     name,
		entry:    entry,
		priority: priority,
	}
	if flags&LoadFlagHighPriority != 0 {
		p.priority = -1
	} else if priority == 0 {
		p.priority = int64(entry.LoadOrder)
	}

	nodeCount := chunk.TotalNodeCount(entry.BundleCount)
	p.nodes = make([]NodeID, nodeCount)
	for i := range p.nodes {
		p.nodes[i] = l.arena.Alloc()
	}

	// Every node starts with one wiring barrier so nothing fires while arcs
	// are still being attached.
	summaryNode := l.arena.Node(p.nodes[chunk.PackageNodeProcessSummary])
	summaryNode.Setup(l.execProcessSummary(p), 2, false) // wiring + summary IO
	serializedNode := l.arena.Node(p.nodes[chunk.PackageNodeExportsSerialized])
	serializedNode.Setup(l.execExportsSerialized(p), 1, false)
	completeNode := l.arena.Node(p.nodes[chunk.PackageNodePostLoad])
	completeNode.Setup(l.execPackageComplete(p), 1, true)

	serializedNode.DependsOn(summaryNode)
	completeNode.DependsOn(serializedNode)

	for b := int32(0); b < entry.BundleCount; b++ {
		process := l.arena.Node(p.nodes[chunk.BundleNodeIndex(b, chunk.BundleNodeProcess)])
		postLoad := l.arena.Node(p.nodes[chunk.BundleNodeIndex(b, chunk.BundleNodePostLoad)])
		deferred := l.arena.Node(p.nodes[chunk.BundleNodeIndex(b, chunk.BundleNodeDeferredPostLoad)])

		process.Setup(l.execBundleProcess(p, b), 1, false)
		postLoad.Setup(l.execBundlePostLoad(p, b), 1, false)
		deferred.Setup(l.execBundleDeferred(p, b), 1, true)

		process.DependsOn(summaryNode)
		postLoad.DependsOn(process)
		deferred.DependsOn(postLoad)
		serializedNode.DependsOn(process)
		completeNode.DependsOn(deferred)
	}
	if entry.BundleCount > 0 {
		// Bundle 0 additionally waits for the export bundle data read.
		l.arena.Node(p.nodes[chunk.BundleNodeIndex(0, chunk.BundleNodeProcess)]).AddBarrier(1)
	}

	l.inFlight[pkgID] = p
	l.active++
	l.env.Imports.AddPackageRef(pkgID)
	p.setState(StateWaitingForSummary)

	// Imports are queued before this package's summary is processed so their
	// nodes exist by the time cross-package arcs are wired.
	for _, dep := range entry.ImportedPackages {
		if dep == entry.ID {
			continue
		}
		p.importedRefs = append(p.importedRefs, dep)
		l.env.Imports.AddPackageRef(dep)
		if _, inflight := l.inFlight[dep]; inflight {
			continue
		}
		if ref := l.env.Imports.PackageRef(dep); ref != nil && ref.State() == packstore.RefLoaded {
			continue
		}
		if sub := l.insertPackageLocked("", dep, dep, 0, LoadFlagNone); sub == nil {
			l.logger.Warn("Imported package missing from catalog.", "package", p.name, "import", dep)
		}
	}

	l.startSummaryIo(p)

	// Release the wiring barriers; bundle process nodes still gate on the
	// summary node, which keeps one barrier for the IO completion.
	tctx := l.sched.ExternalContext()
	for _, id := range p.nodes {
		l.arena.Node(id).ReleaseBarrier(tctx)
	}
	tctx.flush()

	l.logger.Debug("Package load inserted.", "package", p.name, "bundles", entry.BundleCount)
	return p
}

func (l *Loader) startSummaryIo(p *AsyncPackage) {
	id := chunk.ID{Package: p.sourceID, Type: chunk.TypeSummary}
	l.env.Dispatcher.ReadWithCallback(id, p.priority, func(res iodispatch.ReadResult) {
		if res.Err != nil {
			l.logger.Warn("Summary read failed.", "package", p.name, "error", res.Err)
			p.failed.Store(true)
		} else {
			p.summaryData = res.Data
		}
		tctx := l.sched.ExternalContext()
		l.arena.Node(p.nodes[chunk.PackageNodeProcessSummary]).ReleaseBarrier(tctx)
		tctx.flush()
	})
}

// execProcessSummary decodes the summary and wires the package's serialized
// arcs into live barriers. On a failed read the graph still drains: bundle
// nodes run as no-ops and the data IO barrier is released here.
func (l *Loader) execProcessSummary(p *AsyncPackage) ExecFunc {
	return func(tctx *ThreadContext) {
		defer p.setState(StateProcessImportsExports)

		if !p.failed.Load() {
			summary, err := chunk.DecodePackageSummary(p.summaryData)
			if err != nil {
				l.logger.Warn("Summary decode failed.", "package", p.name, "error", err)
				p.failed.Store(true)
			} else if err := validateSummary(p.entry, summary); err != nil {
				l.logger.Error("Summary rejected.", "package", p.name, "error", err)
				p.failed.Store(true)
			} else {
				p.summary = summary
				p.summaryData = nil
			}
		}

		if p.summary != nil {
			p.objects = make([]*packstore.Object, len(p.summary.Exports))
			l.wireArcs(p)
			l.checkImports(p)
		}

		if p.entry.BundleCount > 0 {
			if p.failed.Load() {
				// No data read will happen; release its barrier so the
				// bundle chain drains as no-ops.
				l.arena.Node(p.nodes[chunk.BundleNodeIndex(0, chunk.BundleNodeProcess)]).ReleaseBarrier(tctx)
			} else {
				l.queueBundleIo(p)
			}
		}
	}
}

// validateSummary rejects a summary whose indices fall outside its own
// tables or whose bundle table disagrees with the catalog entry the nodes
// were allocated from. A rejected summary fails the package; its graph
// drains as no-ops, so a malformed chunk never reaches the phase funcs.
func validateSummary(entry *packstore.Entry, s *chunk.PackageSummary) error {
	if int32(len(s.Bundles)) != entry.BundleCount {
		return fmt.Errorf("summary holds %d bundles, catalog entry says %d", len(s.Bundles), entry.BundleCount)
	}
	for i, header := range s.Bundles {
		if uint64(header.FirstEntryIndex)+uint64(header.EntryCount) > uint64(len(s.BundleEntries)) {
			return fmt.Errorf("bundle %d entry range [%d, +%d) exceeds %d entries", i, header.FirstEntryIndex, header.EntryCount, len(s.BundleEntries))
		}
	}
	for i, cmd := range s.BundleEntries {
		if cmd.LocalExportIndex < 0 || int(cmd.LocalExportIndex) >= len(s.Exports) {
			return fmt.Errorf("bundle entry %d references export %d of %d", i, cmd.LocalExportIndex, len(s.Exports))
		}
	}
	return nil
}

// wireArcs attaches the summary's internal, external and script arcs.
// External arcs against packages no longer (or never) in flight are no-ops:
// either the source already finished or the import degraded to missing.
func (l *Loader) wireArcs(p *AsyncPackage) {
	for _, arc := range p.summary.Graph.InternalArcs {
		from := p.Node(chunk.BundleNodeIndex(arc.FromBundle, chunk.BundleNodeProcess))
		to := p.Node(chunk.BundleNodeIndex(arc.ToBundle, chunk.BundleNodeProcess))
		if from == InvalidNode || to == InvalidNode {
			l.logger.Error("Internal arc index out of range.", "package", p.name, "from", arc.FromBundle, "to", arc.ToBundle)
			continue
		}
		l.arena.Node(to).DependsOn(l.arena.Node(from))
	}

	for _, arc := range p.summary.Graph.ExternalArcs {
		to := p.Node(arc.ToNodeIndex)
		if to == InvalidNode {
			l.logger.Error("External arc target out of range.", "package", p.name, "node", arc.ToNodeIndex)
			continue
		}
		l.mu.Lock()
		dep := l.inFlight[arc.FromPackage]
		l.mu.Unlock()
		if dep == nil || dep == p {
			continue
		}
		from := dep.Node(arc.FromNodeIndex)
		if from == InvalidNode {
			l.logger.Error("External arc source out of range.", "package", p.name, "source", dep.name, "node", arc.FromNodeIndex)
			continue
		}
		l.arena.Node(to).DependsOn(l.arena.Node(from))
	}

	for _, arc := range p.summary.Graph.ScriptArcs {
		if obj := l.env.Imports.FindScriptObject(arc.GlobalImportIndex); obj == nil {
			l.logger.Warn("Script import missing from bootstrap table.", "package", p.name, "global_import", arc.GlobalImportIndex)
		}
	}
}

// checkImports logs unresolved imports. Missing imports degrade to null
// references rather than failing the load.
func (l *Loader) checkImports(p *AsyncPackage) {
	for _, imp := range p.summary.Imports {
		if imp.IsScript || imp.SourcePackage != 0 {
			continue
		}
		l.logger.Warn("Import has no source package.", "package", p.name, "import", imp.FullPath)
	}
}

func (l *Loader) queueBundleIo(p *AsyncPackage) {
	size := int64(p.entry.ExportBundlesSize)
	if s, ok := l.env.Dispatcher.SizeOf(chunk.ID{Package: p.sourceID, Type: chunk.TypeExportBundleData}); ok {
		size = int64(s)
	}
	if size > l.opts.IoBytesCap {
		size = l.opts.IoBytesCap
	}
	if size <= 0 {
		size = 1
	}

	l.mu.Lock()
	l.ioSeq++
	heap.Push(&l.ioPending, &bundleIoRequest{pkg: p, priority: p.priority, size: size, seq: l.ioSeq})
	l.mu.Unlock()
	l.pumpBundleIo()
}

// pumpBundleIo admits pending bundle reads in load order while total
// in-flight bytes stay under the cap.
func (l *Loader) pumpBundleIo() {
	for {
		l.mu.Lock()
		if len(l.ioPending) == 0 {
			l.mu.Unlock()
			return
		}
		next := l.ioPending[0]
		if !l.ioSem.TryAcquire(next.size) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.ioPending)
		l.mu.Unlock()

		req := next
		id := chunk.ID{Package: req.pkg.sourceID, Type: chunk.TypeExportBundleData}
		l.env.Dispatcher.ReadWithCallback(id, req.priority, func(res iodispatch.ReadResult) {
			l.finishBundleIo(req, res)
		})
	}
}

func (l *Loader) finishBundleIo(req *bundleIoRequest, res iodispatch.ReadResult) {
	p := req.pkg
	if res.Err != nil {
		l.logger.Warn("Export bundle read failed.", "package", p.name, "error", res.Err)
		p.failed.Store(true)
	} else {
		data, err := chunk.DecodeExportBundleData(res.Data)
		if err != nil {
			l.logger.Warn("Export bundle decode failed.", "package", p.name, "error", err)
			p.failed.Store(true)
		} else {
			p.payloads = data.Payloads
		}
	}

	tctx := l.sched.ExternalContext()
	l.arena.Node(p.nodes[chunk.BundleNodeIndex(0, chunk.BundleNodeProcess)]).ReleaseBarrier(tctx)
	tctx.flush()

	l.ioSem.Release(req.size)
	l.pumpBundleIo()
}

// execBundleProcess runs the create and serialize commands of one bundle.
// Failed packages skip the work but still advance the graph.
func (l *Loader) execBundleProcess(p *AsyncPackage, bundleIndex int32) ExecFunc {
	return func(tctx *ThreadContext) {
		if p.failed.Load() || p.summary == nil {
			return
		}
		if int(bundleIndex) >= len(p.summary.Bundles) {
			l.logger.Error("Bundle index out of range.", "package", p.name, "bundle", bundleIndex)
			return
		}
		header := p.summary.Bundles[bundleIndex]
		entries := p.summary.BundleEntries[header.FirstEntryIndex : header.FirstEntryIndex+header.EntryCount]
		for _, entry := range entries {
			local := entry.LocalExportIndex
			if local < 0 || int(local) >= len(p.objects) || int(local) >= len(p.payloads) {
				l.logger.Error("Export index out of range.", "package", p.name, "export", local)
				continue
			}
			payload, err := chunk.DecodeExportPayload(p.payloads[local])
			if err != nil {
				l.logger.Error("Export payload decode failed.", "package", p.name, "export", local, "error", err)
				continue
			}
			if entry.Phase == 0 {
				obj := l.env.Factory.Create(p.name, payload)
				p.objects[local] = obj
				l.env.Imports.StorePublicExport(p.id, local, obj)
			} else {
				obj := p.objects[local]
				if obj == nil {
					l.logger.Error("Serialize before create.", "package", p.name, "export", local)
					continue
				}
				if err := l.env.Factory.Serialize(obj, p.payloads[local]); err != nil {
					l.logger.Warn("Export serialization failed.", "package", p.name, "export", local, "error", err)
					p.failed.Store(true)
				}
			}
		}
	}
}

// execExportsSerialized marks the transition into the postload stage.
func (l *Loader) execExportsSerialized(p *AsyncPackage) ExecFunc {
	return func(tctx *ThreadContext) {
		p.setState(StatePostLoad)
	}
}

// execBundlePostLoad postloads every export the bundle serialized.
func (l *Loader) execBundlePostLoad(p *AsyncPackage, bundleIndex int32) ExecFunc {
	return func(tctx *ThreadContext) {
		if p.failed.Load() || p.summary == nil {
			return
		}
		header := p.summary.Bundles[bundleIndex]
		entries := p.summary.BundleEntries[header.FirstEntryIndex : header.FirstEntryIndex+header.EntryCount]
		for _, entry := range entries {
			if entry.Phase != 1 {
				continue
			}
			if obj := p.objects[entry.LocalExportIndex]; obj != nil {
				l.env.Factory.PostLoad(obj)
			}
		}
	}
}

// execBundleDeferred is the game-thread-only deferred postload slot. The
// default factory has no deferred work; the node exists so game-thread
// fixups order after worker postloads.
func (l *Loader) execBundleDeferred(p *AsyncPackage, bundleIndex int32) ExecFunc {
	return func(tctx *ThreadContext) {}
}

// execPackageComplete finalizes the load on the game thread: publishes the
// terminal state, releases import refs, and queues the completion callbacks.
func (l *Loader) execPackageComplete(p *AsyncPackage) ExecFunc {
	return func(tctx *ThreadContext) {
		p.setState(StateComplete)
		result := p.result()

		if result == Succeeded {
			l.env.Imports.SetPackageLoaded(p.id)
		} else {
			l.env.Imports.SetPackageFailed(p.id)
		}
		for _, dep := range p.importedRefs {
			l.env.Imports.ReleasePackageRef(dep)
		}
		l.env.Imports.ReleasePackageRef(p.id)

		l.mu.Lock()
		delete(l.inFlight, p.id)
		l.active--
		l.queueCompletionLocked(completionEvent{
			name:      p.name,
			requests:  p.requests,
			callbacks: p.callbacks,
			result:    result,
		})
		l.mu.Unlock()

		l.logger.Debug("Package load complete.", "package", p.name, "result", result.String())
	}
}

func (l *Loader) queueCompletionLocked(ev completionEvent) {
	l.completions = append(l.completions, ev)
}

func callbackList(cb CompletionFunc) []CompletionFunc {
	return []CompletionFunc{cb}
}
