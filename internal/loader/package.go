package loader

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vk/packstream/internal/chunk"
	"github.com/vk/packstream/internal/packstore"
)

// State is the lifecycle stage of one in-flight package load.
type State uint32

const (
	// StateNew is assigned at insertion, before IO starts.
	StateNew State = iota
	// StateWaitingForSummary means the summary chunk read is in flight.
	StateWaitingForSummary
	// StateProcessImportsExports means the summary arrived and export
	// bundles are being processed.
	StateProcessImportsExports
	// StatePostLoad means all exports are serialized and postload phases
	// are draining.
	StatePostLoad
	// StateComplete is terminal; the completion callbacks are queued.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateWaitingForSummary:
		return "WaitingForSummary"
	case StateProcessImportsExports:
		return "ProcessImportsExports"
	case StatePostLoad:
		return "PostLoad"
	case StateComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Result is the terminal outcome reported to a completion callback.
type Result uint8

const (
	// Succeeded means every export was created, serialized and postloaded.
	Succeeded Result = iota
	// Failed means the load degraded to a no-op drain after an error.
	Failed
	// Canceled means the load was aborted before completing.
	Canceled
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// RequestID identifies one LoadPackage call. Multiple requests for the same
// package share a single in-flight load.
type RequestID int64

// CompletionFunc fires exactly once per request, on the game thread.
type CompletionFunc func(name string, id RequestID, result Result)

// ObjectFactory constructs and fills runtime objects. Implementations must
// be safe for concurrent calls from worker goroutines.
type ObjectFactory interface {
	// Create instantiates the export's object shell.
	Create(pkgName string, payload *chunk.ExportPayload) *packstore.Object
	// Serialize fills the object from its payload blob.
	Serialize(obj *packstore.Object, payload []byte) error
	// PostLoad runs the object's post-serialization fixup.
	PostLoad(obj *packstore.Object)
}

// BasicFactory is the default factory: objects are bare registry records
// whose phase flags advance as the graph drains.
type BasicFactory struct{}

// Create implements ObjectFactory.
func (BasicFactory) Create(pkgName string, payload *chunk.ExportPayload) *packstore.Object {
	return &packstore.Object{
		FullPath: payload.FullPath,
		Class:    payload.Class,
		Created:  true,
	}
}

// Serialize implements ObjectFactory.
func (BasicFactory) Serialize(obj *packstore.Object, payload []byte) error {
	obj.Serialized = true
	return nil
}

// PostLoad implements ObjectFactory.
func (BasicFactory) PostLoad(obj *packstore.Object) {
	obj.PostLoaded = true
}

// AsyncPackage is one in-flight package load: its catalog entry, decoded
// chunks, event nodes and merged requests.
type AsyncPackage struct {
	id uint64
	// sourceID is the catalog id whose chunks back the load. Equal to id
	// except when the load was requested with a load-from alias.
	sourceID uint64
	name     string
	entry    *packstore.Entry
	guid     uuid.UUID

	state    atomic.Uint32
	failed   atomic.Bool
	canceled atomic.Bool

	summaryData []byte
	summary     *chunk.PackageSummary
	payloads    [][]byte

	// nodes is indexed by the serialized node index layout: package-level
	// nodes first, then three per bundle.
	nodes []NodeID

	objects []*packstore.Object

	// requests and callbacks are guarded by the loader mutex.
	requests  []RequestID
	callbacks []CompletionFunc

	// importedRefs are package ids this load holds import store refs on.
	importedRefs []uint64

	priority int64
}

// ID returns the package's catalog id.
func (p *AsyncPackage) ID() uint64 { return p.id }

// Name returns the package's long name.
func (p *AsyncPackage) Name() string { return p.name }

// State returns the current lifecycle stage.
func (p *AsyncPackage) State() State { return State(p.state.Load()) }

func (p *AsyncPackage) setState(s State) { p.state.Store(uint32(s)) }

// Failed reports whether the load degraded to a no-op drain.
func (p *AsyncPackage) Failed() bool { return p.failed.Load() }

// Node returns the arena handle at the serialized node index.
func (p *AsyncPackage) Node(index int32) NodeID {
	if index < 0 || int(index) >= len(p.nodes) {
		return InvalidNode
	}
	return p.nodes[index]
}

// result maps the package's terminal flags to a callback result.
func (p *AsyncPackage) result() Result {
	switch {
	case p.canceled.Load():
		return Canceled
	case p.failed.Load():
		return Failed
	default:
		return Succeeded
	}
}
