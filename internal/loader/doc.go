// Package loader is the runtime half of packstream: an event node graph with
// atomic barriers, lock-light work queues, a cooperative worker pool, and the
// orchestrator that turns container chunks into loaded packages in dependency
// order.
package loader
