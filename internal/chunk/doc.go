// Package chunk owns the serialized interchange between the offline build
// pipeline and the runtime loader: chunk ids, the msgpack wire structures for
// package summaries, graph data, the package store TOC and the global
// metadata chunks, and the zstd-compressed container files that carry them.
package chunk
