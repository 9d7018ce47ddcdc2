// Package index holds the index-side half of parallel BGZF writing: records
// whose file spans are minted against logical block indices are buffered
// until the blocks land, then patched to real compressed offsets and handed
// to a delegate index builder.
package index

import "github.com/nikolaikopernik/pbgzip/internal/bgzf"

// Chunk is a contiguous region of a BGZF stream, [Start, End): End is the
// virtual offset just past the region's last byte.
type Chunk struct {
	Start bgzf.VirtualOffset
	End   bgzf.VirtualOffset
}

// Record is an alignment as seen by the indexer: opaque except for its file
// span. Chunks returns the span as a mutable slice; the deferred indexer
// rewrites its endpoints in place while resolving block addresses, so the
// caller must treat a submitted record as read-only until the delegate
// receives it.
type Record interface {
	Chunks() []Chunk
}

// Builder consumes records whose chunk endpoints are real compressed byte
// offsets. Finish is called once, after the last record.
type Builder interface {
	ProcessAlignment(rec Record)
	Finish() error
}
