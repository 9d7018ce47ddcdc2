package index

import (
	"errors"
	"sync"
)

// ErrUnresolvedRecords is returned by Finish when the writer has closed but
// records are still waiting for their blocks to be placed. It indicates a
// usage error: pointers were minted for blocks that were never written.
var ErrUnresolvedRecords = errors.New("index: records left unresolved after writer close")

// Deferred buffers records whose chunk endpoints still carry logical block
// indices and forwards them to the delegate builder once every referenced
// block has been placed and its compressed address is known.
//
// Deferred implements bgzf.BlockResolver; attach it to a Writer with
// SetIndexer. RewriteBlock runs under the writer's sink lock, so records are
// resolved in exactly the order blocks are placed.
type Deferred struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending      []Record
	delegate     Builder
	writerClosed bool
}

// NewDeferred wraps delegate with deferred pointer resolution.
func NewDeferred(delegate Builder) *Deferred {
	d := &Deferred{delegate: delegate}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// ProcessAlignment accepts a record whose chunk endpoints are preliminary.
// The record joins a FIFO; submission order is forwarding order.
func (d *Deferred) ProcessAlignment(rec Record) {
	d.mu.Lock()
	d.pending = append(d.pending, rec)
	d.mu.Unlock()
}

// RewriteBlock is called after block blockIdx has been written starting at
// compressed offset blockAddress. It drains resolvable records from the head
// of the queue, patching every chunk endpoint that references blockIdx, and
// forwards them to the delegate. FIFO discipline makes stopping at the first
// unresolvable record sufficient: later records cannot reference earlier
// blocks.
func (d *Deferred) RewriteBlock(blockIdx uint32, blockAddress uint64) {
	var batch []Record
	d.mu.Lock()
	for len(d.pending) > 0 {
		rec := d.pending[0]
		if !resolveRecord(rec, blockIdx, blockAddress) {
			break
		}
		batch = append(batch, rec)
		d.pending = d.pending[1:]
	}
	d.mu.Unlock()

	for _, rec := range batch {
		d.delegate.ProcessAlignment(rec)
	}
	if len(batch) > 0 {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// WriterClosed marks that no further blocks will be placed, unblocking
// Finish.
func (d *Deferred) WriterClosed() {
	d.mu.Lock()
	d.writerClosed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Finish waits for the queue to drain, then finishes the delegate. Close the
// writer first: once the writer has closed, every block has been placed and
// the queue must be empty, so a non-empty queue at that point is reported as
// ErrUnresolvedRecords instead of deadlocking.
func (d *Deferred) Finish() error {
	d.mu.Lock()
	for len(d.pending) > 0 && !d.writerClosed {
		d.cond.Wait()
	}
	unresolved := len(d.pending)
	d.mu.Unlock()
	if unresolved > 0 {
		return ErrUnresolvedRecords
	}
	return d.delegate.Finish()
}

// Pending reports how many records are still waiting for block placement.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// resolveRecord patches rec's chunk endpoints that reference blockIdx to the
// block's compressed address. It reports whether the record is now fully
// resolved and can be forwarded.
//
// A record whose first chunk lies entirely beyond blockIdx is untouched and
// unresolved. An endpoint equal to zero is a legitimate start-of-file
// pointer and needs no rewrite; any other end pointing past blockIdx leaves
// the record queued (its trailing bytes spill into a later block), possibly
// with its start already rewritten.
func resolveRecord(rec Record, blockIdx uint32, blockAddress uint64) bool {
	chunks := rec.Chunks()
	idx := uint64(blockIdx)
	if chunks[0].Start.BlockAddress() > idx && chunks[0].End.BlockAddress() > idx {
		return false
	}
	for i := range chunks {
		c := &chunks[i]
		if c.Start.BlockAddress() == idx {
			c.Start = c.Start.WithBlockAddress(blockAddress)
		}
		if c.End.BlockAddress() == idx {
			c.End = c.End.WithBlockAddress(blockAddress)
		} else if c.End != 0 {
			return false
		}
	}
	return true
}
