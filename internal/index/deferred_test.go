package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikolaikopernik/pbgzip/internal/bgzf"
)

type testRecord struct {
	chunks []Chunk
}

func (r *testRecord) Chunks() []Chunk { return r.chunks }

func newRecord(t *testing.T, startAddr uint64, startOff uint32, endAddr uint64, endOff uint32) *testRecord {
	t.Helper()
	return &testRecord{chunks: []Chunk{{Start: vp(t, startAddr, startOff), End: vp(t, endAddr, endOff)}}}
}

func vp(t *testing.T, addr uint64, off uint32) bgzf.VirtualOffset {
	t.Helper()
	v, err := bgzf.Make(addr, off)
	require.NoError(t, err)
	return v
}

type recordingBuilder struct {
	mu       sync.Mutex
	records  []Record
	finished bool
}

func (b *recordingBuilder) ProcessAlignment(rec Record) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

func (b *recordingBuilder) Finish() error {
	b.mu.Lock()
	b.finished = true
	b.mu.Unlock()
	return nil
}

func (b *recordingBuilder) forwarded() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records
}

func TestDeferred_FirstBlockKeepsZeroAddresses(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	// Logical block index 0 resolves to address 0: the pointers come out
	// bit-identical.
	recs := []*testRecord{
		newRecord(t, 0, 13456, 0, 14567),
		newRecord(t, 0, 14567, 0, 19400),
		newRecord(t, 0, 19400, 0, 21850),
		newRecord(t, 0, 21850, 0, 24900),
		newRecord(t, 0, 24900, 0, 25805),
	}
	for _, r := range recs {
		d.ProcessAlignment(r)
	}
	require.Equal(t, 5, d.Pending())

	d.RewriteBlock(0, 0)

	assert.Equal(t, 0, d.Pending())
	require.Len(t, delegate.forwarded(), 5)
	for i, r := range recs {
		assert.Same(t, r, delegate.forwarded()[i])
		assert.Equal(t, uint64(0), r.chunks[0].Start.BlockAddress())
		assert.Equal(t, uint64(0), r.chunks[0].End.BlockAddress())
	}
	assert.Equal(t, uint16(13456), recs[0].chunks[0].Start.IntraOffset())
	assert.Equal(t, uint16(14567), recs[0].chunks[0].End.IntraOffset())
}

func TestDeferred_RewritesIndexToAddress(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	d.ProcessAlignment(newRecord(t, 1, 13456, 1, 14567))
	d.ProcessAlignment(newRecord(t, 2, 14567, 2, 19400))
	d.ProcessAlignment(newRecord(t, 3, 19400, 3, 21850))
	require.Equal(t, 3, d.Pending())

	d.RewriteBlock(0, 0)
	assert.Equal(t, 3, d.Pending())
	assert.Empty(t, delegate.forwarded())

	d.RewriteBlock(1, 1111)
	assert.Equal(t, 2, d.Pending())
	require.Len(t, delegate.forwarded(), 1)
	assert.Equal(t, []Chunk{{Start: vp(t, 1111, 13456), End: vp(t, 1111, 14567)}},
		delegate.forwarded()[0].Chunks())

	d.RewriteBlock(2, 2222)
	assert.Equal(t, 1, d.Pending())
	require.Len(t, delegate.forwarded(), 2)
	assert.Equal(t, []Chunk{{Start: vp(t, 2222, 14567), End: vp(t, 2222, 19400)}},
		delegate.forwarded()[1].Chunks())

	d.RewriteBlock(3, 3333)
	assert.Equal(t, 0, d.Pending())
	require.Len(t, delegate.forwarded(), 3)
	assert.Equal(t, []Chunk{{Start: vp(t, 3333, 19400), End: vp(t, 3333, 21850)}},
		delegate.forwarded()[2].Chunks())
}

func TestDeferred_ChunkSpanningTwoBlocks(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	rec := newRecord(t, 0, 13456, 1, 14567)
	d.ProcessAlignment(rec)

	// Block 0 resolves the start but the end spills into block 1: the
	// record stays queued with a half-rewritten chunk.
	d.RewriteBlock(0, 1111)
	assert.Equal(t, 1, d.Pending())
	assert.Empty(t, delegate.forwarded())
	assert.Equal(t, vp(t, 1111, 13456), rec.chunks[0].Start)
	assert.Equal(t, vp(t, 1, 14567), rec.chunks[0].End)

	d.RewriteBlock(1, 2222)
	assert.Equal(t, 0, d.Pending())
	require.Len(t, delegate.forwarded(), 1)
	assert.Equal(t, vp(t, 1111, 13456), rec.chunks[0].Start)
	assert.Equal(t, vp(t, 2222, 14567), rec.chunks[0].End)
}

func TestDeferred_ZeroEndEscape(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	// An end pointer of exactly zero is a legitimate start-of-file pointer
	// and never blocks resolution.
	rec := &testRecord{chunks: []Chunk{{Start: vp(t, 1, 42), End: 0}}}
	d.ProcessAlignment(rec)

	d.RewriteBlock(1, 777)
	assert.Equal(t, 0, d.Pending())
	require.Len(t, delegate.forwarded(), 1)
	assert.Equal(t, vp(t, 777, 42), rec.chunks[0].Start)
	assert.Equal(t, bgzf.VirtualOffset(0), rec.chunks[0].End)
}

func TestDeferred_MultiChunkRecord(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	rec := &testRecord{chunks: []Chunk{
		{Start: vp(t, 2, 100), End: vp(t, 2, 200)},
		{Start: vp(t, 2, 300), End: vp(t, 2, 400)},
	}}
	d.ProcessAlignment(rec)

	d.RewriteBlock(2, 5000)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, []Chunk{
		{Start: vp(t, 5000, 100), End: vp(t, 5000, 200)},
		{Start: vp(t, 5000, 300), End: vp(t, 5000, 400)},
	}, rec.chunks)
}

func TestDeferred_FifoStopsAtUnresolvableHead(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	// The head references block 5; a later record referencing block 1 must
	// still wait behind it so forwarding order stays submission order.
	head := newRecord(t, 5, 10, 5, 20)
	tail := newRecord(t, 1, 10, 1, 20)
	d.ProcessAlignment(head)
	d.ProcessAlignment(tail)

	d.RewriteBlock(1, 111)
	assert.Equal(t, 2, d.Pending())
	assert.Empty(t, delegate.forwarded())
}

func TestDeferred_FinishAfterDrain(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	d.ProcessAlignment(newRecord(t, 0, 1, 0, 2))
	d.RewriteBlock(0, 0)
	d.WriterClosed()

	require.NoError(t, d.Finish())
	assert.True(t, delegate.finished)
}

func TestDeferred_FinishBlocksUntilResolution(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)
	d.ProcessAlignment(newRecord(t, 0, 1, 0, 2))

	done := make(chan error, 1)
	go func() { done <- d.Finish() }()

	d.RewriteBlock(0, 0)
	require.NoError(t, <-done)
	assert.True(t, delegate.finished)
}

func TestDeferred_FinishAfterCloseWithPendingRecords(t *testing.T) {
	t.Parallel()

	delegate := &recordingBuilder{}
	d := NewDeferred(delegate)

	// Pointers were minted for a block the writer never produced.
	d.ProcessAlignment(newRecord(t, 7, 1, 7, 2))
	d.WriterClosed()

	assert.ErrorIs(t, d.Finish(), ErrUnresolvedRecords)
	assert.False(t, delegate.finished)
}
