package bgzf

import (
	"errors"
	"fmt"
	"io"
	"runtime"
)

// ErrClosed is returned by Writer operations after Close.
var ErrClosed = errors.New("bgzf: writer is closed")

// ErrIndexerType is returned by SetIndexer for index builders that cannot
// resolve deferred block addresses.
var ErrIndexerType = errors.New("bgzf: indexer cannot resolve deferred block addresses")

// BlockResolver is the hook an index builder implements to be told, in
// placement order, where each logical block landed in the compressed stream.
// RewriteBlock is invoked while the sink lock is held and must not call back
// into the Writer.
type BlockResolver interface {
	RewriteBlock(blockIdx uint32, blockAddress uint64)
	// WriterClosed signals that no further blocks will be placed.
	WriterClosed()
}

// Writer is an io.Writer that emits a BGZF stream, compressing blocks on a
// pool of parallel workers while keeping them in producer order on the
// output.
//
// Writer methods are not safe for concurrent use; a single producer drives
// the writer and the parallelism lives in the pool behind it.
type Writer struct {
	u        io.Writer
	sink     *orderedSink
	pool     *deflaterPool
	resolver BlockResolver

	buf          []byte
	fill         int
	nextBlockIdx uint32

	terminator bool
	closed     bool
	closeErr   error
}

// NewWriter returns a Writer compressing at DefaultCompressionLevel on
// workers parallel deflaters. workers == 0 selects runtime.NumCPU().
func NewWriter(w io.Writer, workers int) (*Writer, error) {
	return NewWriterLevel(w, DefaultCompressionLevel, workers)
}

// NewWriterLevel returns a Writer compressing at the given deflate level
// (0 through 9).
func NewWriterLevel(w io.Writer, level, workers int) (*Writer, error) {
	if level < 0 || level > 9 {
		return nil, fmt.Errorf("bgzf: invalid compression level %d", level)
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	sink := newOrderedSink(w)
	pool, err := newDeflaterPool(sink, workers, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		u:          w,
		sink:       sink,
		pool:       pool,
		buf:        make([]byte, DefaultUncompressedBlockSize),
		terminator: true,
	}, nil
}

// SetIndexer attaches an index builder. The builder must implement
// BlockResolver; anything else is rejected with ErrIndexerType. Attach the
// indexer before the first Write.
func (w *Writer) SetIndexer(indexer any) error {
	r, ok := indexer.(BlockResolver)
	if !ok {
		return ErrIndexerType
	}
	w.resolver = r
	w.sink.onBlock = r.RewriteBlock
	return nil
}

// SetTerminator controls whether Close appends the canonical EOF block.
// On by default.
func (w *Writer) SetTerminator(on bool) {
	w.terminator = on
}

// Write buffers p, handing a block to the deflater pool every time the
// accumulator fills. It blocks while all workers are busy.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	var n int
	for len(p) > 0 {
		c := copy(w.buf[w.fill:], p)
		w.fill += c
		n += c
		p = p[c:]
		if w.fill == len(w.buf) {
			if err := w.emitBlock(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush emits the current block even if it is only partially filled and
// waits until every submitted block has been written out. Note that flushing
// affects the output: it forces a block boundary.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.emitBlock(); err != nil {
		return err
	}
	return w.pool.flush()
}

// Close flushes buffered data, stops the worker pool and appends the EOF
// terminator block. Close is idempotent: after a successful Close it is a
// no-op, after a failed one it returns the original error. Closing the
// underlying writer is the caller's responsibility.
func (w *Writer) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	err := w.emitBlock()
	if err == nil {
		err = w.pool.flush()
	}
	if cerr := w.pool.close(); err == nil {
		err = cerr
	}
	if err == nil && w.terminator {
		if _, werr := w.u.Write(EOFBlock); werr != nil {
			err = fmt.Errorf("writing terminator block: %w", werr)
		}
	}
	if w.resolver != nil {
		w.resolver.WriterClosed()
	}
	w.closeErr = err
	return err
}

// FilePointer returns the virtual offset of the next byte to be written, in
// preliminary form: the address field holds the logical index of the block
// currently being filled, not a byte offset. Attached indexers rewrite the
// address once the block is placed.
func (w *Writer) FilePointer() VirtualOffset {
	return VirtualOffset(uint64(w.nextBlockIdx)<<addressShift | uint64(w.fill))
}

func (w *Writer) emitBlock() error {
	if w.fill == 0 {
		return nil
	}
	if err := w.pool.submit(w.nextBlockIdx, w.buf[:w.fill]); err != nil {
		return err
	}
	w.nextBlockIdx++
	w.fill = 0
	return nil
}
