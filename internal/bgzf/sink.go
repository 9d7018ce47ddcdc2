package bgzf

import (
	"fmt"
	"io"
	"sync"
)

// orderedSink serializes compressed blocks onto the underlying writer in
// block-index order. Workers finish in arbitrary order; emit parks a worker
// until its block is the next expected one. The first write or codec error is
// latched and returned by every subsequent call.
type orderedSink struct {
	mu   sync.Mutex
	cond *sync.Cond

	w       io.Writer
	next    uint32 // next block index to write
	offset  uint64 // compressed bytes written so far
	err     error
	onBlock func(blockIdx uint32, blockAddress uint64)
}

func newOrderedSink(w io.Writer) *orderedSink {
	s := &orderedSink{w: w}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// emit writes block blockIdx, blocking until all lower-indexed blocks have
// been written. The indexer callback runs under the sink lock so it observes
// blocks strictly in placement order.
func (s *orderedSink) emit(blockIdx uint32, block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.err == nil && blockIdx != s.next {
		s.cond.Wait()
	}
	if s.err != nil {
		return s.err
	}
	if _, err := s.w.Write(block); err != nil {
		s.err = fmt.Errorf("writing block %d: %w", blockIdx, err)
		s.cond.Broadcast()
		return s.err
	}
	if s.onBlock != nil {
		s.onBlock(blockIdx, s.offset)
	}
	s.offset += uint64(len(block))
	s.next++
	s.cond.Broadcast()
	return nil
}

// fail latches err and wakes every parked worker and flusher. The first
// latched error wins.
func (s *orderedSink) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitFor blocks until block n-1 has been written, or an error is latched.
func (s *orderedSink) waitFor(n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.err == nil && s.next < n {
		s.cond.Wait()
	}
	return s.err
}

func (s *orderedSink) latched() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
