package bgzf

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedSink_OutOfOrderEmits(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := newOrderedSink(&out)

	type placed struct {
		idx  uint32
		addr uint64
	}
	var placements []placed
	s.onBlock = func(idx uint32, addr uint64) {
		placements = append(placements, placed{idx, addr})
	}

	blocks := [][]byte{
		bytes.Repeat([]byte{'a'}, 11),
		bytes.Repeat([]byte{'b'}, 7),
		bytes.Repeat([]byte{'c'}, 13),
	}

	// Workers finish in reverse order; the sink must still write 0, 1, 2.
	var wg sync.WaitGroup
	for i := 2; i >= 0; i-- {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.emit(uint32(i), blocks[i]))
		}()
	}
	wg.Wait()

	assert.Equal(t, "aaaaaaaaaaabbbbbbbccccccccccccc", out.String())
	assert.Equal(t, uint32(3), s.next)
	assert.Equal(t, uint64(31), s.offset)

	// The indexer hook observes every block with its starting offset, in
	// placement order.
	require.Len(t, placements, 3)
	assert.Equal(t, []placed{{0, 0}, {1, 11}, {2, 18}}, placements)
}

func TestOrderedSink_WaitFor(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := newOrderedSink(&out)

	require.NoError(t, s.emit(0, []byte("x")))
	require.NoError(t, s.waitFor(1))

	done := make(chan error, 1)
	go func() { done <- s.waitFor(2) }()
	require.NoError(t, s.emit(1, []byte("y")))
	require.NoError(t, <-done)
}

type failingWriter struct {
	failAfter int
	written   int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.failAfter {
		return 0, errors.New("disk full")
	}
	w.written += len(p)
	return len(p), nil
}

func TestOrderedSink_WriteErrorIsLatched(t *testing.T) {
	t.Parallel()

	s := newOrderedSink(&failingWriter{failAfter: 0})

	err := s.emit(0, []byte("block"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing block 0")

	// Every later operation reports the same latched failure.
	assert.Equal(t, err, s.emit(1, []byte("next")))
	assert.Equal(t, err, s.waitFor(5))
	assert.Equal(t, err, s.latched())
}

func TestOrderedSink_FailWakesWaiters(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := newOrderedSink(&out)

	boom := errors.New("codec blew up")
	done := make(chan error, 2)
	go func() { done <- s.emit(5, []byte("parked")) }()
	go func() { done <- s.waitFor(3) }()

	s.fail(boom)
	assert.Equal(t, boom, <-done)
	assert.Equal(t, boom, <-done)
}
