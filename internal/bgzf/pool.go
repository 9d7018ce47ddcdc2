package bgzf

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxWorkers bounds the deflater pool size.
const MaxWorkers = 256

type deflateJob struct {
	blockIdx uint32
	payload  []byte // pooled, returned by the worker
}

var payloadPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, DefaultUncompressedBlockSize)
		return &b
	},
}

// deflaterPool runs a fixed set of long-lived compressor workers. submit
// hands one uncompressed block to the next idle worker over an unbuffered
// channel, so a full pool blocks the producer. Each worker owns its deflate
// contexts and output buffer and publishes results through the ordered sink.
type deflaterPool struct {
	jobs      chan deflateJob
	group     *errgroup.Group
	ctx       context.Context
	sink      *orderedSink
	level     int
	submitted uint32
	closed    bool
	closeErr  error
}

func newDeflaterPool(sink *orderedSink, workers, level int) (*deflaterPool, error) {
	if workers < 1 || workers > MaxWorkers {
		return nil, fmt.Errorf("bgzf: worker count %d out of range [1, %d]", workers, MaxWorkers)
	}
	group, ctx := errgroup.WithContext(context.Background())
	p := &deflaterPool{
		jobs:  make(chan deflateJob),
		group: group,
		ctx:   ctx,
		sink:  sink,
		level: level,
	}
	for i := 0; i < workers; i++ {
		group.Go(p.runWorker)
	}
	return p, nil
}

func (p *deflaterPool) runWorker() error {
	codec, err := newBlockCodec(p.level)
	if err != nil {
		p.sink.fail(err)
		return err
	}
	out := make([]byte, 0, MaxBlockSize)

	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			out, err = codec.encode(out, job.payload)
			putPayload(job.payload)
			if err != nil {
				err = fmt.Errorf("block %d: %w", job.blockIdx, err)
				p.sink.fail(err)
				return err
			}
			// emit blocks until every earlier block has been written;
			// the output buffer stays ours for the next round.
			if err := p.sink.emit(job.blockIdx, out); err != nil {
				return err
			}
		}
	}
}

// submit copies payload and dispatches it to the next idle worker, blocking
// while all workers are busy. The caller may reuse its buffer as soon as
// submit returns.
func (p *deflaterPool) submit(blockIdx uint32, payload []byte) error {
	if err := p.sink.latched(); err != nil {
		return err
	}
	buf := getPayload()
	buf = append(buf, payload...)
	select {
	case p.jobs <- deflateJob{blockIdx: blockIdx, payload: buf}:
		p.submitted++
		return nil
	case <-p.ctx.Done():
		putPayload(buf)
		if err := p.sink.latched(); err != nil {
			return err
		}
		return p.ctx.Err()
	}
}

// flush returns once every submitted block has been handed to the sink and
// written out.
func (p *deflaterPool) flush() error {
	return p.sink.waitFor(p.submitted)
}

// close stops the workers and waits for them to exit. Idempotent.
func (p *deflaterPool) close() error {
	if p.closed {
		return p.closeErr
	}
	p.closed = true
	close(p.jobs)
	err := p.group.Wait()
	if latched := p.sink.latched(); latched != nil {
		err = latched
	}
	p.closeErr = err
	return err
}

func getPayload() []byte {
	return (*payloadPool.Get().(*[]byte))[:0]
}

func putPayload(b []byte) {
	payloadPool.Put(&b)
}
