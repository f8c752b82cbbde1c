// Package streamproc drives long byte streams through a digest, MAC or
// cipher mode engine. It offers a sequential path and a concurrent path in
// which a reader goroutine fills fixed-size buffers into a bounded FIFO
// queue while the consumer feeds the primitive. The queue preserves byte
// order, so both paths produce identical output.
package streamproc

import (
	"context"
	"errors"
	"io"
)

const (
	// DefaultBufferSize is the pipeline buffer length.
	DefaultBufferSize = 64 * 1024
	// queueDepth bounds the reader-to-consumer queue so a stalled consumer
	// cannot grow memory without limit.
	queueDepth = 4
)

var (
	ErrUnexpectedEOF = errors.New("streamproc: unexpected end of stream")
	ErrInvalidLength = errors.New("streamproc: invalid stream length")
)

// Progress receives (processed, total) byte counts. Handlers run on the
// consumer goroutine and must not block.
type Progress func(processed, total int64)

// Options tune a stream driver.
type Options struct {
	// BufferSize is the pipeline buffer length; zero selects the default.
	BufferSize int
	// Concurrent enables the reader/consumer pipeline. It is inhibited
	// transparently for inputs shorter than one buffer and for sources
	// that are not seekable.
	Concurrent bool
	// Progress, when set, is invoked every interval bytes and once at
	// completion.
	Progress Progress
}

func (o Options) bufferSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

// progressMeter emits events every ceil(total/100) bytes, rounded down to a
// multiple of the primitive's natural block size, plus a final event.
type progressMeter struct {
	cb        Progress
	total     int64
	interval  int64
	processed int64
	nextMark  int64
}

func newProgressMeter(cb Progress, total int64, blockAlign int) *progressMeter {
	if cb == nil {
		return nil
	}
	interval := (total + 99) / 100
	if blockAlign > 1 {
		interval -= interval % int64(blockAlign)
	}
	if interval <= 0 {
		interval = int64(blockAlign)
		if interval <= 0 {
			interval = 1
		}
	}
	return &progressMeter{cb: cb, total: total, interval: interval, nextMark: interval}
}

func (p *progressMeter) advance(n int) {
	if p == nil {
		return
	}
	p.processed += int64(n)
	for p.processed >= p.nextMark && p.nextMark < p.total {
		p.cb(p.nextMark, p.total)
		p.nextMark += p.interval
	}
}

func (p *progressMeter) finish() {
	if p == nil {
		return
	}
	p.cb(p.processed, p.total)
}

// pump moves exactly length bytes from r into consume in bufSize pieces.
// The concurrent path runs the reads on a separate goroutine with a bounded
// buffer queue; consume always observes the bytes in stream order.
func pump(ctx context.Context, r io.Reader, length int64, opts Options, blockAlign int, consume func(p []byte, final bool) error) error {
	if length < 0 {
		return ErrInvalidLength
	}
	bufSize := opts.bufferSize()
	meter := newProgressMeter(opts.Progress, length, blockAlign)

	concurrent := opts.Concurrent && length >= int64(bufSize)
	if _, seekable := r.(io.Seeker); !seekable {
		concurrent = false
	}

	if concurrent {
		if err := pumpConcurrent(ctx, r, length, bufSize, meter, consume); err != nil {
			return err
		}
	} else {
		if err := pumpSequential(ctx, r, length, bufSize, meter, consume); err != nil {
			return err
		}
	}
	meter.finish()
	return nil
}

func pumpSequential(ctx context.Context, r io.Reader, length int64, bufSize int, meter *progressMeter, consume func(p []byte, final bool) error) error {
	buf := make([]byte, bufSize)
	remaining := length
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(bufSize)
		if n > remaining {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrUnexpectedEOF
			}
			return err
		}
		remaining -= n
		if err := consume(buf[:n], remaining == 0); err != nil {
			return err
		}
		meter.advance(int(n))
	}
	if length == 0 {
		return consume(nil, true)
	}
	return nil
}

type segment struct {
	data  []byte
	final bool
}

func pumpConcurrent(ctx context.Context, r io.Reader, length int64, bufSize int, meter *progressMeter, consume func(p []byte, final bool) error) error {
	queue := make(chan segment, queueDepth)
	free := make(chan []byte, queueDepth+1)
	for i := 0; i < queueDepth+1; i++ {
		free <- make([]byte, bufSize)
	}
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(queue)
		remaining := length
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				readErr <- err
				return
			}
			var buf []byte
			select {
			case buf = <-free:
			case <-done:
				return
			}
			n := int64(bufSize)
			if n > remaining {
				n = remaining
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					readErr <- ErrUnexpectedEOF
				} else {
					readErr <- err
				}
				return
			}
			remaining -= n
			select {
			case queue <- segment{data: buf[:n], final: remaining == 0}:
			case <-done:
				return
			}
		}
		readErr <- nil
	}()

	for seg := range queue {
		if err := consume(seg.data, seg.final); err != nil {
			return err
		}
		meter.advance(len(seg.data))
		select {
		case free <- seg.data[:bufSize]:
		default:
		}
	}
	return <-readErr
}
