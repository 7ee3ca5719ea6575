// Package stream defines the uniform read/write/close contract every byte
// source in the proxy is accessed through — tunnel-backed streams and the
// wrapper streams plugins install to terminate a cryptographic layer
// in-line.
package stream

import (
	"context"
	"sync"
)

// Stream is a value with read/write/close operations plus the interrupt
// bits that let ProxyConnection.Wrap swap a stream out from under a
// blocked reader.
//
// Contract:
//   - Read may return fewer than n bytes. It returns zero bytes to signal
//     EOF or a forced close; it never fails on a clean remote close (that
//     surfaces as a zero-length read, not an error).
//   - Write either fully delivers data or returns a transport error.
//   - Close shuts the stream down. force=true is an immediate close;
//     force=false is a half-close ("write EOF") that lets the peer drain.
//     A second call to Close is always upgraded to force=true regardless
//     of what force value it's called with.
type Stream interface {
	Read(ctx context.Context, n int) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(force bool)

	// Closing reports whether Close has been called at least once.
	Closing() bool

	// Interrupted reports whether Interrupt has fired and not yet been
	// cleared by ResetInterrupt.
	Interrupted() bool

	// Interrupt wakes a blocked Read, which returns zero bytes without
	// consuming data. Used by Wrap to hand a blocked forwarding task off
	// to a freshly installed stream.
	Interrupt()

	// ResetInterrupt clears the interrupted flag, rearming the stream for
	// the next Read.
	ResetInterrupt()
}

// readFunc performs the underlying blocking read a concrete Stream
// implementation is built around.
type readFunc func(ctx context.Context, n int) ([]byte, error)

// closeFunc performs the underlying close a concrete Stream implementation
// is built around.
type closeFunc func(force bool)

// Base implements the interrupt semantics and one-slot read-ahead buffer
// common to every Stream, so concrete implementations only need to supply
// their actual I/O. This mirrors the source's ProxyStream abstract base
// class, but as an embeddable helper rather than inheritance: Go has no
// virtual dispatch, so each concrete stream type embeds Base and routes
// its own Read through Base.DoRead.
type Base struct {
	mu          sync.Mutex
	interrupted bool
	closing     bool
	readBuffer  []byte
}

// DoRead implements the Stream.Read contract on top of a concrete read
// function. If the stream is already interrupted, it returns immediately
// without calling read. Otherwise any bytes buffered from a read that
// raced with a concurrent Interrupt are replayed first; only once that
// buffer is drained does DoRead call through to read.
func (b *Base) DoRead(ctx context.Context, read readFunc, n int) ([]byte, error) {
	b.mu.Lock()
	if b.interrupted {
		b.mu.Unlock()
		return nil, nil
	}
	if len(b.readBuffer) > 0 {
		buf := b.readBuffer
		b.readBuffer = nil
		b.mu.Unlock()
		return buf, nil
	}
	b.mu.Unlock()

	data, err := read(ctx, n)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interrupted {
		// A concurrent Interrupt fired while we were blocked in read.
		// Keep whatever bytes we got for the next successful Read so no
		// data is lost across the stream handover.
		b.readBuffer = data
		return nil, nil
	}
	return data, err
}

// DoClose implements the Stream.Close contract: a second call is always
// upgraded to a forced close, matching the source's
// `self.do_close(force_close or self._closing)`.
func (b *Base) DoClose(doClose closeFunc, force bool) {
	b.mu.Lock()
	actual := force || b.closing
	b.closing = true
	b.mu.Unlock()
	doClose(actual)
}

func (b *Base) Closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

func (b *Base) Interrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupted
}

func (b *Base) Interrupt() {
	b.mu.Lock()
	b.interrupted = true
	b.mu.Unlock()
}

func (b *Base) ResetInterrupt() {
	b.mu.Lock()
	b.interrupted = false
	b.mu.Unlock()
}
