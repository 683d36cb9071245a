package termio

import (
	"bytes"
	"sync"
	"time"
)

// DefaultWriterFlushInterval approximates one display frame. The browser
// original schedules flushes on the next-paint callback; absent one, a
// ~16 ms timer is the next best granularity.
const DefaultWriterFlushInterval = 16 * time.Millisecond

// DefaultWriterMaxChunks forces an immediate flush once this many chunks
// are queued, bounding worst-case latency and memory.
const DefaultWriterMaxChunks = 100

// Writer batches inbound screen-output chunks into fewer render calls.
// Output ordering is preserved exactly as received; only the render-call
// granularity changes. Writes that arrive while a flush is executing are
// queued for the next cycle rather than interleaved.
type Writer struct {
	mu       sync.Mutex
	queue    [][]byte
	timer    *time.Timer
	sink     func([]byte)
	interval time.Duration
	maxChunk int
	writing  bool
	disposed bool
}

// NewWriter creates a Writer emitting combined chunks to sink. Non-positive
// interval or maxChunks select the defaults.
func NewWriter(sink func([]byte), interval time.Duration, maxChunks int) *Writer {
	if interval <= 0 {
		interval = DefaultWriterFlushInterval
	}
	if maxChunks <= 0 {
		maxChunks = DefaultWriterMaxChunks
	}
	return &Writer{
		sink:     sink,
		interval: interval,
		maxChunk: maxChunks,
	}
}

// Write appends data to the render queue and schedules a batched flush.
// Once the queue reaches the chunk cap the flush happens synchronously.
func (w *Writer) Write(data []byte) {
	if len(data) == 0 {
		return
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	w.queue = append(w.queue, buf)

	if len(w.queue) >= w.maxChunk {
		w.mu.Unlock()
		w.Flush()
		return
	}

	if w.timer == nil && !w.writing {
		w.timer = time.AfterFunc(w.interval, w.Flush)
	}
	w.mu.Unlock()
}

// Flush renders everything queued as one combined chunk. If a flush is
// already running (a re-entrant call from the sink), the data stays queued
// and is picked up by the running flush's follow-up cycle.
func (w *Writer) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.writing || len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	w.writing = true

	for len(w.queue) > 0 {
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		w.sink(bytes.Join(batch, nil))

		w.mu.Lock()
	}
	w.writing = false
	w.mu.Unlock()
}

// Dispose flushes synchronously and cancels pending callbacks. The writer
// discards all data after Dispose returns.
func (w *Writer) Dispose() {
	w.Flush()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.queue = nil
	w.disposed = true
	w.mu.Unlock()
}

// QueuedChunks returns the number of chunks awaiting a flush.
func (w *Writer) QueuedChunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
