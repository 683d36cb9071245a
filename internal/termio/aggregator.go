// Package termio provides the input and output batching layers that sit
// between a terminal widget and a terminal session bridge.
//
// The Aggregator coalesces rapid keystrokes into fewer outbound frames while
// letting line-editing and interrupt bytes through immediately. The Writer
// coalesces inbound screen output into fewer render calls while preserving
// byte order exactly.
package termio

import (
	"sync"
	"time"
)

// DefaultAggregatorDelay is the keystroke coalescing window.
const DefaultAggregatorDelay = 50 * time.Millisecond

// defaultImmediateBytes are bytes that always bypass the coalescing window:
// carriage return, line feed, Ctrl-C, Ctrl-D, Ctrl-Z and Ctrl-backslash.
var defaultImmediateBytes = []byte{'\r', '\n', 0x03, 0x04, 0x1a, 0x1c}

// Aggregator batches keystroke bytes before they are sent over the wire.
// Bytes accumulate in a pending buffer for at most the configured delay;
// any chunk containing an immediate byte flushes the buffer and is then
// emitted on its own, so interrupts are never delayed behind typed text.
//
// The sink is invoked without the internal lock held and receives each
// outbound frame exactly once, in order.
type Aggregator struct {
	mu        sync.Mutex
	buf       []byte
	timer     *time.Timer
	sink      func([]byte)
	delay     time.Duration
	immediate map[byte]bool
	disposed  bool
}

// NewAggregator creates an Aggregator emitting frames to sink. A delay <= 0
// selects DefaultAggregatorDelay. extraImmediate bytes are added to the
// built-in immediate set.
func NewAggregator(sink func([]byte), delay time.Duration, extraImmediate ...byte) *Aggregator {
	if delay <= 0 {
		delay = DefaultAggregatorDelay
	}
	immediate := make(map[byte]bool, len(defaultImmediateBytes)+len(extraImmediate))
	for _, b := range defaultImmediateBytes {
		immediate[b] = true
	}
	for _, b := range extraImmediate {
		immediate[b] = true
	}
	return &Aggregator{
		sink:      sink,
		delay:     delay,
		immediate: immediate,
	}
}

// Submit accepts raw keystroke bytes from the terminal widget. Chunks
// containing an immediate byte (or any control byte below 0x20 other than
// Tab) flush whatever is buffered and are then emitted directly; everything
// else is buffered until the flush timer fires.
func (a *Aggregator) Submit(data []byte) {
	if len(data) == 0 {
		return
	}

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}

	if a.containsImmediate(data) {
		pending := a.takeLocked()
		a.mu.Unlock()
		if len(pending) > 0 {
			a.sink(pending)
		}
		a.sink(data)
		return
	}

	a.buf = append(a.buf, data...)
	if a.timer == nil {
		a.timer = time.AfterFunc(a.delay, a.flushTimer)
	}
	a.mu.Unlock()
}

// Flush forces emission of whatever is buffered. Used on teardown and when
// the owning bridge is about to close the channel.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	pending := a.takeLocked()
	a.mu.Unlock()
	if len(pending) > 0 {
		a.sink(pending)
	}
}

// Dispose flushes any pending bytes and stops the flush timer. The
// aggregator discards all input after Dispose returns.
func (a *Aggregator) Dispose() {
	a.mu.Lock()
	pending := a.takeLocked()
	a.disposed = true
	a.mu.Unlock()
	if len(pending) > 0 {
		a.sink(pending)
	}
}

// Pending returns the number of buffered bytes awaiting a flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *Aggregator) flushTimer() {
	a.mu.Lock()
	a.timer = nil
	pending := a.buf
	a.buf = nil
	disposed := a.disposed
	a.mu.Unlock()
	if len(pending) > 0 && !disposed {
		a.sink(pending)
	}
}

// takeLocked detaches the pending buffer and cancels the timer.
// Caller must hold a.mu.
func (a *Aggregator) takeLocked() []byte {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	pending := a.buf
	a.buf = nil
	return pending
}

func (a *Aggregator) containsImmediate(data []byte) bool {
	for _, b := range data {
		if a.immediate[b] {
			return true
		}
		if b < 0x20 && b != '\t' {
			return true
		}
	}
	return false
}
