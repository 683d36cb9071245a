package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hallgate/bastion/internal/logutil"
	"github.com/hallgate/bastion/internal/termio"
)

// State is the bridge's connection state.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Default connection policy. Reconnection only ever follows an abnormal
// close; the delay grows as 2^attempt * ReconnectBase.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBase        = 1 * time.Second
	defaultDialTimeout          = 15 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	maxInboundFrameSize         = 1024 * 1024
)

// NoticeLevel classifies transient messages surfaced to the UI layer.
type NoticeLevel string

const (
	NoticeWarning NoticeLevel = "warning"
	NoticeAlert   NoticeLevel = "alert"
	NoticeError   NoticeLevel = "error"
)

// Events carries the callbacks a bridge reports through. All fields are
// optional; callbacks run on the bridge's internal goroutines and must not
// block.
type Events struct {
	// StateChanged fires on every connection state transition.
	StateChanged func(state State, lastErr string)
	// Notice fires for transient, non-fatal server messages.
	Notice func(level NoticeLevel, text string)
	// Terminated fires when an administrator force-terminates this
	// session (after session-id filtering).
	Terminated func(notice TerminateNotice)
}

// Options configures a Bridge.
type Options struct {
	// URL is the terminal WebSocket endpoint for this session.
	URL string
	// SessionID is the server-assigned session identifier. force_terminate
	// broadcasts are filtered against it.
	SessionID string
	// Rows and Cols are the initial terminal geometry, sent as a resize
	// frame immediately after connecting.
	Rows, Cols int

	// MaxReconnectAttempts bounds automatic reconnection (default 5).
	MaxReconnectAttempts int
	// ReconnectBase is the exponential backoff base (default 1s).
	ReconnectBase time.Duration

	// Keystroke coalescing, forwarded to the input aggregator.
	AggregatorDelay time.Duration
	ExtraImmediate  []byte

	// Output batching, forwarded to the output writer.
	WriterInterval  time.Duration
	WriterMaxChunks int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Info is a snapshot of a bridge's session state for UI reflection.
type Info struct {
	SessionID string
	State     State
	Attempts  int
	LastErr   string
	Rows      int
	Cols      int
}

// Bridge owns one duplex terminal connection. Each open terminal tab
// creates exactly one Bridge together with its aggregator/writer pair;
// nothing is shared across tabs.
type Bridge struct {
	opts   Options
	events Events

	agg *termio.Aggregator
	out *termio.Writer

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	attempts       int
	lastErr        string
	rows, cols     int
	reconnectTimer *time.Timer
	closed         bool
}

// New creates a Bridge in the idle state. render receives batched screen
// output; call Connect to open the channel.
func New(opts Options, render func([]byte), events Events) (*Bridge, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("bridge: URL is required")
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("bridge: session id is required")
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:   opts,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		rows:   opts.Rows,
		cols:   opts.Cols,
	}
	b.agg = termio.NewAggregator(b.sendInput, opts.AggregatorDelay, opts.ExtraImmediate...)
	b.out = termio.NewWriter(render, opts.WriterInterval, opts.WriterMaxChunks)
	return b, nil
}

// Connect opens the duplex channel. A failed initial dial leaves the bridge
// in the error state and is returned to the caller; automatic reconnection
// only applies to channels that were established and then dropped
// abnormally.
func (b *Bridge) Connect() error {
	b.setState(StateConnecting, "")
	if err := b.dial(); err != nil {
		b.setState(StateError, err.Error())
		return fmt.Errorf("connect session %s: %w", b.opts.SessionID, err)
	}
	return nil
}

// SubmitInput accepts raw keystroke bytes from the terminal widget. Bytes
// pass through the input aggregator before hitting the wire.
func (b *Bridge) SubmitInput(data []byte) {
	b.agg.Submit(data)
}

// Resize records the new geometry and, when connected, sends a resize frame.
func (b *Bridge) Resize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	b.mu.Lock()
	b.rows, b.cols = rows, cols
	connected := b.state == StateConnected
	b.mu.Unlock()

	if connected {
		if err := b.writeFrame(resizeFrame(rows, cols)); err != nil {
			log.Printf("[bridge] session %s: resize frame failed: %v", b.opts.SessionID, err)
		}
	}
}

// Disconnect is the user-initiated close: flush pending input, best-effort
// send a close frame with the given reason, tear everything down
// synchronously. Safe to call more than once.
func (b *Bridge) Disconnect(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	conn := b.conn
	b.state = StateDisconnecting
	lastErr := b.lastErr
	b.mu.Unlock()
	b.notifyState(StateDisconnecting, lastErr)

	// Flush buffered keystrokes while the connection is still usable.
	b.agg.Dispose()

	if conn != nil {
		// Best-effort: the server may already be gone.
		if err := b.writeFrame(closeFrame(reason)); err != nil {
			log.Printf("[bridge] session %s: close frame not delivered: %v", b.opts.SessionID, err)
		}
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	b.cancel()
	b.out.Dispose()

	b.mu.Lock()
	b.state = StateDisconnected
	b.conn = nil
	b.mu.Unlock()
	b.notifyState(StateDisconnected, lastErr)
}

// Info returns a snapshot of the bridge's session state.
func (b *Bridge) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		SessionID: b.opts.SessionID,
		State:     b.state,
		Attempts:  b.attempts,
		LastErr:   b.lastErr,
		Rows:      b.rows,
		Cols:      b.cols,
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// dial opens the WebSocket, installs it, and starts the read loop. Shared
// by Connect and the reconnect timer.
func (b *Bridge) dial() error {
	dialCtx, cancel := context.WithTimeout(b.ctx, b.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, b.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.opts.URL, err)
	}
	conn.SetReadLimit(maxInboundFrameSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bridge disposed")
		return fmt.Errorf("bridge disposed")
	}
	b.conn = conn
	b.state = StateConnected
	b.attempts = 0
	b.lastErr = ""
	rows, cols := b.rows, b.cols
	b.mu.Unlock()
	b.notifyState(StateConnected, "")

	if rows > 0 && cols > 0 {
		if err := b.writeFrame(resizeFrame(rows, cols)); err != nil {
			log.Printf("[bridge] session %s: initial resize failed: %v", b.opts.SessionID, err)
		}
	}

	go b.readLoop(conn)
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(b.ctx)
		if err != nil {
			b.handleReadError(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[bridge] session %s: unparseable frame: %v", b.opts.SessionID, err)
			continue
		}
		b.dispatch(frame)
	}
}

func (b *Bridge) dispatch(frame Frame) {
	switch frame.Type {
	case FrameOutput:
		text, err := frame.Text()
		if err != nil {
			log.Printf("[bridge] session %s: %v", b.opts.SessionID, err)
			return
		}
		b.out.Write([]byte(text))

	case FrameError:
		text, _ := frame.Text()
		b.mu.Lock()
		b.state = StateError
		b.lastErr = text
		b.mu.Unlock()
		b.notifyState(StateError, text)
		b.notify(NoticeError, text)

	case FrameForceTerminate:
		notice, err := frame.Terminate()
		if err != nil {
			log.Printf("[bridge] session %s: %v", b.opts.SessionID, err)
			return
		}
		// Broadcast frame: act only when addressed to this session.
		if notice.SessionID != b.opts.SessionID {
			log.Printf("[bridge] session %s: ignoring force_terminate for session %s",
				b.opts.SessionID, logutil.SanitizeForLog(notice.SessionID))
			return
		}
		if b.events.Terminated != nil {
			b.events.Terminated(notice)
		}
		b.shutdownFromRemote("terminated by administrator")

	case FrameWarning:
		text, _ := frame.Text()
		b.notify(NoticeWarning, text)

	case FrameAlert:
		text, _ := frame.Text()
		b.notify(NoticeAlert, text)

	case FrameClose:
		b.shutdownFromRemote("closed by server")

	case FramePing:
		if err := b.writeFrame(Frame{Type: FramePong}); err != nil {
			log.Printf("[bridge] session %s: pong failed: %v", b.opts.SessionID, err)
		}

	case FramePong:
		// Liveness only.

	default:
		log.Printf("[bridge] session %s: unknown frame type %q", b.opts.SessionID, logutil.SanitizeForLog(string(frame.Type)))
	}
}

// shutdownFromRemote handles a deliberate server-side end of session:
// no reconnection, straight to disconnected.
func (b *Bridge) shutdownFromRemote(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	conn := b.conn
	b.conn = nil
	b.state = StateDisconnected
	lastErr := b.lastErr
	b.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
	b.cancel()
	b.out.Flush()
	b.notifyState(StateDisconnected, lastErr)
}

// handleReadError runs when the read loop dies. A normal closure (1000) or
// a user-initiated teardown settles in disconnected; anything else is a
// transient channel error and goes through the reconnect budget.
func (b *Bridge) handleReadError(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.conn = nil

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		b.state = StateDisconnected
		lastErr := b.lastErr
		b.mu.Unlock()
		b.notifyState(StateDisconnected, lastErr)
		return
	}

	b.lastErr = err.Error()
	b.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer for the next reconnect
// attempt, or settles in disconnected once the budget is spent.
// Caller must hold b.mu; the lock is released before returning.
func (b *Bridge) scheduleReconnectLocked() {
	if b.attempts >= b.opts.MaxReconnectAttempts {
		b.state = StateDisconnected
		b.lastErr = fmt.Sprintf("reconnect limit reached after %d attempts: %s", b.attempts, b.lastErr)
		lastErr := b.lastErr
		b.mu.Unlock()
		b.notifyState(StateDisconnected, lastErr)
		return
	}

	delay := b.opts.ReconnectBase << uint(b.attempts)
	b.attempts++
	attempt := b.attempts
	b.state = StateConnecting
	lastErr := b.lastErr
	b.reconnectTimer = time.AfterFunc(delay, b.reconnect)
	b.mu.Unlock()

	log.Printf("[bridge] session %s: reconnect attempt %d/%d in %s",
		b.opts.SessionID, attempt, b.opts.MaxReconnectAttempts, delay)
	b.notifyState(StateConnecting, lastErr)
}

func (b *Bridge) reconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.reconnectTimer = nil
	b.mu.Unlock()

	if err := b.dial(); err != nil {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.lastErr = err.Error()
		b.scheduleReconnectLocked()
	}
}

// sendInput is the aggregator sink: wrap a batch of keystrokes as one input
// frame. Failures are logged and swallowed; typing must never surface
// transport errors.
func (b *Bridge) sendInput(data []byte) {
	if err := b.writeFrame(textFrame(FrameInput, string(data))); err != nil {
		log.Printf("[bridge] session %s: input frame failed: %v", b.opts.SessionID, err)
	}
}

func (b *Bridge) writeFrame(frame Frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(b.ctx, b.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// setState records a transition and fires the callback outside the lock.
func (b *Bridge) setState(state State, lastErr string) {
	b.mu.Lock()
	b.state = state
	if lastErr != "" {
		b.lastErr = lastErr
	}
	b.mu.Unlock()
	b.notifyState(state, lastErr)
}

func (b *Bridge) notifyState(state State, lastErr string) {
	if b.events.StateChanged != nil {
		b.events.StateChanged(state, lastErr)
	}
}

func (b *Bridge) notify(level NoticeLevel, text string) {
	if b.events.Notice != nil {
		b.events.Notice(level, text)
	}
}
