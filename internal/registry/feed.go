package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hallgate/bastion/internal/logutil"
)

// Monitor channel message types.
const (
	msgMonitoringUpdate = "monitoring_update"
	msgSessionStart     = "session_start"
	msgSessionEnd       = "session_end"
	msgHeartbeatPing    = "heartbeat_ping"
	msgHeartbeatPong    = "heartbeat_pong"
)

// envelope is the monitor channel's wire message.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultFeedMaxAttempts   = 5
	defaultFeedBackoffBase   = time.Second
	maxFeedBackoff           = 30 * time.Second
	feedReadLimit            = 4 * 1024 * 1024
)

// FeedOptions configures the monitor channel client.
type FeedOptions struct {
	// URL is the monitor broadcast WebSocket endpoint.
	URL string
	// HeartbeatInterval spaces the client's own pings (default 30s).
	HeartbeatInterval time.Duration
	// MaxAttempts bounds consecutive failed connections (default 5).
	MaxAttempts int
	// BackoffBase is the reconnect backoff base, doubled per attempt and
	// capped at 30s (default 1s).
	BackoffBase time.Duration
}

// Feed subscribes to the monitor broadcast channel and merges every event
// into the registry. A feed identifies itself with a random client id.
type Feed struct {
	opts     FeedOptions
	clientID string
	reg      *Registry
}

func NewFeed(opts FeedOptions, reg *Registry) (*Feed, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("feed: URL is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultFeedMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultFeedBackoffBase
	}
	return &Feed{
		opts:     opts,
		clientID: uuid.NewString(),
		reg:      reg,
	}, nil
}

// Run connects and consumes the channel until ctx is cancelled or the
// reconnect budget is spent.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := f.consume(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > f.opts.MaxAttempts {
			return fmt.Errorf("monitor feed: giving up after %d attempts: %w", attempts-1, err)
		}
		delay := f.opts.BackoffBase << uint(attempts-1)
		if delay > maxFeedBackoff {
			delay = maxFeedBackoff
		}
		log.Printf("[feed] connection lost (%v), retry %d/%d in %s", err, attempts, f.opts.MaxAttempts, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume holds one connection open. Returns nil only on a normal server
// closure; any other exit is retried by Run.
func (f *Feed) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.opts.URL+"?client_id="+f.clientID, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial monitor feed: %w", err)
	}
	conn.SetReadLimit(feedReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "feed stopped")

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[feed] unparseable message: %v", err)
			continue
		}
		f.dispatch(connCtx, conn, msg)
	}
}

func (f *Feed) dispatch(ctx context.Context, conn *websocket.Conn, msg envelope) {
	switch msg.Type {
	case msgMonitoringUpdate:
		// The broadcast wraps the list as {"active_sessions": [...]}.
		var payload struct {
			ActiveSessions []Snapshot `json:"active_sessions"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("[feed] bad monitoring_update payload: %v", err)
			return
		}
		f.reg.ApplySnapshot(payload.ActiveSessions)

	case msgSessionStart:
		var s Snapshot
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			log.Printf("[feed] bad session_start payload: %v", err)
			return
		}
		if s.SessionID == "" {
			s.SessionID = msg.SessionID
		}
		f.reg.ApplyStart(s)

	case msgSessionEnd:
		id := msg.SessionID
		if id == "" && len(msg.Data) > 0 {
			var payload struct {
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil {
				id = payload.SessionID
			}
		}
		f.reg.ApplyEnd(id)

	case msgHeartbeatPing:
		if err := f.send(ctx, conn, envelope{Type: msgHeartbeatPong, Timestamp: time.Now().Unix()}); err != nil {
			log.Printf("[feed] heartbeat reply failed: %v", err)
		}

	case msgHeartbeatPong:
		// Liveness only, never surfaced.

	default:
		log.Printf("[feed] unknown message type %q", logutil.SanitizeForLog(msg.Type))
	}
}

// heartbeat sends the feed's own pings so idle connections stay open.
func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.send(ctx, conn, envelope{Type: msgHeartbeatPing, Timestamp: time.Now().Unix()}); err != nil {
				log.Printf("[feed] heartbeat failed: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) send(ctx context.Context, conn *websocket.Conn, msg envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
