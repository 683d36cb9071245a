package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func feedServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_id") == "" {
			t.Error("feed connected without client_id")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		script(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendEnvelope(ctx context.Context, conn *websocket.Conn, msg envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func TestFeedMergesEvents(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	update, _ := json.Marshal(map[string]interface{}{
		"active_sessions": []Snapshot{
			snap("sess-1", "alice", started),
			snap("sess-2", "bob", started),
		},
	})
	startPayload, _ := json.Marshal(snap("sess-3", "carol", started))

	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendEnvelope(ctx, conn, envelope{Type: msgMonitoringUpdate, Data: update})
		sendEnvelope(ctx, conn, envelope{Type: msgSessionStart, Data: startPayload})
		sendEnvelope(ctx, conn, envelope{Type: msgSessionEnd, SessionID: "sess-2"})
		conn.Read(ctx) // hold open
	})

	r := New(nil, nil)
	feed, err := NewFeed(FeedOptions{URL: url}, r)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	settled := func() bool {
		list := r.List()
		return len(list) == 2 && list[0].SessionID == "sess-1" && list[1].SessionID == "sess-3"
	}
	deadline := time.Now().Add(3 * time.Second)
	for !settled() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !settled() {
		t.Errorf("unexpected sessions: %+v", r.List())
	}
}

func TestMonitoringUpdateEnvelopeShape(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	update, _ := json.Marshal(map[string]interface{}{
		"active_sessions": []Snapshot{
			snap("sess-1", "alice", started),
			snap("sess-2", "bob", started),
		},
	})

	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendEnvelope(ctx, conn, envelope{Type: msgMonitoringUpdate, Data: update})
		conn.Read(ctx)
	})

	r := New(nil, nil)
	feed, err := NewFeed(FeedOptions{URL: url}, r)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for r.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Len() != 2 {
		t.Fatalf("registry has %d sessions after monitoring_update, want 2", r.Len())
	}
}

func TestFeedEndWithoutIDResyncs(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendEnvelope(ctx, conn, envelope{Type: msgSessionEnd})
		conn.Read(ctx)
	})

	var resyncs atomic.Int32
	r := New(func() { resyncs.Add(1) }, nil)
	feed, err := NewFeed(FeedOptions{URL: url}, r)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for resyncs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if resyncs.Load() != 1 {
		t.Errorf("resyncs = %d, want 1", resyncs.Load())
	}
}

func TestFeedAnswersHeartbeat(t *testing.T) {
	var pong atomic.Bool
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendEnvelope(ctx, conn, envelope{Type: msgHeartbeatPing, Timestamp: time.Now().Unix()})
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg envelope
			if json.Unmarshal(data, &msg) == nil && msg.Type == msgHeartbeatPong {
				pong.Store(true)
			}
		}
	})

	r := New(nil, nil)
	feed, err := NewFeed(FeedOptions{URL: url}, r)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for !pong.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !pong.Load() {
		t.Fatal("no heartbeat_pong received")
	}
}

func TestFeedReconnectBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New(nil, nil)
	feed, err := NewFeed(FeedOptions{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	}, r)
	if err != nil {
		t.Fatal(err)
	}

	err = feed.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("err = %v, want giving-up error", err)
	}
	// Initial dial plus two retries.
	if got := hits.Load(); got != 3 {
		t.Errorf("server saw %d dials, want 3", got)
	}
}

func TestFeedStopsOnNormalClosure(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusNormalClosure, "monitor shutting down")
	})

	r := New(nil, nil)
	feed, err := NewFeed(FeedOptions{URL: url, BackoffBase: time.Millisecond}, r)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after normal closure")
	}
}
