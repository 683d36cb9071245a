package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// testServer upgrades each request and hands the connection to script.
func testServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		script(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	var frame Frame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(data, &frame)
	return frame, err
}

func sendFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// frameLog collects frames received by the test server.
type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) add(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) find(ft FrameType) (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.frames {
		if f.Type == ft {
			return f, true
		}
	}
	return Frame{}, false
}

func collectingServer(t *testing.T, received *frameLog) string {
	t.Helper()
	return testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			frame, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			received.add(frame)
		}
	})
}

func TestConnectSendsInitialResize(t *testing.T) {
	var received frameLog
	url := collectingServer(t, &received)

	b, err := New(Options{URL: url, SessionID: "sess-1", Rows: 40, Cols: 120}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect("test done")
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "resize frame", func() bool {
		_, ok := received.find(FrameResize)
		return ok
	})
	frame, _ := received.find(FrameResize)
	if frame.Rows != 40 || frame.Cols != 120 {
		t.Errorf("resize = %dx%d, want 40x120", frame.Rows, frame.Cols)
	}
	if b.State() != StateConnected {
		t.Errorf("state = %s, want connected", b.State())
	}
}

func TestInputPassesThroughAggregator(t *testing.T) {
	var received frameLog
	url := collectingServer(t, &received)

	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect("test done")
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	// Contains a newline, so the aggregator forwards it at once.
	b.SubmitInput([]byte("ls -l\n"))

	waitFor(t, "input frame", func() bool {
		_, ok := received.find(FrameInput)
		return ok
	})
	frame, _ := received.find(FrameInput)
	text, err := frame.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "ls -l\n" {
		t.Errorf("input payload = %q, want %q", text, "ls -l\n")
	}
}

func TestOutputReachesRenderer(t *testing.T) {
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendFrame(ctx, conn, textFrame(FrameOutput, "login: "))
		sendFrame(ctx, conn, textFrame(FrameOutput, "root\r\n"))
		readFrame(ctx, conn) // hold the connection open
	})

	var mu sync.Mutex
	var rendered []byte
	b, err := New(Options{URL: url, SessionID: "sess-1"}, func(p []byte) {
		mu.Lock()
		rendered = append(rendered, p...)
		mu.Unlock()
	}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect("test done")
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "rendered output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(rendered) == "login: root\r\n"
	})
}

func TestForceTerminateFiltersBySession(t *testing.T) {
	terminate := func(sessionID string) Frame {
		data, _ := json.Marshal(TerminateNotice{Reason: "policy violation", AdminUser: "root", SessionID: sessionID})
		return Frame{Type: FrameForceTerminate, Data: data}
	}
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendFrame(ctx, conn, terminate("other-session"))
		sendFrame(ctx, conn, terminate("sess-1"))
		readFrame(ctx, conn)
	})

	var mu sync.Mutex
	var notices []TerminateNotice
	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{
		Terminated: func(n TerminateNotice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "termination notice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) > 0
	})
	waitFor(t, "disconnected state", func() bool { return b.State() == StateDisconnected })

	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("got %d termination notices, want 1", len(notices))
	}
	if notices[0].AdminUser != "root" || notices[0].Reason != "policy violation" {
		t.Errorf("unexpected notice: %+v", notices[0])
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n > 1 {
			// Later dials are refused so each attempt burns budget.
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "backend lost")
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	b, err := New(Options{
		URL:                  url,
		SessionID:            "sess-1",
		MaxReconnectAttempts: 3,
		ReconnectBase:        2 * time.Millisecond,
	}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reconnect budget exhaustion", func() bool { return b.State() == StateDisconnected })

	if got := hits.Load(); got != 4 {
		t.Errorf("server saw %d dials, want 4 (initial + 3 retries)", got)
	}
	info := b.Info()
	if !strings.Contains(info.LastErr, "reconnect limit reached") {
		t.Errorf("LastErr = %q, want reconnect limit message", info.LastErr)
	}
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	var hits atomic.Int32
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		hits.Add(1)
		conn.Close(websocket.StatusNormalClosure, "session complete")
	})

	b, err := New(Options{URL: url, SessionID: "sess-1", ReconnectBase: time.Millisecond}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "disconnected state", func() bool { return b.State() == StateDisconnected })
	time.Sleep(20 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("server saw %d dials, want 1", got)
	}
}

func TestServerCloseFrame(t *testing.T) {
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendFrame(ctx, conn, Frame{Type: FrameClose})
		readFrame(ctx, conn)
	})

	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "disconnected state", func() bool { return b.State() == StateDisconnected })
}

func TestUserDisconnectSendsCloseFrame(t *testing.T) {
	var received frameLog
	url := collectingServer(t, &received)

	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected state", func() bool { return b.State() == StateConnected })

	b.Disconnect("user logged out")

	waitFor(t, "close frame", func() bool {
		_, ok := received.find(FrameClose)
		return ok
	})
	frame, _ := received.find(FrameClose)
	var reason CloseReason
	if err := json.Unmarshal(frame.Data, &reason); err != nil {
		t.Fatal(err)
	}
	if reason.Reason != "user logged out" {
		t.Errorf("close reason = %q, want %q", reason.Reason, "user logged out")
	}
	if b.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", b.State())
	}

	// Second call is a no-op.
	b.Disconnect("again")
}

func TestWarningAndErrorNotices(t *testing.T) {
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendFrame(ctx, conn, textFrame(FrameWarning, "session expires in 5 minutes"))
		sendFrame(ctx, conn, textFrame(FrameError, "shell exited"))
		readFrame(ctx, conn)
	})

	var mu sync.Mutex
	got := map[NoticeLevel]string{}
	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{
		Notice: func(level NoticeLevel, text string) {
			mu.Lock()
			got[level] = text
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect("test done")
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "notices", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[NoticeWarning] != "session expires in 5 minutes" {
		t.Errorf("warning = %q", got[NoticeWarning])
	}
	if got[NoticeError] != "shell exited" {
		t.Errorf("error = %q", got[NoticeError])
	}
	if b.State() != StateError {
		t.Errorf("state = %s, want error after error frame", b.State())
	}
}

func TestPingGetsPong(t *testing.T) {
	var mu sync.Mutex
	var pong bool
	url := testServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendFrame(ctx, conn, Frame{Type: FramePing})
		for {
			frame, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			if frame.Type == FramePong {
				mu.Lock()
				pong = true
				mu.Unlock()
			}
		}
	})

	b, err := New(Options{URL: url, SessionID: "sess-1"}, func([]byte) {}, Events{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Disconnect("test done")
	if err := b.Connect(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "pong reply", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pong
	})
}

func TestConnectRequiresURLAndSession(t *testing.T) {
	if _, err := New(Options{SessionID: "s"}, func([]byte) {}, Events{}); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := New(Options{URL: "ws://localhost"}, func([]byte) {}, Events{}); err == nil {
		t.Error("expected error for missing session id")
	}
}
