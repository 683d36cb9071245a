// Package bridge owns the duplex channel behind one open terminal tab:
// dialing and redialing the WebSocket, framing keystrokes and screen output,
// and running the connection state machine that the console UI reflects.
package bridge

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a wire frame.
type FrameType string

const (
	FrameOutput         FrameType = "output"
	FrameInput          FrameType = "input"
	FrameResize         FrameType = "resize"
	FrameClose          FrameType = "close"
	FrameError          FrameType = "error"
	FrameForceTerminate FrameType = "force_terminate"
	FrameWarning        FrameType = "warning"
	FrameAlert          FrameType = "alert"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
)

// Frame is one JSON message on the terminal channel. Data is either a raw
// string (output, input, error, warning, alert) or a structured object
// (close, force_terminate); it stays raw until the dispatch site knows
// which shape to expect.
type Frame struct {
	Type      FrameType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Rows      int             `json:"rows,omitempty"`
	Cols      int             `json:"cols,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// TerminateNotice is the payload of a force_terminate frame. The broadcast
// reaches every connected client; SessionID tells each bridge whether the
// notice is addressed to it.
type TerminateNotice struct {
	Reason    string `json:"reason"`
	AdminUser string `json:"admin_user"`
	SessionID string `json:"session_id"`
}

// CloseReason is the payload of a close frame.
type CloseReason struct {
	Reason string `json:"reason"`
}

// Text decodes the frame's data as a plain string.
func (f Frame) Text() (string, error) {
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return "", fmt.Errorf("frame %s data is not a string: %w", f.Type, err)
	}
	return s, nil
}

// Terminate decodes the frame's data as a TerminateNotice. A top-level
// session_id serves as fallback for older servers that did not embed it in
// the payload.
func (f Frame) Terminate() (TerminateNotice, error) {
	var notice TerminateNotice
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &notice); err != nil {
			return notice, fmt.Errorf("force_terminate payload: %w", err)
		}
	}
	if notice.SessionID == "" {
		notice.SessionID = f.SessionID
	}
	return notice, nil
}

func textFrame(t FrameType, text string) Frame {
	data, _ := json.Marshal(text)
	return Frame{Type: t, Data: data}
}

func closeFrame(reason string) Frame {
	data, _ := json.Marshal(CloseReason{Reason: reason})
	return Frame{Type: FrameClose, Data: data}
}

func resizeFrame(rows, cols int) Frame {
	return Frame{Type: FrameResize, Rows: rows, Cols: cols}
}
