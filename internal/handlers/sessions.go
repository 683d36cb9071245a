package handlers

import (
	"net/http"
	"time"
)

type activeSession struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Asset     string    `json:"asset"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveSessions returns the registry's live session view for monitoring UIs.
func ActiveSessions(w http.ResponseWriter, r *http.Request) {
	list := liveRegistry.List()
	sessions := make([]activeSession, 0, len(list))
	for _, s := range list {
		sessions = append(sessions, activeSession{
			SessionID: s.SessionID,
			UserID:    s.UserID,
			Username:  s.Username,
			Asset:     s.Asset,
			StartedAt: s.StartedAt,
		})
	}

	resp := map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	}
	if last := liveRegistry.LastSeen(); !last.IsZero() {
		resp["last_update"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}
