package handlers

import (
	"net/http"
	"time"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "unavailable"
	if store != nil {
		if _, err := store.List(); err == nil {
			storeStatus = "ok"
		}
	}

	feedStatus := "disconnected"
	if liveRegistry != nil {
		if last := liveRegistry.LastSeen(); !last.IsZero() && time.Since(last) < 2*time.Minute {
			feedStatus = "connected"
		}
	}

	status := "healthy"
	if storeStatus != "ok" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       status,
		"recordings":   storeStatus,
		"monitor_feed": feedStatus,
	})
}
