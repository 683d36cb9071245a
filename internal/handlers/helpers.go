package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hallgate/bastion/internal/recstore"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeStoreError maps store failures onto the API's status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, recstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Recording not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to read recording")
}
