package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hallgate/bastion/internal/cast"
	"github.com/hallgate/bastion/internal/logutil"
	"github.com/hallgate/bastion/internal/recstore"
	"github.com/hallgate/bastion/internal/registry"
)

var (
	store        recstore.Store
	liveRegistry *registry.Registry
)

// Init wires the handler package to its backing stores. Call once at startup.
func Init(s recstore.Store, reg *registry.Registry) {
	store = s
	liveRegistry = reg
}

// loadRecording opens and decodes one recording, writing the error response
// itself on failure.
func loadRecording(w http.ResponseWriter, id string) (*cast.Recording, bool) {
	rc, err := store.Open(id)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	defer rc.Close()

	rec, err := cast.Decode(rc)
	if err != nil {
		log.Printf("Failed to decode recording %s: %v", logutil.SanitizeForLog(id), err)
		writeError(w, http.StatusUnprocessableEntity, "Recording is not a valid cast file")
		return nil, false
	}
	return rec, true
}

// ListRecordings returns the ids of all stored recordings.
func ListRecordings(w http.ResponseWriter, r *http.Request) {
	ids, err := store.List()
	if err != nil {
		log.Printf("Failed to list recordings: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list recordings")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": ids,
		"count":      len(ids),
	})
}

// GetRecordingMeta returns the decoded header and parse statistics.
func GetRecordingMeta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := loadRecording(w, id)
	if !ok {
		return
	}

	var duration float64
	if n := len(rec.Events); n > 0 {
		duration = rec.Events[n-1].Time
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id,
		"version":     rec.Header.Version,
		"width":       rec.Header.Width,
		"height":      rec.Header.Height,
		"timestamp":   rec.Header.Timestamp,
		"event_count": len(rec.Events),
		"duration":    duration,
		"stats": map[string]int{
			"attempted": rec.Stats.Attempted,
			"accepted":  rec.Stats.Accepted,
			"skipped":   rec.Stats.Skipped,
		},
	})
}

// GetRecordingCommands returns the command timeline extracted from the
// recording's input stream.
func GetRecordingCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := loadRecording(w, id)
	if !ok {
		return
	}

	commands := cast.ExtractCommands(rec.Events)
	if commands == nil {
		commands = []cast.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"commands": commands,
		"count":    len(commands),
	})
}

// SearchRecording returns substring matches across the recording's events.
// An empty or whitespace-only term matches nothing.
func SearchRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	term := r.URL.Query().Get("q")

	rec, ok := loadRecording(w, id)
	if !ok {
		return
	}

	matches := cast.Search(rec.Events, term)
	if matches == nil {
		matches = []cast.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"query":   term,
		"matches": matches,
		"count":   len(matches),
	})
}
