package handlers

import (
	"net/http"

	"github.com/hallgate/bastion/internal/config"
)

var tuning config.Tuning

// InitTuning publishes the operator's terminal tuning overrides. Zero
// values mean the client applies its built-in default.
func InitTuning(t config.Tuning) {
	tuning = t
}

// TerminalTuning serves the tuning overrides console clients apply to
// their input aggregator, output writer, and reconnect policy.
func TerminalTuning(w http.ResponseWriter, r *http.Request) {
	immediate := make([]int, 0, len(tuning.ImmediateBytes))
	for _, b := range tuning.ImmediateBytes {
		immediate = append(immediate, int(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregator_delay_ms":    tuning.AggregatorDelayMS,
		"immediate_bytes":        immediate,
		"writer_flush_ms":        tuning.WriterFlushMS,
		"writer_max_chunks":      tuning.WriterMaxChunks,
		"reconnect_max_attempts": tuning.ReconnectMaxAttempts,
		"reconnect_base_ms":      tuning.ReconnectBaseMS,
		"activity_throttle_ms":   tuning.ActivityThrottleMS,
		"status_refresh_sec":     tuning.StatusRefreshSec,
	})
}
