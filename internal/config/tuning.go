package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds terminal behavior knobs that operators can override with a
// YAML file. Zero values mean "use the built-in default"; the consuming
// packages apply their own defaults, so Tuning only carries overrides.
type Tuning struct {
	// AggregatorDelayMS is the keystroke coalescing window in milliseconds.
	AggregatorDelayMS int `yaml:"aggregator_delay_ms"`
	// ImmediateBytes lists additional bytes (as integers) that bypass the
	// aggregator window, on top of the built-in interrupt set.
	ImmediateBytes []byte `yaml:"immediate_bytes"`

	// WriterFlushMS is the output batching window in milliseconds.
	WriterFlushMS int `yaml:"writer_flush_ms"`
	// WriterMaxChunks forces a flush once this many chunks are queued.
	WriterMaxChunks int `yaml:"writer_max_chunks"`

	// ReconnectMaxAttempts bounds automatic bridge reconnection.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
	// ReconnectBaseMS is the exponential backoff base in milliseconds.
	ReconnectBaseMS int `yaml:"reconnect_base_ms"`

	// ActivityThrottleMS is the minimum interval between activity reports.
	ActivityThrottleMS int `yaml:"activity_throttle_ms"`
	// StatusRefreshSec is the timeout status polling interval in seconds.
	StatusRefreshSec int `yaml:"status_refresh_sec"`
}

// AggregatorDelay returns the override as a duration, or zero if unset.
func (t Tuning) AggregatorDelay() time.Duration {
	return time.Duration(t.AggregatorDelayMS) * time.Millisecond
}

// WriterFlush returns the override as a duration, or zero if unset.
func (t Tuning) WriterFlush() time.Duration {
	return time.Duration(t.WriterFlushMS) * time.Millisecond
}

// ReconnectBase returns the override as a duration, or zero if unset.
func (t Tuning) ReconnectBase() time.Duration {
	return time.Duration(t.ReconnectBaseMS) * time.Millisecond
}

// ActivityThrottle returns the override as a duration, or zero if unset.
func (t Tuning) ActivityThrottle() time.Duration {
	return time.Duration(t.ActivityThrottleMS) * time.Millisecond
}

// StatusRefresh returns the override as a duration, or zero if unset.
func (t Tuning) StatusRefresh() time.Duration {
	return time.Duration(t.StatusRefreshSec) * time.Second
}

// LoadTuning reads a YAML tuning file. A missing path (empty string) yields
// the zero Tuning without error; a present but unreadable or malformed file
// is an error so operators notice broken overrides at startup.
func LoadTuning(path string) (Tuning, error) {
	var t Tuning
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return t, nil
}
