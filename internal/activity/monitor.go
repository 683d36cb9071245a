// Package activity keeps an interactive session alive and watches its idle
// timeout. User interaction is reported to the backend through a throttle;
// a background refresh loop tracks how much time the session has left.
package activity

import (
	"log"
	"sync"
	"time"

	"github.com/hallgate/bastion/internal/sessionapi"
)

// Kind labels the source of a user interaction.
type Kind string

const (
	KindKeystroke Kind = "keystroke"
	KindPointer   Kind = "pointer"
	KindResize    Kind = "resize"
)

// API is the subset of the session backend the monitor consumes.
type API interface {
	GetTimeout(sessionID string) (*sessionapi.TimeoutStatus, error)
	ReportActivity(sessionID string) error
	Extend(sessionID string, minutes int) (*sessionapi.TimeoutStatus, error)
}

// Callbacks delivers monitor observations. All fields are optional and run
// on the monitor's internal goroutines.
type Callbacks struct {
	// Status fires after every successful refresh.
	Status func(status sessionapi.TimeoutStatus)
	// Warning fires when remaining time drops to the threshold, at most
	// once per debounce window.
	Warning func(minutesRemaining float64)
	// Timeout fires once when the backend reports the session expired.
	Timeout func()
}

// Options tunes the monitor's clocks. Zero values pick the defaults.
type Options struct {
	// Throttle is the minimum gap between activity reports (default 500ms).
	Throttle time.Duration
	// RefreshInterval is the status poll period (default 30s).
	RefreshInterval time.Duration
	// WarningThreshold is the remaining-minutes level that triggers a
	// warning (default 5).
	WarningThreshold float64
	// WarningDebounce caps warning frequency (default 60s).
	WarningDebounce time.Duration
}

const (
	defaultThrottle         = 500 * time.Millisecond
	defaultRefreshInterval  = 30 * time.Second
	defaultWarningThreshold = 5.0
	defaultWarningDebounce  = 60 * time.Second
)

// Monitor tracks one session. Create with New, start the refresh loop with
// Start, feed it interactions through Report.
type Monitor struct {
	api       API
	sessionID string
	opts      Options
	callbacks Callbacks

	mu         sync.Mutex
	lastReport time.Time
	trailing   *time.Timer
	lastWarned time.Time
	refreshing bool
	expired    bool
	stopped    bool
	done       chan struct{}
}

func New(api API, sessionID string, opts Options, callbacks Callbacks) *Monitor {
	if opts.Throttle <= 0 {
		opts.Throttle = defaultThrottle
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = defaultWarningThreshold
	}
	if opts.WarningDebounce <= 0 {
		opts.WarningDebounce = defaultWarningDebounce
	}
	return &Monitor{
		api:       api,
		sessionID: sessionID,
		opts:      opts,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// Start launches the periodic status refresh. An immediate refresh runs
// first so the caller gets a status without waiting a full interval.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	m.refresh()
	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refresh()
		case <-m.done:
			return
		}
	}
}

// Report records a user interaction. The first interaction after a quiet
// period reports immediately; interactions inside the throttle window
// coalesce into a single trailing report at the window's end.
func (m *Monitor) Report(kind Kind) {
	now := time.Now()

	m.mu.Lock()
	if m.stopped || m.expired {
		m.mu.Unlock()
		return
	}
	elapsed := now.Sub(m.lastReport)
	if elapsed >= m.opts.Throttle {
		m.lastReport = now
		m.mu.Unlock()
		go m.send(kind)
		return
	}
	if m.trailing == nil {
		m.trailing = time.AfterFunc(m.opts.Throttle-elapsed, func() {
			m.mu.Lock()
			m.trailing = nil
			if m.stopped || m.expired {
				m.mu.Unlock()
				return
			}
			m.lastReport = time.Now()
			m.mu.Unlock()
			m.send(kind)
		})
	}
	m.mu.Unlock()
}

// send delivers one activity report and refreshes the status so remaining
// time reflects the reset idle clock. Failures are logged, never surfaced.
func (m *Monitor) send(kind Kind) {
	if err := m.api.ReportActivity(m.sessionID); err != nil {
		log.Printf("[activity] session %s: report %s failed: %v", m.sessionID, kind, err)
		return
	}
	m.refresh()
}

// refresh fetches the timeout status once. Concurrent callers collapse into
// the in-flight fetch.
func (m *Monitor) refresh() {
	m.mu.Lock()
	if m.refreshing || m.stopped {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	status, err := m.api.GetTimeout(m.sessionID)
	if err != nil {
		log.Printf("[activity] session %s: status refresh failed: %v", m.sessionID, err)
		return
	}
	if status == nil {
		// No timeout configured for this session.
		return
	}
	m.evaluate(*status)
}

func (m *Monitor) evaluate(status sessionapi.TimeoutStatus) {
	if m.callbacks.Status != nil {
		m.callbacks.Status(status)
	}

	// Expiry needs both signals: a session flagged inactive while time
	// still remains is a transient backend state, not a timeout.
	if !status.IsActive && status.MinutesRemaining <= 0 {
		m.mu.Lock()
		already := m.expired
		m.expired = true
		m.mu.Unlock()
		if !already {
			if m.callbacks.Timeout != nil {
				m.callbacks.Timeout()
			}
			m.Stop()
		}
		return
	}

	// Zero remaining means no countdown is running; only a live countdown
	// inside the threshold warrants a warning.
	if status.MinutesRemaining > 0 && status.MinutesRemaining <= m.opts.WarningThreshold {
		now := time.Now()
		m.mu.Lock()
		warn := now.Sub(m.lastWarned) >= m.opts.WarningDebounce
		if warn {
			m.lastWarned = now
		}
		m.mu.Unlock()
		if warn && m.callbacks.Warning != nil {
			m.callbacks.Warning(status.MinutesRemaining)
		}
	}
}

// Extend pushes the expiry out and refreshes the status on success.
func (m *Monitor) Extend(minutes int) error {
	status, err := m.api.Extend(m.sessionID, minutes)
	if err != nil {
		return err
	}
	if status != nil {
		m.evaluate(*status)
	}
	return nil
}

// Stop cancels the refresh loop and any pending trailing report. Safe to
// call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.trailing != nil {
		m.trailing.Stop()
		m.trailing = nil
	}
	m.mu.Unlock()
	close(m.done)
}
