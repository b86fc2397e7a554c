// Package tabs tracks per-tab time-on-page sessions.
package tabs

import (
	"sync"
	"time"

	"github.com/getathos/athos-agent/internal/credential"
	"github.com/getathos/athos-agent/internal/metrics"
)

// TickFunc receives the periodic time-on-page callback for a tab. It runs
// on the timer goroutine and should hand slow work off.
type TickFunc func(tabID int, elapsed time.Duration)

type session struct {
	tabID int
	start time.Time

	// fireMu serializes a tick against stop so that once stop returns no
	// further tick runs.
	fireMu  sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Tracker owns one session per tab. Starting a session supersedes the
// previous one for the same tab; removing a tab cancels its timer.
type Tracker struct {
	interval time.Duration
	onTick   TickFunc
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[int]*session
}

// New creates a tracker firing onTick every interval per tracked tab.
func New(interval time.Duration, onTick TickFunc, m *metrics.Metrics) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Tracker{
		interval: interval,
		onTick:   onTick,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[int]*session),
	}
}

// SetTickFunc replaces the tick callback. Call before any Start.
func (t *Tracker) SetTickFunc(fn TickFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = fn
}

// Start begins a new session for tabID, cancelling any existing one.
func (t *Tracker) Start(tabID int) {
	s := &session{tabID: tabID}

	t.mu.Lock()
	s.start = t.now()
	old := t.sessions[tabID]
	t.sessions[tabID] = s
	t.gauge()
	t.mu.Unlock()

	if old != nil {
		old.stop()
	}

	s.fireMu.Lock()
	s.timer = time.AfterFunc(t.interval, func() { t.fire(s) })
	s.fireMu.Unlock()
}

// Remove ends the session for tabID. After Remove returns no tick for that
// session can fire.
func (t *Tracker) Remove(tabID int) {
	t.mu.Lock()
	s := t.sessions[tabID]
	delete(t.sessions, tabID)
	t.gauge()
	t.mu.Unlock()

	if s != nil {
		s.stop()
	}
}

// Elapsed returns the time since the tab's session started.
func (t *Tracker) Elapsed(tabID int) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[tabID]
	if !ok {
		return 0, false
	}
	return t.now().Sub(s.start), true
}

// Tracking reports whether tabID has a session.
func (t *Tracker) Tracking(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[tabID]
	return ok
}

// Len returns the number of tracked tabs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Reset ends every session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	all := t.sessions
	t.sessions = make(map[int]*session)
	t.gauge()
	t.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// Close ends every session.
func (t *Tracker) Close() {
	t.Reset()
}

// OnCredentialChange drops every session when the credential is cleared.
func (t *Tracker) OnCredentialChange(ch credential.Change) {
	if !ch.Present() {
		t.Reset()
	}
}

func (t *Tracker) fire(s *session) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	if s.stopped {
		return
	}

	t.mu.Lock()
	elapsed := t.now().Sub(s.start)
	fn := t.onTick
	t.mu.Unlock()

	if fn != nil {
		fn(s.tabID, elapsed)
	}
	s.timer.Reset(t.interval)
}

func (s *session) stop() {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// gauge updates the tracked-tabs metric. Caller holds t.mu.
func (t *Tracker) gauge() {
	if t.metrics != nil {
		t.metrics.TrackedTabs.Set(float64(len(t.sessions)))
	}
}
