package monitor

import "time"

// State is the controller lifecycle.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the monitor.
type Status struct {
	State         State         `json:"state"`
	Interval      time.Duration `json:"interval_ns"`
	Cursor        int64         `json:"cursor"`
	Cycles        int64         `json:"cycles"`
	Scanned       int64         `json:"scanned"`
	Skipped       int64         `json:"skipped"`
	Flagged       int64         `json:"flagged"`
	Alerts        int64         `json:"alerts"`
	AlertFailures int64         `json:"alert_failures"`
	LastError     string        `json:"last_error,omitempty"`
	LastCycle     time.Time     `json:"last_cycle"`
}

// Status returns the current counters.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	return Status{
		State:         m.state,
		Interval:      m.interval,
		Cursor:        m.cursor,
		Cycles:        m.stats.cycles,
		Scanned:       m.stats.scanned,
		Skipped:       m.stats.skipped,
		Flagged:       m.stats.flagged,
		Alerts:        m.stats.alerts,
		AlertFailures: m.stats.alertFailures,
		LastError:     m.stats.lastErr,
		LastCycle:     m.stats.lastCycle,
	}
}
