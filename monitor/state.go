package monitor

import (
	"time"

	"github.com/juanfont/impersonate/clock"
	"github.com/juanfont/impersonate/types"
)

// State is the monitor's view of the caller's impersonation session.
type State int

const (
	// StateIdle means no poll has completed yet.
	StateIdle State = iota
	// StateChecking means a poll is in flight.
	StateChecking
	// StateInSession means the caller is impersonating and time remains.
	StateInSession
	// StateNotInSession means the authority reports no impersonation.
	StateNotInSession
	// StateExpired means the session window has elapsed. Terminal.
	StateExpired
	// StateEnded means the session was ended through this monitor. Terminal.
	StateEnded
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateChecking:
		return "CHECKING"
	case StateInSession:
		return "IN_SESSION"
	case StateNotInSession:
		return "NOT_IN_SESSION"
	case StateExpired:
		return "EXPIRED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true once the monitor stops polling.
func (s State) IsTerminal() bool {
	return s == StateExpired || s == StateEnded
}

// Status is an immutable copy of the monitor's latest view.
type Status struct {
	State    State
	Snapshot *types.CurrentSessionSnapshot
	Reading  clock.Reading
	// ExpiresAt is the end of the session window, zero when unknown.
	ExpiresAt time.Time
	// Stale is set while the last poll failed with a transport error; the
	// reading is the last valid one.
	Stale bool
	// Approximate is set when the reading relies on the local clock or on the
	// configured maximum duration instead of authority-supplied values.
	Approximate bool
	// NeedsManualExit is set when the session state cannot be determined and
	// the operator should be offered a manual end or return.
	NeedsManualExit bool
	LastError       error
	CheckedAt       time.Time
	EndedAt         time.Time
}

// InSession reports whether the status represents a live session.
func (s Status) InSession() bool {
	return s.State == StateInSession || (s.State == StateChecking && s.Snapshot != nil)
}

// EndReason says why a session finished from the monitor's point of view.
type EndReason string

const (
	// EndReasonUser means the operator ended the session through the monitor.
	EndReasonUser EndReason = "ended"
	// EndReasonExpired means the session window elapsed.
	EndReasonExpired EndReason = "expired"
	// EndReasonRemote means the authority stopped reporting the session,
	// e.g. after termination by another admin.
	EndReasonRemote EndReason = "ended_remotely"
)

// Outcome is passed to the completion handler when a session finishes.
type Outcome struct {
	Reason    EndReason
	SessionID string
	EndedAt   time.Time
	// Err is the error of the end call, if any. Navigation happens regardless.
	Err error
}
