// Package clock computes the temporal state of an impersonation session.
//
// All functions are pure: the caller supplies the reference time, which should
// be the authority's clock whenever one is available.
package clock

import (
	"fmt"
	"time"

	"github.com/juanfont/impersonate/types"
)

const op = "session_clock"

// Reading is the temporal state of a session at a given instant.
type Reading struct {
	ElapsedMinutes   int  `json:"elapsed_minutes"`
	RemainingMinutes int  `json:"remaining_minutes"`
	IsExpired        bool `json:"is_expired"`
}

// Window is a session's fixed lifetime.
type Window struct {
	StartedAt   time.Time
	MaxDuration time.Duration
}

// WindowFromExpiry builds the window the authority granted. expiresAt is
// authoritative; the maximum duration is derived from it, never assumed.
func WindowFromExpiry(startedAt, expiresAt time.Time) (Window, error) {
	if startedAt.IsZero() || expiresAt.IsZero() {
		return Window{}, invalid("started_at and expires_at are required")
	}
	if !expiresAt.After(startedAt) {
		return Window{}, invalid(fmt.Sprintf("expires_at %s is not after started_at %s",
			expiresAt.Format(time.RFC3339), startedAt.Format(time.RFC3339)))
	}
	return Window{StartedAt: startedAt, MaxDuration: expiresAt.Sub(startedAt)}, nil
}

// ExpiresAt returns the instant the window closes.
func (w Window) ExpiresAt() time.Time {
	return w.StartedAt.Add(w.MaxDuration)
}

// At computes the reading of the window at now.
func (w Window) At(now time.Time) (Reading, error) {
	return Compute(w.StartedAt, now, w.MaxDuration)
}

// Compute returns the session's elapsed and remaining whole minutes at now.
//
//	elapsed   = floor((now - startedAt) / 1m)
//	remaining = max(0, maxMinutes - elapsed)
//	expired   = elapsed >= maxMinutes
//
// Zero timestamps, now before startedAt, and durations shorter than one minute
// are rejected with types.ErrInvalidTimestamp rather than clamped.
func Compute(startedAt, now time.Time, maxDuration time.Duration) (Reading, error) {
	if startedAt.IsZero() {
		return Reading{}, invalid("started_at is zero")
	}
	if now.IsZero() {
		return Reading{}, invalid("reference time is zero")
	}
	if now.Before(startedAt) {
		return Reading{}, invalid(fmt.Sprintf("reference time %s precedes started_at %s",
			now.Format(time.RFC3339), startedAt.Format(time.RFC3339)))
	}
	maxMinutes := int(maxDuration / time.Minute)
	if maxMinutes <= 0 {
		return Reading{}, invalid(fmt.Sprintf("max duration %s is shorter than one minute", maxDuration))
	}

	elapsed := int(now.Sub(startedAt) / time.Minute)
	return Reading{
		ElapsedMinutes:   elapsed,
		RemainingMinutes: max(0, maxMinutes-elapsed),
		IsExpired:        elapsed >= maxMinutes,
	}, nil
}

// UntilExpiry reads a session whose start is unknown from its expiry alone.
// Remaining time is rounded up to whole minutes, as Compute does, so the
// session is expired exactly when no minutes remain. ElapsedMinutes is left
// to the caller.
func UntilExpiry(expiresAt, now time.Time) (Reading, error) {
	if expiresAt.IsZero() {
		return Reading{}, invalid("expires_at is zero")
	}
	if now.IsZero() {
		return Reading{}, invalid("reference time is zero")
	}
	if !now.Before(expiresAt) {
		return Reading{IsExpired: true}, nil
	}
	left := expiresAt.Sub(now)
	remaining := int(left / time.Minute)
	if left%time.Minute != 0 {
		remaining++
	}
	return Reading{RemainingMinutes: remaining}, nil
}

func invalid(msg string) error {
	return types.NewError(types.KindValidation, op, msg, types.ErrInvalidTimestamp)
}
