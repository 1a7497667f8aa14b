package ui

import (
	"fmt"
	"strings"

	"github.com/juanfont/impersonate/monitor"
)

// BannerLines returns the plain lines of the impersonation banner for a
// monitor status.
func BannerLines(s monitor.Status) []string {
	switch s.State {
	case monitor.StateIdle:
		return []string{"Checking impersonation status..."}
	case monitor.StateNotInSession:
		return []string{"Not impersonating"}
	case monitor.StateExpired:
		return []string{"Impersonation session expired", "Returning to admin"}
	case monitor.StateEnded:
		lines := []string{"Impersonation ended"}
		if !s.EndedAt.IsZero() {
			lines = append(lines, "Ended at "+s.EndedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
		}
		return lines
	}

	if s.Snapshot == nil {
		if s.State == monitor.StateChecking {
			return []string{"Checking impersonation status..."}
		}
		return []string{s.State.String()}
	}

	snap := s.Snapshot
	target := snap.TargetUserID
	if snap.TargetTenantID != "" {
		target += " (tenant " + snap.TargetTenantID + ")"
	}
	lines := []string{
		"IMPERSONATING " + target,
		"Admin " + snap.AdminUserID,
		remainingLine(s),
	}

	var flags []string
	if s.Stale {
		flags = append(flags, "connection lost, showing last known time")
	}
	if s.Approximate {
		flags = append(flags, "approximate")
	}
	if len(flags) > 0 {
		lines = append(lines, "("+strings.Join(flags, ", ")+")")
	}
	if s.NeedsManualExit {
		msg := "Session state unknown, end the session or return to admin manually"
		if s.LastError != nil {
			msg += ": " + s.LastError.Error()
		}
		lines = append(lines, msg)
	}
	return lines
}

func remainingLine(s monitor.Status) string {
	r := s.Reading
	prefix := ""
	if s.Approximate {
		prefix = "~"
	}
	line := fmt.Sprintf("%s%d min remaining, %d min elapsed", prefix, r.RemainingMinutes, r.ElapsedMinutes)
	if !s.ExpiresAt.IsZero() {
		line += ", expires " + s.ExpiresAt.UTC().Format("15:04 UTC")
	}
	return line
}

// Banner renders the impersonation banner.
func Banner(s monitor.Status) string {
	lines := BannerLines(s)
	if len(lines) == 0 {
		return ""
	}
	style := bannerStyle
	switch {
	case s.State == monitor.StateExpired || s.NeedsManualExit:
		style = style.BorderForeground(colorDanger)
		lines[0] = dangerStyle.Render(lines[0])
	case s.InSession() && s.Reading.RemainingMinutes <= 5:
		lines[0] = dangerStyle.Render(lines[0])
	case s.InSession():
		lines[0] = boldStyle.Render(lines[0])
	}
	return style.Render(strings.Join(lines, "\n"))
}
