package ui

import (
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/juanfont/impersonate/registry"
	"github.com/juanfont/impersonate/types"
)

const timeLayout = "2006-01-02 15:04"

// Terminate column values.
const (
	ActionTerminate   = "terminate"
	ActionTerminating = "terminating..."
	ActionNone        = "-"
)

// TerminateAction returns the terminate column of a registry row. Only
// active rows with no termination pending offer termination.
func TerminateAction(row registry.Row) string {
	switch {
	case row.Terminating:
		return ActionTerminating
	case row.CanTerminate:
		return ActionTerminate
	default:
		return ActionNone
	}
}

// SessionRows converts registry rows into table cells.
func SessionRows(rows []registry.Row) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		s := r.Session
		remaining := ActionNone
		if s.Status == types.SessionStatusActive {
			remaining = strconv.Itoa(s.RemainingMinutes) + "m"
		}
		note := s.Reason
		if r.LastError != nil {
			note = "error: " + r.LastError.Error()
		}
		out = append(out, []string{
			s.SessionID,
			orID(s.AdminEmail, s.AdminUserID),
			orID(s.TargetEmail, s.TargetUserID),
			string(s.Status),
			s.StartedAt.UTC().Format(timeLayout),
			remaining,
			TerminateAction(r),
			note,
		})
	}
	return out
}

// SessionsTable renders the active sessions listing.
func SessionsTable(rows []registry.Row, refreshedAt time.Time) string {
	if len(rows) == 0 {
		return mutedStyle.Render("No impersonation sessions")
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers("SESSION", "ADMIN", "TARGET", "STATUS", "STARTED", "REMAINING", "ACTION", "NOTE").
		Rows(SessionRows(rows)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 && row >= 0 && row < len(rows) {
				switch rows[row].Session.Status {
				case types.SessionStatusActive:
					return cellStyle.Inherit(okStyle)
				case types.SessionStatusTerminated:
					return cellStyle.Inherit(dangerStyle)
				default:
					return cellStyle.Inherit(mutedStyle)
				}
			}
			return cellStyle
		})

	out := t.String()
	if !refreshedAt.IsZero() {
		out += "\n" + mutedStyle.Render("refreshed "+refreshedAt.UTC().Format(time.RFC3339))
	}
	return out
}

// AuditRows converts audit entries into table cells.
func AuditRows(entries []types.AuditLogView) [][]string {
	out := make([][]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, []string{
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			e.Action,
			string(e.Status),
			e.AdminUserID,
			e.TargetUserID,
			e.SessionID,
			e.Reason,
		})
	}
	return out
}

// AuditTable renders audit entries newest first.
func AuditTable(entries []types.AuditLogView) string {
	if len(entries) == 0 {
		return mutedStyle.Render("No audit entries")
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers("TIME", "ACTION", "STATUS", "ADMIN", "TARGET", "SESSION", "REASON").
		Rows(AuditRows(entries)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(entries) && entries[row].Status == types.AuditStatusFailure {
				return cellStyle.Inherit(dangerStyle)
			}
			return cellStyle
		}).
		String()
}

func orID(email, id string) string {
	if email != "" {
		return email
	}
	return id
}
