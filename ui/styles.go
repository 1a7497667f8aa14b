// Package ui renders impersonation state for the terminal.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	colorWarn    = lipgloss.Color("#FFB000")
	colorDanger  = lipgloss.Color("#FF4444")
	colorOK      = lipgloss.Color("#00C853")
	colorMuted   = lipgloss.Color("#888888")
	colorBorder  = lipgloss.Color("#5F5FAF")
	colorBannerB = lipgloss.Color("#1A1500")

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorWarn).
			Background(colorBannerB).
			Foreground(colorWarn).
			Padding(0, 1)

	dangerStyle = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(colorOK)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBorder).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)
