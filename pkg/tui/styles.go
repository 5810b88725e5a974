package tui

import (
	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorNeonGreen  = lipgloss.Color("#00FF99")
	colorNeonPurple = lipgloss.Color("#874BFD")
	colorTextMain   = lipgloss.Color("#E2E8F0")
	colorTextSub    = lipgloss.Color("#64748B")
	colorDanger     = lipgloss.Color("#FF0055")
	colorWarning    = lipgloss.Color("#F59E0B")

	subtle    = lipgloss.NewStyle().Foreground(colorTextSub)
	highlight = lipgloss.NewStyle().Foreground(colorNeonPurple).Bold(true)
	special   = lipgloss.NewStyle().Foreground(colorNeonGreen).Bold(true)
	danger    = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	warning   = lipgloss.NewStyle().Foreground(colorWarning)

	hudStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorNeonPurple).
			Padding(0, 1).
			Foreground(colorTextMain)

	hudLabelStyle = lipgloss.NewStyle().
			Foreground(colorTextSub).
			Bold(true).
			MarginRight(1)

	listSelectedStyle = lipgloss.NewStyle().
				Foreground(colorTextMain).
				Background(lipgloss.Color("#331832")).
				Bold(true)

	listNormalStyle = lipgloss.NewStyle().
			Foreground(colorTextSub)

	iconBlock = lipgloss.NewStyle().Foreground(colorDanger).SetString("[BLOCK]")
	iconWarn  = lipgloss.NewStyle().Foreground(colorWarning).SetString("[WARN] ")
	iconInfo  = lipgloss.NewStyle().Foreground(colorNeonPurple).SetString("[INFO] ")
	iconSafe  = lipgloss.NewStyle().Foreground(colorNeonGreen).SetString("[SAFE]")

	detailsBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(colorNeonGreen).
			Padding(1, 2).
			MarginTop(1)

	detailsHeaderStyle = lipgloss.NewStyle().
				Foreground(colorNeonPurple).
				Bold(true).
				Underline(true).
				MarginBottom(1)
)

func severityIcon(s finding.Severity) lipgloss.Style {
	switch s {
	case finding.Block:
		return iconBlock
	case finding.Warn:
		return iconWarn
	}
	return iconInfo
}
