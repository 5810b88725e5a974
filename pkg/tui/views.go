package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/charmbracelet/lipgloss"
)

func (m Model) viewHUD() string {
	rep := m.Report
	status := special.Render("PASS")
	if !rep.Pass {
		status = danger.Render("FAIL")
	}
	filter := "all"
	if m.filter != "" {
		filter = string(m.filter)
	}
	segs := []string{
		highlight.Render("CHARTERGUARD"),
		status,
		hudLabelStyle.Render("SCORE:") + fmt.Sprintf("%.1f/%.1f", rep.Score, rep.MinScore),
		hudLabelStyle.Render("BLOCK:") + danger.Render(fmt.Sprint(rep.Summary.Block)),
		hudLabelStyle.Render("WARN:") + warning.Render(fmt.Sprint(rep.Summary.Warn)),
		hudLabelStyle.Render("INFO:") + subtle.Render(fmt.Sprint(rep.Summary.Info)),
		hudLabelStyle.Render("FILTER:") + filter,
	}
	return hudStyle.Render(strings.Join(segs, "  "))
}

func (m Model) viewList() string {
	if len(m.visible) == 0 {
		if len(m.Report.Findings) == 0 {
			return "\n   " + iconSafe.Render() + subtle.Render("  Charter satisfied. No findings.")
		}
		return "\n   " + subtle.Render("No findings match the filter.")
	}

	var s strings.Builder
	s.WriteString(subtle.Render(fmt.Sprintf("  %-7s | %-28s | %-30s | %s", "SEV", "RULE", "SUBJECT", "MESSAGE")) + "\n")
	s.WriteString(subtle.Render("  "+strings.Repeat("─", 90)) + "\n")

	start, end := m.window(len(m.visible))
	for i := start; i < end; i++ {
		f := m.visible[i]
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		line := fmt.Sprintf("%s | %-28s | %-30s | %s",
			severityIcon(f.Severity).Render(),
			truncate(f.RuleID, 28),
			truncate(f.Subject, 30),
			truncate(f.Message, 60),
		)
		if i == m.cursor {
			s.WriteString(listSelectedStyle.Render(cursor+line) + "\n")
		} else {
			s.WriteString(listNormalStyle.Render(cursor+line) + "\n")
		}
	}
	return s.String()
}

func (m Model) viewDetails() string {
	if m.cursor < 0 || m.cursor >= len(m.visible) {
		return "No finding selected"
	}
	f := m.visible[m.cursor]

	names := make([]string, 0, len(f.Evidence))
	for k := range f.Evidence {
		names = append(names, k)
	}
	sort.Strings(names)
	evidence := make([]string, 0, len(names))
	for _, k := range names {
		evidence = append(evidence, fmt.Sprintf("%-16s : %s", k, f.Evidence[k]))
	}
	if len(evidence) == 0 {
		evidence = append(evidence, "(none)")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		detailsHeaderStyle.Render(f.RuleID),
		severityIcon(f.Severity).Render()+"  "+f.Subject,
		"",
		f.Message,
		"",
		highlight.Render("EVIDENCE:"),
		subtle.Render(strings.Join(evidence, "\n")),
	)
	return detailsBoxStyle.Render(content)
}

// viewRules groups the visible findings by rule, most findings first.
func (m Model) viewRules() string {
	type group struct {
		rule  string
		sev   finding.Severity
		count int
	}
	byRule := make(map[string]*group)
	for _, f := range m.visible {
		g, ok := byRule[f.RuleID]
		if !ok {
			g = &group{rule: f.RuleID, sev: f.Severity}
			byRule[f.RuleID] = g
		}
		if f.Severity.Rank() > g.sev.Rank() {
			g.sev = f.Severity
		}
		g.count++
	}
	groups := make([]*group, 0, len(byRule))
	for _, g := range byRule {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].rule < groups[j].rule
	})

	var s strings.Builder
	s.WriteString(subtle.Render(fmt.Sprintf("  %-7s | %-36s | %s", "SEV", "RULE", "FINDINGS")) + "\n")
	for _, g := range groups {
		s.WriteString(fmt.Sprintf("  %s | %-36s | %d\n", severityIcon(g.sev).Render(), g.rule, g.count))
	}
	return s.String()
}

func (m Model) window(total int) (int, int) {
	size := m.height - 8
	if size < 5 {
		size = 5
	}
	start := m.cursor - size/2
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > total {
		end = total
		start = end - size
		if start < 0 {
			start = 0
		}
	}
	return start, end
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
