package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	tea "github.com/charmbracelet/bubbletea"
)

func sampleReport() *report.Report {
	return report.New([]finding.Finding{
		{
			RuleID:   "structure.domain_boundary",
			Severity: finding.Block,
			Subject:  "billing/charge.go",
			Message:  "domain billing imports storage, which is not in its allowed_imports",
			Evidence: map[string]string{"from_domain": "billing", "to_domain": "storage"},
		},
		{
			RuleID:   "capability.deprecated",
			Severity: finding.Warn,
			Subject:  "billing/invoice.go",
			Message:  "symbol Invoice implements deprecated capability billing.legacy",
		},
		{
			RuleID:   "structure.orphan_unit",
			Severity: finding.Info,
			Subject:  "orphan/dead.go",
			Message:  "unit is not reachable from any entry point",
		},
	}, report.Params{GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func press(m Model, keys ...string) Model {
	for _, k := range keys {
		var msg tea.KeyMsg
		switch k {
		case "enter":
			msg = tea.KeyMsg{Type: tea.KeyEnter}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		case "down":
			msg = tea.KeyMsg{Type: tea.KeyDown}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
		}
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestTUI_Rendering(t *testing.T) {
	tests := []struct {
		name     string
		keys     []string
		want     []string
		dontWant []string
	}{
		{
			name: "List shows every finding",
			want: []string{"FAIL", "structure.domain_boundary", "capability.deprecated", "orphan/dead.go"},
		},
		{
			name: "Details of the first finding",
			keys: []string{"enter"},
			want: []string{"EVIDENCE:", "to_domain", "storage", "allowed_imports"},
		},
		{
			name: "Details follow the cursor",
			keys: []string{"down", "enter"},
			want: []string{"billing.legacy", "(none)"},
		},
		{
			name:     "Filter narrows to block findings",
			keys:     []string{"f"},
			want:     []string{"FILTER:block", "billing/charge.go"},
			dontWant: []string{"orphan/dead.go"},
		},
		{
			name:     "Filter cycles to warn",
			keys:     []string{"f", "f"},
			want:     []string{"billing/invoice.go"},
			dontWant: []string{"billing/charge.go"},
		},
		{
			name: "Rule summary",
			keys: []string{"r"},
			want: []string{"FINDINGS", "structure.orphan_unit"},
		},
		{
			name: "Escape returns to the list",
			keys: []string{"enter", "esc"},
			want: []string{"SUBJECT"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			view := press(NewModel(sampleReport()), tc.keys...).View()
			for _, w := range tc.want {
				if !strings.Contains(view, w) {
					t.Errorf("expected view to contain %q.\nGot:\n%s", w, view)
				}
			}
			for _, dw := range tc.dontWant {
				if strings.Contains(view, dw) {
					t.Errorf("expected view NOT to contain %q.\nGot:\n%s", dw, view)
				}
			}
		})
	}
}

func TestTUI_EmptyReport(t *testing.T) {
	m := NewModel(report.New(nil, report.Params{}))
	view := press(m, "enter", "down").View()
	if !strings.Contains(view, "No findings") {
		t.Errorf("expected the clean message, got:\n%s", view)
	}
	if !strings.Contains(view, "PASS") {
		t.Errorf("expected PASS in the HUD, got:\n%s", view)
	}
}

func TestTUI_FilterWithNoMatches(t *testing.T) {
	rep := report.New([]finding.Finding{
		{RuleID: "x.rule", Severity: finding.Warn, Subject: "a.go", Message: "m"},
	}, report.Params{})
	view := press(NewModel(rep), "f").View()
	if !strings.Contains(view, "No findings match the filter.") {
		t.Errorf("expected the empty filter message, got:\n%s", view)
	}
}

func TestSummary(t *testing.T) {
	out := Summary(sampleReport())
	for _, w := range []string{"FAIL", "1 block", "1 warn", "1 info"} {
		if !strings.Contains(out, w) {
			t.Errorf("summary missing %q:\n%s", w, out)
		}
	}
}
