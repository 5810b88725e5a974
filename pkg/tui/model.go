// Package tui is the interactive browser for audit findings.
package tui

import (
	"fmt"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

type ViewState int

const (
	ViewStateList ViewState = iota
	ViewStateDetail
	ViewStateRules
)

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Back   key.Binding
	Filter key.Binding
	Rules  key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Open, k.Filter, k.Rules, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp(), {k.Back}}
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Open:   key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "details")),
	Back:   key.NewBinding(key.WithKeys("esc", "backspace"), key.WithHelp("esc", "back")),
	Filter: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "severity filter")),
	Rules:  key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "by rule")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model browses the findings of one report.
type Model struct {
	Report *report.Report

	help   help.Model
	state  ViewState
	width  int
	height int

	// filter is "" for every severity.
	filter  finding.Severity
	visible []finding.Finding
	cursor  int
}

func NewModel(rep *report.Report) Model {
	m := Model{
		Report: rep,
		help:   help.New(),
		state:  ViewStateList,
		height: 24,
	}
	m.refresh()
	return m
}

// refresh recomputes the visible findings after a filter change.
func (m *Model) refresh() {
	var visible []finding.Finding
	for _, f := range m.Report.Findings {
		if m.filter == "" || f.Severity == m.filter {
			visible = append(visible, f)
		}
	}
	m.visible = visible
	if m.cursor >= len(m.visible) {
		m.cursor = len(m.visible) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// nextFilter cycles all → block → warn → info → all.
func nextFilter(f finding.Severity) finding.Severity {
	switch f {
	case "":
		return finding.Block
	case finding.Block:
		return finding.Warn
	case finding.Warn:
		return finding.Info
	}
	return ""
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.visible)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Open):
			if m.state == ViewStateList && len(m.visible) > 0 {
				m.state = ViewStateDetail
			} else if m.state == ViewStateDetail {
				m.state = ViewStateList
			}
		case key.Matches(msg, keys.Back):
			m.state = ViewStateList
		case key.Matches(msg, keys.Filter):
			m.filter = nextFilter(m.filter)
			m.refresh()
		case key.Matches(msg, keys.Rules):
			if m.state == ViewStateRules {
				m.state = ViewStateList
			} else {
				m.state = ViewStateRules
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	var body string
	switch m.state {
	case ViewStateDetail:
		body = m.viewDetails()
	case ViewStateRules:
		body = m.viewRules()
	default:
		body = m.viewList()
	}
	return strings.Join([]string{m.viewHUD(), body, "", m.help.View(keys)}, "\n")
}

// Summary renders the one-screen result printed after a non-interactive
// audit.
func Summary(rep *report.Report) string {
	verdict := special.Render("PASS")
	if !rep.Pass {
		verdict = danger.Render("FAIL")
	}
	lines := []string{
		highlight.Render("CHARTERGUARD AUDIT") + "  " + verdict,
		fmt.Sprintf("%s %.1f (minimum %.1f)", hudLabelStyle.Render("SCORE:"), rep.Score, rep.MinScore),
		fmt.Sprintf("%s %s  %s  %s",
			hudLabelStyle.Render("FINDINGS:"),
			danger.Render(fmt.Sprintf("%d block", rep.Summary.Block)),
			warning.Render(fmt.Sprintf("%d warn", rep.Summary.Warn)),
			subtle.Render(fmt.Sprintf("%d info", rep.Summary.Info)),
		),
	}
	return hudStyle.Render(strings.Join(lines, "\n"))
}
