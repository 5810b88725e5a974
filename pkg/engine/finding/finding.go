// Package finding defines the unit of audit output shared by the rule engine,
// the auditor and the report renderers.
package finding

import (
	"fmt"
	"sort"
	"strings"
)

// Severity grades a finding.
type Severity string

const (
	Info  Severity = "info"
	Warn  Severity = "warn"
	Block Severity = "block"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{Block, Warn, Info}

// ParseSeverity accepts the canonical names case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case Info, Warn, Block:
		return true
	}
	return false
}

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case Block:
		return 3
	case Warn:
		return 2
	case Info:
		return 1
	}
	return 0
}

// Finding is one rule violation.
type Finding struct {
	RuleID   string            `json:"rule_id"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject_path"`
	Message  string            `json:"message"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", f.Severity, f.RuleID, f.Subject, f.Message)
}

// Less is the canonical report order: severity descending, then subject
// path, rule id and message.
func Less(a, b Finding) bool {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra > rb
	}
	if a.Subject != b.Subject {
		return a.Subject < b.Subject
	}
	if a.RuleID != b.RuleID {
		return a.RuleID < b.RuleID
	}
	if a.Message != b.Message {
		return a.Message < b.Message
	}
	return evidenceKey(a.Evidence) < evidenceKey(b.Evidence)
}

// Sort orders findings in place.
func Sort(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return Less(findings[i], findings[j])
	})
}

// Count tallies findings per severity.
func Count(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}

func evidenceKey(ev map[string]string) string {
	if len(ev) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ev))
	for k := range ev {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ev[k])
		b.WriteByte(0)
	}
	return b.String()
}
