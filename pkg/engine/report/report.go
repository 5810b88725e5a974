// Package report aggregates findings into a scored audit report and renders
// it for humans and machines.
package report

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"lukechampine.com/blake3"
)

// Exit codes of a one-shot audit.
const (
	ExitClean    = 0
	ExitBlocked  = 1
	ExitInternal = 2
	ExitAdvisory = 3
)

// DefaultMinScore is used when neither the configuration nor the charter sets
// a minimum.
const DefaultMinScore = 80.0

// Weights is the score deduction per finding of each severity.
type Weights map[finding.Severity]float64

func DefaultWeights() Weights {
	return Weights{
		finding.Block: 25,
		finding.Warn:  5,
		finding.Info:  0,
	}
}

// Merge returns w with the non-nil entries of overrides applied. Keys are
// severity names.
func (w Weights) Merge(overrides map[string]float64) Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	for k, v := range overrides {
		out[finding.Severity(k)] = v
	}
	return out
}

// Score is 100 minus the weighted findings, clamped to [0,100].
func Score(findings []finding.Finding, w Weights) float64 {
	score := 100.0
	for _, f := range findings {
		score -= w[f.Severity]
	}
	return min(max(score, 0), 100)
}

type Summary struct {
	Block int `json:"block"`
	Warn  int `json:"warn"`
	Info  int `json:"info"`
	Total int `json:"total"`
}

// Report is the outcome of one audit. It is never mutated after New.
type Report struct {
	Score             float64           `json:"score"`
	Pass              bool              `json:"pass"`
	MinScore          float64           `json:"min_score"`
	Summary           Summary           `json:"summary"`
	Findings          []finding.Finding `json:"findings"`
	GraphFingerprint  string            `json:"graph_fingerprint,omitempty"`
	PolicyFingerprint string            `json:"policy_fingerprint,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// Params carries everything New needs besides the findings.
type Params struct {
	Weights           Weights
	MinScore          float64
	GraphFingerprint  string
	PolicyFingerprint string
	GeneratedAt       time.Time
}

// New sorts the findings and scores them. The findings slice is copied.
func New(findings []finding.Finding, p Params) *Report {
	sorted := append([]finding.Finding{}, findings...)
	finding.Sort(sorted)

	w := p.Weights
	if w == nil {
		w = DefaultWeights()
	}
	counts := finding.Count(sorted)
	r := &Report{
		Score:    Score(sorted, w),
		MinScore: p.MinScore,
		Summary: Summary{
			Block: counts[finding.Block],
			Warn:  counts[finding.Warn],
			Info:  counts[finding.Info],
			Total: len(sorted),
		},
		Findings:          sorted,
		GraphFingerprint:  p.GraphFingerprint,
		PolicyFingerprint: p.PolicyFingerprint,
		GeneratedAt:       p.GeneratedAt.UTC(),
	}
	r.Pass = r.Summary.Block == 0 && r.Score >= r.MinScore
	return r
}

// ExitCode maps the report onto the CLI contract.
func (r *Report) ExitCode() int {
	switch {
	case !r.Pass:
		return ExitBlocked
	case r.Summary.Total > 0:
		return ExitAdvisory
	}
	return ExitClean
}

// Canonical is the JSON encoding without generated_at. Two audits of the same
// inputs have byte-identical canonical encodings.
func (r *Report) Canonical() []byte {
	type canonical struct {
		Report
		GeneratedAt *struct{} `json:"generated_at,omitempty"`
	}
	data, _ := json.Marshal(canonical{Report: *r})
	return data
}

// Fingerprint is the hex BLAKE3 of Canonical.
func (r *Report) Fingerprint() string {
	sum := blake3.Sum256(r.Canonical())
	return hex.EncodeToString(sum[:])
}
