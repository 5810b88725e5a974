package report

import (
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var generatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleFindings() []finding.Finding {
	return []finding.Finding{
		{
			RuleID:   "capability.untagged",
			Severity: finding.Info,
			Subject:  "storage/db.go",
			Message:  "Load is missing capabilities",
			Evidence: map[string]string{"symbol": "storage/db.go::Load"},
		},
		{
			RuleID:   "structure.domain_boundary",
			Severity: finding.Block,
			Subject:  "billing/charge.go",
			Message:  `domain "billing" may not import from domain "storage" (example.com/shop/storage)`,
			Evidence: map[string]string{
				"from_domain": "billing",
				"import":      "example.com/shop/storage",
				"to_domain":   "storage",
			},
		},
		{
			RuleID:   "capability.deprecated",
			Severity: finding.Warn,
			Subject:  "billing/charge.go",
			Message:  `Invoice implements deprecated capability "billing.legacy"`,
			Evidence: map[string]string{
				"capability": "billing.legacy",
				"symbol":     "billing/charge.go::Invoice",
			},
		},
	}
}

func sampleReport() *Report {
	return New(sampleFindings(), Params{
		MinScore:          DefaultMinScore,
		GraphFingerprint:  "0123456789abcdef0123",
		PolicyFingerprint: "fedcba9876543210fedc",
		GeneratedAt:       generatedAt,
	})
}

func TestNewScoresAndSorts(t *testing.T) {
	r := sampleReport()

	assert.Equal(t, 70.0, r.Score)
	assert.False(t, r.Pass)
	assert.Equal(t, Summary{Block: 1, Warn: 1, Info: 1, Total: 3}, r.Summary)
	assert.Equal(t, "structure.domain_boundary", r.Findings[0].RuleID)
	assert.Equal(t, "capability.untagged", r.Findings[2].RuleID)
	assert.Equal(t, ExitBlocked, r.ExitCode())
}

func TestScoreClampsAndWeights(t *testing.T) {
	many := make([]finding.Finding, 10)
	for i := range many {
		many[i] = finding.Finding{RuleID: "x", Severity: finding.Block}
	}
	assert.Equal(t, 0.0, Score(many, DefaultWeights()))

	w := DefaultWeights().Merge(map[string]float64{"info": 1})
	assert.Equal(t, 99.0, Score([]finding.Finding{{Severity: finding.Info}}, w))
	assert.Equal(t, 25.0, DefaultWeights()[finding.Block])
}

func TestExitCodes(t *testing.T) {
	clean := New(nil, Params{MinScore: DefaultMinScore})
	assert.True(t, clean.Pass)
	assert.Equal(t, ExitClean, clean.ExitCode())
	assert.NotNil(t, clean.Findings)

	advisory := New([]finding.Finding{{RuleID: "a", Severity: finding.Warn}}, Params{MinScore: DefaultMinScore})
	assert.True(t, advisory.Pass)
	assert.Equal(t, ExitAdvisory, advisory.ExitCode())

	lowScore := New([]finding.Finding{{RuleID: "a", Severity: finding.Warn}}, Params{MinScore: 99})
	assert.False(t, lowScore.Pass)
	assert.Equal(t, ExitBlocked, lowScore.ExitCode())
}

func TestCanonicalExcludesTimestamp(t *testing.T) {
	a := sampleReport()
	b := New(sampleFindings(), Params{
		MinScore:          DefaultMinScore,
		GraphFingerprint:  a.GraphFingerprint,
		PolicyFingerprint: a.PolicyFingerprint,
		GeneratedAt:       generatedAt.Add(time.Hour),
	})

	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotContains(t, string(a.Canonical()), "generated_at")

	b.Findings[0].Message = "changed"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestRenderGolden(t *testing.T) {
	g := goldie.New(t)
	r := sampleReport()

	for _, format := range Formats {
		data, err := Encode(r, format)
		require.NoError(t, err)
		g.Assert(t, "report."+format, data)
	}

	empty, err := Encode(New(nil, Params{MinScore: DefaultMinScore, GeneratedAt: generatedAt}), FormatMarkdown)
	require.NoError(t, err)
	g.Assert(t, "empty.md", empty)
}

func TestEncodeUnknownFormat(t *testing.T) {
	_, err := Encode(sampleReport(), "pdf")
	assert.Error(t, err)
}
