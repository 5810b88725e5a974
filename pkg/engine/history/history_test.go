package history

import (
	"context"
	"testing"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/DrSkyle/charterguard/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snap(offset time.Duration, score float64, block int, policy string) Snapshot {
	return Snapshot{
		Timestamp:         base.Add(offset),
		Score:             score,
		Pass:              block == 0 && score >= 80,
		Block:             block,
		PolicyFingerprint: policy,
		ReportFingerprint: "fp" + offset.String(),
	}
}

func TestAppendAndLoadWindow(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewLocalStore(t.TempDir())
	c := NewClient(blobs, "", nil)

	// Recorded out of order; the window is time ordered.
	for _, s := range []Snapshot{snap(2*time.Hour, 90, 0, "p1"), snap(0, 100, 0, "p1"), snap(time.Hour, 95, 0, "p1")} {
		require.NoError(t, c.Append(ctx, s))
	}

	all, err := c.LoadWindow(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []float64{100, 95, 90}, []float64{all[0].Score, all[1].Score, all[2].Score})

	last, err := c.LoadWindow(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, 95.0, last[0].Score)

	keys, err := blobs.List(ctx, DefaultPrefix+"/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestAppendIsIdempotentPerReport(t *testing.T) {
	ctx := context.Background()
	c := NewClient(storage.NewLocalStore(t.TempDir()), "audits", nil)
	s := snap(0, 100, 0, "p1")
	require.NoError(t, c.Append(ctx, s))
	require.NoError(t, c.Append(ctx, s))

	all, err := c.LoadWindow(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAppendRequiresFingerprint(t *testing.T) {
	c := NewClient(storage.NewLocalStore(t.TempDir()), "", nil)
	require.Error(t, c.Append(context.Background(), Snapshot{Timestamp: base}))
}

func TestLoadWindowSkipsCorruptSnapshots(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewLocalStore(t.TempDir())
	c := NewClient(blobs, "", nil)
	require.NoError(t, c.Append(ctx, snap(0, 100, 0, "p1")))
	require.NoError(t, blobs.Put(ctx, "history/20260301T130000.000000000Z-broken.json", []byte("{")))

	all, err := c.LoadWindow(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFromReport(t *testing.T) {
	rep := report.New([]finding.Finding{
		{RuleID: "structure.domain_boundary", Severity: finding.Block, Subject: "cmd/shop/main.go"},
		{RuleID: "capability.deprecated", Severity: finding.Warn, Subject: "billing/legacy.go"},
	}, report.Params{MinScore: 80, PolicyFingerprint: "pol", GeneratedAt: base})

	s := FromReport(rep)
	assert.Equal(t, base, s.Timestamp)
	assert.Equal(t, rep.Score, s.Score)
	assert.False(t, s.Pass)
	assert.Equal(t, 1, s.Block)
	assert.Equal(t, 1, s.Warn)
	assert.Equal(t, "pol", s.PolicyFingerprint)
	assert.Equal(t, rep.Fingerprint(), s.ReportFingerprint)
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name    string
		history []Snapshot
		check   func(t *testing.T, tr Trend)
	}{
		{
			name: "empty",
			check: func(t *testing.T, tr Trend) {
				assert.Zero(t, tr.Runs)
				assert.Empty(t, tr.Alerts)
			},
		},
		{
			name:    "single run",
			history: []Snapshot{snap(0, 90, 0, "p1")},
			check: func(t *testing.T, tr Trend) {
				assert.Equal(t, 1, tr.Runs)
				assert.Zero(t, tr.Delta)
				assert.Empty(t, tr.Alerts)
			},
		},
		{
			name:    "steady improvement",
			history: []Snapshot{snap(0, 80, 0, "p1"), snap(24*time.Hour, 90, 0, "p1"), snap(48*time.Hour, 100, 0, "p1")},
			check: func(t *testing.T, tr Trend) {
				assert.Equal(t, 10.0, tr.Delta)
				assert.InDelta(t, 10.0, tr.Velocity, 1e-9)
				assert.False(t, tr.PolicyChanged)
				assert.Empty(t, tr.Alerts)
			},
		},
		{
			name:    "regression",
			history: []Snapshot{snap(0, 100, 0, "p1"), snap(time.Hour, 70, 1, "p2")},
			check: func(t *testing.T, tr Trend) {
				assert.Equal(t, -30.0, tr.Delta)
				assert.Equal(t, 1, tr.NewBlocks)
				assert.True(t, tr.PolicyChanged)
				require.Len(t, tr.Alerts, 3)
				assert.Contains(t, tr.Alerts[0], "SCORE DROP: 30.0 points")
				assert.Contains(t, tr.Alerts[1], "NEW VIOLATIONS: 1")
				assert.Contains(t, tr.Alerts[2], "REGRESSION")
			},
		},
		{
			name:    "small drop is quiet",
			history: []Snapshot{snap(0, 100, 0, "p1"), snap(time.Hour, 98, 0, "p1")},
			check: func(t *testing.T, tr Trend) {
				assert.Equal(t, -2.0, tr.Delta)
				assert.Empty(t, tr.Alerts)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Analyze(tt.history, 5))
		})
	}
}
