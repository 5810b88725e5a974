package history

import (
	"fmt"
	"time"
)

// Trend compares the latest snapshot with the ones before it.
type Trend struct {
	Current Snapshot
	Runs    int
	// Delta is the score change since the previous snapshot.
	Delta float64
	// Velocity is the score change per day across the whole window.
	Velocity float64
	// NewBlocks is the increase in block findings since the previous
	// snapshot, never negative.
	NewBlocks int
	// PolicyChanged is set when the charter differs from the previous
	// snapshot's.
	PolicyChanged bool
	Alerts        []string
}

// Analyze derives the trend of a window ordered oldest first. drop is the
// score fall between consecutive audits that raises an alert.
func Analyze(history []Snapshot, drop float64) Trend {
	if len(history) == 0 {
		return Trend{}
	}
	current := history[len(history)-1]
	t := Trend{Current: current, Runs: len(history)}
	if len(history) < 2 {
		return t
	}

	prev := history[len(history)-2]
	t.Delta = current.Score - prev.Score
	if n := current.Block - prev.Block; n > 0 {
		t.NewBlocks = n
	}
	t.PolicyChanged = prev.PolicyFingerprint != "" && current.PolicyFingerprint != prev.PolicyFingerprint

	first := history[0]
	if days := current.Timestamp.Sub(first.Timestamp).Hours() / 24; days > 0 {
		t.Velocity = (current.Score - first.Score) / days
	}

	if drop > 0 && -t.Delta >= drop {
		t.Alerts = append(t.Alerts, fmt.Sprintf("[WARNING] SCORE DROP: %.1f points since the audit of %s", -t.Delta, prev.Timestamp.Format(time.RFC3339)))
	}
	if t.NewBlocks > 0 {
		t.Alerts = append(t.Alerts, fmt.Sprintf("[CRITICAL] NEW VIOLATIONS: %d more blocking findings than the previous audit", t.NewBlocks))
	}
	if prev.Pass && !current.Pass {
		t.Alerts = append(t.Alerts, "[CRITICAL] REGRESSION: the previous audit passed, this one fails")
	}
	return t
}
