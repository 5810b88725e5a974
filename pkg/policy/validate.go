package policy

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/graph"
)

// SchemaError reports a policy document that failed to decode or validate.
// The rest of the policy set still loads.
type SchemaError struct {
	Path     string
	Schema   string
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// validateBody runs the semantic checks of one decoded document.
func validateBody(doc *Document) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if charterOnly[doc.Schema] && doc.Area != AreaCharter {
		add("%s documents must live in the charter area", doc.Schema)
	}

	switch b := doc.Body.(type) {
	case *Structure:
		seen := make(map[string]bool)
		for i, d := range b.Domains {
			if d.Name == "" {
				add("domains[%d]: name is required", i)
				continue
			}
			if seen[d.Name] {
				add("domains[%d]: duplicate domain %q", i, d.Name)
			}
			seen[d.Name] = true
			if len(d.Paths) == 0 {
				add("domain %q: paths are required", d.Name)
			}
			for _, p := range d.Paths {
				if err := graph.ValidateGlob(p); err != nil {
					add("domain %q: %v", d.Name, err)
				}
			}
		}
		for _, r := range b.SourceRoots {
			if r == "" || r == "." || path.IsAbs(r) || path.Clean(r) != r || r == ".." || strings.HasPrefix(r, "../") {
				add("source_roots: %q is not a clean relative directory", r)
			}
		}
		for _, d := range b.Domains {
			for _, a := range d.AllowedImports {
				if a != "*" && !seen[a] {
					add("domain %q: allowed_imports names unknown domain %q", d.Name, a)
				}
			}
		}
	case *Safety:
		if s := b.Scoring; s != nil {
			if s.MinScore != nil && (*s.MinScore < 0 || *s.MinScore > 100) {
				add("scoring.min_score must be within [0,100]")
			}
			for k, w := range s.Weights {
				if !finding.Severity(k).Valid() {
					add("scoring.weights: unknown severity %q", k)
				}
				if w < 0 {
					add("scoring.weights.%s must not be negative", k)
				}
			}
		}
	case *Manifest:
		seen := make(map[string]bool)
		for i, c := range b.Capabilities {
			if c.Key == "" {
				add("capabilities[%d]: key is required", i)
				continue
			}
			if seen[c.Key] {
				add("capabilities[%d]: duplicate key %q", i, c.Key)
			}
			seen[c.Key] = true
			if c.Status != "" && !slices.Contains([]string{graph.StatusActive, graph.StatusDeprecated, graph.StatusRetired}, c.Status) {
				add("capability %q: unknown status %q", c.Key, c.Status)
			}
		}
	case *EntryPoints:
		seen := make(map[string]bool)
		for _, p := range b.Patterns {
			if err := graph.ValidateEntryPattern(p); err != nil {
				add("%v", err)
				continue
			}
			if seen[p.ID] {
				add("duplicate entry pattern %q", p.ID)
			}
			seen[p.ID] = true
		}
	case *QuorumPolicy:
		if len(b.Thresholds) == 0 {
			add("thresholds are required")
		}
		for tier, n := range b.Thresholds {
			if TierRank(tier) == 0 {
				add("thresholds: unknown tier %q", tier)
			}
			if n < 1 {
				add("thresholds.%s must be at least 1", tier)
			}
		}
		for _, g := range append(append([]string(nil), b.CriticalPaths...), b.ElevatedPaths...) {
			if err := graph.ValidateGlob(g); err != nil {
				add("%v", err)
			}
		}
		if b.SignatureTTL.Duration < 0 {
			add("signature_ttl must not be negative")
		}
	case *Approvers:
		seen := make(map[string]bool)
		for i, a := range b.Approvers {
			if a.ID == "" {
				add("approvers[%d]: id is required", i)
				continue
			}
			if seen[a.ID] {
				add("approvers[%d]: duplicate approver %q", i, a.ID)
			}
			seen[a.ID] = true
			if _, err := a.Key(); err != nil {
				add("%v", err)
			}
			if a.RevokedAt != "" {
				if _, err := time.Parse(time.RFC3339, a.RevokedAt); err != nil {
					add("approver %s: revoked_at: %v", a.ID, err)
				}
			}
		}
	}

	for _, r := range rulesOf(doc.Body) {
		problems = append(problems, r.Validate()...)
	}
	return problems
}
