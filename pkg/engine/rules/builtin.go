package rules

import (
	"fmt"
	"sort"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/graph"
	"github.com/DrSkyle/charterguard/pkg/policy"
)

// Rule ids produced outside rule evaluation.
const (
	RuleSourceParse   = "source.parse"
	RulePolicySchema  = "policy.schema"
	RulePolicyOverlap = "policy.rule_override"
)

var testFiles = []string{
	"**/*_test.go",
	"**/test_*.py",
	"**/*_test.py",
	"**/conftest.py",
	"**/*.test.*",
	"**/*.spec.*",
}

func yes() *bool { t := true; return &t }
func no() *bool  { f := false; return &f }

// Builtin returns the charter rules every audit runs. They are plain data; a
// charter document may replace one by declaring a rule with the same id.
func Builtin() []policy.Rule {
	return []policy.Rule{
		{
			ID:          "charter.integrity",
			Description: "Charter documents match the hashes recorded by the last ratification.",
			Severity:    finding.Block,
			Select:      policy.Selector{Subject: policy.SubjectDocuments, Area: policy.AreaCharter},
			Predicate:   policy.Predicate{Kind: policy.PredicateResolvable, Target: policy.TargetLedger},
		},
		{
			ID:          "structure.domain_boundary",
			Description: "Imports across domains are listed in the importing domain's allowed_imports.",
			Severity:    finding.Block,
			Select:      policy.Selector{Subject: policy.SubjectImports, CrossDomain: yes()},
			Predicate:   policy.Predicate{Kind: policy.PredicateDomainBoundary},
		},
		{
			ID:          "capability.dangling",
			Description: "Every capability tag names a capability declared in the manifest.",
			Severity:    finding.Block,
			Select:      policy.Selector{Subject: policy.SubjectSymbols, Tagged: yes()},
			Predicate:   policy.Predicate{Kind: policy.PredicateResolvable, Target: policy.TargetCapability},
		},
		{
			ID:          "capability.deprecated",
			Description: "Symbols do not implement deprecated or retired capabilities.",
			Severity:    finding.Warn,
			Select:      policy.Selector{Subject: policy.SubjectSymbols, Tagged: yes()},
			Predicate:   policy.Predicate{Kind: policy.PredicateLifecycle},
		},
		{
			ID:          "capability.unimplemented",
			Description: "Every active capability has at least one implementing symbol.",
			Severity:    finding.Warn,
			Select:      policy.Selector{Subject: policy.SubjectCapabilities, Status: graph.StatusActive},
			Predicate:   policy.Predicate{Kind: policy.PredicateResolvable, Target: policy.TargetImplementation},
		},
		{
			ID:          "capability.untagged",
			Description: "Exported symbols declare the capability they implement.",
			Severity:    finding.Info,
			Select: policy.Selector{
				Subject:     policy.SubjectSymbols,
				Exported:    yes(),
				EntryPoint:  no(),
				SymbolKinds: []string{"function", "class", "type"},
				Exclude:     testFiles,
			},
			Predicate: policy.Predicate{Kind: policy.PredicateMetadataPresent, Fields: []string{"capabilities"}},
		},
		{
			ID:          "structure.import_cycle",
			Description: "The domain import graph is acyclic.",
			Severity:    finding.Warn,
			Predicate:   policy.Predicate{Kind: policy.PredicateAcyclic},
		},
		{
			ID:          "structure.orphan_unit",
			Description: "Every unit is reachable from an entry point.",
			Severity:    finding.Info,
			Select:      policy.Selector{Subject: policy.SubjectUnits, Exclude: testFiles},
			Predicate:   policy.Predicate{Kind: policy.PredicateReachable},
		},
	}
}

// Compose merges the built-in rules with the snapshot's declared rules,
// sorted by id. Charter rules may replace a built-in; a working-area rule
// that reuses a built-in id is dropped and reported.
func Compose(snap *policy.Snapshot) ([]policy.Rule, []finding.Finding) {
	byID := make(map[string]policy.Rule)
	for _, r := range Builtin() {
		byID[r.ID] = r
	}

	var findings []finding.Finding
	for _, r := range snap.Rules {
		if existing, ok := byID[r.ID]; ok && existing.Source == "" && r.Area != policy.AreaCharter {
			findings = append(findings, finding.Finding{
				RuleID:   RulePolicyOverlap,
				Severity: finding.Block,
				Subject:  snap.SubjectPath(r.Source),
				Message:  fmt.Sprintf("rule %q overrides a built-in rule from outside the charter area", r.ID),
				Evidence: map[string]string{"rule": r.ID},
			})
			continue
		}
		byID[r.ID] = r
	}

	out := make([]policy.Rule, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	finding.Sort(findings)
	return out, findings
}
