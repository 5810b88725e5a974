// Package rules evaluates declarative charter rules against a knowledge graph
// and a policy snapshot.
package rules

import (
	"context"
	"fmt"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/graph"
	"github.com/DrSkyle/charterguard/pkg/policy"
)

// ExecutionError is a rule that faulted. The auditor turns it into a block
// finding naming the rule.
type ExecutionError struct {
	RuleID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.RuleID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Engine evaluates rules. It is safe for concurrent use.
type Engine struct {
	cel *celEngine
}

func NewEngine() (*Engine, error) {
	c, err := newCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{cel: c}, nil
}

// Evaluate applies one rule. Findings are sorted; a faulting rule returns an
// *ExecutionError and no findings.
func (e *Engine) Evaluate(ctx context.Context, rule policy.Rule, g *graph.Graph, snap *policy.Snapshot) (findings []finding.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = &ExecutionError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	check, ok := predicates[rule.Predicate.Kind]
	if !ok {
		return nil, &ExecutionError{RuleID: rule.ID, Err: fmt.Errorf("unknown predicate kind %q", rule.Predicate.Kind)}
	}

	violations, err := check(input{
		rule:     rule,
		subjects: selectSubjects(rule.Select, g, snap),
		graph:    g,
		snap:     snap,
		cel:      e.cel,
	})
	if err != nil {
		return nil, &ExecutionError{RuleID: rule.ID, Err: err}
	}

	for _, v := range violations {
		f := finding.Finding{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Subject:  v.subject,
			Message:  v.message,
			Evidence: v.evidence,
		}
		if v.severity != "" {
			f.Severity = v.severity
		}
		if rule.Message != "" {
			f.Message = rule.Message
		}
		findings = append(findings, f)
	}
	finding.Sort(findings)
	return findings, nil
}
