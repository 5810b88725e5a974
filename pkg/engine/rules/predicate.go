package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/graph"
	"github.com/DrSkyle/charterguard/pkg/policy"
)

// violation is what a predicate reports before it becomes a Finding.
type violation struct {
	subject  string
	message  string
	evidence map[string]string
	// severity overrides the rule severity when set.
	severity finding.Severity
}

// input bundles everything a predicate may read. Predicates never touch
// anything else.
type input struct {
	rule     policy.Rule
	subjects []subject
	graph    *graph.Graph
	snap     *policy.Snapshot
	cel      *celEngine
}

type predicateFunc func(in input) ([]violation, error)

var predicates = map[string]predicateFunc{
	policy.PredicatePathPattern:     pathPattern,
	policy.PredicateSingleInstance:  singleInstance,
	policy.PredicateResolvable:      resolvable,
	policy.PredicateTextPattern:     textPattern,
	policy.PredicateMetadataPresent: metadataPresent,
	policy.PredicateDomainBoundary:  domainBoundary,
	policy.PredicateAcyclic:         acyclic,
	policy.PredicateReachable:       reachable,
	policy.PredicateLifecycle:       lifecycle,
	policy.PredicateExpr:            expr,
}

func pathPattern(in input) ([]violation, error) {
	p := in.rule.Predicate
	field := p.Field
	if field == "" {
		field = "path"
	}
	var out []violation
	for _, s := range in.subjects {
		value := s.str(field)
		if len(p.Allow) > 0 && !graph.MatchAny(p.Allow, value) {
			out = append(out, violation{
				subject:  s.path,
				message:  fmt.Sprintf("%s %q is outside the allowed patterns", field, value),
				evidence: map[string]string{"allow": strings.Join(p.Allow, ",")},
			})
			continue
		}
		for _, deny := range p.Deny {
			if graph.MatchAny([]string{deny}, value) {
				out = append(out, violation{
					subject:  s.path,
					message:  fmt.Sprintf("%s %q matches denied pattern %s", field, value, deny),
					evidence: map[string]string{"deny": deny},
				})
				break
			}
		}
	}
	return out, nil
}

func singleInstance(in input) ([]violation, error) {
	p := in.rule.Predicate
	n := len(in.subjects)
	subjectPath := "."
	if len(in.rule.Select.Paths) > 0 {
		subjectPath = in.rule.Select.Paths[0]
	}

	var paths []string
	for _, s := range in.subjects {
		paths = append(paths, s.path)
	}
	evidence := map[string]string{"count": strconv.Itoa(n)}
	if len(paths) > 0 {
		evidence["subjects"] = strings.Join(paths, ",")
	}

	switch {
	case p.Min != nil && n < *p.Min:
		return []violation{{
			subject:  subjectPath,
			message:  fmt.Sprintf("expected at least %d %s, found %d", *p.Min, in.rule.Select.Subject, n),
			evidence: evidence,
		}}, nil
	case p.Max != nil && n > *p.Max:
		return []violation{{
			subject:  paths[max(*p.Max, 0)],
			message:  fmt.Sprintf("expected at most %d %s, found %d", *p.Max, in.rule.Select.Subject, n),
			evidence: evidence,
		}}, nil
	}
	return nil, nil
}

func resolvable(in input) ([]violation, error) {
	switch in.rule.Predicate.Target {
	case policy.TargetCapability:
		return resolveCapabilities(in), nil
	case policy.TargetDomain:
		return resolveDomains(in), nil
	case policy.TargetLedger:
		return resolveLedger(in), nil
	case policy.TargetImplementation:
		var out []violation
		for _, s := range in.subjects {
			if s.cap == nil {
				continue
			}
			if len(in.graph.Implementers(s.cap.Key)) == 0 {
				out = append(out, violation{
					subject: s.path,
					message: fmt.Sprintf("capability %q has no implementing symbol", s.cap.Key),
				})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown resolvable target %q", in.rule.Predicate.Target)
}

func resolveCapabilities(in input) []violation {
	var out []violation
	for _, s := range in.subjects {
		if s.symbol == nil {
			continue
		}
		for _, key := range s.symbol.Capabilities {
			if _, ok := in.graph.Capability(key); ok {
				continue
			}
			out = append(out, violation{
				subject: s.path,
				message: fmt.Sprintf("%s references capability %q, which the manifest does not declare", s.symbol.Name, key),
				evidence: map[string]string{
					"symbol":     s.symbol.QualifiedName,
					"capability": key,
				},
			})
		}
	}
	return out
}

func resolveDomains(in input) []violation {
	if len(in.graph.Domains()) == 0 {
		return nil
	}
	var out []violation
	for _, s := range in.subjects {
		switch {
		case s.unit != nil && s.unit.Domain == "":
			out = append(out, violation{
				subject: s.path,
				message: "unit is outside every declared domain",
			})
		case s.imp != nil && !s.imp.External && s.imp.Domain == "":
			out = append(out, violation{
				subject:  s.path,
				message:  fmt.Sprintf("import %q resolves outside every declared domain", s.imp.Spec),
				evidence: map[string]string{"target": s.imp.Target},
			})
		}
	}
	return out
}

// resolveLedger checks selected documents against the charter ledger. An
// unsealed charter is reported once and capped at warn.
func resolveLedger(in input) []violation {
	selected := make(map[string]bool, len(in.subjects))
	for _, s := range in.subjects {
		if s.doc != nil {
			selected[s.doc.Path] = true
		}
	}

	mismatches := in.snap.VerifyLedger()
	if len(mismatches) == 1 && mismatches[0].Kind == policy.LedgerUnsealed {
		if len(selected) == 0 {
			return nil
		}
		sev := in.rule.Severity
		if sev.Rank() > finding.Warn.Rank() {
			sev = finding.Warn
		}
		return []violation{{
			subject:  in.snap.SubjectPath(policy.LedgerFile),
			message:  mismatches[0].String(),
			severity: sev,
		}}
	}

	var out []violation
	for _, m := range mismatches {
		switch m.Kind {
		case policy.LedgerMissing:
			if !graph.MatchAny(docGlobs(in.rule.Select), m.Path) {
				continue
			}
		default:
			if !selected[m.Path] {
				continue
			}
		}
		ev := map[string]string{"kind": m.Kind}
		if m.Expected != "" {
			ev["expected_hash"] = m.Expected
		}
		if m.Actual != "" {
			ev["actual_hash"] = m.Actual
		}
		out = append(out, violation{
			subject:  in.snap.SubjectPath(m.Path),
			message:  m.String(),
			evidence: ev,
		})
	}
	return out
}

// docGlobs reconstructs the document globs of a selector so ledger entries
// without a file can be matched against it.
func docGlobs(sel policy.Selector) []string {
	if len(sel.Paths) > 0 {
		return sel.Paths
	}
	if sel.Area != "" {
		return []string{sel.Area + "/**"}
	}
	return []string{"**"}
}

func textPattern(in input) ([]violation, error) {
	p := in.rule.Predicate
	var must *regexp.Regexp
	if p.MustMatch != "" {
		re, err := regexp.Compile(p.MustMatch)
		if err != nil {
			return nil, err
		}
		must = re
	}
	deny := make([]*regexp.Regexp, 0, len(p.Deny))
	for _, d := range p.Deny {
		re, err := regexp.Compile(d)
		if err != nil {
			return nil, err
		}
		deny = append(deny, re)
	}

	var out []violation
	for _, s := range in.subjects {
		for _, value := range values(s.attrs[p.Field]) {
			if must != nil && !must.MatchString(value) {
				out = append(out, violation{
					subject:  s.path,
					message:  fmt.Sprintf("%s %q does not match %s", p.Field, value, must),
					evidence: subjectEvidence(s),
				})
				continue
			}
			for _, re := range deny {
				if re.MatchString(value) {
					out = append(out, violation{
						subject:  s.path,
						message:  fmt.Sprintf("%s %q matches denied pattern %s", p.Field, value, re),
						evidence: subjectEvidence(s),
					})
					break
				}
			}
		}
	}
	return out, nil
}

func metadataPresent(in input) ([]violation, error) {
	var out []violation
	for _, s := range in.subjects {
		var missing []string
		for _, f := range in.rule.Predicate.Fields {
			if !present(s.attrs[f]) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			out = append(out, violation{
				subject:  s.path,
				message:  fmt.Sprintf("%s is missing %s", describe(s), strings.Join(missing, ", ")),
				evidence: subjectEvidence(s),
			})
		}
	}
	return out, nil
}

func domainBoundary(in input) ([]violation, error) {
	var out []violation
	for _, s := range in.subjects {
		if s.imp == nil || !crossDomain(s.from, s.imp) {
			continue
		}
		d, ok := in.graph.Domain(s.from.Domain)
		if !ok || d.Allows(s.imp.Domain) {
			continue
		}
		out = append(out, violation{
			subject: s.path,
			message: fmt.Sprintf("domain %q may not import from domain %q (%s)", s.from.Domain, s.imp.Domain, s.imp.Spec),
			evidence: map[string]string{
				"import":      s.imp.Spec,
				"from_domain": s.from.Domain,
				"to_domain":   s.imp.Domain,
			},
		})
	}
	return out, nil
}

func acyclic(in input) ([]violation, error) {
	var out []violation
	for _, cycle := range in.graph.DomainCycles() {
		subjectPath := cycle[0]
		if d, ok := in.graph.Domain(cycle[0]); ok && len(d.Paths) > 0 {
			subjectPath = d.Paths[0]
		}
		out = append(out, violation{
			subject:  subjectPath,
			message:  "domain import cycle " + graph.FormatCycle(cycle),
			evidence: map[string]string{"domains": strings.Join(cycle, ",")},
		})
	}
	return out, nil
}

// reachable is vacuous when the graph has no entry points: without a root
// every unit would be reported.
func reachable(in input) ([]violation, error) {
	if !in.graph.HasEntryPoints() {
		return nil, nil
	}
	var out []violation
	for _, s := range in.subjects {
		if s.unit == nil || s.unit.ParseFailed || s.unit.EntryPoint {
			continue
		}
		if !in.graph.Reachable(s.unit.Path) {
			out = append(out, violation{
				subject: s.path,
				message: "unit is not reachable from any entry point",
			})
		}
	}
	return out, nil
}

func lifecycle(in input) ([]violation, error) {
	var out []violation
	for _, s := range in.subjects {
		switch {
		case s.symbol != nil:
			for _, key := range s.symbol.Capabilities {
				c, ok := in.graph.Capability(key)
				if !ok || c.Active() {
					continue
				}
				out = append(out, violation{
					subject: s.path,
					message: fmt.Sprintf("%s implements %s capability %q", s.symbol.Name, c.Status, key),
					evidence: map[string]string{
						"symbol":     s.symbol.QualifiedName,
						"capability": key,
					},
				})
			}
		case s.cap != nil:
			if !s.cap.Active() {
				out = append(out, violation{
					subject: s.path,
					message: fmt.Sprintf("capability %q is %s", s.cap.Key, s.cap.Status),
				})
			}
		}
	}
	return out, nil
}

// expr reports every subject for which the expression does not hold.
func expr(in input) ([]violation, error) {
	var out []violation
	for _, s := range in.subjects {
		ok, err := in.cel.holds(in.rule.Select.Subject, in.rule.Predicate.Expression, s.attrs)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, violation{
				subject:  s.path,
				message:  fmt.Sprintf("%s does not satisfy %s", describe(s), in.rule.Predicate.Expression),
				evidence: subjectEvidence(s),
			})
		}
	}
	return out, nil
}

func values(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []string:
		return t
	default:
		return []string{fmt.Sprint(t)}
	}
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	case bool:
		return t
	case int64:
		return t != 0
	}
	return true
}

func describe(s subject) string {
	switch {
	case s.symbol != nil:
		return s.symbol.Name
	case s.imp != nil:
		return "import " + strconv.Quote(s.imp.Spec)
	case s.cap != nil:
		return "capability " + strconv.Quote(s.cap.Key)
	case s.doc != nil:
		return "document"
	}
	return "unit"
}

func subjectEvidence(s subject) map[string]string {
	switch {
	case s.symbol != nil:
		return map[string]string{"symbol": s.symbol.QualifiedName}
	case s.imp != nil:
		return map[string]string{"import": s.imp.Spec}
	}
	return nil
}
