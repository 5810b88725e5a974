package policy

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/DrSkyle/charterguard/pkg/engine/finding"
	"github.com/DrSkyle/charterguard/pkg/graph"
)

// Subject kinds a selector can range over.
const (
	SubjectUnits        = "units"
	SubjectSymbols      = "symbols"
	SubjectImports      = "imports"
	SubjectCapabilities = "capabilities"
	SubjectDocuments    = "documents"
)

// Predicate kinds. The vocabulary is closed; rules compose these rather than
// adding procedural checks.
const (
	PredicatePathPattern     = "path_pattern"
	PredicateSingleInstance  = "single_instance"
	PredicateResolvable      = "resolvable"
	PredicateTextPattern     = "text_pattern"
	PredicateMetadataPresent = "metadata_present"
	PredicateDomainBoundary  = "domain_boundary"
	PredicateAcyclic         = "acyclic"
	PredicateReachable       = "reachable"
	PredicateLifecycle       = "lifecycle"
	PredicateExpr            = "expr"
)

// Targets of the resolvable predicate.
const (
	TargetCapability     = "capability"
	TargetDomain         = "domain"
	TargetLedger         = "ledger"
	TargetImplementation = "implementation"
)

// SubjectFields lists the attributes each subject kind exposes to
// text_pattern, metadata_present, path_pattern and expr predicates.
var SubjectFields = map[string][]string{
	SubjectUnits: {
		"path", "language", "domain", "package_name", "digest",
		"imports", "symbols", "entry_point", "parse_failed", "reachable",
	},
	SubjectSymbols: {
		"path", "name", "qualified_name", "kind", "domain", "language", "receiver",
		"line", "exported", "doc", "decorators", "capabilities", "entry_point",
	},
	SubjectImports: {
		"path", "spec", "target", "domain", "from_domain", "external", "cross_domain",
	},
	SubjectCapabilities: {
		"path", "key", "title", "description", "domain", "owner", "status", "implementers",
	},
	SubjectDocuments: {
		"path", "area", "schema", "format", "hash",
	},
}

var ruleIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

// Rule is one declarative (selector, predicate, severity) statement.
type Rule struct {
	ID          string           `yaml:"id" json:"id"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    finding.Severity `yaml:"severity" json:"severity"`
	Select      Selector         `yaml:"select" json:"select"`
	Predicate   Predicate        `yaml:"predicate" json:"predicate"`
	// Message replaces the predicate's default finding message.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// Source and Area record where the rule was declared. Empty for
	// built-in rules.
	Source string `yaml:"-" json:"source,omitempty"`
	Area   string `yaml:"-" json:"area,omitempty"`
}

// Selector picks the subjects a rule applies to. Unset filters match
// everything.
type Selector struct {
	Subject     string   `yaml:"subject,omitempty" json:"subject,omitempty"`
	Domain      string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Exclude     []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Language    string   `yaml:"language,omitempty" json:"language,omitempty"`
	SymbolKinds []string `yaml:"symbol_kinds,omitempty" json:"symbol_kinds,omitempty"`
	Exported    *bool    `yaml:"exported,omitempty" json:"exported,omitempty"`
	CrossDomain *bool    `yaml:"cross_domain,omitempty" json:"cross_domain,omitempty"`
	External    *bool    `yaml:"external,omitempty" json:"external,omitempty"`
	Area        string   `yaml:"area,omitempty" json:"area,omitempty"`
	Tagged      *bool    `yaml:"tagged,omitempty" json:"tagged,omitempty"`
	EntryPoint  *bool    `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
	Status      string   `yaml:"status,omitempty" json:"status,omitempty"`
}

// Predicate is a tagged variant: Kind decides which of the remaining fields
// are read.
type Predicate struct {
	Kind       string   `yaml:"kind" json:"kind"`
	Allow      []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny       []string `yaml:"deny,omitempty" json:"deny,omitempty"`
	Field      string   `yaml:"field,omitempty" json:"field,omitempty"`
	MustMatch  string   `yaml:"must_match,omitempty" json:"must_match,omitempty"`
	Min        *int     `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *int     `yaml:"max,omitempty" json:"max,omitempty"`
	Target     string   `yaml:"target,omitempty" json:"target,omitempty"`
	Fields     []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// predicateSubjects constrains which subjects a predicate can range over.
// A nil entry accepts any subject.
var predicateSubjects = map[string][]string{
	PredicatePathPattern:     nil,
	PredicateSingleInstance:  nil,
	PredicateResolvable:      nil,
	PredicateTextPattern:     nil,
	PredicateMetadataPresent: nil,
	PredicateDomainBoundary:  {SubjectImports},
	PredicateAcyclic:         {"", SubjectImports},
	PredicateReachable:       {SubjectUnits},
	PredicateLifecycle:       {SubjectSymbols, SubjectCapabilities},
	PredicateExpr:            nil,
}

var resolvableSubjects = map[string][]string{
	TargetCapability:     {SubjectSymbols},
	TargetDomain:         {SubjectUnits, SubjectImports},
	TargetLedger:         {SubjectDocuments},
	TargetImplementation: {SubjectCapabilities},
}

// Validate checks the rule in isolation and returns every problem found.
func (r Rule) Validate() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("rule %q: ", r.ID)+fmt.Sprintf(format, args...))
	}

	if !ruleIDPattern.MatchString(r.ID) {
		add("id must match %s", ruleIDPattern)
	}
	if !r.Severity.Valid() {
		add("unknown severity %q", r.Severity)
	}

	s := r.Select
	if s.Subject != "" {
		if _, ok := SubjectFields[s.Subject]; !ok {
			add("unknown subject %q", s.Subject)
		}
	}
	for _, g := range append(append([]string(nil), s.Paths...), s.Exclude...) {
		if err := graph.ValidateGlob(g); err != nil {
			add("%v", err)
		}
	}
	if s.Area != "" && s.Area != AreaCharter && s.Area != AreaWorking {
		add("unknown area %q", s.Area)
	}
	if s.Status != "" && !slices.Contains([]string{graph.StatusActive, graph.StatusDeprecated, graph.StatusRetired}, s.Status) {
		add("unknown status %q", s.Status)
	}

	p := r.Predicate
	allowed, known := predicateSubjects[p.Kind]
	if !known {
		add("unknown predicate kind %q", p.Kind)
		return problems
	}
	if s.Subject == "" && p.Kind != PredicateAcyclic {
		add("select.subject is required for predicate %s", p.Kind)
	}
	if allowed != nil && !slices.Contains(allowed, s.Subject) {
		add("predicate %s cannot select %q", p.Kind, s.Subject)
	}

	switch p.Kind {
	case PredicatePathPattern:
		if len(p.Allow) == 0 && len(p.Deny) == 0 {
			add("path_pattern needs allow or deny globs")
		}
		for _, g := range append(append([]string(nil), p.Allow...), p.Deny...) {
			if err := graph.ValidateGlob(g); err != nil {
				add("%v", err)
			}
		}
		if p.Field != "" {
			problems = append(problems, r.checkField(p.Field)...)
		}
	case PredicateSingleInstance:
		if p.Min == nil && p.Max == nil {
			add("single_instance needs min or max")
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			add("min %d exceeds max %d", *p.Min, *p.Max)
		}
	case PredicateResolvable:
		subjects, ok := resolvableSubjects[p.Target]
		if !ok {
			add("unknown resolvable target %q", p.Target)
		} else if !slices.Contains(subjects, s.Subject) {
			add("resolvable target %s cannot select %q", p.Target, s.Subject)
		}
	case PredicateTextPattern:
		if p.Field == "" {
			add("text_pattern needs a field")
		} else {
			problems = append(problems, r.checkField(p.Field)...)
		}
		if p.MustMatch == "" && len(p.Deny) == 0 {
			add("text_pattern needs must_match or deny")
		}
		for _, expr := range append([]string{p.MustMatch}, p.Deny...) {
			if expr == "" {
				continue
			}
			if _, err := regexp.Compile(expr); err != nil {
				add("bad regex %q: %v", expr, err)
			}
		}
	case PredicateMetadataPresent:
		if len(p.Fields) == 0 {
			add("metadata_present needs fields")
		}
		for _, f := range p.Fields {
			problems = append(problems, r.checkField(f)...)
		}
	case PredicateExpr:
		if p.Expression == "" {
			add("expr needs an expression")
		}
	}
	return problems
}

func (r Rule) checkField(field string) []string {
	fields, ok := SubjectFields[r.Select.Subject]
	if !ok || slices.Contains(fields, field) {
		return nil
	}
	return []string{fmt.Sprintf("rule %q: subject %s has no field %q", r.ID, r.Select.Subject, field)}
}
