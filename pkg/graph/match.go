package graph

import (
	"fmt"
	"path"
	"regexp"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultEntryPatterns are used when no entry-point document declares its own.
func DefaultEntryPatterns() []EntryPattern {
	return []EntryPattern{
		{ID: "go.main", Languages: []string{"go"}, Kinds: []string{"function"}, Name: `^main$`, Package: `^main$`},
		{ID: "go.init", Languages: []string{"go"}, Kinds: []string{"function"}, Name: `^init$`},
		{ID: "go.test", Languages: []string{"go"}, Kinds: []string{"function"}, Name: `^(Test|Benchmark|Fuzz|Example)`, Paths: []string{"**/*_test.go"}},
		{ID: "python.main", Languages: []string{"python"}, Kinds: []string{"function"}, Name: `^main$`},
		{ID: "python.route", Languages: []string{"python"}, Decorator: `\.(route|get|post|put|patch|delete)$`},
		{ID: "python.cli", Languages: []string{"python"}, Decorator: `(^click\.|\.command$|\.group$)`},
		{ID: "python.test", Languages: []string{"python"}, Kinds: []string{"function", "method"}, Name: `^test_`},
		{ID: "python.fixture", Languages: []string{"python"}, Decorator: `^pytest\.fixture$`},
		{ID: "script.default_export", Languages: []string{"javascript", "typescript"}, Decorator: `^export:default$`},
	}
}

// ValidateEntryPattern checks every regex and glob of p.
func ValidateEntryPattern(p EntryPattern) error {
	if p.ID == "" {
		return fmt.Errorf("entry pattern id is required")
	}
	if _, err := compileEntryPattern(p); err != nil {
		return err
	}
	return nil
}

// ValidateGlob rejects malformed doublestar patterns.
func ValidateGlob(pattern string) error {
	if pattern == "" || !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid glob %q", pattern)
	}
	return nil
}

// MatchAny reports whether p matches any of the globs.
func MatchAny(globs []string, p string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

// DomainOf maps a unit path to the first declared domain whose paths match.
func DomainOf(domains []Domain, unitPath string) string {
	for _, d := range domains {
		if MatchAny(d.Paths, unitPath) {
			return d.Name
		}
	}
	return ""
}

type entryMatcher struct {
	pattern   EntryPattern
	name      *regexp.Regexp
	decorator *regexp.Regexp
	receiver  *regexp.Regexp
	pkg       *regexp.Regexp
}

func compileEntryPattern(p EntryPattern) (*entryMatcher, error) {
	m := &entryMatcher{pattern: p}
	var err error
	compile := func(field, expr string) *regexp.Regexp {
		if expr == "" || err != nil {
			return nil
		}
		re, cerr := regexp.Compile(expr)
		if cerr != nil {
			err = fmt.Errorf("entry pattern %s: %s: %w", p.ID, field, cerr)
		}
		return re
	}
	m.name = compile("name", p.Name)
	m.decorator = compile("decorator", p.Decorator)
	m.receiver = compile("receiver", p.Receiver)
	m.pkg = compile("package", p.Package)
	if err != nil {
		return nil, err
	}
	for _, g := range p.Paths {
		if verr := ValidateGlob(g); verr != nil {
			return nil, fmt.Errorf("entry pattern %s: %w", p.ID, verr)
		}
	}
	return m, nil
}

func (m *entryMatcher) matches(sym Symbol, pkg string) bool {
	p := m.pattern
	if len(p.Languages) > 0 && !slices.Contains(p.Languages, sym.Language) {
		return false
	}
	if len(p.Kinds) > 0 && !slices.Contains(p.Kinds, sym.Kind) {
		return false
	}
	if m.name != nil && !m.name.MatchString(sym.Name) {
		return false
	}
	if m.receiver != nil && !m.receiver.MatchString(sym.Receiver) {
		return false
	}
	if m.pkg != nil && !m.pkg.MatchString(pkg) {
		return false
	}
	if len(p.Paths) > 0 && !MatchAny(p.Paths, sym.Unit) {
		return false
	}
	if m.decorator != nil && !slices.ContainsFunc(sym.Decorators, m.decorator.MatchString) {
		return false
	}
	return true
}

func dirOf(p string) string {
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}
