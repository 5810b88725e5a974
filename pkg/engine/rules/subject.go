package rules

import (
	"slices"

	"github.com/DrSkyle/charterguard/pkg/graph"
	"github.com/DrSkyle/charterguard/pkg/policy"
)

// subject is one thing a selector picked. path is what findings cite; match
// is what selector globs are tested against.
type subject struct {
	path  string
	match string
	attrs map[string]any

	unit   *graph.SourceUnit
	symbol *graph.Symbol
	from   *graph.SourceUnit
	imp    *graph.Import
	cap    *graph.Capability
	doc    *policy.Document
}

func (s subject) str(field string) string {
	v, _ := s.attrs[field].(string)
	return v
}

// selectSubjects applies every selector filter. Filters that do not apply to
// the subject kind are ignored.
func selectSubjects(sel policy.Selector, g *graph.Graph, snap *policy.Snapshot) []subject {
	var all []subject
	switch sel.Subject {
	case policy.SubjectUnits:
		for _, u := range g.Units() {
			all = append(all, unitSubject(g, u))
		}
	case policy.SubjectSymbols:
		for _, s := range g.Symbols() {
			all = append(all, symbolSubject(s))
		}
	case policy.SubjectImports:
		for _, u := range g.Units() {
			for _, imp := range u.Imports {
				all = append(all, importSubject(u, imp))
			}
		}
	case policy.SubjectCapabilities:
		for _, c := range g.Capabilities() {
			all = append(all, capabilitySubject(g, c))
		}
	case policy.SubjectDocuments:
		for _, d := range snap.Documents {
			all = append(all, documentSubject(snap, d))
		}
	}

	out := all[:0]
	for _, s := range all {
		if keep(sel, s) {
			out = append(out, s)
		}
	}
	return out
}

func keep(sel policy.Selector, s subject) bool {
	if len(sel.Paths) > 0 && !graph.MatchAny(sel.Paths, s.match) {
		return false
	}
	if len(sel.Exclude) > 0 && graph.MatchAny(sel.Exclude, s.match) {
		return false
	}

	switch {
	case s.unit != nil:
		u := s.unit
		return matchStr(sel.Domain, u.Domain) &&
			matchStr(sel.Language, u.Language) &&
			matchBool(sel.EntryPoint, u.EntryPoint)
	case s.symbol != nil:
		sym := s.symbol
		return matchStr(sel.Domain, sym.Domain) &&
			matchStr(sel.Language, sym.Language) &&
			(len(sel.SymbolKinds) == 0 || slices.Contains(sel.SymbolKinds, sym.Kind)) &&
			matchBool(sel.Exported, sym.Exported) &&
			matchBool(sel.Tagged, len(sym.Capabilities) > 0) &&
			matchBool(sel.EntryPoint, sym.EntryPoint != "")
	case s.imp != nil:
		return matchStr(sel.Domain, s.from.Domain) &&
			matchStr(sel.Language, s.from.Language) &&
			matchBool(sel.External, s.imp.External) &&
			matchBool(sel.CrossDomain, crossDomain(s.from, s.imp))
	case s.cap != nil:
		status := s.cap.Status
		if status == "" {
			status = graph.StatusActive
		}
		return matchStr(sel.Domain, s.cap.Domain) && matchStr(sel.Status, status)
	case s.doc != nil:
		return matchStr(sel.Area, s.doc.Area)
	}
	return true
}

func matchStr(want, got string) bool {
	return want == "" || want == got
}

func matchBool(want *bool, got bool) bool {
	return want == nil || *want == got
}

func crossDomain(from *graph.SourceUnit, imp *graph.Import) bool {
	return !imp.External && from.Domain != "" && imp.Domain != "" && from.Domain != imp.Domain
}

func unitSubject(g *graph.Graph, u graph.SourceUnit) subject {
	specs := make([]string, 0, len(u.Imports))
	for _, imp := range u.Imports {
		specs = append(specs, imp.Spec)
	}
	return subject{
		path:  u.Path,
		match: u.Path,
		unit:  &u,
		attrs: map[string]any{
			"path":         u.Path,
			"language":     u.Language,
			"domain":       u.Domain,
			"package_name": u.Package,
			"digest":       u.Digest,
			"imports":      specs,
			"symbols":      nonNil(u.Symbols),
			"entry_point":  u.EntryPoint,
			"parse_failed": u.ParseFailed,
			"reachable":    g.Reachable(u.Path),
		},
	}
}

func symbolSubject(s graph.Symbol) subject {
	return subject{
		path:   s.Unit,
		match:  s.Unit,
		symbol: &s,
		attrs: map[string]any{
			"path":           s.Unit,
			"name":           s.Name,
			"qualified_name": s.QualifiedName,
			"kind":           s.Kind,
			"domain":         s.Domain,
			"language":       s.Language,
			"receiver":       s.Receiver,
			"line":           int64(s.Line),
			"exported":       s.Exported,
			"doc":            s.Doc,
			"decorators":     nonNil(s.Decorators),
			"capabilities":   nonNil(s.Capabilities),
			"entry_point":    s.EntryPoint,
		},
	}
}

func importSubject(from graph.SourceUnit, imp graph.Import) subject {
	return subject{
		path:  from.Path,
		match: from.Path,
		from:  &from,
		imp:   &imp,
		attrs: map[string]any{
			"path":         from.Path,
			"spec":         imp.Spec,
			"target":       imp.Target,
			"domain":       imp.Domain,
			"from_domain":  from.Domain,
			"external":     imp.External,
			"cross_domain": crossDomain(&from, &imp),
		},
	}
}

func capabilitySubject(g *graph.Graph, c graph.Capability) subject {
	return subject{
		path:  c.Key,
		match: c.Key,
		cap:   &c,
		attrs: map[string]any{
			"path":         c.Key,
			"key":          c.Key,
			"title":        c.Title,
			"description":  c.Description,
			"domain":       c.Domain,
			"owner":        c.Owner,
			"status":       c.Status,
			"implementers": nonNil(g.Implementers(c.Key)),
		},
	}
}

func documentSubject(snap *policy.Snapshot, d *policy.Document) subject {
	return subject{
		path:  snap.SubjectPath(d.Path),
		match: d.Path,
		doc:   d,
		attrs: map[string]any{
			"path":   d.Path,
			"area":   d.Area,
			"schema": d.Schema,
			"format": d.Format,
			"hash":   d.Hash,
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
