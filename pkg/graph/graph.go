// Package graph builds and queries the static knowledge graph of a source
// tree: units, symbols, capabilities and the edges between them.
package graph

import "sort"

// Graph is an immutable snapshot. It is safe for concurrent reads once
// returned by the Builder.
type Graph struct {
	units        []SourceUnit
	unitIdx      map[string]int
	dirIdx       map[string][]int
	symbols      []Symbol
	symbolIdx    map[string]int
	capabilities []Capability
	capIdx       map[string]int
	domains      []Domain
	edges        []Edge
	implementers map[string][]string
	reachable    map[string]bool
	hasEntries   bool
	modulePath   string
	fingerprint  string
}

// Units returns every unit sorted by path.
func (g *Graph) Units() []SourceUnit {
	return g.units
}

// Unit looks a unit up by path.
func (g *Graph) Unit(p string) (SourceUnit, bool) {
	i, ok := g.unitIdx[p]
	if !ok {
		return SourceUnit{}, false
	}
	return g.units[i], true
}

// UnitsAt returns the units addressed by an import target: the file itself
// or every unit in the directory.
func (g *Graph) UnitsAt(target string) []SourceUnit {
	if i, ok := g.unitIdx[target]; ok {
		return []SourceUnit{g.units[i]}
	}
	idx := g.dirIdx[target]
	out := make([]SourceUnit, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.units[i])
	}
	return out
}

// Symbols returns every symbol sorted by qualified name.
func (g *Graph) Symbols() []Symbol {
	return g.symbols
}

// Symbol looks a symbol up by qualified name.
func (g *Graph) Symbol(qualified string) (Symbol, bool) {
	i, ok := g.symbolIdx[qualified]
	if !ok {
		return Symbol{}, false
	}
	return g.symbols[i], true
}

// SymbolsOf returns the symbols owned by a unit.
func (g *Graph) SymbolsOf(unitPath string) []Symbol {
	u, ok := g.Unit(unitPath)
	if !ok {
		return nil
	}
	out := make([]Symbol, 0, len(u.Symbols))
	for _, q := range u.Symbols {
		if s, ok := g.Symbol(q); ok {
			out = append(out, s)
		}
	}
	return out
}

// Capabilities returns the manifest sorted by key.
func (g *Graph) Capabilities() []Capability {
	return g.capabilities
}

// Capability looks a manifest entry up.
func (g *Graph) Capability(key string) (Capability, bool) {
	i, ok := g.capIdx[key]
	if !ok {
		return Capability{}, false
	}
	return g.capabilities[i], true
}

// Implementers lists the qualified names of symbols tagged with key.
func (g *Graph) Implementers(key string) []string {
	return g.implementers[key]
}

// Domains returns the declared domains in declaration order.
func (g *Graph) Domains() []Domain {
	return g.domains
}

// Domain looks a declared domain up by name.
func (g *Graph) Domain(name string) (Domain, bool) {
	for _, d := range g.domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Edges returns the edges of one kind, or all edges when kind is empty.
func (g *Graph) Edges(kind EdgeKind) []Edge {
	if kind == "" {
		return g.edges
	}
	var out []Edge
	for _, e := range g.edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reachable reports whether a unit is reachable from an entry-point unit.
func (g *Graph) Reachable(unitPath string) bool {
	return g.reachable[unitPath]
}

// HasEntryPoints reports whether any symbol matched an entry pattern.
func (g *Graph) HasEntryPoints() bool {
	return g.hasEntries
}

// ModulePath is the Go module path read from go.mod, if any.
func (g *Graph) ModulePath() string {
	return g.modulePath
}

// Fingerprint is a BLAKE3 digest over the canonical encoding of the graph.
func (g *Graph) Fingerprint() string {
	return g.fingerprint
}

// Export is the serialisable form of a graph.
type Export struct {
	Fingerprint  string       `json:"fingerprint"`
	ModulePath   string       `json:"module_path,omitempty"`
	Domains      []Domain     `json:"domains,omitempty"`
	Units        []SourceUnit `json:"units"`
	Symbols      []Symbol     `json:"symbols"`
	Capabilities []Capability `json:"capabilities"`
	Edges        []Edge       `json:"edges"`
}

func (g *Graph) Export() Export {
	return Export{
		Fingerprint:  g.fingerprint,
		ModulePath:   g.modulePath,
		Domains:      g.domains,
		Units:        g.units,
		Symbols:      g.symbols,
		Capabilities: g.capabilities,
		Edges:        g.edges,
	}
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
}
