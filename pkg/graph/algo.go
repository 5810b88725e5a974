package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DomainDependencies returns, for every domain, the sorted set of other
// domains it imports from.
func (g *Graph) DomainDependencies() map[string][]string {
	set := make(map[string]map[string]bool)
	for _, u := range g.units {
		if u.Domain == "" {
			continue
		}
		for _, imp := range u.Imports {
			if imp.External || imp.Domain == "" || imp.Domain == u.Domain {
				continue
			}
			if set[u.Domain] == nil {
				set[u.Domain] = make(map[string]bool)
			}
			set[u.Domain][imp.Domain] = true
		}
	}

	deps := make(map[string][]string, len(set))
	for from, targets := range set {
		for to := range targets {
			deps[from] = append(deps[from], to)
		}
		sort.Strings(deps[from])
	}
	return deps
}

// TopologicalSort orders the nodes of deps so that every node precedes its
// dependencies. It fails on the first cycle found.
func TopologicalSort(deps map[string][]string) ([]string, error) {
	nodes := nodeSet(deps)

	visited := make(map[string]bool)
	tempMark := make(map[string]bool)
	var sorted []string
	var cycleError error

	var visit func(n string)
	visit = func(n string) {
		if cycleError != nil {
			return
		}
		if tempMark[n] {
			cycleError = fmt.Errorf("cycle detected involving %s", n)
			return
		}
		if visited[n] {
			return
		}
		tempMark[n] = true
		for _, d := range deps[n] {
			visit(d)
		}
		visited[n] = true
		tempMark[n] = false
		sorted = append(sorted, n)
	}

	for _, n := range nodes {
		if !visited[n] {
			visit(n)
			if cycleError != nil {
				return nil, cycleError
			}
		}
	}

	// Reverse so dependents come first.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted, nil
}

// Cycles returns every strongly connected component of deps with more than
// one member, each rotated to start at its smallest name and listed in
// traversal order. Components are sorted by their first member.
func Cycles(deps map[string][]string) [][]string {
	nodes := nodeSet(deps)

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps[v] {
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				components = append(components, orderCycle(comp, deps))
			}
		}
	}

	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			strongConnect(n)
		}
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// DomainCycles reports the import cycles between declared domains.
func (g *Graph) DomainCycles() [][]string {
	return Cycles(g.DomainDependencies())
}

// FormatCycle renders a cycle as "a -> b -> a".
func FormatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
}

// orderCycle walks a component from its smallest member, always following the
// smallest unvisited successor inside the component.
func orderCycle(comp []string, deps map[string][]string) []string {
	members := make(map[string]bool, len(comp))
	for _, c := range comp {
		members[c] = true
	}
	sort.Strings(comp)

	ordered := []string{comp[0]}
	used := map[string]bool{comp[0]: true}
	current := comp[0]
	for len(ordered) < len(comp) {
		next := ""
		for _, d := range deps[current] {
			if members[d] && !used[d] {
				next = d
				break
			}
		}
		if next == "" {
			// Dead end inside the component; append the rest in name order.
			for _, c := range comp {
				if !used[c] {
					ordered = append(ordered, c)
					used[c] = true
				}
			}
			break
		}
		ordered = append(ordered, next)
		used[next] = true
		current = next
	}
	return ordered
}

func nodeSet(deps map[string][]string) []string {
	seen := make(map[string]bool)
	for from, tos := range deps {
		seen[from] = true
		for _, t := range tos {
			seen[t] = true
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
