package graph

// analyzeReachability marks every unit reachable from an entry-point unit
// over internal import edges. Go files of one package are compiled
// together, so reaching one file reaches its package siblings.
func analyzeReachability(g *Graph) {
	g.reachable = make(map[string]bool, len(g.units))

	var queue []string
	visit := func(p string) {
		if !g.reachable[p] {
			g.reachable[p] = true
			queue = append(queue, p)
		}
	}

	for _, u := range g.units {
		if u.EntryPoint {
			visit(u.Path)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		u := g.units[g.unitIdx[current]]
		if u.Language == "go" {
			for _, idx := range g.dirIdx[u.Dir()] {
				if sib := g.units[idx]; sib.Language == "go" && sib.Package == u.Package {
					visit(sib.Path)
				}
			}
		}
		for _, imp := range u.Imports {
			if imp.External {
				continue
			}
			for _, target := range g.UnitsAt(imp.Target) {
				visit(target.Path)
			}
		}
	}
}

// Unreachable lists units no entry point can reach, sorted by path.
func (g *Graph) Unreachable() []string {
	var out []string
	for _, u := range g.units {
		if !g.reachable[u.Path] {
			out = append(out, u.Path)
		}
	}
	return out
}
