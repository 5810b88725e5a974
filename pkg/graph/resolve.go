package graph

import (
	"path"
	"slices"
	"sort"
	"strings"
)

var scriptExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".mts", ".cts"}

// DefaultPythonRoots are tried after the repository root for absolute
// Python imports when the structure policy names no source roots.
var DefaultPythonRoots = []string{"src"}

// resolver maps import specs onto locations inside the tree.
type resolver struct {
	g *Graph
	// pyRoots are the directories absolute Python imports resolve against,
	// the repository root first.
	pyRoots []string
}

func newResolver(g *Graph, sourceRoots []string) resolver {
	if len(sourceRoots) == 0 {
		sourceRoots = DefaultPythonRoots
	}
	roots := []string{""}
	for _, r := range sourceRoots {
		r = strings.Trim(path.Clean(r), "/")
		if r != "" && r != "." && !slices.Contains(roots, r) {
			roots = append(roots, r)
		}
	}
	return resolver{g: g, pyRoots: roots}
}

func (r resolver) resolveAll(from, lang string, specs []string) []Import {
	seen := make(map[string]bool, len(specs))
	var out []Import
	for _, spec := range specs {
		if seen[spec] {
			continue
		}
		seen[spec] = true

		imp := Import{Spec: spec, External: true}
		if target, ok := r.resolve(from, lang, spec); ok {
			imp.Target = target
			imp.External = false
			if units := r.g.UnitsAt(target); len(units) > 0 {
				imp.Domain = units[0].Domain
			}
		}
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec < out[j].Spec })
	return out
}

func (r resolver) resolve(from, lang, spec string) (string, bool) {
	switch lang {
	case "go":
		return r.goImport(spec)
	case "python":
		return r.pythonImport(from, spec)
	case "javascript", "typescript":
		return r.scriptImport(from, spec)
	}
	return "", false
}

func (r resolver) goImport(spec string) (string, bool) {
	mod := r.g.modulePath
	if mod == "" {
		return "", false
	}
	var dir string
	switch {
	case spec == mod:
		dir = ""
	case strings.HasPrefix(spec, mod+"/"):
		dir = strings.TrimPrefix(spec, mod+"/")
	default:
		return "", false
	}
	return dir, r.hasDir(dir)
}

func (r resolver) pythonImport(from, spec string) (string, bool) {
	if strings.HasPrefix(spec, ".") {
		dots := len(spec) - len(strings.TrimLeft(spec, "."))
		base := dirOf(from)
		for i := 1; i < dots; i++ {
			base = dirOf(base)
		}
		return r.pythonModule(base, spec[dots:])
	}
	for _, root := range r.pyRoots {
		if target, ok := r.pythonModule(root, spec); ok {
			return target, true
		}
	}
	return "", false
}

// pythonModule finds the dotted module rest below base.
func (r resolver) pythonModule(base, rest string) (string, bool) {
	candidate := path.Join(base, strings.ReplaceAll(rest, ".", "/"))
	if candidate == "." {
		candidate = ""
	}
	if rest != "" && r.hasFile(candidate+".py") {
		return candidate + ".py", true
	}
	if init := path.Join(candidate, "__init__.py"); r.hasFile(init) {
		return init, true
	}
	if r.hasDir(candidate) {
		return candidate, true
	}
	return "", false
}

func (r resolver) scriptImport(from, spec string) (string, bool) {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return "", false
	}
	candidate := path.Join(dirOf(from), spec)
	if strings.HasPrefix(candidate, "../") {
		return "", false
	}
	if r.hasFile(candidate) {
		return candidate, true
	}
	for _, ext := range scriptExtensions {
		if r.hasFile(candidate + ext) {
			return candidate + ext, true
		}
	}
	for _, ext := range scriptExtensions {
		if index := path.Join(candidate, "index"+ext); r.hasFile(index) {
			return index, true
		}
	}
	return "", false
}

func (r resolver) hasFile(p string) bool {
	_, ok := r.g.unitIdx[p]
	return ok
}

func (r resolver) hasDir(d string) bool {
	return len(r.g.dirIdx[d]) > 0
}
