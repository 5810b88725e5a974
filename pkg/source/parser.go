package source

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Languages.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
)

// Symbol kinds.
const (
	KindFunction = "function"
	KindMethod   = "method"
	KindType     = "type"
	KindClass    = "class"
)

// ParsedSymbol is a declaration found in one file.
type ParsedSymbol struct {
	Name         string
	Kind         string
	Receiver     string
	Line         int
	Exported     bool
	Doc          string
	Decorators   []string
	Capabilities []string
}

// ParsedUnit is the parser output for one file.
type ParsedUnit struct {
	Path     string
	Language string
	Package  string
	Imports  []string
	Symbols  []ParsedSymbol
}

// Parser turns the content of one file into a ParsedUnit.
// Implementations must be safe for concurrent use.
type Parser interface {
	Language() string
	Parse(path string, content []byte) (*ParsedUnit, error)
}

// Registry maps file extensions to parsers.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Parser)}
}

// DefaultRegistry returns a registry with every built-in parser.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(GoParser{}, ".go")
	r.Register(PythonParser{}, ".py")
	r.Register(NewScriptParser(LangJavaScript), ".js", ".jsx", ".mjs", ".cjs")
	r.Register(NewScriptParser(LangTypeScript), ".ts", ".mts", ".cts")
	return r
}

// Register binds p to the extensions. The first registration wins.
func (r *Registry) Register(p Parser, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if _, exists := r.byExt[ext]; !exists {
			r.byExt[ext] = p
		}
	}
}

// ParserFor returns the parser for a path, if any.
func (r *Registry) ParserFor(path string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return p, ok
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
