package graph

import "fmt"

type EdgeKind string

const (
	EdgeImport     EdgeKind = "import"
	EdgeOwns       EdgeKind = "owns"
	EdgeImplements EdgeKind = "implements"
)

// Capability lifecycle states.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusRetired    = "retired"
)

// Edge is a directed relation. From and To are unit paths, qualified symbol
// names, capability keys or external import specs depending on Kind.
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From string   `json:"from"`
	To   string   `json:"to"`
}

// Import is one import statement of a unit after resolution.
type Import struct {
	Spec     string `json:"spec"`
	Target   string `json:"target,omitempty"`
	Domain   string `json:"domain,omitempty"`
	External bool   `json:"external"`
}

// SourceUnit is one parsed file.
type SourceUnit struct {
	Path        string   `json:"path"`
	Language    string   `json:"language"`
	Domain      string   `json:"domain,omitempty"`
	Package     string   `json:"package,omitempty"`
	Digest      string   `json:"digest"`
	Imports     []Import `json:"imports,omitempty"`
	Symbols     []string `json:"symbols,omitempty"`
	EntryPoint  bool     `json:"entry_point,omitempty"`
	ParseFailed bool     `json:"parse_failed,omitempty"`
}

// Dir is the slash-separated directory holding the unit.
func (u SourceUnit) Dir() string {
	return dirOf(u.Path)
}

// Symbol is a named declaration inside a unit.
type Symbol struct {
	QualifiedName string   `json:"qualified_name"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Unit          string   `json:"unit"`
	Domain        string   `json:"domain,omitempty"`
	Language      string   `json:"language"`
	Receiver      string   `json:"receiver,omitempty"`
	Line          int      `json:"line"`
	Exported      bool     `json:"exported"`
	Doc           string   `json:"doc,omitempty"`
	Decorators    []string `json:"decorators,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	EntryPoint    string   `json:"entry_point,omitempty"`
}

// QualifiedName builds the stable identity of a symbol within a tree.
func QualifiedName(unitPath, receiver, name string) string {
	if receiver != "" {
		return unitPath + "::" + receiver + "." + name
	}
	return unitPath + "::" + name
}

// Capability is a manifest entry.
type Capability struct {
	Key         string `yaml:"key" json:"key"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Domain      string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Owner       string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Status      string `yaml:"status,omitempty" json:"status,omitempty"`
}

// Active reports whether the capability may still be implemented.
func (c Capability) Active() bool {
	return c.Status == "" || c.Status == StatusActive
}

// Domain is a declared architectural area.
type Domain struct {
	Name           string   `yaml:"name" json:"name"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	Paths          []string `yaml:"paths" json:"paths"`
	AllowedImports []string `yaml:"allowed_imports,omitempty" json:"allowed_imports,omitempty"`
}

// Allows reports whether this domain may import from target.
func (d Domain) Allows(target string) bool {
	if target == d.Name {
		return true
	}
	for _, a := range d.AllowedImports {
		if a == "*" || a == target {
			return true
		}
	}
	return false
}

// EntryPattern declares which symbols start execution. Empty fields match
// anything; regex fields are anchored by the author.
type EntryPattern struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Languages   []string `yaml:"languages,omitempty" json:"languages,omitempty"`
	Kinds       []string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Decorator   string   `yaml:"decorator,omitempty" json:"decorator,omitempty"`
	Receiver    string   `yaml:"receiver,omitempty" json:"receiver,omitempty"`
	Package     string   `yaml:"package,omitempty" json:"package,omitempty"`
	Paths       []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// ParseError records a file that could not be parsed. The unit stays in the
// graph with ParseFailed set.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
