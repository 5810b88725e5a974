// Package policy loads, validates and guards the charter: the versioned set
// of governance documents that declare a repository's architecture, rules,
// capabilities and approval protocol.
package policy

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/DrSkyle/charterguard/pkg/graph"
)

// Schema identifiers.
const (
	SchemaStructure   = "charter.structure/v1"
	SchemaSafety      = "charter.safety/v1"
	SchemaNaming      = "charter.naming/v1"
	SchemaManifest    = "charter.manifest/v1"
	SchemaQuorum      = "charter.quorum/v1"
	SchemaApprovers   = "charter.approvers/v1"
	SchemaEntryPoints = "charter.entrypoints/v1"
)

// Schemas lists every known schema id.
var Schemas = []string{
	SchemaStructure,
	SchemaSafety,
	SchemaNaming,
	SchemaManifest,
	SchemaQuorum,
	SchemaApprovers,
	SchemaEntryPoints,
}

// charterOnly schemas control the approval protocol and are refused outside
// the charter area.
var charterOnly = map[string]bool{
	SchemaQuorum:    true,
	SchemaApprovers: true,
}

// Document is one policy file.
type Document struct {
	// Path is relative to the policy root, e.g. "charter/structure.yaml".
	Path   string `json:"path"`
	Area   string `json:"area"`
	Format string `json:"format"`
	Schema string `json:"schema,omitempty"`
	// Hash is the hex SHA-256 of Content.
	Hash    string `json:"hash"`
	Content []byte `json:"-"`
	// Body is the decoded document (*Structure, *Manifest, ...). It is nil
	// when the document failed validation.
	Body any `json:"-"`

	problem *SchemaError
}

// HashContent is the content hash used by documents, the ledger and
// proposals.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type header struct {
	Schema string `yaml:"schema"`
}

type Structure struct {
	Schema  string         `yaml:"schema"`
	Domains []graph.Domain `yaml:"domains"`
	// SourceRoots are directories such as "src" that hold top-level Python
	// packages.
	SourceRoots []string `yaml:"source_roots,omitempty"`
	Rules       []Rule   `yaml:"rules,omitempty"`
}

type Safety struct {
	Schema  string   `yaml:"schema"`
	Scoring *Scoring `yaml:"scoring,omitempty"`
	Rules   []Rule   `yaml:"rules,omitempty"`
}

type Naming struct {
	Schema string `yaml:"schema"`
	Rules  []Rule `yaml:"rules,omitempty"`
}

type Manifest struct {
	Schema       string             `yaml:"schema"`
	Capabilities []graph.Capability `yaml:"capabilities"`
	Rules        []Rule             `yaml:"rules,omitempty"`
}

type EntryPoints struct {
	Schema   string               `yaml:"schema"`
	Patterns []graph.EntryPattern `yaml:"patterns"`
	Rules    []Rule               `yaml:"rules,omitempty"`
}

type Approvers struct {
	Schema    string     `yaml:"schema"`
	Approvers []Approver `yaml:"approvers"`
}

// Scoring overrides the audit score thresholds from the charter.
type Scoring struct {
	MinScore *float64           `yaml:"min_score,omitempty" json:"min_score,omitempty"`
	Weights  map[string]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
}

func newBody(schema string) any {
	switch schema {
	case SchemaStructure:
		return &Structure{}
	case SchemaSafety:
		return &Safety{}
	case SchemaNaming:
		return &Naming{}
	case SchemaManifest:
		return &Manifest{}
	case SchemaQuorum:
		return &QuorumPolicy{}
	case SchemaApprovers:
		return &Approvers{}
	case SchemaEntryPoints:
		return &EntryPoints{}
	}
	return nil
}

// rulesOf returns the rules a document body declares.
func rulesOf(body any) []Rule {
	switch b := body.(type) {
	case *Structure:
		return b.Rules
	case *Safety:
		return b.Rules
	case *Naming:
		return b.Rules
	case *Manifest:
		return b.Rules
	case *QuorumPolicy:
		return b.Rules
	case *EntryPoints:
		return b.Rules
	}
	return nil
}
