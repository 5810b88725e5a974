package policy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"

	"github.com/DrSkyle/charterguard/pkg/graph"
	"lukechampine.com/blake3"
)

// Store reads policy snapshots from a repository.
type Store struct {
	layout Layout
	logger *slog.Logger
}

type StoreOption func(*Store)

func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDir overrides the policy root relative to the repository.
func WithDir(dir string) StoreOption {
	return func(s *Store) {
		if dir != "" {
			s.layout.Dir = filepath.ToSlash(dir)
		}
	}
}

func NewStore(repo string, opts ...StoreOption) *Store {
	s := &Store{layout: NewLayout(repo), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Layout() Layout { return s.layout }

// Snapshot loads every document of both areas. Document problems are
// collected on the snapshot; only an unreadable policy root is an error.
// A repository without a policy root yields an empty snapshot.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		layout: s.layout,
		Quorum: DefaultQuorum(),
	}

	root := s.layout.Root()
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("No policy root, using an empty policy set", "root", root)
		snap.finish()
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("policy root unreadable: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("policy root %s is not a directory", root)
	}

	for _, area := range []string{AreaCharter, AreaWorking} {
		files, err := listArea(ctx, s.layout.AreaDir(area))
		if err != nil {
			return nil, fmt.Errorf("policy root unreadable: %w", err)
		}
		for _, rel := range files {
			doc := s.load(path.Join(area, rel))
			snap.Documents = append(snap.Documents, doc)
		}
	}

	ledger, raw, err := readLedger(s.layout.LedgerPath())
	if err != nil && raw == nil {
		return nil, fmt.Errorf("policy root unreadable: %w", err)
	}
	if err != nil {
		snap.Problems = append(snap.Problems, &SchemaError{Path: LedgerFile, Problems: []string{err.Error()}})
	}
	snap.Ledger = ledger
	snap.ledgerRaw = raw

	snap.merge()
	snap.finish()
	s.logger.Debug("Policy snapshot loaded",
		"documents", len(snap.Documents),
		"rules", len(snap.Rules),
		"problems", len(snap.Problems),
		"hash", snap.Hash(),
	)
	return snap, nil
}

// load reads, decodes and validates one document. A document that fails
// keeps its path and hash with a nil Body.
func (s *Store) load(docPath string) *Document {
	doc := &Document{
		Path:   docPath,
		Area:   AreaOf(docPath),
		Format: FormatOf(docPath),
	}
	content, err := os.ReadFile(s.layout.Abs(docPath))
	if err != nil {
		doc.problem = &SchemaError{Path: docPath, Problems: []string{err.Error()}}
		return doc
	}
	doc.Content = content
	doc.Hash = HashContent(content)
	doc.problem = Decode(doc)
	return doc
}

// Decode fills doc.Schema and doc.Body from doc.Content. On failure Body is
// left nil and the SchemaError is returned.
func Decode(doc *Document) *SchemaError {
	fail := func(problems ...string) *SchemaError {
		doc.Body = nil
		return &SchemaError{Path: doc.Path, Schema: doc.Schema, Problems: problems}
	}

	data, err := normalize(doc.Path, doc.Format, doc.Content)
	if err != nil {
		return fail(err.Error())
	}
	schema, err := peekSchema(data)
	if err != nil {
		return fail(err.Error())
	}
	doc.Schema = schema
	body := newBody(schema)
	if body == nil {
		if schema == "" {
			return fail("schema is required")
		}
		return fail(fmt.Sprintf("unknown schema %q", schema))
	}
	if err := decodeStrict(data, body); err != nil {
		return fail(err.Error())
	}
	doc.Body = body
	if problems := validateBody(doc); len(problems) > 0 {
		sort.Strings(problems)
		return fail(problems...)
	}
	return nil
}

func listArea(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || FormatOf(d.Name()) == "" {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Snapshot is an immutable view of the policy set.
type Snapshot struct {
	Documents     []*Document
	Rules         []Rule
	Domains       []graph.Domain
	Capabilities  []graph.Capability
	EntryPatterns []graph.EntryPattern
	SourceRoots   []string
	Quorum        QuorumPolicy
	Approvers     []Approver
	Scoring       *Scoring
	Ledger        *Ledger
	Problems      []*SchemaError

	layout    Layout
	ledgerRaw []byte
	hash      string
}

// merge folds the decoded bodies into the snapshot-level views. Conflicts
// between documents mark the later document as invalid.
func (s *Snapshot) merge() {
	domains := make(map[string]bool)
	caps := make(map[string]bool)
	patterns := make(map[string]bool)
	approvers := make(map[string]bool)
	rules := make(map[string]string)
	quorumFrom := ""

	for _, doc := range s.Documents {
		if doc.problem != nil {
			s.Problems = append(s.Problems, doc.problem)
			continue
		}

		var conflicts []string
		switch b := doc.Body.(type) {
		case *Structure:
			for _, d := range b.Domains {
				if domains[d.Name] {
					conflicts = append(conflicts, fmt.Sprintf("domain %q is declared by another document", d.Name))
				}
			}
		case *Manifest:
			for _, c := range b.Capabilities {
				if caps[c.Key] {
					conflicts = append(conflicts, fmt.Sprintf("capability %q is declared by another document", c.Key))
				}
			}
		case *EntryPoints:
			for _, p := range b.Patterns {
				if patterns[p.ID] {
					conflicts = append(conflicts, fmt.Sprintf("entry pattern %q is declared by another document", p.ID))
				}
			}
		case *Approvers:
			for _, a := range b.Approvers {
				if approvers[a.ID] {
					conflicts = append(conflicts, fmt.Sprintf("approver %q is declared by another document", a.ID))
				}
			}
		case *QuorumPolicy:
			if quorumFrom != "" {
				conflicts = append(conflicts, fmt.Sprintf("quorum policy is already declared by %s", quorumFrom))
			}
		case *Safety:
			if b.Scoring != nil && s.Scoring != nil {
				conflicts = append(conflicts, "scoring is declared by another document")
			}
		}
		for _, r := range rulesOf(doc.Body) {
			if other, dup := rules[r.ID]; dup {
				conflicts = append(conflicts, fmt.Sprintf("rule %q is already declared by %s", r.ID, other))
			}
		}
		if len(conflicts) > 0 {
			s.Problems = append(s.Problems, &SchemaError{Path: doc.Path, Schema: doc.Schema, Problems: conflicts})
			doc.Body = nil
			continue
		}

		switch b := doc.Body.(type) {
		case *Structure:
			for _, d := range b.Domains {
				domains[d.Name] = true
				s.Domains = append(s.Domains, d)
			}
			for _, r := range b.SourceRoots {
				if !slices.Contains(s.SourceRoots, r) {
					s.SourceRoots = append(s.SourceRoots, r)
				}
			}
		case *Manifest:
			for _, c := range b.Capabilities {
				caps[c.Key] = true
				s.Capabilities = append(s.Capabilities, c)
			}
		case *EntryPoints:
			for _, p := range b.Patterns {
				patterns[p.ID] = true
				s.EntryPatterns = append(s.EntryPatterns, p)
			}
		case *Approvers:
			for _, a := range b.Approvers {
				approvers[a.ID] = true
				s.Approvers = append(s.Approvers, a)
			}
		case *QuorumPolicy:
			quorumFrom = doc.Path
			s.Quorum = *b
		case *Safety:
			if b.Scoring != nil {
				s.Scoring = b.Scoring
			}
		}
		for _, r := range rulesOf(doc.Body) {
			r.Source = doc.Path
			r.Area = doc.Area
			rules[r.ID] = doc.Path
			s.Rules = append(s.Rules, r)
		}
	}

	if quorumFrom != "" {
		var missing []string
		for _, id := range s.Quorum.RequiredApprovers {
			if !approvers[id] {
				missing = append(missing, fmt.Sprintf("required approver %q is not registered", id))
			}
		}
		if len(missing) > 0 {
			s.Problems = append(s.Problems, &SchemaError{Path: quorumFrom, Schema: SchemaQuorum, Problems: missing})
		}
	}

	if len(s.EntryPatterns) > 0 {
		// Declared patterns extend the defaults unless they reuse an id.
		for _, p := range graph.DefaultEntryPatterns() {
			if !patterns[p.ID] {
				s.EntryPatterns = append(s.EntryPatterns, p)
			}
		}
	}
}

func (s *Snapshot) finish() {
	sort.SliceStable(s.Problems, func(i, j int) bool { return s.Problems[i].Path < s.Problems[j].Path })
	sort.SliceStable(s.Rules, func(i, j int) bool { return s.Rules[i].ID < s.Rules[j].ID })
	s.hash = s.computeHash()
}

func (s *Snapshot) computeHash() string {
	type entry struct {
		Path string `json:"path"`
		Hash string `json:"hash"`
	}
	entries := make([]entry, 0, len(s.Documents)+1)
	for _, d := range s.Documents {
		entries = append(entries, entry{Path: d.Path, Hash: d.Hash})
	}
	if s.ledgerRaw != nil {
		entries = append(entries, entry{Path: LedgerFile, Hash: HashContent(s.ledgerRaw)})
	}
	data, _ := json.Marshal(entries)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash fingerprints every document and the ledger. Two snapshots with equal
// hashes have byte-identical policy roots.
func (s *Snapshot) Hash() string { return s.hash }

func (s *Snapshot) Layout() Layout { return s.layout }

// SubjectPath is the repository-relative path findings cite for a document.
func (s *Snapshot) SubjectPath(docPath string) string {
	return s.layout.RepoPath(docPath)
}

func (s *Snapshot) Document(docPath string) (*Document, bool) {
	for _, d := range s.Documents {
		if d.Path == docPath {
			return d, true
		}
	}
	return nil, false
}

func (s *Snapshot) Approver(id string) (Approver, bool) {
	for _, a := range s.Approvers {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

func (s *Snapshot) Sealed() bool { return s.Ledger != nil }

// VerifyLedger compares the charter area against the ledger.
func (s *Snapshot) VerifyLedger() []LedgerMismatch {
	if s.Ledger == nil {
		return []LedgerMismatch{{Kind: LedgerUnsealed}}
	}
	var out []LedgerMismatch
	present := make(map[string]bool)
	for _, d := range s.Documents {
		if d.Area != AreaCharter {
			continue
		}
		present[d.Path] = true
		e, ok := s.Ledger.Entry(d.Path)
		switch {
		case !ok:
			out = append(out, LedgerMismatch{Kind: LedgerUnrecorded, Path: d.Path, Actual: d.Hash})
		case e.Hash != d.Hash:
			out = append(out, LedgerMismatch{Kind: LedgerModified, Path: d.Path, Expected: e.Hash, Actual: d.Hash})
		}
	}
	for _, e := range s.Ledger.Entries {
		if !present[e.Path] {
			out = append(out, LedgerMismatch{Kind: LedgerMissing, Path: e.Path, Expected: e.Hash})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
