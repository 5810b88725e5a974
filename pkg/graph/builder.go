package graph

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/DrSkyle/charterguard/pkg/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"
)

// Options carries the policy inputs of one build.
type Options struct {
	Domains       []Domain
	Capabilities  []Capability
	EntryPatterns []EntryPattern
	// SourceRoots are extra directories absolute Python imports resolve
	// against. Empty means DefaultPythonRoots.
	SourceRoots []string
}

// Builder turns a source tree into a Graph. Files are parsed by a bounded
// worker pool and merged by a single assembler goroutine.
type Builder struct {
	registry *source.Registry
	workers  int
	logger   *slog.Logger
	tracer   trace.Tracer
}

type BuilderOption func(*Builder)

// WithWorkers bounds the parse pool.
func WithWorkers(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBuilder(registry *source.Registry, opts ...BuilderOption) *Builder {
	if registry == nil {
		registry = source.DefaultRegistry()
	}
	b := &Builder{
		registry: registry,
		workers:  runtime.NumCPU(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("charterguard/graph"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build parses every recognised file of tree. Unparseable files are returned
// as ParseErrors and kept in the graph; only an unreadable tree or a
// cancelled context yields an error.
func (b *Builder) Build(ctx context.Context, tree source.Tree, opts Options) (*Graph, []*ParseError, error) {
	ctx, span := b.tracer.Start(ctx, "graph.Build")
	defer span.End()

	files, err := tree.Files(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	patterns := opts.EntryPatterns
	if len(patterns) == 0 {
		patterns = DefaultEntryPatterns()
	}
	var matchers []*entryMatcher
	for _, p := range patterns {
		m, err := compileEntryPattern(p)
		if err != nil {
			b.logger.Warn("Skipping invalid entry pattern", "pattern", p.ID, "error", err)
			continue
		}
		matchers = append(matchers, m)
	}

	asm := newAssembly()
	sem := make(chan struct{}, b.workers)
	var wg sync.WaitGroup

	for _, f := range files {
		parser, ok := b.registry.ParserFor(f)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rel string, p source.Parser) {
			defer wg.Done()
			defer func() { <-sem }()
			asm.push(b.parseOne(tree, rel, p, opts.Domains, matchers))
		}(f, parser)
	}

	wg.Wait()
	asm.closeAndWait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	g := assemble(asm, opts, readModulePath(tree))

	sort.Slice(asm.errors, func(i, j int) bool { return asm.errors[i].Path < asm.errors[j].Path })
	span.SetAttributes(
		attribute.Int("graph.units", len(g.units)),
		attribute.Int("graph.symbols", len(g.symbols)),
		attribute.Int("graph.parse_errors", len(asm.errors)),
	)
	b.logger.Debug("Graph built", "units", len(g.units), "symbols", len(g.symbols), "parse_errors", len(asm.errors))

	return g, asm.errors, nil
}

func (b *Builder) parseOne(tree source.Tree, rel string, p source.Parser, domains []Domain, matchers []*entryMatcher) (op graphOp) {
	op.unit = pendingUnit{
		SourceUnit: SourceUnit{
			Path:     rel,
			Language: p.Language(),
			Domain:   DomainOf(domains, rel),
		},
	}

	defer func() {
		if r := recover(); r != nil {
			op.unit.ParseFailed = true
			op.symbols = nil
			op.err = &ParseError{Path: rel, Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	content, err := tree.ReadFile(rel)
	if err != nil {
		op.unit.ParseFailed = true
		op.err = &ParseError{Path: rel, Err: err}
		return op
	}
	sum := blake3.Sum256(content)
	op.unit.Digest = hex.EncodeToString(sum[:])

	parsed, err := p.Parse(rel, content)
	if err != nil {
		op.unit.ParseFailed = true
		op.err = &ParseError{Path: rel, Err: err}
		return op
	}

	op.unit.Package = parsed.Package
	op.unit.rawImports = parsed.Imports

	seen := make(map[string]bool, len(parsed.Symbols))
	for _, ps := range parsed.Symbols {
		q := QualifiedName(rel, ps.Receiver, ps.Name)
		if seen[q] {
			q = q + "#" + strconv.Itoa(ps.Line)
		}
		seen[q] = true

		sym := Symbol{
			QualifiedName: q,
			Name:          ps.Name,
			Kind:          ps.Kind,
			Unit:          rel,
			Domain:        op.unit.Domain,
			Language:      parsed.Language,
			Receiver:      ps.Receiver,
			Line:          ps.Line,
			Exported:      ps.Exported,
			Doc:           ps.Doc,
			Decorators:    ps.Decorators,
			Capabilities:  ps.Capabilities,
		}
		for _, m := range matchers {
			if m.matches(sym, parsed.Package) {
				sym.EntryPoint = m.pattern.ID
				op.unit.EntryPoint = true
				break
			}
		}
		op.symbols = append(op.symbols, sym)
	}
	return op
}

type pendingUnit struct {
	SourceUnit
	rawImports []string
}

type graphOp struct {
	unit    pendingUnit
	symbols []Symbol
	err     *ParseError
}

// assembly is the single-threaded sink of parse results.
type assembly struct {
	opChan    chan graphOp
	buildDone chan struct{}

	units   []pendingUnit
	symbols []Symbol
	errors  []*ParseError
}

func newAssembly() *assembly {
	a := &assembly{
		opChan:    make(chan graphOp, 256),
		buildDone: make(chan struct{}),
	}
	a.startBuilder()
	return a
}

func (a *assembly) startBuilder() {
	go func() {
		defer close(a.buildDone)
		for op := range a.opChan {
			a.units = append(a.units, op.unit)
			a.symbols = append(a.symbols, op.symbols...)
			if op.err != nil {
				a.errors = append(a.errors, op.err)
			}
		}
	}()
}

func (a *assembly) push(op graphOp) {
	a.opChan <- op
}

// closeAndWait seals the pipeline; afterwards the assembly is read-only.
func (a *assembly) closeAndWait() {
	close(a.opChan)
	<-a.buildDone
}

func assemble(a *assembly, opts Options, modulePath string) *Graph {
	g := &Graph{
		unitIdx:      make(map[string]int, len(a.units)),
		dirIdx:       make(map[string][]int),
		symbolIdx:    make(map[string]int, len(a.symbols)),
		capIdx:       make(map[string]int, len(opts.Capabilities)),
		implementers: make(map[string][]string),
		domains:      opts.Domains,
		modulePath:   modulePath,
	}

	sort.Slice(a.units, func(i, j int) bool { return a.units[i].Path < a.units[j].Path })
	for i, pu := range a.units {
		g.units = append(g.units, pu.SourceUnit)
		g.unitIdx[pu.Path] = i
		g.dirIdx[pu.Dir()] = append(g.dirIdx[pu.Dir()], i)
		if pu.EntryPoint {
			g.hasEntries = true
		}
	}

	sort.Slice(a.symbols, func(i, j int) bool { return a.symbols[i].QualifiedName < a.symbols[j].QualifiedName })
	g.symbols = a.symbols
	for i, s := range g.symbols {
		g.symbolIdx[s.QualifiedName] = i
		u := &g.units[g.unitIdx[s.Unit]]
		u.Symbols = append(u.Symbols, s.QualifiedName)
		g.edges = append(g.edges, Edge{Kind: EdgeOwns, From: s.Unit, To: s.QualifiedName})
		for _, key := range s.Capabilities {
			g.implementers[key] = append(g.implementers[key], s.QualifiedName)
			g.edges = append(g.edges, Edge{Kind: EdgeImplements, From: s.QualifiedName, To: key})
		}
	}

	caps := append([]Capability(nil), opts.Capabilities...)
	sort.SliceStable(caps, func(i, j int) bool { return caps[i].Key < caps[j].Key })
	for _, c := range caps {
		if _, dup := g.capIdx[c.Key]; dup {
			continue
		}
		g.capIdx[c.Key] = len(g.capabilities)
		g.capabilities = append(g.capabilities, c)
	}

	r := newResolver(g, opts.SourceRoots)
	for i, pu := range a.units {
		imports := r.resolveAll(pu.Path, pu.Language, pu.rawImports)
		g.units[i].Imports = imports
		for _, imp := range imports {
			to := imp.Spec
			if !imp.External {
				to = imp.Target
			}
			g.edges = append(g.edges, Edge{Kind: EdgeImport, From: pu.Path, To: to})
		}
	}

	sortEdges(g.edges)
	g.edges = dedupeEdges(g.edges)

	analyzeReachability(g)
	g.fingerprint = computeFingerprint(g)
	return g
}

func dedupeEdges(edges []Edge) []Edge {
	var out []Edge
	for _, e := range edges {
		if n := len(out); n > 0 && out[n-1] == e {
			continue
		}
		out = append(out, e)
	}
	return out
}

// readModulePath extracts the module directive of a root go.mod.
func readModulePath(tree source.Tree) string {
	data, err := tree.ReadFile("go.mod")
	if err != nil {
		return ""
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}
