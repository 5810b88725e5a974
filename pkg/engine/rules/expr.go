package rules

import (
	"fmt"
	"sync"

	"github.com/DrSkyle/charterguard/pkg/policy"
	"github.com/google/cel-go/cel"
)

var stringList = cel.ListType(cel.StringType)

// fieldTypes declares the CEL type of every subject attribute.
var fieldTypes = map[string]map[string]*cel.Type{
	policy.SubjectUnits: {
		"path": cel.StringType, "language": cel.StringType, "domain": cel.StringType,
		"package_name": cel.StringType, "digest": cel.StringType,
		"imports": stringList, "symbols": stringList,
		"entry_point": cel.BoolType, "parse_failed": cel.BoolType, "reachable": cel.BoolType,
	},
	policy.SubjectSymbols: {
		"path": cel.StringType, "name": cel.StringType, "qualified_name": cel.StringType,
		"kind": cel.StringType, "domain": cel.StringType, "language": cel.StringType,
		"receiver": cel.StringType, "line": cel.IntType, "exported": cel.BoolType,
		"doc": cel.StringType, "decorators": stringList,
		"capabilities": stringList, "entry_point": cel.StringType,
	},
	policy.SubjectImports: {
		"path": cel.StringType, "spec": cel.StringType, "target": cel.StringType,
		"domain": cel.StringType, "from_domain": cel.StringType,
		"external": cel.BoolType, "cross_domain": cel.BoolType,
	},
	policy.SubjectCapabilities: {
		"path": cel.StringType, "key": cel.StringType, "title": cel.StringType,
		"description": cel.StringType, "domain": cel.StringType, "owner": cel.StringType,
		"status": cel.StringType, "implementers": stringList,
	},
	policy.SubjectDocuments: {
		"path": cel.StringType, "area": cel.StringType, "schema": cel.StringType,
		"format": cel.StringType, "hash": cel.StringType,
	},
}

// celEngine compiles expressions once per (subject kind, expression) and
// shares the programs across rules and goroutines.
type celEngine struct {
	mu       sync.Mutex
	envs     map[string]*cel.Env
	programs map[string]cel.Program
}

func newCELEngine() (*celEngine, error) {
	e := &celEngine{
		envs:     make(map[string]*cel.Env),
		programs: make(map[string]cel.Program),
	}
	for kind, fields := range fieldTypes {
		var vars []cel.EnvOption
		for name, typ := range fields {
			vars = append(vars, cel.Variable(name, typ))
		}
		env, err := cel.NewEnv(vars...)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL env for %s: %w", kind, err)
		}
		e.envs[kind] = env
	}
	return e, nil
}

func (e *celEngine) program(kind, expression string) (cel.Program, error) {
	key := kind + "\x00" + expression

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[key]; ok {
		return prg, nil
	}

	env, ok := e.envs[kind]
	if !ok {
		return nil, fmt.Errorf("no expression environment for subject %q", kind)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	e.programs[key] = prg
	return prg, nil
}

// holds evaluates expression against one subject.
func (e *celEngine) holds(kind, expression string, attrs map[string]any) (bool, error) {
	prg, err := e.program(kind, expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return ok, nil
}
