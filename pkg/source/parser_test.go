package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func symbolNamed(t *testing.T, unit *ParsedUnit, name string) ParsedSymbol {
	t.Helper()
	for _, s := range unit.Symbols {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %s not found in %s", name, unit.Path)
	return ParsedSymbol{}
}

func TestGoParser(t *testing.T) {
	src := `package billing

import (
	"fmt"
	store "example.com/shop/internal/store"
)

// Invoice is a bill.
// capability: billing.invoice
type Invoice struct{}

// Charge bills a customer.
// @capability billing.charge, billing.audit
func (i *Invoice) Charge() error { return nil }

func helper() { fmt.Println(store.X) }
`
	unit, err := GoParser{}.Parse("internal/billing/invoice.go", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "billing", unit.Package)
	assert.Equal(t, []string{"fmt", "example.com/shop/internal/store"}, unit.Imports)

	inv := symbolNamed(t, unit, "Invoice")
	assert.Equal(t, KindType, inv.Kind)
	assert.True(t, inv.Exported)
	assert.Equal(t, []string{"billing.invoice"}, inv.Capabilities)

	charge := symbolNamed(t, unit, "Charge")
	assert.Equal(t, KindMethod, charge.Kind)
	assert.Equal(t, "Invoice", charge.Receiver)
	assert.Equal(t, []string{"billing.audit", "billing.charge"}, charge.Capabilities)

	h := symbolNamed(t, unit, "helper")
	assert.False(t, h.Exported)
	assert.Empty(t, h.Capabilities)
}

func TestGoParserSyntaxError(t *testing.T) {
	_, err := GoParser{}.Parse("broken.go", []byte("package x\nfunc {"))
	assert.Error(t, err)
}

func TestPythonParser(t *testing.T) {
	src := `import os
import json as j
from app.services import payments
from . import sibling

# capability: api.health
@app.route("/health")
def health():
    return "ok"

class Ledger:
    """Keeps balances. capability: ledger.core"""

    @staticmethod
    def post(entry):
        pass

    def _internal(self):
        pass

def _private():
    pass
`
	unit, err := PythonParser{}.Parse("app/api.py", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "app.api", unit.Package)
	assert.Equal(t, []string{"os", "json", "app.services", "."}, unit.Imports)

	health := symbolNamed(t, unit, "health")
	assert.Equal(t, KindFunction, health.Kind)
	assert.Equal(t, []string{"app.route"}, health.Decorators)
	assert.Equal(t, []string{"api.health"}, health.Capabilities)

	ledger := symbolNamed(t, unit, "Ledger")
	assert.Equal(t, KindClass, ledger.Kind)
	assert.Equal(t, []string{"ledger.core"}, ledger.Capabilities)

	post := symbolNamed(t, unit, "post")
	assert.Equal(t, KindMethod, post.Kind)
	assert.Equal(t, "Ledger", post.Receiver)
	assert.Equal(t, []string{"staticmethod"}, post.Decorators)

	assert.False(t, symbolNamed(t, unit, "_internal").Exported)
	assert.False(t, symbolNamed(t, unit, "_private").Exported)
}

func TestPythonParserSyntaxError(t *testing.T) {
	_, err := PythonParser{}.Parse("bad.py", []byte("def broken(:\n  pass\n"))
	assert.Error(t, err)
}

func TestScriptParser(t *testing.T) {
	src := `import { api } from "./api";
const fs = require("fs");

// capability: ui.render
export function render() {}

export const handler = async (req) => req;

class Internal {
  run() {}
}

export default function main() {}
`
	unit, err := NewScriptParser(LangJavaScript).Parse("web/index.js", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"./api", "fs"}, unit.Imports)

	render := symbolNamed(t, unit, "render")
	assert.True(t, render.Exported)
	assert.Equal(t, []string{"ui.render"}, render.Capabilities)

	assert.True(t, symbolNamed(t, unit, "handler").Exported)

	internal := symbolNamed(t, unit, "Internal")
	assert.False(t, internal.Exported)
	run := symbolNamed(t, unit, "run")
	assert.Equal(t, "Internal", run.Receiver)

	main := symbolNamed(t, unit, "main")
	assert.Contains(t, main.Decorators, DefaultExportMarker)
}

func TestExtractCapabilities(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"capability: a.b", []string{"a.b"}},
		{"@capability x-y", []string{"x-y"}},
		{"Capability: b, a ,c", []string{"a", "b", "c"}},
		{"no tags here", nil},
		{"capability: a\n@capability a", []string{"a"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractCapabilities(tt.text), tt.text)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	p, ok := r.ParserFor("a/b/c.PY")
	require.True(t, ok)
	assert.Equal(t, LangPython, p.Language())

	_, ok = r.ParserFor("README.md")
	assert.False(t, ok)

	r.Register(PythonParser{}, ".go")
	p, _ = r.ParserFor("main.go")
	assert.Equal(t, LangGo, p.Language(), "first registration wins")
}
