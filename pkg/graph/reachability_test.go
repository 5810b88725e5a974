package graph

import (
	"testing"
)

func TestReachabilityFromEntryPoints(t *testing.T) {
	g, _ := buildShop(t)

	if !g.HasEntryPoints() {
		t.Fatal("expected main to be detected as an entry point")
	}

	reachable := []string{
		"cmd/shop/main.go",
		"billing/charge.go",
		"billing/helpers.go", // same package as charge.go
		"storage/db.go",
	}
	for _, p := range reachable {
		if !g.Reachable(p) {
			t.Errorf("expected %s to be reachable", p)
		}
	}

	unreachable := g.Unreachable()
	expected := []string{"broken/bad.go", "orphan/dead.go"}
	if len(unreachable) != len(expected) {
		t.Fatalf("Expected unreachable %v, got %v", expected, unreachable)
	}
	for i := range expected {
		if unreachable[i] != expected[i] {
			t.Errorf("Expected unreachable %v, got %v", expected, unreachable)
		}
	}
}

func TestReachabilityWithoutEntryPoints(t *testing.T) {
	tree := mapTree{
		"lib/a.go": "package lib\n\nfunc A() {}\n",
	}
	g, _, err := NewBuilder(nil).Build(t.Context(), tree, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.HasEntryPoints() {
		t.Error("library without main should have no entry points")
	}
	if g.Reachable("lib/a.go") {
		t.Error("nothing is reachable without entry points")
	}
}
