package source

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// parseTree runs a fresh tree-sitter parser. Parsers are not goroutine safe,
// so one is created per call.
func parseTree(lang *sitter.Language, content []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)

	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	if root := tree.RootNode(); root.HasError() {
		line := 1
		if n := firstError(root); n != nil {
			line = int(n.StartPoint().Row) + 1
		}
		tree.Close()
		return nil, fmt.Errorf("syntax error near line %d", line)
	}
	return tree, nil
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstError(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

// leadingComments collects the comment block that ends on the line directly
// above n.
func leadingComments(n *sitter.Node, src []byte) string {
	var lines []string
	want := int(n.StartPoint().Row) - 1
	for prev := n.PrevSibling(); prev != nil && prev.Type() == "comment"; prev = prev.PrevSibling() {
		if int(prev.EndPoint().Row) != want {
			break
		}
		lines = append([]string{nodeText(prev, src)}, lines...)
		want = int(prev.StartPoint().Row) - 1
	}
	return strings.Join(lines, "\n")
}

func joinDoc(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
