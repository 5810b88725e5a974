package source

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonParser extracts module-level functions, classes, methods, decorators
// and imports with tree-sitter.
type PythonParser struct{}

func (PythonParser) Language() string { return LangPython }

func (PythonParser) Parse(path string, content []byte) (*ParsedUnit, error) {
	tree, err := parseTree(python.GetLanguage(), content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	unit := &ParsedUnit{
		Path:     path,
		Language: LangPython,
		Package:  pythonModuleName(path),
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_statement":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				name := child.NamedChild(j)
				switch name.Type() {
				case "dotted_name":
					unit.Imports = append(unit.Imports, nodeText(name, content))
				case "aliased_import":
					unit.Imports = append(unit.Imports, nodeText(name.ChildByFieldName("name"), content))
				}
			}
		case "import_from_statement":
			if mod := child.ChildByFieldName("module_name"); mod != nil {
				unit.Imports = append(unit.Imports, nodeText(mod, content))
			}
		case "function_definition", "class_definition", "decorated_definition":
			unit.Symbols = append(unit.Symbols, pythonDefinition(child, content, "")...)
		}
	}

	return unit, nil
}

// pythonDefinition returns the symbol for a definition plus, for classes,
// one symbol per method.
func pythonDefinition(node *sitter.Node, src []byte, receiver string) []ParsedSymbol {
	comments := leadingComments(node, src)

	var decorators []string
	def := node
	if node.Type() == "decorated_definition" {
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "decorator" {
				decorators = append(decorators, decoratorName(nodeText(child, src)))
			}
		}
		def = node.ChildByFieldName("definition")
		if def == nil {
			return nil
		}
	}

	nameNode := def.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := nodeText(nameNode, src)
	body := def.ChildByFieldName("body")
	doc := joinDoc(comments, bodyDocstring(body, src))

	sym := ParsedSymbol{
		Name:         name,
		Line:         int(def.StartPoint().Row) + 1,
		Exported:     !strings.HasPrefix(name, "_"),
		Doc:          doc,
		Decorators:   decorators,
		Capabilities: ExtractCapabilities(doc),
		Receiver:     receiver,
	}

	switch def.Type() {
	case "function_definition":
		sym.Kind = KindFunction
		if receiver != "" {
			sym.Kind = KindMethod
		}
		return []ParsedSymbol{sym}

	case "class_definition":
		sym.Kind = KindClass
		out := []ParsedSymbol{sym}
		if receiver != "" || body == nil {
			return out
		}
		for i := 0; i < int(body.NamedChildCount()); i++ {
			member := body.NamedChild(i)
			if member.Type() == "function_definition" || member.Type() == "decorated_definition" {
				for _, m := range pythonDefinition(member, src, name) {
					if m.Kind == KindMethod {
						out = append(out, m)
					}
				}
			}
		}
		return out
	}
	return nil
}

func bodyDocstring(body *sitter.Node, src []byte) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	if expr := first.NamedChild(0); expr.Type() == "string" {
		return strings.Trim(nodeText(expr, src), `"'`)
	}
	return ""
}

// decoratorName reduces "@app.route('/x')" to "app.route".
func decoratorName(raw string) string {
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func pythonModuleName(path string) string {
	mod := strings.TrimSuffix(path, ".py")
	mod = strings.TrimSuffix(mod, "/__init__")
	return strings.ReplaceAll(mod, "/", ".")
}
