package source

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// DefaultExportMarker is recorded as a decorator on `export default` symbols
// so entry-point patterns can match them.
const DefaultExportMarker = "export:default"

// ScriptParser handles JavaScript and TypeScript sources.
type ScriptParser struct {
	lang string
}

func NewScriptParser(lang string) ScriptParser {
	return ScriptParser{lang: lang}
}

func (p ScriptParser) Language() string { return p.lang }

func (p ScriptParser) grammar() *sitter.Language {
	if p.lang == LangTypeScript {
		return typescript.GetLanguage()
	}
	return javascript.GetLanguage()
}

func (p ScriptParser) Parse(path string, content []byte) (*ParsedUnit, error) {
	tree, err := parseTree(p.grammar(), content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	unit := &ParsedUnit{Path: path, Language: p.lang}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "export_statement":
			comments := leadingComments(child, content)
			isDefault := false
			for j := 0; j < int(child.ChildCount()); j++ {
				if child.Child(j).Type() == "default" {
					isDefault = true
				}
			}
			if decl := child.ChildByFieldName("declaration"); decl != nil {
				unit.Symbols = append(unit.Symbols, scriptDeclaration(decl, content, comments, true, isDefault)...)
			} else if isDefault {
				if value := child.ChildByFieldName("value"); value != nil {
					unit.Symbols = append(unit.Symbols, defaultExportSymbol(value, content, comments))
				}
			}
		default:
			unit.Symbols = append(unit.Symbols, scriptDeclaration(child, content, leadingComments(child, content), false, false)...)
		}
	}

	unit.Imports = scriptImports(root, content)
	return unit, nil
}

func scriptDeclaration(node *sitter.Node, src []byte, comments string, exported, isDefault bool) []ParsedSymbol {
	mark := func(sym ParsedSymbol) ParsedSymbol {
		sym.Exported = exported
		sym.Doc = comments
		sym.Capabilities = ExtractCapabilities(comments)
		if isDefault {
			sym.Decorators = append(sym.Decorators, DefaultExportMarker)
		}
		return sym
	}

	switch node.Type() {
	case "function_declaration", "generator_function_declaration":
		name := nodeText(node.ChildByFieldName("name"), src)
		if name == "" {
			return nil
		}
		return []ParsedSymbol{mark(ParsedSymbol{Name: name, Kind: KindFunction, Line: line(node)})}

	case "class_declaration", "abstract_class_declaration":
		name := nodeText(node.ChildByFieldName("name"), src)
		if name == "" {
			return nil
		}
		out := []ParsedSymbol{mark(ParsedSymbol{Name: name, Kind: KindClass, Line: line(node)})}
		body := node.ChildByFieldName("body")
		if body == nil {
			return out
		}
		for i := 0; i < int(body.NamedChildCount()); i++ {
			member := body.NamedChild(i)
			if member.Type() != "method_definition" {
				continue
			}
			methodName := nodeText(member.ChildByFieldName("name"), src)
			if methodName == "" || methodName == "constructor" {
				continue
			}
			doc := leadingComments(member, src)
			out = append(out, ParsedSymbol{
				Name:         methodName,
				Kind:         KindMethod,
				Receiver:     name,
				Line:         line(member),
				Exported:     exported && !strings.HasPrefix(methodName, "#"),
				Doc:          doc,
				Capabilities: ExtractCapabilities(doc),
			})
		}
		return out

	case "lexical_declaration", "variable_declaration":
		var out []ParsedSymbol
		for i := 0; i < int(node.NamedChildCount()); i++ {
			decl := node.NamedChild(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			value := decl.ChildByFieldName("value")
			if value == nil || !isFunctionValue(value.Type()) {
				continue
			}
			name := nodeText(decl.ChildByFieldName("name"), src)
			if name == "" {
				continue
			}
			out = append(out, mark(ParsedSymbol{Name: name, Kind: KindFunction, Line: line(decl)}))
		}
		return out
	}
	return nil
}

func defaultExportSymbol(value *sitter.Node, src []byte, comments string) ParsedSymbol {
	name := "default"
	kind := KindFunction
	if n := value.ChildByFieldName("name"); n != nil {
		name = nodeText(n, src)
	}
	if value.Type() == "class" {
		kind = KindClass
	}
	return ParsedSymbol{
		Name:         name,
		Kind:         kind,
		Line:         line(value),
		Exported:     true,
		Doc:          comments,
		Decorators:   []string{DefaultExportMarker},
		Capabilities: ExtractCapabilities(comments),
	}
}

func isFunctionValue(t string) bool {
	switch t {
	case "arrow_function", "function", "function_expression", "generator_function":
		return true
	}
	return false
}

// scriptImports collects ES import sources and require() arguments in
// document order.
func scriptImports(root *sitter.Node, src []byte) []string {
	var imports []string
	seen := make(map[string]bool)
	add := func(spec string) {
		spec = strings.Trim(spec, "'\"`")
		if spec != "" && !seen[spec] {
			seen[spec] = true
			imports = append(imports, spec)
		}
	}

	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		switch n.Type() {
		case "import_statement", "export_statement":
			if s := n.ChildByFieldName("source"); s != nil {
				add(nodeText(s, src))
			}
		case "call_expression":
			fn := n.ChildByFieldName("function")
			if fn == nil || nodeText(fn, src) != "require" {
				continue
			}
			args := n.ChildByFieldName("arguments")
			if args != nil && args.NamedChildCount() > 0 && args.NamedChild(0).Type() == "string" {
				add(nodeText(args.NamedChild(0), src))
			}
		}
	}
	return imports
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}
