package source

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// GoParser parses Go files with the standard library parser.
type GoParser struct{}

func (GoParser) Language() string { return LangGo }

func (GoParser) Parse(path string, content []byte) (*ParsedUnit, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	unit := &ParsedUnit{
		Path:     path,
		Language: LangGo,
		Package:  file.Name.Name,
	}

	for _, imp := range file.Imports {
		spec, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			spec = strings.Trim(imp.Path.Value, "`\"")
		}
		unit.Imports = append(unit.Imports, spec)
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := ParsedSymbol{
				Name:     d.Name.Name,
				Kind:     KindFunction,
				Line:     fset.Position(d.Pos()).Line,
				Exported: d.Name.IsExported(),
			}
			if d.Recv != nil && len(d.Recv.List) > 0 {
				sym.Kind = KindMethod
				sym.Receiver = receiverName(d.Recv.List[0].Type)
			}
			if d.Doc != nil {
				sym.Doc = d.Doc.Text()
				sym.Capabilities = ExtractCapabilities(sym.Doc)
			}
			unit.Symbols = append(unit.Symbols, sym)

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				doc := ts.Doc
				if doc == nil && len(d.Specs) == 1 {
					doc = d.Doc
				}
				sym := ParsedSymbol{
					Name:     ts.Name.Name,
					Kind:     KindType,
					Line:     fset.Position(ts.Pos()).Line,
					Exported: ts.Name.IsExported(),
				}
				if doc != nil {
					sym.Doc = doc.Text()
					sym.Capabilities = ExtractCapabilities(sym.Doc)
				}
				unit.Symbols = append(unit.Symbols, sym)
			}
		}
	}

	return unit, nil
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}
