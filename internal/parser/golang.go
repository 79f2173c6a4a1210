package parser

import (
	"go/ast"
	goparser "go/parser"
	"go/scanner"
	"go/token"
	"strings"
)

// goBuiltins are identifiers never reported as referenced symbols.
var goBuiltins = map[string]struct{}{
	"append": {}, "cap": {}, "close": {}, "complex": {}, "copy": {},
	"delete": {}, "imag": {}, "len": {}, "make": {}, "new": {}, "panic": {},
	"print": {}, "println": {}, "real": {}, "recover": {}, "min": {}, "max": {},
	"clear": {}, "true": {}, "false": {}, "nil": {}, "iota": {},
	"bool": {}, "byte": {}, "rune": {}, "string": {}, "error": {}, "any": {},
	"int": {}, "int8": {}, "int16": {}, "int32": {}, "int64": {},
	"uint": {}, "uint8": {}, "uint16": {}, "uint32": {}, "uint64": {}, "uintptr": {},
	"float32": {}, "float64": {}, "complex64": {}, "complex128": {},
	"_": {},
}

// parseGo parses Go source with go/parser. Snippets without a package
// clause are wrapped so statement fragments still parse.
func parseGo(source string) (*AST, error) {
	wrapped := source
	offset := 0
	if !strings.Contains(source, "package ") {
		wrapped = "package atomsrc\n" + source
		offset = 1
	}

	fset := token.NewFileSet()
	file, err := goparser.ParseFile(fset, "atom.go", wrapped, 0)
	if err != nil {
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			first := list[0]
			return nil, &ParseError{
				Language: "go",
				Line:     first.Pos.Line - offset,
				Column:   first.Pos.Column,
				Message:  first.Msg,
			}
		}
		return nil, &ParseError{Language: "go", Line: 1, Column: 1, Message: err.Error()}
	}

	lines := strings.Split(source, "\n")
	root := &Node{Kind: KindModule, StartLine: 1, EndLine: len(lines)}

	line := func(pos token.Pos) int {
		return fset.Position(pos).Line - offset
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			fn := &Node{
				Kind:      KindFunction,
				Name:      d.Name.Name,
				StartLine: line(d.Pos()),
				EndLine:   line(d.End()),
				Declared:  []string{d.Name.Name},
			}
			fn.Complexity = goComplexity(d)
			fn.Referenced = goReferenced(d, fn.Declared)
			if d.Body != nil {
				fn.Children = goBlockChildren(fset, d.Body.List, offset)
			}
			root.Children = append(root.Children, fn)

		case *ast.GenDecl:
			node := &Node{
				Kind:      KindStatement,
				StartLine: line(d.Pos()),
				EndLine:   line(d.End()),
			}
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					node.Kind = KindClass
					node.Name = s.Name.Name
					node.Declared = append(node.Declared, s.Name.Name)
				case *ast.ValueSpec:
					for _, n := range s.Names {
						node.Declared = append(node.Declared, n.Name)
					}
				case *ast.ImportSpec:
					// import specs declare nothing at atom granularity
				}
			}
			node.Complexity = 1
			node.Referenced = goReferenced(d, node.Declared)
			root.Children = append(root.Children, node)
		}
	}

	root.Declared = collectDeclared(root.Children)
	root.Referenced = subtract(collectReferenced(root.Children), root.Declared)
	root.Complexity = sumComplexity(root.Children)
	return &AST{Root: root, Lines: lines}, nil
}

// goBlockChildren maps a function body's statements onto block/statement
// nodes: each branching statement becomes a block node; contiguous simple
// statements are grouped.
func goBlockChildren(fset *token.FileSet, stmts []ast.Stmt, offset int) []*Node {
	line := func(pos token.Pos) int {
		return fset.Position(pos).Line - offset
	}

	var nodes []*Node
	var group *Node
	flush := func() {
		if group != nil {
			nodes = append(nodes, group)
			group = nil
		}
	}

	for _, stmt := range stmts {
		switch stmt.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt,
			*ast.TypeSwitchStmt, *ast.SelectStmt:
			flush()
			block := &Node{
				Kind:      KindBlock,
				StartLine: line(stmt.Pos()),
				EndLine:   line(stmt.End()),
			}
			block.Complexity = stmtComplexity(stmt)
			block.Referenced = goReferenced(stmt, nil)
			nodes = append(nodes, block)
		default:
			if group == nil {
				group = &Node{
					Kind:       KindStatement,
					StartLine:  line(stmt.Pos()),
					Complexity: 1,
				}
			}
			group.EndLine = line(stmt.End())
			group.Referenced = dedupe(append(group.Referenced, goReferenced(stmt, nil)...))
		}
	}
	flush()
	return nodes
}

// goComplexity computes cyclomatic complexity: 1 + branch points.
func goComplexity(node ast.Node) float64 {
	return stmtComplexity(node)
}

func stmtComplexity(node ast.Node) float64 {
	complexity := 1.0
	ast.Inspect(node, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.CaseClause,
			*ast.CommClause:
			complexity++
		case *ast.BinaryExpr:
			if v.Op == token.LAND || v.Op == token.LOR {
				complexity++
			}
		}
		return true
	})
	return complexity
}

// goReferenced collects identifiers referenced by a subtree, excluding
// locally declared names, builtins and field selectors.
func goReferenced(node ast.Node, declared []string) []string {
	local := make(map[string]struct{})
	for _, d := range declared {
		local[d] = struct{}{}
	}

	// First pass: local declarations inside the subtree.
	ast.Inspect(node, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.AssignStmt:
			if v.Tok == token.DEFINE {
				for _, lhs := range v.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						local[id.Name] = struct{}{}
					}
				}
			}
		case *ast.FuncDecl:
			if v.Recv != nil {
				for _, field := range v.Recv.List {
					for _, name := range field.Names {
						local[name.Name] = struct{}{}
					}
				}
			}
			if v.Type.Params != nil {
				for _, field := range v.Type.Params.List {
					for _, name := range field.Names {
						local[name.Name] = struct{}{}
					}
				}
			}
			if v.Type.Results != nil {
				for _, field := range v.Type.Results.List {
					for _, name := range field.Names {
						local[name.Name] = struct{}{}
					}
				}
			}
		case *ast.RangeStmt:
			if id, ok := v.Key.(*ast.Ident); ok {
				local[id.Name] = struct{}{}
			}
			if id, ok := v.Value.(*ast.Ident); ok {
				local[id.Name] = struct{}{}
			}
		}
		return true
	})

	var refs []string
	ast.Inspect(node, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.SelectorExpr:
			// Only the base identifier of a selector references a symbol.
			if id, ok := v.X.(*ast.Ident); ok {
				if _, isLocal := local[id.Name]; !isLocal {
					if _, isBuiltin := goBuiltins[id.Name]; !isBuiltin {
						refs = append(refs, id.Name)
					}
				}
			}
			return false
		case *ast.Ident:
			if _, isLocal := local[v.Name]; isLocal {
				return true
			}
			if _, isBuiltin := goBuiltins[v.Name]; isBuiltin {
				return true
			}
			refs = append(refs, v.Name)
		}
		return true
	})
	return dedupe(refs)
}

func collectDeclared(nodes []*Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Declared...)
	}
	return dedupe(out)
}

func collectReferenced(nodes []*Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Referenced...)
	}
	return dedupe(out)
}

func sumComplexity(nodes []*Node) float64 {
	total := 1.0
	for _, n := range nodes {
		total += n.Complexity - 1
	}
	return total
}
