package parser

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"atomforge/internal/logging"
)

// treeSitterParser handles Python and TS/JS parsing via tree-sitter.
type treeSitterParser struct {
	pythonParser *sitter.Parser
	tsParser     *sitter.Parser
	jsParser     *sitter.Parser
}

func newTreeSitterParser() *treeSitterParser {
	return &treeSitterParser{
		pythonParser: sitter.NewParser(),
		tsParser:     sitter.NewParser(),
		jsParser:     sitter.NewParser(),
	}
}

// Close releases parser resources.
func (p *treeSitterParser) Close() {
	p.pythonParser.Close()
	p.tsParser.Close()
	p.jsParser.Close()
}

// languageSpec maps a grammar's node types onto the closed NodeKind set.
type languageSpec struct {
	name        string
	classKinds  map[string]bool
	funcKinds   map[string]bool
	blockKinds  map[string]bool
	branchKinds map[string]bool
	identKinds  map[string]bool
	builtins    map[string]struct{}
	bodyField   string
}

var pythonSpec = languageSpec{
	name:       "python",
	classKinds: map[string]bool{"class_definition": true},
	funcKinds:  map[string]bool{"function_definition": true},
	blockKinds: map[string]bool{
		"if_statement": true, "for_statement": true, "while_statement": true,
		"try_statement": true, "with_statement": true, "match_statement": true,
	},
	branchKinds: map[string]bool{
		"if_statement": true, "elif_clause": true, "for_statement": true,
		"while_statement": true, "except_clause": true, "case_clause": true,
		"boolean_operator": true, "conditional_expression": true,
	},
	identKinds: map[string]bool{"identifier": true},
	builtins: map[string]struct{}{
		"print": {}, "len": {}, "range": {}, "str": {}, "int": {}, "float": {},
		"bool": {}, "list": {}, "dict": {}, "set": {}, "tuple": {}, "None": {},
		"True": {}, "False": {}, "self": {}, "cls": {}, "isinstance": {},
		"enumerate": {}, "zip": {}, "map": {}, "filter": {}, "sorted": {},
		"sum": {}, "min": {}, "max": {}, "abs": {}, "type": {}, "super": {},
		"Exception": {}, "ValueError": {}, "TypeError": {}, "KeyError": {},
	},
	bodyField: "body",
}

var typescriptSpec = languageSpec{
	name: "typescript",
	classKinds: map[string]bool{
		"class_declaration": true, "interface_declaration": true,
		"enum_declaration": true, "type_alias_declaration": true,
	},
	funcKinds: map[string]bool{
		"function_declaration": true, "method_definition": true,
		"generator_function_declaration": true,
	},
	blockKinds: map[string]bool{
		"if_statement": true, "for_statement": true, "for_in_statement": true,
		"while_statement": true, "switch_statement": true, "try_statement": true,
	},
	branchKinds: map[string]bool{
		"if_statement": true, "for_statement": true, "for_in_statement": true,
		"while_statement": true, "switch_case": true, "catch_clause": true,
		"ternary_expression": true,
	},
	identKinds: map[string]bool{"identifier": true, "type_identifier": true},
	builtins: map[string]struct{}{
		"console": {}, "Math": {}, "JSON": {}, "Object": {}, "Array": {},
		"String": {}, "Number": {}, "Boolean": {}, "Promise": {}, "Error": {},
		"undefined": {}, "null": {}, "this": {}, "Map": {}, "Set": {},
		"parseInt": {}, "parseFloat": {}, "isNaN": {}, "Date": {},
	},
	bodyField: "body",
}

var javascriptSpec = func() languageSpec {
	spec := typescriptSpec
	spec.name = "javascript"
	spec.classKinds = map[string]bool{"class_declaration": true}
	return spec
}()

// ParsePython parses Python source.
func (p *treeSitterParser) ParsePython(source string) (*AST, error) {
	p.pythonParser.SetLanguage(python.GetLanguage())
	return parseWithSitter(p.pythonParser, pythonSpec, source)
}

// ParseTypeScript parses TypeScript source.
func (p *treeSitterParser) ParseTypeScript(source string) (*AST, error) {
	p.tsParser.SetLanguage(typescript.GetLanguage())
	return parseWithSitter(p.tsParser, typescriptSpec, source)
}

// ParseJavaScript parses JavaScript source.
func (p *treeSitterParser) ParseJavaScript(source string) (*AST, error) {
	p.jsParser.SetLanguage(javascript.GetLanguage())
	return parseWithSitter(p.jsParser, javascriptSpec, source)
}

func parseWithSitter(parser *sitter.Parser, spec languageSpec, source string) (*AST, error) {
	content := []byte(source)
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, &ParseError{Language: spec.name, Line: 1, Column: 1, Message: err.Error()}
	}
	defer tree.Close()

	root := tree.RootNode()
	if errNode := firstErrorNode(root); errNode != nil {
		return nil, &ParseError{
			Language: spec.name,
			Line:     int(errNode.StartPoint().Row) + 1,
			Column:   int(errNode.StartPoint().Column) + 1,
			Message:  "syntax error near " + snippet(errNode, content),
		}
	}

	lines := strings.Split(source, "\n")
	moduleNode := &Node{Kind: KindModule, StartLine: 1, EndLine: len(lines)}
	moduleNode.Children = extractChildren(root, spec, content)
	moduleNode.Declared = collectDeclared(moduleNode.Children)
	moduleNode.Referenced = subtract(collectReferenced(moduleNode.Children), moduleNode.Declared)
	moduleNode.Complexity = sumComplexity(moduleNode.Children)

	logging.ParserDebug("tree-sitter parsed %s: %d top-level nodes", spec.name, len(moduleNode.Children))
	return &AST{Root: moduleNode, Lines: lines}, nil
}

// firstErrorNode finds the first ERROR or MISSING node in a parse tree, if
// any.
func firstErrorNode(node *sitter.Node) *sitter.Node {
	if node.Type() == "ERROR" || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := firstErrorNode(node.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func snippet(node *sitter.Node, content []byte) string {
	text := node.Content(content)
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return strings.ReplaceAll(text, "\n", " ")
}

// extractChildren maps a container's named children onto structural nodes,
// grouping contiguous simple statements.
func extractChildren(container *sitter.Node, spec languageSpec, content []byte) []*Node {
	var nodes []*Node
	var group *Node
	flush := func() {
		if group != nil {
			nodes = append(nodes, group)
			group = nil
		}
	}

	for i := 0; i < int(container.NamedChildCount()); i++ {
		child := container.NamedChild(i)
		start := int(child.StartPoint().Row) + 1
		end := int(child.EndPoint().Row) + 1

		// Unwrap decorators onto the inner definition.
		effective := child
		if child.Type() == "decorated_definition" {
			if def := child.ChildByFieldName("definition"); def != nil {
				effective = def
			}
		}

		if structural := extractStructural(effective, spec, content); structural != nil {
			flush()
			structural.StartLine = start // decorators belong to the definition
			nodes = append(nodes, structural)
			continue
		}

		if group == nil {
			group = &Node{Kind: KindStatement, StartLine: start, Complexity: 1}
		}
		group.EndLine = end
		group.Declared = dedupe(append(group.Declared, sitterDeclared(child, spec, content)...))
		group.Referenced = dedupe(append(group.Referenced,
			sitterReferenced(child, spec, content, group.Declared)...))
	}
	flush()
	return nodes
}

// extractStructural maps a function/class/block node onto a structural
// Node; returns nil for simple statements.
func extractStructural(child *sitter.Node, spec languageSpec, content []byte) *Node {
	kind := child.Type()
	start := int(child.StartPoint().Row) + 1
	end := int(child.EndPoint().Row) + 1

	switch {
	case spec.funcKinds[kind]:
		fn := &Node{Kind: KindFunction, StartLine: start, EndLine: end}
		if nameNode := child.ChildByFieldName("name"); nameNode != nil {
			fn.Name = nameNode.Content(content)
			fn.Declared = []string{fn.Name}
		}
		fn.Complexity = sitterComplexity(child, spec)
		fn.Referenced = sitterReferenced(child, spec, content, fn.Declared)
		if body := child.ChildByFieldName(spec.bodyField); body != nil {
			fn.Children = extractChildren(body, spec, content)
		}
		return fn

	case spec.classKinds[kind]:
		class := &Node{Kind: KindClass, StartLine: start, EndLine: end}
		if nameNode := child.ChildByFieldName("name"); nameNode != nil {
			class.Name = nameNode.Content(content)
			class.Declared = []string{class.Name}
		}
		class.Complexity = sitterComplexity(child, spec)
		class.Referenced = sitterReferenced(child, spec, content, class.Declared)
		if body := child.ChildByFieldName(spec.bodyField); body != nil {
			class.Children = extractChildren(body, spec, content)
			class.Declared = dedupe(append(class.Declared, collectDeclared(class.Children)...))
		}
		return class

	case spec.blockKinds[kind]:
		block := &Node{Kind: KindBlock, StartLine: start, EndLine: end}
		block.Complexity = sitterComplexity(child, spec)
		block.Referenced = sitterReferenced(child, spec, content, nil)
		return block
	}
	return nil
}

// sitterComplexity counts 1 + branch points in a subtree.
func sitterComplexity(node *sitter.Node, spec languageSpec) float64 {
	complexity := 1.0
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if spec.branchKinds[n.Type()] {
			complexity++
		}
		if n.Type() == "binary_expression" {
			if op := n.ChildByFieldName("operator"); op != nil {
				if t := op.Type(); t == "&&" || t == "||" {
					complexity++
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
	return complexity
}

// sitterDeclared extracts names declared by a statement (assignments,
// variable declarators).
func sitterDeclared(node *sitter.Node, spec languageSpec, content []byte) []string {
	var names []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "assignment", "augmented_assignment", "variable_declarator":
			if left := n.ChildByFieldName("left"); left != nil && spec.identKinds[left.Type()] {
				names = append(names, left.Content(content))
			}
			if name := n.ChildByFieldName("name"); name != nil && spec.identKinds[name.Type()] {
				names = append(names, name.Content(content))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
	return dedupe(names)
}

// sitterReferenced collects referenced identifiers, excluding declared
// names, builtins and attribute accesses past the base object.
func sitterReferenced(node *sitter.Node, spec languageSpec, content []byte, declared []string) []string {
	local := make(map[string]struct{})
	for _, d := range declared {
		local[d] = struct{}{}
	}
	for _, d := range sitterDeclared(node, spec, content) {
		local[d] = struct{}{}
	}
	// Parameters are local.
	if params := node.ChildByFieldName("parameters"); params != nil {
		var walk func(n *sitter.Node)
		walk = func(n *sitter.Node) {
			if spec.identKinds[n.Type()] {
				local[n.Content(content)] = struct{}{}
			}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				walk(n.NamedChild(i))
			}
		}
		walk(params)
	}

	var refs []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		nodeType := n.Type()
		// For attribute/member access only the object base is a reference.
		if nodeType == "attribute" || nodeType == "member_expression" {
			if object := n.ChildByFieldName("object"); object != nil {
				walk(object)
			}
			return
		}
		if spec.identKinds[nodeType] {
			name := n.Content(content)
			if _, isLocal := local[name]; !isLocal {
				if _, isBuiltin := spec.builtins[name]; !isBuiltin {
					refs = append(refs, name)
				}
			}
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
	return dedupe(refs)
}
