// Package parser produces language-tagged ASTs with per-node metrics:
// line spans, declared and referenced symbols, cyclomatic complexity and
// LOC. The decomposer and dependency analyzer operate only on these nodes;
// textual heuristics are forbidden at this layer.
package parser

import (
	"fmt"
	"strings"

	"atomforge/internal/logging"
)

// NodeKind is the closed set of structural node kinds. Decomposition rules
// are a total function over this enumeration.
type NodeKind string

const (
	KindModule    NodeKind = "module"
	KindClass     NodeKind = "class"
	KindFunction  NodeKind = "function"
	KindBlock     NodeKind = "block"     // if/for/while/try bodies
	KindStatement NodeKind = "statement" // statement group
)

// Node is one AST node with metrics attached.
type Node struct {
	Kind       NodeKind
	Name       string // symbol name for class/function nodes
	StartLine  int    // 1-based, inclusive
	EndLine    int    // 1-based, inclusive
	Declared   []string
	Referenced []string
	Complexity float64
	Children   []*Node
}

// LOC returns the node's line count.
func (n *Node) LOC() int {
	if n.EndLine < n.StartLine {
		return 0
	}
	return n.EndLine - n.StartLine + 1
}

// AST is a parsed source unit.
type AST struct {
	Language string
	Root     *Node
	Lines    []string // source lines for slicing node text
	Dynamic  bool     // reflection/eval-heavy source detected
}

// Text returns the source text of a node.
func (a *AST) Text(n *Node) string {
	if n == nil || n.StartLine < 1 || n.EndLine > len(a.Lines) {
		return ""
	}
	return strings.Join(a.Lines[n.StartLine-1:n.EndLine], "\n")
}

// ParseError reports unparseable source with a location. Fatal for the
// owning task.
type ParseError struct {
	Language string
	Line     int
	Column   int
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s) at %d:%d: %s", e.Language, e.Line, e.Column, e.Message)
}

// Parser parses source for the supported languages.
type Parser struct {
	ts *treeSitterParser
}

// New creates a parser with tree-sitter support for Python and TS/JS.
func New() *Parser {
	logging.ParserDebug("Creating parser")
	return &Parser{ts: newTreeSitterParser()}
}

// Close releases tree-sitter resources.
func (p *Parser) Close() {
	if p.ts != nil {
		p.ts.Close()
	}
}

// Supported reports whether a language can be parsed.
func Supported(language string) bool {
	switch normalizeLanguage(language) {
	case "go", "python", "typescript", "javascript":
		return true
	}
	return false
}

func normalizeLanguage(language string) string {
	switch strings.ToLower(language) {
	case "go", "golang":
		return "go"
	case "python", "py":
		return "python"
	case "typescript", "ts":
		return "typescript"
	case "javascript", "js":
		return "javascript"
	default:
		return strings.ToLower(language)
	}
}

// Parse parses source for a language and returns its AST.
func (p *Parser) Parse(language, source string) (*AST, error) {
	timer := logging.StartTimer(logging.CategoryParser, "Parse")
	defer timer.Stop()

	lang := normalizeLanguage(language)
	logging.ParserDebug("Parsing %s source (%d bytes)", lang, len(source))

	var ast *AST
	var err error
	switch lang {
	case "go":
		ast, err = parseGo(source)
	case "python":
		ast, err = p.ts.ParsePython(source)
	case "typescript":
		ast, err = p.ts.ParseTypeScript(source)
	case "javascript":
		ast, err = p.ts.ParseJavaScript(source)
	default:
		return nil, &ParseError{Language: lang, Line: 1, Column: 1,
			Message: fmt.Sprintf("unsupported language %q", language)}
	}
	if err != nil {
		logging.Get(logging.CategoryParser).Error("Parse failed for %s: %v", lang, err)
		return nil, err
	}

	ast.Language = lang
	ast.Dynamic = detectDynamic(lang, source)
	logging.ParserDebug("Parsed %s: %d top-level nodes, complexity %.1f",
		lang, len(ast.Root.Children), ast.Root.Complexity)
	return ast, nil
}

// detectDynamic flags reflection/eval-heavy source. Such tasks are routed
// straight to review by the decomposer.
func detectDynamic(lang, source string) bool {
	var markers []string
	switch lang {
	case "python":
		markers = []string{"getattr(", "setattr(", "eval(", "exec(", "__import__("}
	case "typescript", "javascript":
		markers = []string{"eval(", "new Function(", "Reflect."}
	case "go":
		markers = []string{"reflect.ValueOf", "reflect.TypeOf"}
	}
	count := 0
	for _, m := range markers {
		count += strings.Count(source, m)
	}
	// A single use is tolerable; pervasive use is not.
	return count >= 3
}

// dedupe returns symbols without duplicates, preserving first-seen order.
func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	var out []string
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// subtract removes declared names from a referenced set.
func subtract(referenced, declared []string) []string {
	decl := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		decl[d] = struct{}{}
	}
	var out []string
	for _, r := range referenced {
		if _, ok := decl[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}
