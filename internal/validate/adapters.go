package validate

import (
	"context"
	"fmt"
	"strings"

	"atomforge/internal/atom"
	"atomforge/internal/parser"
)

// SitterAdapter validates Python/TS/JS atoms statically: tree-sitter
// syntax, reference resolution against the context bundle, and structural
// test checks. Heavier per-language toolchains plug in behind the same
// interface.
type SitterAdapter struct {
	language string
	parser   *parser.Parser
}

// NewSitterAdapter creates a static adapter for a tree-sitter language.
func NewSitterAdapter(language string, p *parser.Parser) *SitterAdapter {
	return &SitterAdapter{language: language, parser: p}
}

// Parse checks the code parses in isolation.
func (a *SitterAdapter) Parse(ctx context.Context, code string) error {
	_, err := a.parser.Parse(a.language, code)
	return err
}

// Typecheck resolves every referenced symbol against the bundle's imports
// and type schemas.
func (a *SitterAdapter) Typecheck(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError {
	ast, err := a.parser.Parse(a.language, code)
	if err != nil {
		return []atom.ValidationError{{Code: "type_error", Message: err.Error()}}
	}

	var errs []atom.ValidationError
	for _, ref := range ast.Root.Referenced {
		if bundle != nil && bundleResolves(bundle, ref) {
			continue
		}
		errs = append(errs, atom.ValidationError{
			Code:    "undefined_symbol",
			Message: fmt.Sprintf("symbol %q is not resolvable from the context bundle", ref),
		})
	}
	return errs
}

// RunTests checks the code against the bundle's "<sym> is defined and
// observable" postconditions: each such symbol must be declared. A bundle
// without test cases fails; the test cases themselves are not executed.
func (a *SitterAdapter) RunTests(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError {
	if bundle == nil || len(bundle.TestCases) == 0 {
		return []atom.ValidationError{{Code: "no_tests", Message: "context bundle has no test cases"}}
	}
	ast, err := a.parser.Parse(a.language, code)
	if err != nil {
		return []atom.ValidationError{{Code: "test_error", Message: err.Error()}}
	}

	var errs []atom.ValidationError
	// Postconditions about defined symbols must be satisfied by the code.
	declared := make(map[string]struct{})
	for _, d := range ast.Root.Declared {
		declared[d] = struct{}{}
	}
	for _, post := range bundle.Postconditions {
		symbol, ok := definedSymbol(post)
		if !ok {
			continue
		}
		if _, found := declared[symbol]; !found {
			errs = append(errs, atom.ValidationError{
				Code:    "test_failed",
				Message: fmt.Sprintf("postcondition not met: %s", post),
			})
		}
	}
	return errs
}

// definedSymbol extracts the symbol from a "<sym> is defined and
// observable" postcondition.
func definedSymbol(post string) (string, bool) {
	const marker = " is defined and observable"
	if i := strings.Index(post, marker); i > 0 {
		return post[:i], true
	}
	return "", false
}

func bundleResolves(bundle *atom.ContextBundle, symbol string) bool {
	for _, imp := range bundle.Imports {
		if imp == symbol || strings.HasPrefix(imp, "stdlib:") {
			return true
		}
	}
	_, ok := bundle.Types[symbol]
	return ok
}
