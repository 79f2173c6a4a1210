package validate

import (
	"context"
	"fmt"
	goparser "go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"atomforge/internal/atom"
	"atomforge/internal/logging"
)

// GoAdapter validates Go atoms: go/parser syntax, interpreter-backed
// semantic checking and test execution through yaegi. Interpreting instead
// of shelling out to the toolchain keeps validation in-process, sandboxed
// and fast.
type GoAdapter struct {
	allowedPackages map[string]bool
}

// NewGoAdapter creates the Go adapter with the safe stdlib allowlist.
func NewGoAdapter() *GoAdapter {
	return &GoAdapter{
		allowedPackages: map[string]bool{
			"strings": true, "strconv": true, "fmt": true, "math": true,
			"regexp": true, "encoding/json": true, "encoding/base64": true,
			"time": true, "sort": true, "bytes": true, "errors": true,
			"unicode": true, "container/heap": true, "container/list": true,
			// Blocked: os, os/exec, net, net/http, syscall, unsafe.
		},
	}
}

// Parse checks the code parses in isolation. Snippets without a package
// clause are wrapped first.
func (a *GoAdapter) Parse(ctx context.Context, code string) error {
	fset := token.NewFileSet()
	_, err := goparser.ParseFile(fset, "atom.go", ensurePackage(code), 0)
	if err != nil {
		return fmt.Errorf("go syntax: %w", err)
	}
	return nil
}

// Typecheck evaluates the code in a fresh yaegi interpreter, which rejects
// undefined symbols, bad assignments and disallowed imports — the
// equivalent of a type-check for atom-sized units. Symbols the context
// bundle provides (upstream atoms, stated dependencies) are in scope by
// contract, so an undefined-symbol verdict on one of them is waived.
func (a *GoAdapter) Typecheck(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError {
	if err := a.validateImports(code); err != nil {
		return []atom.ValidationError{{Code: "forbidden_import", Message: err.Error()}}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		// Interpreter setup failure is a validator malfunction.
		panic(&levelPanic{fmt.Errorf("yaegi stdlib load: %w", err)})
	}

	done := make(chan []atom.ValidationError, 1)
	go func() {
		_, err := i.Eval(ensurePackage(code))
		if err != nil {
			if symbol, ok := undefinedSymbol(err); ok && bundleProvides(bundle, symbol) {
				done <- nil
				return
			}
			done <- []atom.ValidationError{{
				Code:    classifyYaegiError(err),
				Message: err.Error(),
			}}
			return
		}
		done <- nil
	}()

	select {
	case errs := <-done:
		return errs
	case <-ctx.Done():
		return []atom.ValidationError{{Code: "typecheck_timeout", Message: ctx.Err().Error()}}
	}
}

var undefinedRe = regexp.MustCompile(`undefined: (\w+)`)

// undefinedSymbol extracts the symbol name from an undefined-identifier
// interpreter error.
func undefinedSymbol(err error) (string, bool) {
	m := undefinedRe.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return "", false
	}
	return m[1], true
}

// bundleProvides reports whether the bundle puts a symbol in scope.
func bundleProvides(bundle *atom.ContextBundle, symbol string) bool {
	if bundle == nil {
		return false
	}
	for _, imp := range bundle.Imports {
		if imp == symbol {
			return true
		}
	}
	_, ok := bundle.Types[symbol]
	return ok
}

// RunTests executes assert-style test cases in the interpreter. A test
// case whose Input begins with "assert:" is evaluated as a boolean
// expression against the loaded code; other cases are satisfied by the
// code evaluating cleanly (checked by Typecheck).
func (a *GoAdapter) RunTests(ctx context.Context, code string, bundle *atom.ContextBundle) []atom.ValidationError {
	if bundle == nil || len(bundle.TestCases) == 0 {
		return []atom.ValidationError{{Code: "no_tests", Message: "context bundle has no test cases"}}
	}

	var executable []atom.TestCase
	for _, tc := range bundle.TestCases {
		if strings.HasPrefix(tc.Input, "assert:") {
			executable = append(executable, tc)
		}
	}
	if len(executable) == 0 {
		return nil
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		panic(&levelPanic{fmt.Errorf("yaegi stdlib load: %w", err)})
	}
	if _, err := i.Eval(ensurePackage(code)); err != nil {
		return []atom.ValidationError{{Code: "test_setup_failed", Message: err.Error()}}
	}

	var errs []atom.ValidationError
	for _, tc := range executable {
		select {
		case <-ctx.Done():
			errs = append(errs, atom.ValidationError{Code: "test_timeout", Message: ctx.Err().Error()})
			return errs
		default:
		}

		expr := strings.TrimPrefix(tc.Input, "assert:")
		v, err := i.Eval(expr)
		if err != nil {
			errs = append(errs, atom.ValidationError{
				Code:    "test_failed",
				Message: fmt.Sprintf("%s: %v", tc.Name, err),
			})
			continue
		}
		if ok, isBool := v.Interface().(bool); isBool && !ok {
			errs = append(errs, atom.ValidationError{
				Code:    "test_failed",
				Message: fmt.Sprintf("%s: assertion %q is false", tc.Name, expr),
			})
		}
		logging.Get(logging.CategoryValidate).Debug("Test %s passed", tc.Name)
	}
	return errs
}

// validateImports rejects imports outside the allowlist before any code
// reaches the interpreter.
func (a *GoAdapter) validateImports(code string) error {
	fset := token.NewFileSet()
	file, err := goparser.ParseFile(fset, "atom.go", ensurePackage(code), goparser.ImportsOnly)
	if err != nil {
		return nil // Parse() reports syntax problems
	}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !a.allowedPackages[path] {
			return fmt.Errorf("import %q is not permitted in atom validation", path)
		}
	}
	return nil
}

func classifyYaegiError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "undefined"):
		return "undefined_symbol"
	case strings.Contains(msg, "cannot use"), strings.Contains(msg, "mismatch"):
		return "type_error"
	case strings.Contains(msg, "import"):
		return "forbidden_import"
	default:
		return "semantic_error"
	}
}

// ensurePackage wraps bare snippets in a package clause.
func ensurePackage(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	return "package atomsrc\n\n" + code
}
