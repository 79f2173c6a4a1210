// Package executor drives wave-by-wave atom execution: prompt composition,
// the bounded per-atom retry loop, and concurrent scheduling within a wave.
package executor

import (
	"fmt"
	"sort"
	"strings"

	"atomforge/internal/atom"
)

// feedbackSuffix is the canonical closing instruction of every feedback
// prompt.
const feedbackSuffix = "Your previous attempt failed the following checks. " +
	"Produce a corrected implementation satisfying all preconditions and tests."

// composeInitialPrompt builds the first-attempt prompt from the task
// description, the atom's context bundle and retrieved pattern snippets.
func composeInitialPrompt(task atom.Task, unit *atom.AtomicUnit, patterns []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Implement a single %s unit named %q for the following task.\n\n", unit.Language, unit.Name)
	fmt.Fprintf(&sb, "Task: %s\n", task.Description)
	fmt.Fprintf(&sb, "Target file: %s\n", unit.TargetPath)
	fmt.Fprintf(&sb, "Size bound: at most %d lines. Keep cyclomatic complexity under 3.\n\n", unit.EstimatedLOC)

	if bundle := unit.Context; bundle != nil {
		if len(bundle.Imports) > 0 {
			fmt.Fprintf(&sb, "Available imports: %s\n", strings.Join(bundle.Imports, ", "))
		}
		if len(bundle.Types) > 0 {
			sb.WriteString("Type schemas:\n")
			for _, symbol := range sortedTypeKeys(bundle.Types) {
				fmt.Fprintf(&sb, "  %s: %s\n", symbol, bundle.Types[symbol])
			}
		}
		if len(bundle.Preconditions) > 0 {
			sb.WriteString("Preconditions:\n")
			for _, pre := range bundle.Preconditions {
				fmt.Fprintf(&sb, "  - %s\n", pre)
			}
		}
		if len(bundle.Postconditions) > 0 {
			sb.WriteString("Postconditions:\n")
			for _, post := range bundle.Postconditions {
				fmt.Fprintf(&sb, "  - %s\n", post)
			}
		}
		if len(bundle.TestCases) > 0 {
			sb.WriteString("The implementation must pass these tests:\n")
			for _, tc := range bundle.TestCases {
				fmt.Fprintf(&sb, "  - %s: input %s, expected %s\n", tc.Name, tc.Input, tc.Expected)
			}
		}
	}

	if len(patterns) > 0 {
		sb.WriteString("\nReference patterns (advisory):\n")
		for _, p := range patterns {
			sb.WriteString(indent(p, "  "))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nRespond with code only, no prose.")
	return sb.String()
}

// composeFeedbackPrompt builds a retry prompt from the latest validation
// result and the prior code: structured error summary, the offending lines
// with two lines of context, and the canonical suffix. The prior attempt's
// full code is never included beyond the quoted offending lines.
func composeFeedbackPrompt(task atom.Task, unit *atom.AtomicUnit, last atom.ValidationResult, priorCode string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Implement a single %s unit named %q for the following task.\n\n", unit.Language, unit.Name)
	fmt.Fprintf(&sb, "Task: %s\n\n", task.Description)

	sb.WriteString("Failed checks:\n")
	for _, e := range last.Errors {
		fmt.Fprintf(&sb, "  [%s] %s", e.Code, e.Message)
		if e.Line > 0 {
			fmt.Fprintf(&sb, " (line %d)", e.Line)
		}
		sb.WriteString("\n")
	}

	if quoted := quoteOffendingLines(priorCode, last.Errors); quoted != "" {
		sb.WriteString("\nOffending lines:\n")
		sb.WriteString(quoted)
	}

	if bundle := unit.Context; bundle != nil {
		if len(bundle.Preconditions) > 0 {
			sb.WriteString("\nPreconditions:\n")
			for _, pre := range bundle.Preconditions {
				fmt.Fprintf(&sb, "  - %s\n", pre)
			}
		}
		if len(bundle.TestCases) > 0 {
			sb.WriteString("Tests to satisfy:\n")
			for _, tc := range bundle.TestCases {
				fmt.Fprintf(&sb, "  - %s: input %s, expected %s\n", tc.Name, tc.Input, tc.Expected)
			}
		}
	}

	sb.WriteString("\n")
	sb.WriteString(feedbackSuffix)
	sb.WriteString("\nRespond with code only, no prose.")
	return sb.String()
}

// quoteOffendingLines extracts each error's span with ±2 lines of context.
func quoteOffendingLines(code string, errs []atom.ValidationError) string {
	if code == "" {
		return ""
	}
	lines := strings.Split(code, "\n")

	include := make(map[int]bool)
	for _, e := range errs {
		if e.Line <= 0 {
			continue
		}
		end := e.EndLine
		if end < e.Line {
			end = e.Line
		}
		for l := e.Line - 2; l <= end+2; l++ {
			if l >= 1 && l <= len(lines) {
				include[l] = true
			}
		}
	}
	if len(include) == 0 {
		return ""
	}

	var sb strings.Builder
	prev := 0
	for l := 1; l <= len(lines); l++ {
		if !include[l] {
			continue
		}
		if prev != 0 && l != prev+1 {
			sb.WriteString("  ...\n")
		}
		fmt.Fprintf(&sb, "  %4d | %s\n", l, lines[l-1])
		prev = l
	}
	return sb.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func sortedTypeKeys(types map[string]string) []string {
	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
