// Package canonicalization provides backtrace normalization and fingerprinting for error grouping.
package canonicalization

import (
	"regexp"
	"strings"
)

// Normalizer canonicalizes a raw stack trace for comparison and hashing.
// Implementations must be pure and deterministic: equivalent traces map to identical output.
type Normalizer func(backtrace string) string

// Pre-compiled rewrite rules applied by NormalizeBacktrace, in order.
var (
	hexAddressPattern   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	pythonLinePattern   = regexp.MustCompile(`\bline \d+`)
	goFileLinePattern   = regexp.MustCompile(`(\.go):\d+`)
	javaFileLinePattern = regexp.MustCompile(`(\.(?:java|kt|scala|groovy)):\d+\)`)
	jsFileLinePattern   = regexp.MustCompile(`(\.(?:js|mjs|cjs|ts|jsx|tsx)):\d+(?::\d+)?`)
	rubyFileLinePattern = regexp.MustCompile(`(\.rb):\d+(:in\b)`)
	goroutinePattern    = regexp.MustCompile(`\bgoroutine \d+\b`)
)

// NormalizeBacktrace is the default Normalizer.
//
// Rules:
//  1. Line endings are unified to "\n"
//  2. Trailing whitespace is trimmed and blank lines dropped
//  3. Memory addresses and goroutine ids are masked
//  4. Source line (and column) numbers are masked for Python, Go, JVM, JavaScript and Ruby frames
//
// Two traces raised from the same call chain therefore share a normalized form even
// when a deploy shifted line numbers or the process ran at different addresses.
//
// Examples:
//   - `File "app.py", line 42, in handler` → `File "app.py", line ?, in handler`
//   - `main.go:118 +0x1d` → `main.go:? +0x?`
//   - `at Foo.bar(Foo.java:27)` → `at Foo.bar(Foo.java:?)`
func NormalizeBacktrace(backtrace string) string {
	if backtrace == "" {
		return ""
	}

	backtrace = strings.ReplaceAll(backtrace, "\r\n", "\n")
	backtrace = strings.ReplaceAll(backtrace, "\r", "\n")

	lines := strings.Split(backtrace, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}

		kept = append(kept, normalizeFrame(line))
	}

	return strings.Join(kept, "\n")
}

// normalizeFrame masks the non-identifying parts of a single trace line.
func normalizeFrame(line string) string {
	line = hexAddressPattern.ReplaceAllString(line, "0x?")
	line = goroutinePattern.ReplaceAllString(line, "goroutine ?")
	line = pythonLinePattern.ReplaceAllString(line, "line ?")
	line = goFileLinePattern.ReplaceAllString(line, "$1:?")
	line = javaFileLinePattern.ReplaceAllString(line, "$1:?)")
	line = jsFileLinePattern.ReplaceAllString(line, "$1:?")
	line = rubyFileLinePattern.ReplaceAllString(line, "$1:?$2")

	return line
}

// Identity is a Normalizer that returns the trace unchanged.
// Useful when reporters already send canonical traces.
func Identity(backtrace string) string {
	return backtrace
}
