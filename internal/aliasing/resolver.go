package aliasing

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/faultline-io/faultline/internal/aggregation"
)

var _ aggregation.ProjectResolver = (*Resolver)(nil)

type (
	// compiledPattern holds a pre-compiled pattern and its canonical template.
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
	}

	// Resolver maps reported project names to canonical names.
	// Immutable after construction and safe for concurrent use.
	//
	// Resolution order:
	//  1. Exact alias
	//  2. Patterns, in file order; first match wins
	//  3. The name unchanged
	Resolver struct {
		aliases  map[string]string
		patterns []compiledPattern
	}
)

// variableRegex matches {name} placeholders.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compilePattern converts a pattern to an anchored regex with one named group per placeholder.
//
// Pattern: "web-{region}" → Regex: ^web\-(?P<region>.+?)$.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	result := regexp.QuoteMeta(pattern)

	for _, match := range variableRegex.FindAllStringSubmatch(pattern, -1) {
		result = strings.Replace(result, regexp.QuoteMeta(match[0]), "(?P<"+match[1]+">.+?)", 1)
	}

	return regexp.Compile("^" + result + "$")
}

// NewResolver creates a resolver from cfg. Blank entries and patterns that fail to
// compile are skipped with a warning. A nil cfg yields a pass-through resolver.
func NewResolver(cfg *Config) *Resolver {
	r := &Resolver{aliases: make(map[string]string)}

	if cfg == nil {
		return r
	}

	for alias, canonical := range cfg.ProjectAliases {
		alias, canonical = strings.TrimSpace(alias), strings.TrimSpace(canonical)
		if alias == "" || canonical == "" {
			slog.Warn("Skipping blank project alias", slog.String("alias", alias))

			continue
		}

		r.aliases[alias] = canonical
	}

	for _, pp := range cfg.ProjectPatterns {
		pattern := strings.TrimSpace(pp.Pattern)
		canonical := strings.TrimSpace(pp.Canonical)

		if pattern == "" || canonical == "" {
			slog.Warn("Skipping project pattern with empty pattern or canonical",
				slog.String("pattern", pattern))

			continue
		}

		regex, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping invalid project pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		r.patterns = append(r.patterns, compiledPattern{regex: regex, canonical: canonical})
	}

	return r
}

// Len returns the number of aliases and patterns in effect.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}

	return len(r.aliases) + len(r.patterns)
}

// ResolveProject implements aggregation.ProjectResolver.
func (r *Resolver) ResolveProject(name string) string {
	if canonical, ok := r.Match(name); ok {
		return canonical
	}

	return name
}

// Match returns the canonical name for name and whether any alias or pattern applied.
func (r *Resolver) Match(name string) (string, bool) {
	if r == nil || name == "" {
		return "", false
	}

	if canonical, ok := r.aliases[name]; ok {
		return canonical, true
	}

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(name)
		if match == nil {
			continue
		}

		canonical := cp.canonical

		for i, varName := range cp.regex.SubexpNames() {
			if i > 0 && varName != "" {
				canonical = strings.ReplaceAll(canonical, "{"+varName+"}", match[i])
			}
		}

		return canonical, true
	}

	return "", false
}
