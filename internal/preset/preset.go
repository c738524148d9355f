// Package preset maps file-type preset names to glob patterns. The
// registry is closed at build time; unknown names fail resolution with a
// single error listing every valid preset.
package preset

import (
	"fmt"
	"sort"
	"strings"

	aberrors "github.com/SpillwaveSolutions/agent-brain/internal/errors"
)

// registry is the fixed mapping from preset name to glob patterns.
var registry = map[string][]string{
	"python":     {"*.py", "*.pyi", "*.pyw"},
	"javascript": {"*.js", "*.jsx", "*.mjs", "*.cjs"},
	"typescript": {"*.ts", "*.tsx", "*.mts"},
	"go":         {"*.go"},
	"rust":       {"*.rs"},
	"java":       {"*.java"},
	"csharp":     {"*.cs"},
	"c":          {"*.c", "*.h"},
	"cpp":        {"*.cpp", "*.cc", "*.cxx", "*.hpp", "*.hh"},
	"web":        {"*.html", "*.htm", "*.css", "*.scss", "*.vue", "*.svelte"},
	"docs":       {"*.md", "*.mdx", "*.markdown", "*.rst", "*.adoc"},
	"code": {
		"*.py", "*.js", "*.jsx", "*.ts", "*.tsx", "*.go", "*.rs",
		"*.java", "*.cs", "*.c", "*.h", "*.cpp", "*.cc", "*.hpp", "*.rb", "*.php",
	},
	"text": {"*.txt", "*.text"},
	"pdf":  {"*.pdf"},
}

// Names returns all valid preset names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Patterns returns the glob patterns for a single preset.
func Patterns(name string) ([]string, bool) {
	p, ok := registry[name]
	return p, ok
}

// Resolve maps preset names to a deduplicated pattern list preserving the
// order of first occurrence. Unknown names produce one aggregated
// Configuration error naming every valid preset.
func Resolve(names []string) ([]string, error) {
	var unknown []string
	for _, name := range names {
		if _, ok := registry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, aberrors.Newf(aberrors.KindConfiguration,
			"unknown preset(s) %s", strings.Join(unknown, ", ")).
			WithHint(fmt.Sprintf("valid presets: %s", strings.Join(Names(), ", ")))
	}

	seen := make(map[string]bool)
	var patterns []string
	for _, name := range names {
		for _, p := range registry[name] {
			if seen[p] {
				continue
			}
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	return patterns, nil
}
