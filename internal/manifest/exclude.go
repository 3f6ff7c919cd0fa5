package manifest

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultExcludes is the mandatory exclusion list: version-control metadata,
// the workflow definition directory, dependency-manager manifest and lock
// files, the documentation file, the local environment file, and test
// directories. Site configuration may append to this list; validation rejects
// configurations that remove entries from it.
func DefaultExcludes() []string {
	return []string{
		".git/",
		".github/",
		"composer.json",
		"composer.lock",
		"package.json",
		"package-lock.json",
		"README.md",
		".env",
		"tests/",
	}
}

// ExcludeSet matches relative paths against exclusion patterns. A pattern
// with a trailing slash excludes that directory's whole subtree. Any other
// pattern is a glob over the slash-separated relative path, where `*` stays
// within one path segment and `**` crosses segments.
type ExcludeSet struct {
	subtrees []string
	globs    []compiledGlob
}

type compiledGlob struct {
	pattern string
	g       glob.Glob
}

// NewExcludeSet compiles patterns into an ExcludeSet
func NewExcludeSet(patterns []string) (*ExcludeSet, error) {
	set := &ExcludeSet{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			set.subtrees = append(set.subtrees, strings.TrimSuffix(p, "/"))
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		set.globs = append(set.globs, compiledGlob{pattern: p, g: g})
	}
	return set, nil
}

// MustExcludeSet compiles patterns or panics. Intended for the built-in lists.
func MustExcludeSet(patterns []string) *ExcludeSet {
	set, err := NewExcludeSet(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Match reports whether a file at the given relative path is excluded
func (s *ExcludeSet) Match(path string) bool {
	for _, dir := range s.subtrees {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	for _, cg := range s.globs {
		if cg.g.Match(path) {
			return true
		}
	}
	return false
}

// MatchDir reports whether the directory at the given relative path is
// excluded in its entirety, allowing scans to prune the subtree.
func (s *ExcludeSet) MatchDir(path string) bool {
	for _, dir := range s.subtrees {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}

// Patterns returns the original pattern strings, subtree rules first
func (s *ExcludeSet) Patterns() []string {
	out := make([]string, 0, len(s.subtrees)+len(s.globs))
	for _, dir := range s.subtrees {
		out = append(out, dir+"/")
	}
	for _, cg := range s.globs {
		out = append(out, cg.pattern)
	}
	return out
}

// MissingMandatory returns the entries of DefaultExcludes absent from
// patterns. A non-empty result means the configuration weakened the
// mandatory exclusion list.
func MissingMandatory(patterns []string) []string {
	have := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		have[strings.TrimSpace(p)] = true
	}

	var missing []string
	for _, want := range DefaultExcludes() {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	return missing
}
