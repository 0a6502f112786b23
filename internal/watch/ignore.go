package watch

import (
	"path/filepath"
	"strings"
)

// defaultIgnoreDirs are directory names never worth watching: VCS metadata
// and build output directories that churn during every build.
var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"target":       true,
	"node_modules": true,
	".lambdev":     true,
}

// ignoreMatcher filters change events against configured glob patterns.
// Patterns match either the path relative to the project base or any
// single path segment, so "*.tmp" skips temp files anywhere and
// "vendor" skips a whole directory tree.
type ignoreMatcher struct {
	base     string
	patterns []string
}

func newIgnoreMatcher(base string, patterns []string) *ignoreMatcher {
	return &ignoreMatcher{base: base, patterns: patterns}
}

// IgnoresDir reports whether a directory should be excluded from the
// recursive watch entirely.
func (m *ignoreMatcher) IgnoresDir(path string) bool {
	name := filepath.Base(path)
	if defaultIgnoreDirs[name] {
		return true
	}
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	return m.Ignores(path)
}

// Ignores reports whether a changed path should be discarded.
func (m *ignoreMatcher) Ignores(path string) bool {
	rel, err := filepath.Rel(m.base, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	segments := strings.Split(rel, "/")

	for _, pattern := range m.patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		for _, seg := range segments {
			if ok, _ := filepath.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// isTransientFile reports editor scratch files whose churn never reflects
// a source change.
func isTransientFile(path string) bool {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".swx"),
		strings.HasSuffix(name, ".tmp"),
		strings.HasPrefix(name, ".#"),
		name == "4913": // vim write test file
		return true
	}
	return false
}
