package watch

import (
	"fmt"
	"strings"

	"github.com/lambdev/lambdev/internal/config"
)

// RouteTable maps HTTP path patterns to function names. It is built once
// at startup from the resolved configuration and is read-only afterwards,
// so lookups need no locking.
type RouteTable struct {
	entries   []routeEntry
	defaultFn string
}

type routeEntry struct {
	method   string // empty matches any method
	segments []segment
	function string
}

type segment struct {
	literal string
	param   string
	greedy  bool
}

// NewRouteTable compiles the configured routes. Patterns use brace
// parameters: /users/{id} matches one segment, /files/{path+} matches the
// rest of the path.
func NewRouteTable(routes []config.Route, defaultFn string) (*RouteTable, error) {
	table := &RouteTable{defaultFn: defaultFn}
	for _, r := range routes {
		segments, err := compilePattern(r.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.Path, err)
		}
		table.entries = append(table.entries, routeEntry{
			method:   strings.ToUpper(r.Method),
			segments: segments,
			function: r.Function,
		})
	}
	return table, nil
}

func compilePattern(pattern string) ([]segment, error) {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segments := make([]segment, 0, len(parts))
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			greedy := strings.HasSuffix(name, "+")
			if greedy {
				name = strings.TrimSuffix(name, "+")
				if i != len(parts)-1 {
					return nil, fmt.Errorf("greedy parameter {%s+} must be the last segment", name)
				}
			}
			if name == "" {
				return nil, fmt.Errorf("empty parameter name")
			}
			segments = append(segments, segment{param: name, greedy: greedy})
			continue
		}
		segments = append(segments, segment{literal: part})
	}
	return segments, nil
}

// Lookup resolves a path and method to a function name and extracted path
// parameters. Entries are checked in declaration order; the first match
// wins. When nothing matches, the default function is returned if one is
// configured.
func (t *RouteTable) Lookup(path, method string) (string, map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	method = strings.ToUpper(method)

	for _, entry := range t.entries {
		if entry.method != "" && entry.method != method {
			continue
		}
		if params, ok := matchSegments(entry.segments, parts); ok {
			return entry.function, params, true
		}
	}

	if t.defaultFn != "" {
		return t.defaultFn, nil, true
	}
	return "", nil, false
}

// HasRoutes reports whether any explicit routes are configured.
func (t *RouteTable) HasRoutes() bool { return len(t.entries) > 0 }

// DefaultFunction returns the fallback function, if one is configured.
func (t *RouteTable) DefaultFunction() (string, bool) {
	return t.defaultFn, t.defaultFn != ""
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	var params map[string]string
	for i, seg := range segments {
		if seg.greedy {
			if i >= len(parts) || parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		if seg.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	if len(parts) != len(segments) {
		return nil, false
	}
	return params, true
}
