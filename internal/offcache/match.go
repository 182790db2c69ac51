package offcache

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

type pathMatcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type pathExactMatcher struct{ Path string }

func (m pathExactMatcher) Match(path string) bool { return path == m.Path }

type pathSuffixMatcher struct{ Suffix string }

func (m pathSuffixMatcher) Match(path string) bool { return strings.HasSuffix(path, m.Suffix) }

// extMatcher matches the final extension of the path, case-insensitively.
type extMatcher struct{ Exts map[string]struct{} }

func (m extMatcher) Match(p string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return false
	}
	_, ok := m.Exts[ext]
	return ok
}

type regexpMatcher struct{ Re *regexp.Regexp }

func (m regexpMatcher) Match(path string) bool { return m.Re.MatchString(path) }

// parseMatch compiles a rule expression: terms joined by "|", each one of
//
//	PathPrefix(/lh/)  Path(/)  PathSuffix(/index.html)
//	Ext(jpg,png)      PathRegexp(^/media/.*\.webp$)
func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts, err := splitTopLevel(expr)
	if err != nil {
		return nil, err
	}
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := parseTerm(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTopLevel splits on "|" outside parentheses, so regexp alternations
// stay inside their term.
func splitTopLevel(expr string) ([]string, error) {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at %d", i)
			}
		case '|':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '(' in %q", expr)
	}
	return append(parts, expr[start:]), nil
}

func parseTerm(term string) (pathMatcher, error) {
	open := strings.IndexByte(term, '(')
	if open <= 0 || !strings.HasSuffix(term, ")") {
		return nil, fmt.Errorf("want Name(argument), got %q", term)
	}
	name := strings.TrimSpace(term[:open])
	inside := strings.TrimSpace(term[open+1 : len(term)-1])
	if inside == "" {
		return nil, fmt.Errorf("%s: empty argument", name)
	}

	switch name {
	case "PathPrefix", "Path":
		if !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("%s: invalid path %q", name, inside)
		}
		if name == "Path" {
			return pathExactMatcher{Path: inside}, nil
		}
		return pathPrefixMatcher{Prefix: inside}, nil
	case "PathSuffix":
		return pathSuffixMatcher{Suffix: inside}, nil
	case "Ext":
		exts := map[string]struct{}{}
		for _, e := range strings.Split(inside, ",") {
			e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
			if e != "" {
				exts[e] = struct{}{}
			}
		}
		if len(exts) == 0 {
			return nil, fmt.Errorf("Ext: no extensions in %q", inside)
		}
		return extMatcher{Exts: exts}, nil
	case "PathRegexp":
		re, err := regexp.Compile(inside)
		if err != nil {
			return nil, fmt.Errorf("PathRegexp: %w", err)
		}
		return regexpMatcher{Re: re}, nil
	}
	return nil, fmt.Errorf("unsupported matcher %q", name)
}
