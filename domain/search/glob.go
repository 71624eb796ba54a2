package search

import (
	"regexp"
	"strings"
	"sync"
)

var globCache sync.Map // pattern string -> *regexp.Regexp

// globMatch matches path-style glob patterns. `*` matches within a path
// segment, `**` matches across segments, `?` matches one character.
// Patterns without a slash match against any path suffix segment, so
// "*.go" matches "internal/log/logger.go".
func globMatch(pattern, path string) bool {
	re, ok := globCache.Load(pattern)
	if !ok {
		compiled, err := compileGlob(pattern)
		if err != nil {
			return false
		}
		re = compiled
		globCache.Store(pattern, re)
	}
	if re.(*regexp.Regexp).MatchString(path) {
		return true
	}
	if !strings.Contains(pattern, "/") {
		if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
			return re.(*regexp.Regexp).MatchString(path[idx+1:])
		}
	}
	return false
}

// HasGlobMeta reports whether s contains glob metacharacters.
func HasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// GlobMatch matches a glob pattern against a name using the same rules as
// path filters. Used for repository alias selection.
func GlobMatch(pattern, name string) bool {
	return globMatch(pattern, name)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
				// Swallow a trailing slash so "a/**/b" matches "a/b".
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					sb.WriteString("/?")
					i++
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
