package permissions

import (
	"regexp"
	"strings"
	"sync"
)

var (
	globCacheMu sync.Mutex
	globCache   = map[string]*regexp.Regexp{}
)

// GlobMatch matches value against a glob pattern, case-insensitively.
// `*` matches within a path segment, `**` crosses separators, `?` matches
// one non-separator character, and `[set]` passes through as a character
// class.
func GlobMatch(value, pattern string) bool {
	globCacheMu.Lock()
	re, ok := globCache[pattern]
	globCacheMu.Unlock()
	if !ok {
		re = compileGlob(pattern)
		globCacheMu.Lock()
		globCache[pattern] = re
		globCacheMu.Unlock()
	}
	return re.MatchString(value)
}

func compileGlob(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?i)^")
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i += 2
			} else {
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				b.WriteString(pattern[i : j+1])
				i = j + 1
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		// A malformed character set falls back to never-matching rather
		// than failing the evaluation.
		return regexp.MustCompile(`^\x00never\x00$`)
	}
	return re
}
