package kvcache

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache holds compiled glob patterns keyed by the glob itself.
// Invalidation patterns come from a small fixed set of key conventions, so
// the cache stays small in practice.
var regexCache sync.Map

// MatchPattern reports whether key matches a Redis-style glob pattern.
//
// Pattern syntax (same subset Redis SCAN MATCH accepts):
//   - "*" matches any run of characters, including none
//   - "?" matches exactly one character
//   - "[abc]" / "[a-z]" / "[^a]" match a character class
//   - "\x" matches x literally
//
// Prefix patterns ("distribution:42:*") take a fast path without regexes.
func MatchPattern(pattern, key string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}

	if pattern == key || pattern == "*" {
		return true, nil
	}

	if prefix, ok := simplePrefix(pattern); ok {
		return strings.HasPrefix(key, prefix), nil
	}

	re, err := compileGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(key), nil
}

// EscapePattern quotes the glob metacharacters of a literal key fragment so it
// matches only itself inside a pattern.
func EscapePattern(literal string) string {
	if !strings.ContainsAny(literal, `*?[]\`) {
		return literal
	}
	var b strings.Builder
	b.Grow(len(literal) + 4)
	for i := 0; i < len(literal); i++ {
		switch ch := literal[i]; ch {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// simplePrefix returns the literal prefix of patterns shaped "literal*".
func simplePrefix(pattern string) (string, bool) {
	if !strings.HasSuffix(pattern, "*") {
		return "", false
	}
	prefix := pattern[:len(pattern)-1]
	if strings.ContainsAny(prefix, `*?[\`) {
		return "", false
	}
	return prefix, true
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// globToRegex converts a glob into an anchored-ready regular expression.
//
// Example: "distribution:*:scenario:?" -> "distribution:.*:scenario:."
func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)

	inClass := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]

		if inClass {
			switch ch {
			case ']':
				inClass = false
				b.WriteByte(ch)
			case '\\':
				b.WriteString(`\\`)
			default:
				b.WriteByte(ch)
			}
			continue
		}

		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			if strings.IndexByte(pattern[i+1:], ']') < 0 {
				b.WriteString(`\[`)
				continue
			}
			inClass = true
			b.WriteByte('[')
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}

	return b.String()
}
