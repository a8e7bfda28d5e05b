package store

import (
	"regexp"
	"strings"
)

// Pattern is a compiled key pattern. '*' matches any run of characters
// (including none); every other character matches itself. A pattern must
// match the whole key, not a substring.
type Pattern struct {
	raw   string
	parts []string
}

// CompilePattern compiles a glob pattern.
func CompilePattern(pattern string) Pattern {
	return Pattern{raw: pattern, parts: strings.Split(pattern, "*")}
}

// Match is shorthand for CompilePattern(pattern).Match(key).
func Match(pattern, key string) bool {
	return CompilePattern(pattern).Match(key)
}

func (p Pattern) String() string {
	return p.raw
}

// Match reports whether key matches the pattern.
func (p Pattern) Match(key string) bool {
	if len(p.parts) == 1 {
		return key == p.raw
	}

	first, last := p.parts[0], p.parts[len(p.parts)-1]
	if len(key) < len(first)+len(last) {
		return false
	}
	if !strings.HasPrefix(key, first) || !strings.HasSuffix(key, last) {
		return false
	}

	// Leftmost placement of each middle literal is always safe.
	rest := key[len(first) : len(key)-len(last)]
	for _, part := range p.parts[1 : len(p.parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}

// Prefix returns the literal text before the first wildcard.
func (p Pattern) Prefix() string {
	return p.parts[0]
}

// Regexp returns an anchored regular expression equivalent to the pattern.
// The s flag lets '*' span newlines, as it does in Match and Redis MATCH,
// and \z anchors at the true end where PCRE's $ would allow a final "\n".
func (p Pattern) Regexp() string {
	quoted := make([]string, len(p.parts))
	for i, part := range p.parts {
		quoted[i] = regexp.QuoteMeta(part)
	}
	return `(?s)^` + strings.Join(quoted, ".*") + `\z`
}

// redisGlobEscaper escapes characters that Redis MATCH treats specially
// but that are literals here.
var redisGlobEscaper = strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// RedisGlob returns the pattern in Redis MATCH syntax.
func (p Pattern) RedisGlob() string {
	escaped := make([]string, len(p.parts))
	for i, part := range p.parts {
		escaped[i] = redisGlobEscaper.Replace(part)
	}
	return strings.Join(escaped, "*")
}
