// Package pattern matches URLs against tenant-supplied path patterns.
//
// Pattern syntax:
//
//   - Glob (contains * ? [ or {): matched with '/' as separator, so "*" stays inside
//     one path segment and "**" crosses segments.
//     Example: "https://example.com/admin/**" matches "https://example.com/admin/a/b"
//     A literal '?' in a query string is written \?, as in "https://example.com/\?page=1".
//
//   - Regexp (~): case-sensitive regular expression
//     Example: "~^https://example\.com/api/v[0-9]+/"
//
//   - Regexp (~*): case-insensitive regular expression
//
//   - Exact (anything else): byte-for-byte comparison
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// PatternType defines the type of pattern matching
type PatternType int

const (
	PatternTypeGlob PatternType = iota
	PatternTypeRegexp
	PatternTypeExact
)

func (t PatternType) String() string {
	switch t {
	case PatternTypeGlob:
		return "glob"
	case PatternTypeRegexp:
		return "regexp"
	case PatternTypeExact:
		return "exact"
	default:
		return "unknown"
	}
}

// Pattern is a compiled pattern ready for matching
type Pattern struct {
	Original        string
	Type            PatternType
	CleanPattern    string // pattern with the ~ / ~* prefix removed
	CaseInsensitive bool

	compiledGlob   glob.Glob
	compiledRegexp *regexp.Regexp
}

// DetectPatternType returns the pattern type, the pattern without its prefix and
// whether matching is case-insensitive.
func DetectPatternType(pattern string) (PatternType, string, bool) {
	if strings.HasPrefix(pattern, "~*") {
		return PatternTypeRegexp, pattern[2:], true
	}
	if strings.HasPrefix(pattern, "~") {
		return PatternTypeRegexp, pattern[1:], false
	}
	if strings.ContainsAny(pattern, "*?[{") {
		return PatternTypeGlob, pattern, false
	}
	return PatternTypeExact, pattern, false
}

// Compile pre-compiles a pattern.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	patternType, cleanPattern, caseInsensitive := DetectPatternType(pattern)
	p := &Pattern{
		Original:        pattern,
		Type:            patternType,
		CleanPattern:    cleanPattern,
		CaseInsensitive: caseInsensitive,
	}

	switch patternType {
	case PatternTypeGlob:
		g, err := glob.Compile(cleanPattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		p.compiledGlob = g
	case PatternTypeRegexp:
		expr := cleanPattern
		if caseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern '%s': %w", pattern, err)
		}
		p.compiledRegexp = re
	}

	return p, nil
}

// Match tests if input matches the compiled pattern
func (p *Pattern) Match(input string) bool {
	if p == nil {
		return false
	}

	switch p.Type {
	case PatternTypeGlob:
		return p.compiledGlob != nil && p.compiledGlob.Match(input)
	case PatternTypeRegexp:
		return p.compiledRegexp != nil && p.compiledRegexp.MatchString(input)
	case PatternTypeExact:
		return input == p.CleanPattern
	default:
		return false
	}
}

// Set is an ordered list of compiled patterns.
type Set []*Pattern

// CompileAll compiles every pattern, failing on the first invalid one.
func CompileAll(patterns []string) (Set, error) {
	set := make(Set, 0, len(patterns))
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

// MatchAny returns the first pattern matching input, or nil.
func (s Set) MatchAny(input string) *Pattern {
	for _, p := range s {
		if p.Match(input) {
			return p
		}
	}
	return nil
}
