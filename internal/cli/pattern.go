// Package cli provides shared utilities for the locker commands.
package cli

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	// ErrInvalidPattern indicates a malformed glob pattern.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrNoMatch indicates a pattern or name that matched nothing.
	ErrNoMatch = errors.New("no secret matches")
)

// ExpandPattern expands a glob pattern against the available secret names.
// A pattern without glob characters (*?[) must match a name exactly.
// Matches keep the order of names.
func ExpandPattern(pattern string, names []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	if !IsPattern(pattern) {
		for _, name := range names {
			if name == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("%w %q", ErrNoMatch, pattern)
	}

	var matches []string
	for _, name := range names {
		// Names never contain '/', so path.Match has no separator semantics here
		if ok, _ := path.Match(pattern, name); ok {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w pattern %q", ErrNoMatch, pattern)
	}
	return matches, nil
}

// IsPattern reports whether s contains glob characters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// ExpandPatterns expands several patterns and returns the unique matches in
// order of first match.
func ExpandPatterns(patterns []string, names []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, names)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			if !seen[name] {
				seen[name] = true
				result = append(result, name)
			}
		}
	}
	return result, nil
}

// SortedNames returns a sorted copy of names.
func SortedNames(names []string) []string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return sorted
}
