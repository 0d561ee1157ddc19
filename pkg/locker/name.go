package locker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the NFC form of name after checking it can be used
// as an envelope file stem.
func NormalizeName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	name = norm.NFC.String(name)

	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrInvalidName, len(name), MaxNameLength)
	}
	if name[0] == '.' || name[0] == '-' {
		return "", fmt.Errorf("%w: cannot start with '.' or '-'", ErrInvalidName)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: cannot contain '..'", ErrInvalidName)
	}
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			return "", fmt.Errorf("%w: path separators are not allowed", ErrInvalidName)
		case unicode.IsControl(r):
			return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidName)
		}
	}
	return name, nil
}

func validateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrValueTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// cleanTags trims tags and drops empty ones, keeping order.
func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
