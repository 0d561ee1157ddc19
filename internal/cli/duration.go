package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses durations like "24h", "30d", "2w", "6m" or "1y".
// Months are 30 days and years 365. Anything else goes to time.ParseDuration.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %q", s)
	}

	unit := s[len(s)-1]
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

// ParseDays parses a TTL in days. A bare number is days; otherwise the
// value is parsed by ParseDuration and must be a whole number of days.
func ParseDays(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("days must not be negative: %d", n)
		}
		return n, nil
	}

	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid days %q: %w", s, err)
	}
	const day = 24 * time.Hour
	if d < 0 || d%day != 0 {
		return 0, fmt.Errorf("invalid days %q: must be a whole number of days", s)
	}
	return int(d / day), nil
}

// FormatRemaining renders a remaining lifetime as "3d 4h", "5h 12m" or
// "expired".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// ParseTags splits a comma-separated tag list, dropping empty items.
func ParseTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
