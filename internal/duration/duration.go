// Package duration parses and formats the subset of ISO-8601 durations used
// for package sync cadences: days, hours, minutes, and seconds, plus the
// sentinel "PUSH" string for push-only packages.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
)

// Push is the sentinel syncrate value meaning "never scheduled by time,
// dispatched only via admin RPC".
const Push = -1

// maxSeconds is the largest duration this format can round-trip (31 days).
const maxSeconds = 2678399

var pattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`,
)

// Parse converts an ISO-8601 duration string into seconds.
// "" means zero seconds; "PUSH" means Push (-1).
func Parse(iso8601 string) (int, error) {
	if iso8601 == "" {
		return 0, nil
	}
	if iso8601 == "PUSH" {
		return Push, nil
	}

	m := pattern.FindStringSubmatch(iso8601)
	if m == nil {
		return 0, fmt.Errorf("duration: invalid ISO8601 duration string %q", iso8601)
	}

	days := atoiOr0(m[4])
	hours := atoiOr0(m[5])
	minutes := atoiOr0(m[6])
	seconds := atoiOr0(m[7])

	return days*24*3600 + hours*3600 + minutes*60 + seconds, nil
}

func atoiOr0(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}

// Format converts seconds back into an ISO-8601 duration string.
// Push (-1) formats as "PUSH"; 0 formats as "" to preserve round-tripping
// with empty-string cadences in config fixtures.
func Format(seconds int) (string, error) {
	if seconds == Push {
		return "PUSH", nil
	}
	if seconds < 0 {
		return "", fmt.Errorf("duration: must be non-negative, got %d", seconds)
	}
	if seconds > maxSeconds {
		return "", fmt.Errorf("duration: must be less than 31 days, got %d seconds", seconds)
	}
	if seconds == 0 {
		return "", nil
	}

	days := seconds / 86400
	rem := seconds % 86400

	out := "P"
	if days > 0 {
		out += fmt.Sprintf("%dD", days)
	}

	if rem > 0 {
		out += "T"

		hours := rem / 3600
		rem %= 3600
		if hours > 0 {
			out += fmt.Sprintf("%dH", hours)
		}

		minutes := rem / 60
		rem %= 60
		if minutes > 0 {
			out += fmt.Sprintf("%dM", minutes)
		}

		if rem > 0 {
			out += fmt.Sprintf("%dS", rem)
		}
	}

	return out, nil
}
