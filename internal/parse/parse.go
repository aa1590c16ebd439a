// Package parse extracts percentages, reset phrases, and account identity
// from noisy terminal text. Probes locate a label line, then scan a bounded
// window of following lines rather than the whole document, which keeps
// stale repaints and unrelated sections from matching.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWindow is how many lines after a label are scanned for a value.
const DefaultWindow = 6

var (
	percentRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%\s*(used|left|remaining)`)
	daysRe    = regexp.MustCompile(`(\d+)\s*(?:d|days?)\b`)
	hoursRe   = regexp.MustCompile(`(\d+)\s*(?:h|hr|hours?)\b`)
	minsRe    = regexp.MustCompile(`(\d+)\s*(?:m|min|mins|minutes?)\b`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// PercentAfterLabel scans up to window lines following the first line
// containing label (case-insensitive) for a "<n>% used" or "<n>% left"
// value. Used percentages convert as 100-n so the result is always percent
// remaining. A value on the label line itself also matches. The second
// return is false when neither the label nor a value was found.
func PercentAfterLabel(text, label string, window int) (float64, bool) {
	if window <= 0 {
		window = DefaultWindow
	}
	lines := strings.Split(text, "\n")
	start := indexOfLabel(lines, label)
	if start < 0 {
		return 0, false
	}
	end := start + window
	if end >= len(lines) {
		end = len(lines) - 1
	}
	for i := start; i <= end; i++ {
		if pct, ok := percentOnLine(lines[i]); ok {
			return pct, true
		}
	}
	return 0, false
}

// LinesAfterLabel returns the bounded window of lines starting at the label
// line, for provider-specific scanning beyond plain percentages.
func LinesAfterLabel(text, label string, window int) []string {
	if window <= 0 {
		window = DefaultWindow
	}
	lines := strings.Split(text, "\n")
	start := indexOfLabel(lines, label)
	if start < 0 {
		return nil
	}
	end := start + window + 1
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start:end]
}

func indexOfLabel(lines []string, label string) int {
	needle := strings.ToLower(label)
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), needle) {
			return i
		}
	}
	return -1
}

func percentOnLine(line string) (float64, bool) {
	m := percentRe.FindStringSubmatch(strings.ToLower(line))
	if m == nil {
		return 0, false
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "used" {
		return 100 - val, true
	}
	return val, true
}

// ResetDuration sums the day/hour/minute components of a reset phrase
// ("resets in 2d 5h 30m", "Resets 4:30pm (in 3 hours)"). The second return
// is false when no component matched; callers must then leave the reset
// timestamp unset rather than defaulting to now.
func ResetDuration(line string) (time.Duration, bool) {
	lower := strings.ToLower(line)
	var total time.Duration
	matched := false
	if m := daysRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * 24 * time.Hour
		matched = true
	}
	if m := hoursRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * time.Hour
		matched = true
	}
	if m := minsRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		total += time.Duration(n) * time.Minute
		matched = true
	}
	return total, matched
}

// ResetAfterLabel finds the first reset phrase in the bounded window after a
// label and converts it to an absolute timestamp relative to now.
func ResetAfterLabel(text, label string, window int, now time.Time) (*time.Time, string) {
	for _, line := range LinesAfterLabel(text, label, window) {
		lower := strings.ToLower(line)
		idx := strings.Index(lower, "reset")
		if idx < 0 {
			continue
		}
		// Only the phrase after "reset" counts; the label part of the line
		// may itself contain durations ("5h limit: ... resets in 3h").
		if d, ok := ResetDuration(line[idx:]); ok {
			at := now.Add(d)
			return &at, strings.TrimSpace(line)
		}
	}
	return nil, ""
}

// Email returns the first email-shaped token in text, or "".
func Email(text string) string {
	return emailRe.FindString(text)
}

// FalsePositive reports whether a line matching an error needle is actually
// benign. Interactive CLIs print promotional and help text mentioning "rate
// limits"; these must not be mistaken for an active rate-limit error.
var benignPatterns = []string{
	"learn more about rate limits",
	"/rate-limits",
	"about usage limits",
	"when you approach",
	"upgrade to increase",
}

func FalsePositive(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range benignPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ContainsError reports whether text contains needle outside of known
// benign contexts.
func ContainsError(text, needle string) bool {
	needle = strings.ToLower(needle)
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		if strings.Contains(line, needle) && !FalsePositive(line) {
			return true
		}
	}
	return false
}
