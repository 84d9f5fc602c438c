package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the part of testing.T the asserters use
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// AssertText compares rendered output line by line, ignoring trailing whitespace and
// colour escapes, and reports a unified diff on mismatch.
func AssertText(t TestingT, expected, actual string) bool {
	t.Helper()

	if diff := TextDiff(expected, actual); diff != "" {
		t.Errorf("Text assertion failed - unified diff:\n%s", diff)
		return false
	}
	return true
}

// TextDiff returns the unified diff of the normalized texts, or "" when they match
func TextDiff(expected, actual string) string {
	expected, actual = normalizeText(expected), normalizeText(actual)
	if expected == actual {
		return ""
	}
	edits := myers.ComputeEdits("", expected, actual)
	return fmt.Sprint(gotextdiff.ToUnified("expected", "actual", expected, edits))
}

func normalizeText(s string) string {
	s = stripANSI(s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}

// stripANSI removes SGR sequences such as the ones fatih/color emits
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Colorize renders s the way a colour-enabled terminal would receive it
func Colorize(s string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}
