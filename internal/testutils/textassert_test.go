package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		pass     bool
	}{
		{name: "identical", actual: "a\nb", expected: "a\nb", pass: true},
		{name: "different line", actual: "a\nc", expected: "a\nb"},
		{name: "surrounding space", opts: []TextOption{WithTrimSpace(true)}, actual: "\n a\nb \n", expected: "a\nb", pass: true},
		{name: "trailing whitespace", opts: []TextOption{WithIgnoreTrailingWhitespace(true)}, actual: "a  \nb\t", expected: "a\nb", pass: true},
		{name: "trailing whitespace counts by default", actual: "a  \nb", expected: "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.pass {
				assert.Empty(t, rec.failures)
			} else {
				assert.Len(t, rec.failures, 1)
			}
		})
	}
}

func TestTextAsserter_DiffShowsBothSides(t *testing.T) {
	ta := NewTextAsserter(&recordingT{})

	diff := ta.diff("Devices: 2\n", "Devices: 3\n")

	assert.Contains(t, diff, "-Devices: 3")
	assert.Contains(t, diff, "+Devices: 2")
	assert.Contains(t, diff, "--- expected")
}

func TestTextAsserter_ColoredDiff(t *testing.T) {
	ta := NewTextAsserter(&recordingT{}).WithOptions(WithEnableColors(true))

	diff := ta.diff("x\n", "y\n")

	assert.Contains(t, diff, "\x1b[")
}
