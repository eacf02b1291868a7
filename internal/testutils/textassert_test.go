//go:build test

package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter_DefaultOptions(t *testing.T) {
	opts := NewTextAsserter(t).GetOptions()

	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.True(t, opts.TrimSpace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
}

func TestTextAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		pass     bool
	}{
		{
			name:     "identical",
			actual:   "NAME  RSSI\nSensor  -42 dBm",
			expected: "NAME  RSSI\nSensor  -42 dBm",
			pass:     true,
		},
		{
			name:     "surrounding space trimmed",
			actual:   "\n  Connected to AA\n\n",
			expected: "Connected to AA",
			pass:     true,
		},
		{
			name:     "trailing whitespace per line",
			actual:   "a   \nb\t",
			expected: "a\nb",
			pass:     true,
		},
		{
			name:     "trailing whitespace kept",
			opts:     []TextOption{WithIgnoreTrailingWhitespace(false)},
			actual:   "a   \nb",
			expected: "a\nb",
		},
		{
			name:     "empty lines skipped",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "a\n\n\nb",
			expected: "a\nb",
			pass:     true,
		},
		{
			name:     "line differs",
			actual:   "a\nc",
			expected: "a\nb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			NewTextAsserter(r).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.pass {
				assert.Empty(t, r.failures)
			} else {
				assert.Len(t, r.failures, 1)
			}
		})
	}
}

func TestTextAsserter_DiffOutput(t *testing.T) {
	r := &recorder{}
	NewTextAsserter(r).Assert("line one\nline 2", "line one\nline two")

	assert.Len(t, r.failures, 1)
	assert.Contains(t, r.failures[0], "-line two")
	assert.Contains(t, r.failures[0], "+line 2")

	colored := NewTextAsserter(r).WithOptions(WithEnableColors(true)).diff("x y", "x z")
	assert.Contains(t, colored, "x·y")
	assert.Contains(t, colored, "\x1b[")
}
