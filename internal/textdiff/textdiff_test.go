package textdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	cases := []struct {
		name          string
		before, after string
		want          Change
	}{
		{"identical", "same", "same", Change{Pos: 4}},
		{"append", "hello", "hello world", Change{Pos: 5, Insert: " world"}},
		{"prepend", "world", "hello world", Change{Pos: 0, Insert: "hello "}},
		{"delete middle", "abcdef", "abef", Change{Pos: 2, Delete: 2}},
		{"replace", "cat", "cut", Change{Pos: 1, Delete: 1, Insert: "u"}},
		{"repeated chars", "aaa", "aaaa", Change{Pos: 3, Insert: "a"}},
		{"clear", "gone", "", Change{Pos: 0, Delete: 4}},
		{"multibyte", "naïve", "naive", Change{Pos: 2, Delete: 1, Insert: "i"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Diff(tc.before, tc.after)
			require.Equal(t, tc.want, got)
			assert.Equal(t, tc.after, Apply(tc.before, got))
		})
	}
}

func TestDiffNeverLeavesBounds(t *testing.T) {
	texts := []string{"", "a", "ab", "ba", "aba", "abba", "xyz", "ééé"}
	for _, before := range texts {
		for _, after := range texts {
			c := Diff(before, after)
			n := len([]rune(before))
			require.GreaterOrEqual(t, c.Pos, 0)
			require.GreaterOrEqual(t, c.Delete, 0)
			require.LessOrEqual(t, c.Pos+c.Delete, n, "%q -> %q", before, after)
			require.Equal(t, after, Apply(before, c))
		}
	}
}
