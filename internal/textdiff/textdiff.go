// Package textdiff turns two versions of a text into a single splice, the
// way an editor widget reports changes to a replica.
package textdiff

// Change replaces Delete characters at Pos with Insert. Positions and lengths
// count runes, not bytes.
type Change struct {
	Pos    int
	Delete int
	Insert string
}

// Empty reports whether the change is a no-op.
func (c Change) Empty() bool {
	return c.Delete == 0 && c.Insert == ""
}

// Diff computes the splice that turns before into after by trimming their
// common prefix and suffix. The range it removes always lies inside before.
func Diff(before, after string) Change {
	a := []rune(before)
	b := []rune(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	return Change{
		Pos:    prefix,
		Delete: len(a) - prefix - suffix,
		Insert: string(b[prefix : len(b)-suffix]),
	}
}

// Apply performs the change on text. It is the inverse check of Diff.
func Apply(text string, c Change) string {
	r := []rune(text)
	out := make([]rune, 0, len(r)-c.Delete+len(c.Insert))
	out = append(out, r[:c.Pos]...)
	out = append(out, []rune(c.Insert)...)
	return string(append(out, r[c.Pos+c.Delete:]...))
}
