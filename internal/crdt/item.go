package crdt

import (
	"unicode/utf8"

	"github.com/example/shared-note/internal/types"
)

// item is a single integrated character of the sequence. Items are never
// removed; deletion only sets the tombstone flag so that concurrent inserts
// referencing them still resolve to the same position everywhere.
type item struct {
	id          types.ID
	origin      *types.ID
	rightOrigin *types.ID
	content     rune
	deleted     bool

	left, right *item
}

// Run is the value view of one or more consecutive characters created by the
// same client. Character k of a run has ID {ID.Client, ID.Clock+k}. Its
// origin is the previous character of the run (Origin for k == 0) and every
// character shares RightOrigin and the Deleted flag.
type Run struct {
	ID          types.ID
	Origin      *types.ID
	RightOrigin *types.ID
	Content     string
	Deleted     bool
}

// Len returns the number of characters in the run.
func (r Run) Len() int {
	return utf8.RuneCountInString(r.Content)
}

// LastID returns the identifier of the final character of the run.
func (r Run) LastID() types.ID {
	n := r.Len()
	if n == 0 {
		return r.ID
	}
	return types.ID{Client: r.ID.Client, Clock: r.ID.Clock + uint64(n) - 1}
}

func cloneID(id *types.ID) *types.ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// runBuilder merges items appended in clock order into the fewest runs.
type runBuilder struct {
	runs    []Run
	content []rune
	last    types.ID
}

func (b *runBuilder) add(it *item) {
	if n := len(b.runs); n > 0 {
		cur := &b.runs[n-1]
		if cur.ID.Client == it.id.Client &&
			b.last.Clock+1 == it.id.Clock &&
			it.origin != nil && *it.origin == b.last &&
			types.SameID(cur.RightOrigin, it.rightOrigin) &&
			cur.Deleted == it.deleted {
			b.content = append(b.content, it.content)
			b.last = it.id
			return
		}
		cur.Content = string(b.content)
	}

	b.runs = append(b.runs, Run{
		ID:          it.id,
		Origin:      cloneID(it.origin),
		RightOrigin: cloneID(it.rightOrigin),
		Deleted:     it.deleted,
	})
	b.content = append(b.content[:0], it.content)
	b.last = it.id
}

func (b *runBuilder) finish() []Run {
	if n := len(b.runs); n > 0 {
		b.runs[n-1].Content = string(b.content)
	}
	return b.runs
}
