package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/textdiff"
	"github.com/example/shared-note/internal/types"
)

func syncDocs(t *testing.T, docs ...*Doc) {
	t.Helper()
	for _, from := range docs {
		for _, to := range docs {
			if from == to {
				continue
			}
			to.ApplyUpdate(from.StateAsUpdate(to.StateVector()))
		}
	}
}

func TestHelloWorld(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	_, err := a.InsertAt(0, "Hello")
	require.NoError(t, err)
	syncDocs(t, a, b)
	require.Equal(t, "Hello", b.Text())

	_, err = b.InsertAt(b.Len(), " World")
	require.NoError(t, err)
	syncDocs(t, a, b)

	require.Equal(t, "Hello World", a.Text())
	require.Equal(t, "Hello World", b.Text())
	require.True(t, a.StateVector().Equal(b.StateVector()))
}

func TestConcurrentInsertSamePositionOrdersByClient(t *testing.T) {
	a := NewDoc(7)
	b := NewDoc(3)

	ua, err := a.InsertAt(0, "a")
	require.NoError(t, err)
	ub, err := b.InsertAt(0, "b")
	require.NoError(t, err)

	require.True(t, a.ApplyUpdate(ub))
	require.True(t, b.ApplyUpdate(ua))

	require.Equal(t, "ba", a.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestConcurrentRunsDoNotInterleave(t *testing.T) {
	base := NewDoc(1)
	_, err := base.InsertAt(0, "[]")
	require.NoError(t, err)

	a := NewDoc(2)
	b := NewDoc(3)
	a.ApplyUpdate(base.StateAsUpdate(nil))
	b.ApplyUpdate(base.StateAsUpdate(nil))

	ua, err := a.InsertAt(1, "left")
	require.NoError(t, err)
	ub, err := b.InsertAt(1, "right")
	require.NoError(t, err)

	a.ApplyUpdate(ub)
	b.ApplyUpdate(ua)

	require.Equal(t, "[leftright]", a.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	update, err := a.InsertAt(0, "abc")
	require.NoError(t, err)

	require.True(t, b.ApplyUpdate(update))
	require.False(t, b.ApplyUpdate(update))
	require.Equal(t, "abc", b.Text())

	del, err := a.DeleteAt(1, 1)
	require.NoError(t, err)
	require.True(t, b.ApplyUpdate(del))
	require.False(t, b.ApplyUpdate(del))
	require.Equal(t, "ac", b.Text())
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	first, err := a.InsertAt(0, "ab")
	require.NoError(t, err)
	second, err := a.InsertAt(2, "c")
	require.NoError(t, err)

	require.True(t, b.ApplyUpdate(second))
	require.Equal(t, "", b.Text())
	require.Equal(t, 1, b.PendingCount())
	require.Equal(t, uint64(1), b.Missing()[1])

	require.True(t, b.ApplyUpdate(first))
	require.Equal(t, "abc", b.Text())
	require.Zero(t, b.PendingCount())
	require.Empty(t, b.Missing())
}

func TestDeleteBeforeInsertArrives(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	insert, err := a.InsertAt(0, "xy")
	require.NoError(t, err)
	del, err := a.DeleteAt(0, 1)
	require.NoError(t, err)

	require.True(t, b.ApplyUpdate(del))
	require.Equal(t, "", b.Text())

	require.True(t, b.ApplyUpdate(insert))
	require.Equal(t, "y", b.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestLocalDeleteOfUnknownItemIsRemembered(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	insert, err := a.InsertAt(0, "q")
	require.NoError(t, err)

	update := b.Delete(types.ID{Client: 1, Clock: 1})
	require.False(t, update.IsEmpty())

	b.ApplyUpdate(insert)
	require.Equal(t, "", b.Text())

	a.ApplyUpdate(update)
	require.Equal(t, "", a.Text())
}

func TestDeleteIsIdempotentLocally(t *testing.T) {
	a := NewDoc(1)
	_, err := a.InsertAt(0, "z")
	require.NoError(t, err)

	require.False(t, a.Delete(types.ID{Client: 1, Clock: 1}).IsEmpty())
	require.True(t, a.Delete(types.ID{Client: 1, Clock: 1}).IsEmpty())
	require.Zero(t, a.Len())
}

func TestThreeReplicasConvergeUnderAnyDeliveryOrder(t *testing.T) {
	base := NewDoc(100)
	_, err := base.InsertAt(0, "shared note")
	require.NoError(t, err)
	seed := base.StateAsUpdate(nil)

	replicas := []*Doc{NewDoc(1), NewDoc(2), NewDoc(3)}
	for _, r := range replicas {
		r.ApplyUpdate(seed)
	}

	var updates []Update
	record := func(u Update, err error) {
		require.NoError(t, err)
		updates = append(updates, u)
	}
	record(replicas[0].InsertAt(0, ">> "))
	record(replicas[0].DeleteAt(6, 1))
	record(replicas[1].InsertAt(6, "-"))
	record(replicas[1].InsertAt(0, "A"))
	record(replicas[2].DeleteAt(0, 6))
	record(replicas[2].InsertAt(5, "!"))

	permutations := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{2, 4, 0, 5, 1, 3},
		{1, 0, 3, 2, 5, 4},
		{4, 5, 2, 3, 0, 1},
		{3, 1, 5, 0, 4, 2},
	}

	var expected string
	for i, order := range permutations {
		doc := NewDoc(types.ClientID(200 + i))
		doc.ApplyUpdate(seed)
		for _, idx := range order {
			doc.ApplyUpdate(updates[idx])
		}
		require.Zero(t, doc.PendingCount())
		if i == 0 {
			expected = doc.Text()
			continue
		}
		require.Equal(t, expected, doc.Text(), "order %v", order)
	}

	syncDocs(t, replicas...)
	for _, r := range replicas {
		require.Equal(t, expected, r.Text())
	}
}

func TestStateAsUpdateOnlyCarriesMissingItems(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	_, err := a.InsertAt(0, "abc")
	require.NoError(t, err)
	b.ApplyUpdate(a.StateAsUpdate(nil))

	_, err = a.InsertAt(3, "d")
	require.NoError(t, err)
	_, err = a.DeleteAt(0, 1)
	require.NoError(t, err)

	diff := a.StateAsUpdate(b.StateVector())
	require.Len(t, diff.Runs, 1)
	require.Equal(t, "d", diff.Runs[0].Content)
	require.Equal(t, []DeleteRange{{Clock: 1, Len: 1}}, diff.Deletes[1])

	require.True(t, b.ApplyUpdate(diff))
	require.Equal(t, "bcd", b.Text())

	require.Empty(t, a.StateAsUpdate(a.StateVector()).Runs)
}

func TestSequentialTypingMergesIntoOneRun(t *testing.T) {
	a := NewDoc(1)
	for i, r := range "hello" {
		_, err := a.InsertAt(i, string(r))
		require.NoError(t, err)
	}

	full := a.StateAsUpdate(nil)
	require.Len(t, full.Runs, 1)
	require.Equal(t, "hello", full.Runs[0].Content)
	require.Nil(t, full.Runs[0].Origin)
	require.Equal(t, types.ID{Client: 1, Clock: 5}, full.Runs[0].LastID())
}

func TestTombstonesSurviveFullStateTransfer(t *testing.T) {
	a := NewDoc(1)
	_, err := a.InsertAt(0, "abcd")
	require.NoError(t, err)
	_, err = a.DeleteAt(1, 2)
	require.NoError(t, err)

	b := NewDoc(2)
	require.True(t, b.ApplyUpdate(a.StateAsUpdate(nil)))
	require.Equal(t, "ad", b.Text())
	require.Equal(t, uint64(4), b.StateVector()[1])

	// An insert anchored on a tombstone still lands in the right place.
	_, up, err := a.Insert(&types.ID{Client: 1, Clock: 2}, "X")
	require.NoError(t, err)
	require.True(t, b.ApplyUpdate(up))
	require.Equal(t, "aXd", b.Text())
	require.Equal(t, a.Text(), b.Text())
}

func TestPositionErrors(t *testing.T) {
	a := NewDoc(1)
	_, err := a.InsertAt(1, "x")
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = a.InsertAt(0, "x")
	require.NoError(t, err)
	_, err = a.DeleteAt(0, 2)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, _, err = a.Insert(&types.ID{Client: 9, Clock: 1}, "y")
	require.ErrorIs(t, err, ErrUnknownItem)
}

func TestListenersObserveLocalAndRemoteChanges(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	var events []Event
	unsubscribe := b.Subscribe(func(evt Event) { events = append(events, evt) })

	up, err := a.InsertAt(0, "hi")
	require.NoError(t, err)
	b.ApplyUpdate(up)
	_, err = b.DeleteAt(0, 1)
	require.NoError(t, err)

	require.Len(t, events, 2)
	require.False(t, events[0].Local)
	require.Len(t, events[0].Inserted, 2)
	require.True(t, events[1].Local)
	require.Equal(t, []types.ID{{Client: 1, Clock: 1}}, events[1].Deleted)

	unsubscribe()
	_, err = b.InsertAt(0, "!")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestStateAsUpdateCarriesBufferedDeletes(t *testing.T) {
	author := NewDoc(1)
	server := NewDoc(2)
	joiner := NewDoc(3)

	insert, err := author.InsertAt(0, "x")
	require.NoError(t, err)
	remove, err := author.DeleteAt(0, 1)
	require.NoError(t, err)

	require.True(t, server.ApplyUpdate(remove))
	joiner.ApplyUpdate(server.StateAsUpdate(joiner.StateVector()))

	server.ApplyUpdate(insert)
	joiner.ApplyUpdate(insert)

	require.Equal(t, "", server.Text())
	require.Equal(t, server.Text(), joiner.Text())
}

func TestStateAsUpdateCarriesBufferedItems(t *testing.T) {
	author := NewDoc(1)
	server := NewDoc(2)
	joiner := NewDoc(3)

	first, err := author.InsertAt(0, "a")
	require.NoError(t, err)
	second, err := author.InsertAt(1, "b")
	require.NoError(t, err)

	require.True(t, server.ApplyUpdate(second))
	require.Equal(t, 1, server.PendingCount())
	joiner.ApplyUpdate(server.StateAsUpdate(joiner.StateVector()))

	server.ApplyUpdate(first)
	joiner.ApplyUpdate(first)

	require.Equal(t, "ab", server.Text())
	require.Equal(t, "ab", joiner.Text())
	require.Zero(t, joiner.PendingCount())
}

func TestBufferedDeletesAreDroppedOnceApplied(t *testing.T) {
	author := NewDoc(1)
	replica := NewDoc(2)

	insert, err := author.InsertAt(0, "abc")
	require.NoError(t, err)
	remove, err := author.DeleteAt(1, 1)
	require.NoError(t, err)

	replica.ApplyUpdate(remove)
	require.Len(t, replica.pendingDeletes[1], 1)

	replica.ApplyUpdate(insert)
	require.Equal(t, "ac", replica.Text())
	require.Empty(t, replica.pendingDeletes)

	full := replica.StateAsUpdate(nil)
	require.True(t, full.Deletes.Contains(types.ID{Client: 1, Clock: 2}))
}

func TestReplaceHoldsReplicaAgainstRemoteUpdates(t *testing.T) {
	local := NewDoc(1)
	remote := NewDoc(2)

	_, err := local.InsertAt(0, "abc")
	require.NoError(t, err)
	syncDocs(t, local, remote)

	concurrent, err := remote.InsertAt(0, "Z")
	require.NoError(t, err)

	applied := make(chan struct{})
	update, err := local.Replace(func(current string) textdiff.Change {
		go func() {
			defer close(applied)
			local.ApplyUpdate(concurrent)
		}()
		select {
		case <-applied:
			t.Error("remote update integrated while the splice was being computed")
		case <-time.After(20 * time.Millisecond):
		}
		return textdiff.Diff(current, "abX")
	})
	require.NoError(t, err)
	<-applied

	remote.ApplyUpdate(update)
	require.Equal(t, "ZabX", local.Text())
	require.Equal(t, local.Text(), remote.Text())
}

func TestReplaceRejectsSpliceOutsideText(t *testing.T) {
	doc := NewDoc(1)
	_, err := doc.InsertAt(0, "ab")
	require.NoError(t, err)

	_, err = doc.Replace(func(string) textdiff.Change {
		return textdiff.Change{Pos: 1, Delete: 5}
	})
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, "ab", doc.Text())

	update, err := doc.Replace(func(current string) textdiff.Change {
		return textdiff.Diff(current, current)
	})
	require.NoError(t, err)
	require.True(t, update.IsEmpty())
}
