package crdt

import (
	"sort"

	"github.com/example/shared-note/internal/types"
)

// DeleteRange covers Len consecutive clocks starting at Clock.
type DeleteRange struct {
	Clock uint64
	Len   uint64
}

func (r DeleteRange) end() uint64 { return r.Clock + r.Len }

// DeleteSet lists deleted characters as clock ranges per client.
type DeleteSet map[types.ClientID][]DeleteRange

// Add records a single deleted character, extending the last range of the
// client when the clock is adjacent.
func (ds DeleteSet) Add(id types.ID) {
	ds.AddRange(id.Client, DeleteRange{Clock: id.Clock, Len: 1})
}

// AddRange records a range of deleted characters.
func (ds DeleteSet) AddRange(client types.ClientID, r DeleteRange) {
	if r.Len == 0 {
		return
	}
	ranges := ds[client]
	if n := len(ranges); n > 0 && ranges[n-1].end() == r.Clock {
		ranges[n-1].Len += r.Len
		return
	}
	ds[client] = append(ranges, r)
}

// Contains reports whether id falls inside one of the ranges.
func (ds DeleteSet) Contains(id types.ID) bool {
	for _, r := range ds[id.Client] {
		if id.Clock >= r.Clock && id.Clock < r.end() {
			return true
		}
	}
	return false
}

// Covers reports whether every clock of r is already recorded for client.
// The receiver must be normalized.
func (ds DeleteSet) Covers(client types.ClientID, r DeleteRange) bool {
	for _, existing := range ds[client] {
		if existing.Clock <= r.Clock && r.end() <= existing.end() {
			return true
		}
	}
	return false
}

// trimBelow drops the clocks of client lower than clock.
func (ds DeleteSet) trimBelow(client types.ClientID, clock uint64) {
	ranges := ds[client]
	kept := ranges[:0]
	for _, r := range ranges {
		if r.end() <= clock {
			continue
		}
		if r.Clock < clock {
			r.Len = r.end() - clock
			r.Clock = clock
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(ds, client)
		return
	}
	ds[client] = kept
}

// Normalize sorts ranges and merges overlapping or adjacent ones.
func (ds DeleteSet) Normalize() {
	for client, ranges := range ds {
		if len(ranges) == 0 {
			delete(ds, client)
			continue
		}
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Clock < ranges[j].Clock })
		merged := ranges[:1]
		for _, r := range ranges[1:] {
			last := &merged[len(merged)-1]
			if r.Clock <= last.end() {
				if r.end() > last.end() {
					last.Len = r.end() - last.Clock
				}
				continue
			}
			merged = append(merged, r)
		}
		ds[client] = merged
	}
}

// Clients returns the clients of the set in ascending order.
func (ds DeleteSet) Clients() []types.ClientID {
	clients := make([]types.ClientID, 0, len(ds))
	for client := range ds {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// Update is an immutable, self-contained description of sequence changes:
// new characters grouped into runs plus deletions of characters the receiver
// may already have. Applying the same update any number of times, in any
// order relative to other updates, yields the same text.
type Update struct {
	Runs    []Run
	Deletes DeleteSet
}

// IsEmpty reports whether the update carries no changes.
func (u Update) IsEmpty() bool {
	if len(u.Runs) > 0 {
		return false
	}
	for _, ranges := range u.Deletes {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// StateVector returns the clocks this update advances, per client.
func (u Update) StateVector() types.StateVector {
	sv := make(types.StateVector)
	for _, run := range u.Runs {
		last := run.LastID()
		if last.Clock > sv[last.Client] {
			sv[last.Client] = last.Clock
		}
	}
	return sv
}
