package protocol

import (
	"math"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/types"
)

// Run info bits.
const (
	infoOrigin      = 1 << 0
	infoRightOrigin = 1 << 1
	infoDeleted     = 1 << 2
	infoKnown       = infoOrigin | infoRightOrigin | infoDeleted
)

// EncodeUpdate serialises an update. Runs of the same client with adjacent
// clocks share one block header:
//
//	blocks  := count { client firstClock count { info [origin] [rightOrigin] content } }
//	deletes := count { client count { clock len } }
//
// Every integer is an unsigned varint and content is a length-prefixed UTF-8
// string.
func EncodeUpdate(u crdt.Update) []byte {
	type block struct {
		client types.ClientID
		clock  uint64
		runs   []crdt.Run
	}

	var blocks []block
	var next uint64
	for _, run := range u.Runs {
		if n := len(blocks); n > 0 && blocks[n-1].client == run.ID.Client && next == run.ID.Clock {
			blocks[n-1].runs = append(blocks[n-1].runs, run)
		} else {
			blocks = append(blocks, block{client: run.ID.Client, clock: run.ID.Clock, runs: []crdt.Run{run}})
		}
		next = run.ID.Clock + uint64(run.Len())
	}

	buf := make([]byte, 0, 16+len(u.Runs)*8)
	buf = appendVarint(buf, uint64(len(blocks)))
	for _, b := range blocks {
		buf = appendVarint(buf, uint64(b.client))
		buf = appendVarint(buf, b.clock)
		buf = appendVarint(buf, uint64(len(b.runs)))
		for _, run := range b.runs {
			var info byte
			if run.Origin != nil {
				info |= infoOrigin
			}
			if run.RightOrigin != nil {
				info |= infoRightOrigin
			}
			if run.Deleted {
				info |= infoDeleted
			}
			buf = append(buf, info)
			if run.Origin != nil {
				buf = appendID(buf, *run.Origin)
			}
			if run.RightOrigin != nil {
				buf = appendID(buf, *run.RightOrigin)
			}
			buf = appendString(buf, run.Content)
		}
	}

	clients := u.Deletes.Clients()
	nonEmpty := 0
	for _, client := range clients {
		if len(u.Deletes[client]) > 0 {
			nonEmpty++
		}
	}
	buf = appendVarint(buf, uint64(nonEmpty))
	for _, client := range clients {
		ranges := u.Deletes[client]
		if len(ranges) == 0 {
			continue
		}
		buf = appendVarint(buf, uint64(client))
		buf = appendVarint(buf, uint64(len(ranges)))
		for _, r := range ranges {
			buf = appendVarint(buf, r.Clock)
			buf = appendVarint(buf, r.Len)
		}
	}
	return buf
}

func appendID(buf []byte, id types.ID) []byte {
	buf = appendVarint(buf, uint64(id.Client))
	return appendVarint(buf, id.Clock)
}

// DecodeUpdate parses an encoded update. The whole payload is validated
// before anything is returned, so a failed decode never reaches a replica.
func DecodeUpdate(payload []byte) (crdt.Update, error) {
	return decodeUpdate(newReader("update", payload, 0))
}

func decodeUpdate(r *reader) (crdt.Update, error) {
	u := crdt.Update{Deletes: make(crdt.DeleteSet)}

	numBlocks, err := r.count("block count", 3)
	if err != nil {
		return crdt.Update{}, err
	}
	for b := 0; b < numBlocks; b++ {
		client, err := r.uvarint("block client")
		if err != nil {
			return crdt.Update{}, err
		}
		clock, err := r.uvarint("block clock")
		if err != nil {
			return crdt.Update{}, err
		}
		if clock == 0 {
			return crdt.Update{}, r.fail(ErrMalformed, "block clock must be positive")
		}
		numRuns, err := r.count("run count", 2)
		if err != nil {
			return crdt.Update{}, err
		}
		for i := 0; i < numRuns; i++ {
			run, err := decodeRun(r, types.ID{Client: types.ClientID(client), Clock: clock})
			if err != nil {
				return crdt.Update{}, err
			}
			n := uint64(run.Len())
			if clock > math.MaxUint64-n {
				return crdt.Update{}, r.fail(ErrMalformed, "clock overflow")
			}
			clock += n
			u.Runs = append(u.Runs, run)
		}
	}

	numClients, err := r.count("delete client count", 2)
	if err != nil {
		return crdt.Update{}, err
	}
	for c := 0; c < numClients; c++ {
		client, err := r.uvarint("delete client")
		if err != nil {
			return crdt.Update{}, err
		}
		numRanges, err := r.count("delete range count", 2)
		if err != nil {
			return crdt.Update{}, err
		}
		for i := 0; i < numRanges; i++ {
			clock, err := r.uvarint("delete clock")
			if err != nil {
				return crdt.Update{}, err
			}
			length, err := r.uvarint("delete length")
			if err != nil {
				return crdt.Update{}, err
			}
			if clock == 0 || length == 0 || clock > math.MaxUint64-length {
				return crdt.Update{}, r.fail(ErrMalformed, "delete range %d+%d", clock, length)
			}
			u.Deletes.AddRange(types.ClientID(client), crdt.DeleteRange{Clock: clock, Len: length})
		}
	}
	u.Deletes.Normalize()

	if err := r.done(); err != nil {
		return crdt.Update{}, err
	}
	return u, nil
}

func decodeRun(r *reader, id types.ID) (crdt.Run, error) {
	info, err := r.flags("run info")
	if err != nil {
		return crdt.Run{}, err
	}
	if info&^infoKnown != 0 {
		return crdt.Run{}, r.fail(ErrMalformed, "run info %#x", info)
	}

	run := crdt.Run{ID: id, Deleted: info&infoDeleted != 0}
	if info&infoOrigin != 0 {
		origin, err := decodeID(r, "origin")
		if err != nil {
			return crdt.Run{}, err
		}
		run.Origin = &origin
	}
	if info&infoRightOrigin != 0 {
		rightOrigin, err := decodeID(r, "right origin")
		if err != nil {
			return crdt.Run{}, err
		}
		run.RightOrigin = &rightOrigin
	}
	run.Content, err = r.varString("run content")
	if err != nil {
		return crdt.Run{}, err
	}
	if run.Content == "" {
		return crdt.Run{}, r.fail(ErrMalformed, "empty run content")
	}
	return run, nil
}

func decodeID(r *reader, field string) (types.ID, error) {
	client, err := r.uvarint(field + " client")
	if err != nil {
		return types.ID{}, err
	}
	clock, err := r.uvarint(field + " clock")
	if err != nil {
		return types.ID{}, err
	}
	if clock == 0 {
		return types.ID{}, r.fail(ErrMalformed, "%s clock must be positive", field)
	}
	return types.ID{Client: types.ClientID(client), Clock: clock}, nil
}

// EncodeStateVector serialises a state vector as count { client clock } in
// ascending client order.
func EncodeStateVector(sv types.StateVector) []byte {
	clients := sv.Clients()
	buf := make([]byte, 0, 1+len(clients)*10)
	buf = appendVarint(buf, uint64(len(clients)))
	for _, client := range clients {
		buf = appendVarint(buf, uint64(client))
		buf = appendVarint(buf, sv[client])
	}
	return buf
}

// DecodeStateVector parses a state vector. Repeated clients keep the
// highest clock.
func DecodeStateVector(payload []byte) (types.StateVector, error) {
	return decodeStateVector(newReader("state vector", payload, 0))
}

func decodeStateVector(r *reader) (types.StateVector, error) {
	n, err := r.count("client count", 2)
	if err != nil {
		return nil, err
	}
	sv := make(types.StateVector, n)
	for i := 0; i < n; i++ {
		client, err := r.uvarint("client")
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint("clock")
		if err != nil {
			return nil, err
		}
		if clock > sv[types.ClientID(client)] {
			sv[types.ClientID(client)] = clock
		}
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return sv, nil
}
