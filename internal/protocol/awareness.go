package protocol

import (
	"encoding/json"

	"github.com/example/shared-note/internal/types"
)

// NullState is the JSON state that announces a client left.
var NullState = []byte("null")

// AwarenessEntry is one client's presence state as carried on the wire.
// State is a JSON document; NullState removes the client.
type AwarenessEntry struct {
	Client types.ClientID
	Clock  uint64
	State  []byte
}

// Removed reports whether the entry announces that the client left.
func (e AwarenessEntry) Removed() bool {
	return string(e.State) == string(NullState)
}

// EncodeAwareness serialises entries as count { client clock state }.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	size := 1
	for _, e := range entries {
		size += 12 + len(e.State)
	}
	buf := make([]byte, 0, size)
	buf = appendVarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = appendVarint(buf, uint64(e.Client))
		buf = appendVarint(buf, e.Clock)
		state := e.State
		if len(state) == 0 {
			state = NullState
		}
		buf = appendBytes(buf, state)
	}
	return buf
}

// DecodeAwareness parses an awareness payload.
func DecodeAwareness(payload []byte) ([]AwarenessEntry, error) {
	return decodeAwareness(newReader("awareness", payload, 0))
}

func decodeAwareness(r *reader) ([]AwarenessEntry, error) {
	n, err := r.count("entry count", 3)
	if err != nil {
		return nil, err
	}
	entries := make([]AwarenessEntry, 0, n)
	for i := 0; i < n; i++ {
		client, err := r.uvarint("client")
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint("clock")
		if err != nil {
			return nil, err
		}
		start := r.off
		state, _, err := r.varBytes("state")
		if err != nil {
			return nil, err
		}
		if !json.Valid(state) {
			r.off = start
			return nil, r.fail(ErrMalformed, "state of client %d is not json", client)
		}
		entries = append(entries, AwarenessEntry{
			Client: types.ClientID(client),
			Clock:  clock,
			State:  append([]byte(nil), state...),
		})
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return entries, nil
}
