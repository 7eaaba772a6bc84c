// Package awareness keeps the ephemeral presence states of a document's
// clients: cursor positions, display names and similar metadata that is
// broadcast alongside document updates but never persisted with them.
package awareness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

// State is the latest presence reported by one client.
type State struct {
	Clock   uint64
	Value   *structpb.Value
	Raw     []byte
	Updated time.Time
}

// Change lists the clients affected by an applied awareness update.
type Change struct {
	Added   []types.ClientID
	Updated []types.ClientID
	Removed []types.ClientID
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Clients returns every client touched by the change.
func (c Change) Clients() []types.ClientID {
	out := make([]types.ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// Awareness holds the states of all clients of one document.
type Awareness struct {
	mu     sync.RWMutex
	states map[types.ClientID]State
	now    func() time.Time
}

// New returns an empty awareness set.
func New() *Awareness {
	return &Awareness{states: make(map[types.ClientID]State), now: time.Now}
}

// Apply merges entries received from a peer. An entry wins when its clock is
// newer than the known one; a null state removes the client immediately.
// Entries with unparseable state are skipped.
func (a *Awareness) Apply(entries []protocol.AwarenessEntry) Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	var change Change
	for _, entry := range entries {
		current, known := a.states[entry.Client]
		if entry.Removed() {
			if known && entry.Clock >= current.Clock {
				delete(a.states, entry.Client)
				change.Removed = append(change.Removed, entry.Client)
			}
			continue
		}
		if known && entry.Clock <= current.Clock {
			continue
		}

		value, err := parseState(entry.State)
		if err != nil {
			continue
		}
		a.states[entry.Client] = State{
			Clock:   entry.Clock,
			Value:   value,
			Raw:     append([]byte(nil), entry.State...),
			Updated: a.now(),
		}
		if known {
			change.Updated = append(change.Updated, entry.Client)
		} else {
			change.Added = append(change.Added, entry.Client)
		}
	}
	return change
}

// SetLocal replaces the state of client with fields, bumping its clock, and
// returns the entry to broadcast.
func (a *Awareness) SetLocal(client types.ClientID, fields map[string]any) (protocol.AwarenessEntry, error) {
	value, err := structpb.NewValue(fields)
	if err != nil {
		return protocol.AwarenessEntry{}, fmt.Errorf("awareness state: %w", err)
	}
	raw, err := protojson.Marshal(value)
	if err != nil {
		return protocol.AwarenessEntry{}, fmt.Errorf("marshal awareness state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	clock := a.states[client].Clock + 1
	a.states[client] = State{Clock: clock, Value: value, Raw: raw, Updated: a.now()}
	return protocol.AwarenessEntry{Client: client, Clock: clock, State: raw}, nil
}

// Remove deletes the given clients and returns the removal entries peers need
// to drop them too. Unknown clients are ignored.
func (a *Awareness) Remove(clients []types.ClientID) []protocol.AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var entries []protocol.AwarenessEntry
	for _, client := range clients {
		current, ok := a.states[client]
		if !ok {
			continue
		}
		delete(a.states, client)
		entries = append(entries, protocol.AwarenessEntry{
			Client: client,
			Clock:  current.Clock + 1,
			State:  protocol.NullState,
		})
	}
	return entries
}

// Entries encodes every known state, ordered by client.
func (a *Awareness) Entries() []protocol.AwarenessEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := make([]protocol.AwarenessEntry, 0, len(a.states))
	for client, state := range a.states {
		entries = append(entries, protocol.AwarenessEntry{Client: client, Clock: state.Clock, State: state.Raw})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Client < entries[j].Client })
	return entries
}

// Get returns the state of one client.
func (a *Awareness) Get(client types.ClientID) (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.states[client]
	return state, ok
}

// Snapshot renders states as plain Go values keyed by client.
func (a *Awareness) Snapshot() map[types.ClientID]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[types.ClientID]any, len(a.states))
	for client, state := range a.states {
		out[client] = state.Value.AsInterface()
	}
	return out
}

// Len returns the number of clients with a state.
func (a *Awareness) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.states)
}

func parseState(raw []byte) (*structpb.Value, error) {
	var value structpb.Value
	if err := protojson.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("parse awareness state: %w", err)
	}
	return &value, nil
}
