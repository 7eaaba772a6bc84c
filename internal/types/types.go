package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DocumentName is the sharing key clients use to rendezvous on a document.
type DocumentName string

// ClientID identifies a replica. It is random and collision-improbable.
type ClientID uint64

// maxClientID keeps identifiers inside the range JavaScript peers can
// represent exactly.
const maxClientID = 1<<53 - 1

// NewClientID draws a fresh random replica identifier.
func NewClientID() ClientID {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[:8]) & maxClientID
	if id == 0 {
		id = 1
	}
	return ClientID(id)
}

// ID is the globally unique identity of a single sequence element. Clocks
// start at 1 for every client and grow by one per element.
type ID struct {
	Client ClientID
	Clock  uint64
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// SameID reports whether two optional identifiers are equal. Two nil
// identifiers are equal.
func SameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StateVector maps each client to the highest clock already integrated from
// it. All clocks up to and including that value are present.
type StateVector map[ClientID]uint64

// Get returns the integrated clock for client, zero when nothing is known.
func (sv StateVector) Get(client ClientID) uint64 {
	if sv == nil {
		return 0
	}
	return sv[client]
}

// Has reports whether the element identified by id is covered.
func (sv StateVector) Has(id ID) bool {
	return id.Clock != 0 && id.Clock <= sv.Get(id.Client)
}

// Merge merges another state vector into the receiver by taking the max
// value for each entry.
func (sv StateVector) Merge(other StateVector) {
	for client, value := range other {
		if current, ok := sv[client]; !ok || value > current {
			sv[client] = value
		}
	}
}

// Clone returns a deep copy of the state vector.
func (sv StateVector) Clone() StateVector {
	clone := make(StateVector, len(sv))
	for k, v := range sv {
		clone[k] = v
	}
	return clone
}

// Covers reports whether every entry of other is less than or equal to the
// matching entry of the receiver.
func (sv StateVector) Covers(other StateVector) bool {
	for client, value := range other {
		if sv.Get(client) < value {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors hold the same non-zero entries.
func (sv StateVector) Equal(other StateVector) bool {
	return sv.Covers(other) && other.Covers(sv)
}

// Clients returns the client ids of the vector in ascending order.
func (sv StateVector) Clients() []ClientID {
	clients := make([]ClientID, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// MarshalJSON renders client ids as decimal string keys.
func (sv StateVector) MarshalJSON() ([]byte, error) {
	out := make(map[string]uint64, len(sv))
	for client, clock := range sv {
		out[strconv.FormatUint(uint64(client), 10)] = clock
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the representation produced by MarshalJSON.
func (sv *StateVector) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode state vector: %w", err)
	}
	out := make(StateVector, len(raw))
	for key, clock := range raw {
		client, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("decode state vector client %q: %w", key, err)
		}
		out[ClientID(client)] = clock
	}
	*sv = out
	return nil
}

// JournalRecord stores a durable copy of an accepted update payload.
type JournalRecord struct {
	LSN       int64        `json:"lsn,omitempty"`
	Document  DocumentName `json:"document"`
	MessageID string       `json:"message_id"`
	Origin    string       `json:"origin"`
	Payload   []byte       `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}
