// Package document binds a replicated sequence to the peers currently
// editing it and keeps the process-wide registry of documents.
package document

import (
	"sync"

	"github.com/example/shared-note/internal/awareness"
	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/types"
)

// Peer is a transport endpoint attached to a document. Send must not block.
type Peer interface {
	ID() string
	Send(payload []byte) error
}

// Document owns one replica, its awareness states and the set of attached
// peers. Replica mutations are expected to be serialised by the caller; the
// peer set is guarded so broadcasts may run from any goroutine.
type Document struct {
	name      types.DocumentName
	replica   *crdt.Doc
	awareness *awareness.Awareness

	mu    sync.RWMutex
	peers map[string]Peer
}

func newDocument(name types.DocumentName, client types.ClientID) *Document {
	return &Document{
		name:      name,
		replica:   crdt.NewDoc(client),
		awareness: awareness.New(),
		peers:     make(map[string]Peer),
	}
}

// Name returns the sharing key of the document.
func (d *Document) Name() types.DocumentName { return d.name }

// Replica returns the document's replicated sequence.
func (d *Document) Replica() *crdt.Doc { return d.replica }

// Awareness returns the document's presence states.
func (d *Document) Awareness() *awareness.Awareness { return d.awareness }

// Attach adds the peer. It reports false when the peer was already attached.
func (d *Document) Attach(p Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[p.ID()]; ok {
		return false
	}
	d.peers[p.ID()] = p
	documentPeers.WithLabelValues(string(d.name)).Set(float64(len(d.peers)))
	return true
}

// Detach removes the peer. The document and its content are kept even when
// the last peer leaves.
func (d *Document) Detach(p Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[p.ID()]; !ok {
		return false
	}
	delete(d.peers, p.ID())
	documentPeers.WithLabelValues(string(d.name)).Set(float64(len(d.peers)))
	return true
}

// Peers returns the attached peers.
func (d *Document) Peers() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of attached peers.
func (d *Document) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Broadcast delivers payload verbatim to every attached peer except skip,
// which may be nil. It returns the number of peers that accepted the payload.
func (d *Document) Broadcast(payload []byte, skip Peer) int {
	d.mu.RLock()
	recipients := make([]Peer, 0, len(d.peers))
	for id, p := range d.peers {
		if skip != nil && id == skip.ID() {
			continue
		}
		recipients = append(recipients, p)
	}
	d.mu.RUnlock()

	sent := 0
	for _, p := range recipients {
		if err := p.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}
