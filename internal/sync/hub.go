package syncstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

// Relay forwards accepted frames to other server instances. Publish must
// not block the caller.
type Relay interface {
	Publish(name types.DocumentName, frame []byte)
}

// Journal records accepted update frames. Append must not block the caller.
type Journal interface {
	Append(name types.DocumentName, frame []byte)
}

// PresenceMirror receives awareness entries accepted for a document. Record
// must not block the caller.
type PresenceMirror interface {
	Record(name types.DocumentName, entries []protocol.AwarenessEntry)
}

// Option configures optional hub collaborators.
type Option func(*Hub)

// WithRelay publishes every frame that changed a document.
func WithRelay(r Relay) Option { return func(h *Hub) { h.relay = r } }

// WithJournal records every update frame that changed a document.
func WithJournal(j Journal) Option { return func(h *Hub) { h.journal = j } }

// WithPresenceMirror mirrors accepted awareness entries.
func WithPresenceMirror(m PresenceMirror) Option { return func(h *Hub) { h.presence = m } }

// Hub drives every session through the event loop. All methods may be called
// from any goroutine; the work itself always runs on the loop.
type Hub struct {
	loop     *Loop
	registry *document.Registry
	logger   zerolog.Logger

	sessions map[string]*Session
	// owners maps an awareness client to the session that last announced it.
	owners map[presenceKey]*Session

	relay    Relay
	journal  Journal
	presence PresenceMirror
}

// NewHub wires a hub to its loop and registry.
func NewHub(loop *Loop, registry *document.Registry, logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		loop:     loop,
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
		owners:   make(map[presenceKey]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect attaches peer to the named document and starts the handshake.
func (h *Hub) Connect(ctx context.Context, peer document.Peer, name types.DocumentName) error {
	return h.loop.Submit(ctx, func() { h.attach(peer, name) })
}

// Receive hands an inbound frame from peer to the loop.
func (h *Hub) Receive(ctx context.Context, peer document.Peer, frame []byte) error {
	return h.loop.Submit(ctx, func() { h.handle(peer, frame) })
}

// Disconnect detaches peer. Document content is left untouched.
func (h *Hub) Disconnect(ctx context.Context, peer document.Peer) error {
	return h.loop.Submit(ctx, func() { h.detach(peer) })
}

// HandleRelayed applies a frame published by another instance and forwards
// it to every local peer of the document.
func (h *Hub) HandleRelayed(ctx context.Context, name types.DocumentName, frame []byte) error {
	return h.loop.Submit(ctx, func() { h.handleRelayed(name, frame) })
}

// WithDocument runs fn on the loop against the named document, creating it
// when needed, and waits for it to return.
func (h *Hub) WithDocument(ctx context.Context, name types.DocumentName, fn func(*document.Document)) error {
	return h.loop.Do(ctx, func() {
		doc, _ := h.registry.GetOrCreate(name)
		fn(doc)
	})
}

// InspectDocument runs fn on the loop against an existing document and
// reports whether the document exists. Unlike WithDocument it never creates.
func (h *Hub) InspectDocument(ctx context.Context, name types.DocumentName, fn func(*document.Document)) (bool, error) {
	var found bool
	err := h.loop.Do(ctx, func() {
		doc, ok := h.registry.Lookup(name)
		if ok {
			found = true
			fn(doc)
		}
	})
	return found, err
}

// SessionState reports the state of the session owned by peer.
func (h *Hub) SessionState(ctx context.Context, peerID string) (State, bool, error) {
	var (
		state State
		ok    bool
	)
	err := h.loop.Do(ctx, func() {
		var sess *Session
		if sess, ok = h.sessions[peerID]; ok {
			state = sess.state
		}
	})
	return state, ok, err
}

func (h *Hub) attach(peer document.Peer, name types.DocumentName) {
	if _, exists := h.sessions[peer.ID()]; exists {
		h.logger.Warn().Str("session", peer.ID()).Msg("peer already attached")
		return
	}

	doc, created := h.registry.GetOrCreate(name)
	if created {
		h.logger.Info().Str("document", string(name)).Msg("document created")
	}

	logger := h.logger.With().Str("document", string(name)).Str("session", peer.ID()).Logger()
	sess := newSession(peer, doc, logger)
	h.sessions[peer.ID()] = sess
	doc.Attach(peer)
	activeSessions.Set(float64(len(h.sessions)))

	sess.send(protocol.EncodeSyncStep1(doc.Replica().StateVector()))
	sess.transition(StateSyncing)
	if entries := doc.Awareness().Entries(); len(entries) > 0 {
		sess.send(protocol.EncodeAwarenessMessage(entries))
	}
	logger.Info().Int("peers", doc.PeerCount()).Msg("session attached")
}

func (h *Hub) detach(peer document.Peer) {
	sess, ok := h.sessions[peer.ID()]
	if !ok {
		return
	}
	delete(h.sessions, peer.ID())
	activeSessions.Set(float64(len(h.sessions)))

	doc := sess.doc
	doc.Detach(peer)
	sess.transition(StateClosed)

	controlled := sess.controlled()
	h.disown(sess, controlled)
	if removals := doc.Awareness().Remove(controlled); len(removals) > 0 {
		frame := protocol.EncodeAwarenessMessage(removals)
		doc.Broadcast(frame, nil)
		h.publish(doc.Name(), frame)
		if h.presence != nil {
			h.presence.Record(doc.Name(), removals)
		}
	}
	sess.logger.Info().Int("peers", doc.PeerCount()).Msg("session detached")
}

func (h *Hub) handle(peer document.Peer, frame []byte) {
	sess, ok := h.sessions[peer.ID()]
	if !ok {
		h.logger.Debug().Str("session", peer.ID()).Msg("frame from unattached peer dropped")
		return
	}
	doc := sess.doc

	_, span := tracer.Start(context.Background(), "sync.handle",
		trace.WithAttributes(
			attribute.String("document", string(doc.Name())),
			attribute.String("session", peer.ID()),
			attribute.Int("bytes", len(frame)),
		))
	defer span.End()

	msg, err := protocol.DecodeMessage(frame)
	if err != nil {
		h.rejectFrame(sess.logger, span, err)
		return
	}
	messagesTotal.WithLabelValues(msg.Label()).Inc()
	span.SetAttributes(attribute.String("kind", msg.Label()))

	switch {
	case msg.Kind == protocol.KindSync && msg.Step == protocol.StepStateVector:
		sess.send(protocol.EncodeSyncStep2(doc.Replica().StateAsUpdate(msg.StateVector)))

	case msg.Kind == protocol.KindSync:
		if msg.Step == protocol.StepMissing {
			sess.transition(StateActive)
		}
		if !doc.Replica().ApplyUpdate(msg.Update) {
			return
		}
		if pending := doc.Replica().PendingCount(); pending > 0 {
			sess.logger.Debug().Int("pending", pending).Msg("update buffered awaiting dependencies")
		}
		h.relayFrame(doc, frame, peer)
		if h.journal != nil {
			h.journal.Append(doc.Name(), frame)
		}

	case msg.Kind == protocol.KindAwareness:
		change := doc.Awareness().Apply(msg.Awareness)
		if change.Empty() {
			return
		}
		h.claim(sess, change.Added)
		h.claim(sess, change.Updated)
		h.disown(sess, change.Removed)
		h.relayFrame(doc, frame, peer)
		if h.presence != nil {
			h.presence.Record(doc.Name(), msg.Awareness)
		}
	}
}

func (h *Hub) handleRelayed(name types.DocumentName, frame []byte) {
	logger := h.logger.With().Str("document", string(name)).Str("source", "relay").Logger()

	msg, err := protocol.DecodeMessage(frame)
	if err != nil {
		h.rejectFrame(logger, nil, err)
		return
	}
	doc, _ := h.registry.GetOrCreate(name)

	changed := false
	switch {
	case msg.Kind == protocol.KindSync && msg.Step != protocol.StepStateVector:
		changed = doc.Replica().ApplyUpdate(msg.Update)
	case msg.Kind == protocol.KindAwareness:
		changed = !doc.Awareness().Apply(msg.Awareness).Empty()
	}
	if changed {
		sent := doc.Broadcast(frame, nil)
		relayedTotal.Add(float64(sent))
		logger.Debug().Int("recipients", sent).Msg("relayed frame applied")
	}
}

type presenceKey struct {
	document types.DocumentName
	client   types.ClientID
}

// claim makes sess the owner of clients. A client announced again over a new
// connection, for example after a reconnect, stops being removed when its old
// connection detaches.
func (h *Hub) claim(sess *Session, clients []types.ClientID) {
	for _, c := range clients {
		key := presenceKey{document: sess.doc.Name(), client: c}
		if prev, ok := h.owners[key]; ok && prev != sess {
			prev.release([]types.ClientID{c})
		}
		h.owners[key] = sess
	}
	sess.control(clients)
}

func (h *Hub) disown(sess *Session, clients []types.ClientID) {
	for _, c := range clients {
		key := presenceKey{document: sess.doc.Name(), client: c}
		if h.owners[key] == sess {
			delete(h.owners, key)
		}
	}
	sess.release(clients)
}

func (h *Hub) relayFrame(doc *document.Document, frame []byte, origin document.Peer) {
	sent := doc.Broadcast(frame, origin)
	relayedTotal.Add(float64(sent))
	h.publish(doc.Name(), frame)
}

func (h *Hub) publish(name types.DocumentName, frame []byte) {
	if h.relay != nil {
		h.relay.Publish(name, frame)
	}
}

func (h *Hub) rejectFrame(logger zerolog.Logger, span trace.Span, err error) {
	reason := "malformed"
	offset := -1
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		reason = decodeErr.Reason()
		offset = decodeErr.Offset
	}
	decodeErrors.WithLabelValues(reason).Inc()
	logger.Warn().Err(err).Int("offset", offset).Msg("dropping undecodable frame")
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("decode: %s", reason))
	}
}
