package syncstate

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type recorder struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *recorder) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames
	r.frames = nil
	return out
}

type frameLog struct {
	mu     sync.Mutex
	frames map[types.DocumentName][][]byte
}

func (l *frameLog) add(name types.DocumentName, frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frames == nil {
		l.frames = make(map[types.DocumentName][][]byte)
	}
	l.frames[name] = append(l.frames[name], frame)
}

func (l *frameLog) Publish(name types.DocumentName, frame []byte) { l.add(name, frame) }
func (l *frameLog) Append(name types.DocumentName, frame []byte)  { l.add(name, frame) }

func (l *frameLog) get(name types.DocumentName) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames[name]
}

type harness struct {
	t   *testing.T
	ctx context.Context
	hub *Hub
	reg *document.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	loop := NewLoop(64, zeroLogger())
	go loop.Run(ctx)
	reg := document.NewRegistry()
	return &harness{t: t, ctx: ctx, hub: NewHub(loop, reg, zeroLogger(), opts...), reg: reg}
}

// flush waits until every task submitted so far has run.
func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.hub.loop.Do(h.ctx, func() {}))
}

func (h *harness) connect(id string) *recorder {
	h.t.Helper()
	peer := &recorder{id: id}
	require.NoError(h.t, h.hub.Connect(h.ctx, peer, "shared-note"))
	h.flush()
	return peer
}

func (h *harness) send(peer *recorder, frame []byte) {
	h.t.Helper()
	require.NoError(h.t, h.hub.Receive(h.ctx, peer, frame))
	h.flush()
}

func decode(t *testing.T, frame []byte) protocol.Message {
	t.Helper()
	msg, err := protocol.DecodeMessage(frame)
	require.NoError(t, err)
	return msg
}

func TestHandshakeMovesSessionToActive(t *testing.T) {
	h := newHarness(t)
	peer := h.connect("a")

	frames := peer.take()
	require.Len(t, frames, 1)
	require.Equal(t, protocol.StepStateVector, decode(t, frames[0]).Step)

	state, ok, err := h.hub.SessionState(h.ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateSyncing, state)

	h.send(peer, protocol.EncodeSyncStep1(types.StateVector{}))
	frames = peer.take()
	require.Len(t, frames, 1)
	require.Equal(t, protocol.StepMissing, decode(t, frames[0]).Step)

	local := crdt.NewDoc(5)
	up, err := local.InsertAt(0, "hello")
	require.NoError(t, err)
	h.send(peer, protocol.EncodeSyncStep2(up))

	state, _, err = h.hub.SessionState(h.ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StateActive, state)

	doc, ok := h.reg.Lookup("shared-note")
	require.True(t, ok)
	require.Equal(t, "hello", doc.Replica().Text())
}

func TestStepTwoCarriesOnlyMissingItems(t *testing.T) {
	h := newHarness(t)
	writer := h.connect("writer")

	local := crdt.NewDoc(5)
	first, err := local.InsertAt(0, "abc")
	require.NoError(t, err)
	h.send(writer, protocol.EncodeUpdateMessage(first))
	second, err := local.InsertAt(3, "def")
	require.NoError(t, err)
	h.send(writer, protocol.EncodeUpdateMessage(second))

	reader := h.connect("reader")
	reader.take()
	h.send(reader, protocol.EncodeSyncStep1(types.StateVector{5: 3}))

	frames := reader.take()
	require.Len(t, frames, 1)
	reply := decode(t, frames[0])
	require.Len(t, reply.Update.Runs, 1)
	require.Equal(t, "def", reply.Update.Runs[0].Content)
}

func TestUpdatesRelayVerbatimExcludingSender(t *testing.T) {
	journal := &frameLog{}
	relay := &frameLog{}
	h := newHarness(t, WithJournal(journal), WithRelay(relay))

	a := h.connect("a")
	b := h.connect("b")
	c := h.connect("c")
	a.take()
	b.take()
	c.take()

	local := crdt.NewDoc(9)
	up, err := local.InsertAt(0, "hi")
	require.NoError(t, err)
	frame := protocol.EncodeUpdateMessage(up)
	h.send(a, frame)

	require.Empty(t, a.take())
	require.Equal(t, [][]byte{frame}, b.take())
	require.Equal(t, [][]byte{frame}, c.take())
	require.Equal(t, [][]byte{frame}, journal.get("shared-note"))
	require.Equal(t, [][]byte{frame}, relay.get("shared-note"))

	// A duplicate changes nothing and is not relayed again.
	h.send(b, frame)
	require.Empty(t, a.take())
	require.Empty(t, c.take())
	require.Len(t, journal.get("shared-note"), 1)
}

func TestUndecodableFrameIsDroppedWithoutClosing(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")
	a.take()
	b.take()

	h.send(a, []byte{9, 9, 9})
	h.send(a, []byte{0, 2, 5, 1})
	require.Empty(t, b.take())

	local := crdt.NewDoc(3)
	up, err := local.InsertAt(0, "ok")
	require.NoError(t, err)
	h.send(a, protocol.EncodeUpdateMessage(up))
	require.Len(t, b.take(), 1)

	state, ok, err := h.hub.SessionState(h.ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, StateClosed, state)
}

func TestDisconnectRemovesAwarenessAndKeepsText(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	local := crdt.NewDoc(11)
	up, err := local.InsertAt(0, "kept")
	require.NoError(t, err)
	h.send(a, protocol.EncodeUpdateMessage(up))
	h.send(a, protocol.EncodeAwarenessMessage([]protocol.AwarenessEntry{
		{Client: 11, Clock: 1, State: []byte(`{"user":{"name":"User 11"}}`)},
	}))
	b.take()

	// A late joiner sees the current awareness right after step 1.
	late := h.connect("late")
	frames := late.take()
	require.Len(t, frames, 2)
	require.Equal(t, protocol.KindAwareness, decode(t, frames[1]).Kind)

	require.NoError(t, h.hub.Disconnect(h.ctx, a))
	h.flush()

	frames = b.take()
	require.Len(t, frames, 1)
	msg := decode(t, frames[0])
	require.Equal(t, protocol.KindAwareness, msg.Kind)
	require.Len(t, msg.Awareness, 1)
	require.True(t, msg.Awareness[0].Removed())
	require.Equal(t, uint64(2), msg.Awareness[0].Clock)

	doc, _ := h.reg.Lookup("shared-note")
	require.Equal(t, "kept", doc.Replica().Text())
	require.Zero(t, doc.Awareness().Len())
	_, ok, err := h.hub.SessionState(h.ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRelayedFramesReachEveryLocalPeer(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	a.take()

	remote := crdt.NewDoc(77)
	up, err := remote.InsertAt(0, "from afar")
	require.NoError(t, err)
	frame := protocol.EncodeUpdateMessage(up)

	require.NoError(t, h.hub.HandleRelayed(h.ctx, "shared-note", frame))
	h.flush()
	require.Equal(t, [][]byte{frame}, a.take())

	require.NoError(t, h.hub.HandleRelayed(h.ctx, "shared-note", frame))
	h.flush()
	require.Empty(t, a.take())
}

func TestLoopStopsAcceptingWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(1, zeroLogger())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	ran := false
	require.NoError(t, loop.Do(ctx, func() { ran = true }))
	require.True(t, ran)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.ErrorIs(t, loop.Submit(context.Background(), func() {}), ErrLoopStopped)
}

func TestInspectDocumentNeverCreates(t *testing.T) {
	h := newHarness(t)

	found, err := h.hub.InspectDocument(h.ctx, "absent", func(*document.Document) {
		t.Fatal("callback must not run for a missing document")
	})
	require.NoError(t, err)
	require.False(t, found)
	_, ok := h.reg.Lookup("absent")
	require.False(t, ok)

	require.NoError(t, h.hub.WithDocument(h.ctx, "present", func(doc *document.Document) {
		u, err := crdt.NewDoc(3).InsertAt(0, "x")
		require.NoError(t, err)
		doc.Replica().ApplyUpdate(u)
	}))

	var text string
	found, err = h.hub.InspectDocument(h.ctx, "present", func(doc *document.Document) {
		text = doc.Replica().Text()
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "x", text)
}

func TestReconnectKeepsAwarenessClaimedByNewSession(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect("watcher")
	stale := h.connect("stale")

	h.send(stale, protocol.EncodeAwarenessMessage([]protocol.AwarenessEntry{
		{Client: 21, Clock: 1, State: []byte(`{"user":{"name":"User 21"}}`)},
	}))

	// The same client comes back on a new connection before the old one is
	// noticed as dead.
	fresh := h.connect("fresh")
	h.send(fresh, protocol.EncodeAwarenessMessage([]protocol.AwarenessEntry{
		{Client: 21, Clock: 2, State: []byte(`{"user":{"name":"User 21"}}`)},
	}))
	watcher.take()

	require.NoError(t, h.hub.Disconnect(h.ctx, stale))
	h.flush()

	require.Empty(t, watcher.take())
	doc, _ := h.reg.Lookup("shared-note")
	state, ok := doc.Awareness().Get(21)
	require.True(t, ok)
	require.Equal(t, uint64(2), state.Clock)

	require.NoError(t, h.hub.Disconnect(h.ctx, fresh))
	h.flush()

	frames := watcher.take()
	require.Len(t, frames, 1)
	msg := decode(t, frames[0])
	require.Len(t, msg.Awareness, 1)
	require.True(t, msg.Awareness[0].Removed())
	require.Zero(t, doc.Awareness().Len())
}
