package presence

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/types"
)

func TestPresenceKeysRoundTrip(t *testing.T) {
	m := NewMirror(nil, zerolog.New(io.Discard))

	key := m.presenceKey("shared-note", 42)
	require.Equal(t, "presence:doc:shared-note:client:42", key)

	client, err := m.clientFromKey("shared-note", key)
	require.NoError(t, err)
	require.Equal(t, types.ClientID(42), client)

	_, err = m.clientFromKey("other", key)
	require.Error(t, err)
	_, err = m.clientFromKey("shared-note", "presence:doc:shared-note:client:x")
	require.Error(t, err)
}

func TestTrackLocalFollowsRemovals(t *testing.T) {
	m := NewMirror(nil, zerolog.New(io.Discard))

	m.trackLocal(batch{document: "a", entries: []protocol.AwarenessEntry{
		{Client: 1, Clock: 1, State: []byte(`{"user":{"name":"User 1"}}`)},
		{Client: 2, Clock: 1, State: []byte(`{}`)},
	}})
	require.Len(t, m.localKeys(), 2)

	m.trackLocal(batch{document: "a", entries: []protocol.AwarenessEntry{
		{Client: 1, Clock: 2, State: protocol.NullState},
	}})
	require.Equal(t, []string{"presence:doc:a:client:2"}, m.localKeys())

	m.trackLocal(batch{document: "a", entries: []protocol.AwarenessEntry{
		{Client: 2, Clock: 2, State: protocol.NullState},
	}})
	require.Empty(t, m.localKeys())
	require.Empty(t, m.roster)
}

func TestRecordNeverBlocks(t *testing.T) {
	m := NewMirror(nil, zerolog.New(io.Discard))
	entry := []protocol.AwarenessEntry{{Client: 1, Clock: 1, State: []byte(`{}`)}}

	for i := 0; i < cap(m.queue)+5; i++ {
		m.Record("a", entry)
	}
	require.Len(t, m.queue, cap(m.queue))

	m.Record("a", nil)
	require.Len(t, m.queue, cap(m.queue))
}
