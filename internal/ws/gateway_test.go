package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/types"
)

type hookLog struct {
	mu           sync.Mutex
	documents    []types.DocumentName
	messages     [][]byte
	disconnected int
}

func (l *hookLog) hooks() Hooks {
	return Hooks{
		OnConnect: func(_ context.Context, conn *Connection) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.documents = append(l.documents, conn.Document())
			return conn.Send([]byte{0, 0, 0})
		},
		OnMessage: func(_ context.Context, conn *Connection, payload []byte) error {
			l.mu.Lock()
			l.messages = append(l.messages, payload)
			l.mu.Unlock()
			return conn.Send(payload)
		},
		OnDisconnect: func(*Connection) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.disconnected++
		},
	}
}

func (l *hookLog) disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

func startGateway(t *testing.T, routing bool, log *hookLog) string {
	t.Helper()
	gateway, err := NewGateway(zerolog.New(io.Discard), log.hooks(), GatewayConfig{
		DefaultDocument: "shared-note",
		Routing:         routing,
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	router.Handle("/{document}", gateway)
	router.PathPrefix("/").Handler(gateway)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGatewayEchoesThroughHooks(t *testing.T) {
	log := &hookLog{}
	url := startGateway(t, false, log)
	conn := dial(t, url+"/anything/at/all")

	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0}, greeting)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, echoed)

	log.mu.Lock()
	require.Equal(t, []types.DocumentName{"shared-note"}, log.documents)
	log.mu.Unlock()

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return log.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRoutesByPathWhenEnabled(t *testing.T) {
	log := &hookLog{}
	url := startGateway(t, true, log)

	dial(t, url+"/notes")
	dial(t, url+"/")

	require.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		return len(log.documents) == 2
	}, 2*time.Second, 10*time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.ElementsMatch(t, []types.DocumentName{"notes", "shared-note"}, log.documents)
}

func TestGatewayClosesOnTextFrames(t *testing.T) {
	log := &hookLog{}
	url := startGateway(t, false, log)
	conn := dial(t, url)

	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
	require.Eventually(t, func() bool { return log.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}
