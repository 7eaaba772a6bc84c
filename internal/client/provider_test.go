package client

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/document"
	syncstate "github.com/example/shared-note/internal/sync"
	"github.com/example/shared-note/internal/ws"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func startServer(t *testing.T) (string, *document.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	loop := syncstate.NewLoop(64, zeroLogger())
	go loop.Run(ctx)
	registry := document.NewRegistry()
	hub := syncstate.NewHub(loop, registry, zeroLogger())

	gateway, err := ws.NewGateway(zeroLogger(), ws.HandlerHooks(hub), ws.GatewayConfig{
		DefaultDocument:   "shared-note",
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gateway)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), registry
}

func startProvider(t *testing.T, url, name string) (*Provider, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{URL: url, UserName: name, MinBackoff: 10 * time.Millisecond}, zeroLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, p.WaitSynced(waitCtx))
	return p, stop
}

func TestProvidersConvergeThroughServer(t *testing.T) {
	url, registry := startServer(t)

	a, _ := startProvider(t, url, "User 1")
	b, _ := startProvider(t, url, "User 2")

	require.NoError(t, a.SetText("hello"))
	require.Eventually(t, func() bool { return b.Text() == "hello" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.SetText("hello world"))
	require.Eventually(t, func() bool { return a.Text() == "hello world" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SetText("Hello, world"))
	require.Eventually(t, func() bool { return b.Text() == "Hello, world" }, 5*time.Second, 10*time.Millisecond)

	doc, ok := registry.Lookup("shared-note")
	require.True(t, ok)
	require.Equal(t, "Hello, world", doc.Replica().Text())
}

func TestLateJoinerReceivesState(t *testing.T) {
	url, _ := startServer(t)

	a, stopA := startProvider(t, url, "User 1")
	require.NoError(t, a.Insert(0, "written before you came"))
	require.Eventually(t, func() bool {
		return a.Status() == StatusConnected
	}, time.Second, 10*time.Millisecond)

	// Give the server a moment to apply the update before the writer leaves.
	time.Sleep(50 * time.Millisecond)
	stopA()

	b, _ := startProvider(t, url, "User 2")
	require.Equal(t, "written before you came", b.Text())
}

func TestAwarenessFollowsConnections(t *testing.T) {
	url, _ := startServer(t)

	a, stopA := startProvider(t, url, "User 1")
	b, _ := startProvider(t, url, "User 2")

	aID := a.Doc().ClientID()
	require.Eventually(t, func() bool {
		_, ok := b.Awareness().Get(aID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SetAwarenessField("cursor", 3))
	require.Eventually(t, func() bool {
		state, ok := b.Awareness().Get(aID)
		return ok && state.Value.GetStructValue().AsMap()["cursor"] == float64(3)
	}, 5*time.Second, 10*time.Millisecond)

	stopA()
	require.Eventually(t, func() bool {
		_, ok := b.Awareness().Get(aID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOfflineEditsSyncOnConnect(t *testing.T) {
	url, registry := startServer(t)

	p := New(Config{URL: url, MinBackoff: 10 * time.Millisecond}, zeroLogger())
	require.NoError(t, p.Insert(0, "drafted offline"))
	require.Equal(t, StatusDisconnected, p.Status())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		doc, ok := registry.Lookup("shared-note")
		return ok && doc.Replica().Text() == "drafted offline"
	}, 5*time.Second, 10*time.Millisecond)
}
